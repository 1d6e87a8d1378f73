package database

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect はコネクションリポジトリの保存先の種類。
type Dialect string

const (
	// DialectMemory はデータベースを使わずプロセス内メモリに保存する。
	DialectMemory Dialect = "memory"
	// DialectPostgres はlib/pqドライバーでPostgreSQLに接続する。
	DialectPostgres Dialect = "postgres"
	// DialectPgx はpgx/v5のdatabase/sqlドライバーでPostgreSQLに接続する。
	DialectPgx Dialect = "pgx"
	// DialectMySQL はgo-sql-driver/mysqlでMySQLに接続する。
	DialectMySQL Dialect = "mysql"
	// DialectSQLite はmattn/go-sqlite3でSQLiteに接続する。
	DialectSQLite Dialect = "sqlite3"
)

// ParseDialect は設定値からDialectを解析する。空文字列はmemory。
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "memory":
		return DialectMemory, nil
	case "postgres", "postgresql":
		return DialectPostgres, nil
	case "pgx":
		return DialectPgx, nil
	case "mysql":
		return DialectMySQL, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("unknown database driver: %q", s)
	}
}

// IsPostgres はPostgreSQL系のDialectかを返す。
func (d Dialect) IsPostgres() bool {
	return d == DialectPostgres || d == DialectPgx
}

// Rebind は?プレースホルダーをDialectの形式に書き換える。
// PostgreSQLでは$1, $2...に変換する。クエリ中の文字列リテラルに?を含めてはならない。
func (d Dialect) Rebind(query string) string {
	if !d.IsPostgres() {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Open はDialectに対応するドライバーでデータベース接続を開く。
// sql.Openは接続を試行しないため、実際の接続確認にはdb.Ping()を使用すること。
func Open(dialect Dialect, databaseURL string) (*sql.DB, error) {
	if dialect == DialectMemory {
		return nil, fmt.Errorf("dialect %q does not use a database", dialect)
	}
	db, err := sql.Open(string(dialect), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLiteは書き込みが単一接続に直列化されるため、接続数を1に制限する
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}

	return db, nil
}
