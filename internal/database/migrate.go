// Package database はデータベース接続とマイグレーション管理を提供する。
package database

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

// migrationDir はDialectごとのマイグレーションディレクトリを返す。
func migrationDir(dialect Dialect) (string, error) {
	switch dialect {
	case DialectPostgres, DialectPgx:
		return "migrations/postgres", nil
	case DialectMySQL:
		return "migrations/mysql", nil
	case DialectSQLite:
		return "migrations/sqlite3", nil
	default:
		return "", fmt.Errorf("dialect %q has no migrations", dialect)
	}
}

// MigrateURL はドライバー用の接続文字列をgolang-migrateのURL形式に変換する。
func MigrateURL(dialect Dialect, databaseURL string) (string, error) {
	switch dialect {
	case DialectPostgres:
		return databaseURL, nil
	case DialectPgx:
		for _, prefix := range []string{"postgres://", "postgresql://"} {
			if strings.HasPrefix(databaseURL, prefix) {
				return "pgx5://" + strings.TrimPrefix(databaseURL, prefix), nil
			}
		}
		return "", fmt.Errorf("pgx database url must start with postgres://")
	case DialectMySQL:
		return "mysql://" + strings.TrimPrefix(databaseURL, "mysql://"), nil
	case DialectSQLite:
		path := strings.TrimPrefix(databaseURL, "sqlite3://")
		path = strings.TrimPrefix(path, "file:")
		return "sqlite3://" + path, nil
	default:
		return "", fmt.Errorf("dialect %q does not support migrations", dialect)
	}
}

// NewMigrator はマイグレーション実行用のmigrateインスタンスを生成する。
func NewMigrator(dialect Dialect, databaseURL string) (*migrate.Migrate, error) {
	dir, err := migrationDir(dialect)
	if err != nil {
		return nil, err
	}
	source, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	migrateURL, err := MigrateURL(dialect, databaseURL)
	if err != nil {
		return nil, err
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return m, nil
}

// RunMigrations はすべてのマイグレーションを適用する。
// すでに最新の場合はエラーなしで返る。
func RunMigrations(dialect Dialect, databaseURL string) error {
	m, err := NewMigrator(dialect, databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// RollbackMigrations は直近のマイグレーションをsteps件だけ戻す。
func RollbackMigrations(dialect Dialect, databaseURL string, steps int) error {
	m, err := NewMigrator(dialect, databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to rollback migrations: %w", err)
	}
	return nil
}
