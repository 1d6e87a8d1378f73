package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/hitoshi/connectbroker/internal/database"
	"github.com/hitoshi/connectbroker/internal/model"
	"github.com/hitoshi/connectbroker/internal/security"
)

// connectionColumns はSELECTで取得するカラム。scanConnectionの順序と一致させる。
const connectionColumns = `provider_id, provider_user_id, conn_rank, display_name, profile_url, image_url,
	access_token, secret, refresh_token, expire_time`

// SQLConnectionRepo はdatabase/sqlを使用したコネクションリポジトリ。
// PostgreSQL（lib/pq、pgx）、MySQL、SQLiteに対応する。
// トークンはTokenEncryptorで暗号化して保存し、逆引きにはダイジェストカラムを使う。
type SQLConnectionRepo struct {
	db      *sql.DB
	dialect database.Dialect
	enc     security.TokenEncryptor
	locks   keyedMutex
	now     func() time.Time
}

// NewSQLConnectionRepo はSQLConnectionRepoを生成する。encがnilの場合は暗号化しない。
func NewSQLConnectionRepo(db *sql.DB, dialect database.Dialect, enc security.TokenEncryptor) *SQLConnectionRepo {
	if enc == nil {
		enc = security.NewNoopTokenEncryptor()
	}
	return &SQLConnectionRepo{db: db, dialect: dialect, enc: enc, now: time.Now}
}

// FindAllConnections はアカウントの全コネクションをプロバイダーIDごとにrank昇順で返す。
func (r *SQLConnectionRepo) FindAllConnections(ctx context.Context, accountID string) (map[string][]model.ConnectionData, error) {
	rows, err := r.db.QueryContext(ctx, r.dialect.Rebind(
		`SELECT `+connectionColumns+` FROM connections
		 WHERE account_id = ?
		 ORDER BY provider_id, conn_rank`),
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find all connections: %w", err)
	}
	defer rows.Close()

	result := make(map[string][]model.ConnectionData)
	for rows.Next() {
		data, err := r.scanConnection(rows)
		if err != nil {
			return nil, err
		}
		result[data.ProviderID] = append(result[data.ProviderID], *data)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate connections: %w", err)
	}
	return result, nil
}

// FindConnections は指定プロバイダーのコネクションをrank昇順で返す。
func (r *SQLConnectionRepo) FindConnections(ctx context.Context, accountID, providerID string) ([]model.ConnectionData, error) {
	rows, err := r.db.QueryContext(ctx, r.dialect.Rebind(
		`SELECT `+connectionColumns+` FROM connections
		 WHERE account_id = ? AND provider_id = ?
		 ORDER BY conn_rank`),
		accountID, providerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find connections: %w", err)
	}
	defer rows.Close()

	result := []model.ConnectionData{}
	for rows.Next() {
		data, err := r.scanConnection(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *data)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate connections: %w", err)
	}
	return result, nil
}

// FindConnectionsToUsers は指定したプロバイダーユーザーIDのコネクションを返す。
func (r *SQLConnectionRepo) FindConnectionsToUsers(ctx context.Context, accountID, providerID string, providerUserIDs []string) (map[string]model.ConnectionData, error) {
	result := make(map[string]model.ConnectionData)
	if len(providerUserIDs) == 0 {
		return result, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(providerUserIDs)), ", ")
	args := make([]any, 0, len(providerUserIDs)+2)
	args = append(args, accountID, providerID)
	for _, id := range providerUserIDs {
		args = append(args, id)
	}

	rows, err := r.db.QueryContext(ctx, r.dialect.Rebind(
		`SELECT `+connectionColumns+` FROM connections
		 WHERE account_id = ? AND provider_id = ? AND provider_user_id IN (`+placeholders+`)
		 ORDER BY conn_rank`),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find connections to users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		data, err := r.scanConnection(rows)
		if err != nil {
			return nil, err
		}
		result[data.ProviderUserID] = *data
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate connections: %w", err)
	}
	return result, nil
}

// FindConnection はキーに一致するコネクションを返す。見つからない場合はnilを返す。
func (r *SQLConnectionRepo) FindConnection(ctx context.Context, accountID string, key model.ConnectionKey) (*model.ConnectionData, error) {
	row := r.db.QueryRowContext(ctx, r.dialect.Rebind(
		`SELECT `+connectionColumns+` FROM connections
		 WHERE account_id = ? AND provider_id = ? AND provider_user_id = ?`),
		accountID, key.ProviderID, key.ProviderUserID,
	)
	data, err := r.scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// FindPrimaryConnection はrankが最小のコネクションを返す。見つからない場合はnilを返す。
func (r *SQLConnectionRepo) FindPrimaryConnection(ctx context.Context, accountID, providerID string) (*model.ConnectionData, error) {
	row := r.db.QueryRowContext(ctx, r.dialect.Rebind(
		`SELECT `+connectionColumns+` FROM connections
		 WHERE account_id = ? AND provider_id = ?
		 ORDER BY conn_rank
		 LIMIT 1`),
		accountID, providerID,
	)
	data, err := r.scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// AddConnection はコネクションを追加する。
// 同一(account, provider)への書き込みはプロセス内ロックとトランザクションで直列化し、
// PostgreSQLではpg_advisory_xact_lock、MySQLではFOR UPDATEでプロセス間も直列化する。
func (r *SQLConnectionRepo) AddConnection(ctx context.Context, accountID string, data *model.ConnectionData) error {
	lockKey := accountID + "\x00" + data.ProviderID
	unlock := r.locks.Lock(lockKey)
	defer unlock()

	// 別プロセスとの競合でデッドロックした場合はトランザクションごとやり直す。
	// やり直しでは確定済みの行が見えるため重複として検出される。
	return retryOnLockConflict(ctx, maxLockConflictRetries, func() error {
		return r.addConnectionTx(ctx, accountID, lockKey, data)
	})
}

func (r *SQLConnectionRepo) addConnectionTx(ctx context.Context, accountID, lockKey string, data *model.ConnectionData) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if r.dialect.IsPostgres() {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryLockKey(lockKey)); err != nil {
			return fmt.Errorf("failed to acquire advisory lock: %w", err)
		}
	}

	var exists int
	err = tx.QueryRowContext(ctx, r.dialect.Rebind(
		`SELECT 1 FROM connections
		 WHERE account_id = ? AND provider_id = ? AND provider_user_id = ?`+r.forUpdate()),
		accountID, data.ProviderID, data.ProviderUserID,
	).Scan(&exists)
	if err == nil {
		return &model.DuplicateConnectionError{AccountID: accountID, Key: data.Key()}
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check duplicate connection: %w", err)
	}

	var rank int
	err = tx.QueryRowContext(ctx, r.dialect.Rebind(
		`SELECT COALESCE(MAX(conn_rank) + 1, 0) FROM connections
		 WHERE account_id = ? AND provider_id = ?`+r.forUpdate()),
		accountID, data.ProviderID,
	).Scan(&rank)
	if err != nil {
		return fmt.Errorf("failed to compute connection rank: %w", err)
	}

	enc, err := r.encryptTokens(data)
	if err != nil {
		return err
	}

	now := r.now().UTC()
	_, err = tx.ExecContext(ctx, r.dialect.Rebind(
		`INSERT INTO connections (account_id, provider_id, provider_user_id, conn_rank,
			display_name, profile_url, image_url, access_token, secret, refresh_token,
			expire_time, access_token_digest, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		accountID, data.ProviderID, data.ProviderUserID, rank,
		nullString(data.DisplayName), nullString(data.ProfileURL), nullString(data.ImageURL),
		enc.accessToken, nullString(enc.secret), nullString(enc.refreshToken),
		nullInt64(data.ExpireTime), enc.digest, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &model.DuplicateConnectionError{AccountID: accountID, Key: data.Key()}
		}
		return fmt.Errorf("failed to insert connection: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	data.Rank = rank
	return nil
}

// UpdateConnection は表示情報とトークンを置き換える。rankは変更しない。
func (r *SQLConnectionRepo) UpdateConnection(ctx context.Context, accountID string, data *model.ConnectionData) error {
	unlock := r.locks.Lock(accountID + "\x00" + data.ProviderID)
	defer unlock()

	enc, err := r.encryptTokens(data)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, r.dialect.Rebind(
		`UPDATE connections SET
			display_name = ?, profile_url = ?, image_url = ?,
			access_token = ?, secret = ?, refresh_token = ?, expire_time = ?,
			access_token_digest = ?, updated_at = ?
		 WHERE account_id = ? AND provider_id = ? AND provider_user_id = ?`),
		nullString(data.DisplayName), nullString(data.ProfileURL), nullString(data.ImageURL),
		enc.accessToken, nullString(enc.secret), nullString(enc.refreshToken), nullInt64(data.ExpireTime),
		enc.digest, r.now().UTC(),
		accountID, data.ProviderID, data.ProviderUserID,
	)
	if err != nil {
		return fmt.Errorf("failed to update connection: %w", err)
	}
	return nil
}

// UpdateConnectionProfile はプロフィール項目だけを更新する。トークン列には触れない。
func (r *SQLConnectionRepo) UpdateConnectionProfile(ctx context.Context, accountID string, key model.ConnectionKey, values model.ConnectionValues) error {
	unlock := r.locks.Lock(accountID + "\x00" + key.ProviderID)
	defer unlock()

	_, err := r.db.ExecContext(ctx, r.dialect.Rebind(
		`UPDATE connections SET display_name = ?, profile_url = ?, image_url = ?, updated_at = ?
		 WHERE account_id = ? AND provider_id = ? AND provider_user_id = ?`),
		nullString(values.DisplayName), nullString(values.ProfileURL), nullString(values.ImageURL), r.now().UTC(),
		accountID, key.ProviderID, key.ProviderUserID,
	)
	if err != nil {
		return fmt.Errorf("failed to update connection profile: %w", err)
	}
	return nil
}

// RemoveConnection はコネクションを削除する。残りのrankは振り直さない。
func (r *SQLConnectionRepo) RemoveConnection(ctx context.Context, accountID string, key model.ConnectionKey) error {
	unlock := r.locks.Lock(accountID + "\x00" + key.ProviderID)
	defer unlock()

	_, err := r.db.ExecContext(ctx, r.dialect.Rebind(
		`DELETE FROM connections WHERE account_id = ? AND provider_id = ? AND provider_user_id = ?`),
		accountID, key.ProviderID, key.ProviderUserID,
	)
	if err != nil {
		return fmt.Errorf("failed to remove connection: %w", err)
	}
	return nil
}

// RemoveConnections は指定プロバイダーの全コネクションを削除する。
func (r *SQLConnectionRepo) RemoveConnections(ctx context.Context, accountID, providerID string) error {
	unlock := r.locks.Lock(accountID + "\x00" + providerID)
	defer unlock()

	_, err := r.db.ExecContext(ctx, r.dialect.Rebind(
		`DELETE FROM connections WHERE account_id = ? AND provider_id = ?`),
		accountID, providerID,
	)
	if err != nil {
		return fmt.Errorf("failed to remove connections: %w", err)
	}
	return nil
}

// FindAccountIDByConnectionAccessToken はアクセストークンのダイジェストでアカウントIDを逆引きする。
func (r *SQLConnectionRepo) FindAccountIDByConnectionAccessToken(ctx context.Context, providerID, accessToken string) (string, bool, error) {
	if accessToken == "" {
		return "", false, nil
	}
	var accountID string
	err := r.db.QueryRowContext(ctx, r.dialect.Rebind(
		`SELECT account_id FROM connections
		 WHERE provider_id = ? AND access_token_digest = ?
		 ORDER BY account_id
		 LIMIT 1`),
		providerID, r.enc.Digest(accessToken),
	).Scan(&accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to find account by access token: %w", err)
	}
	return accountID, true, nil
}

// FindAccountIDsWithConnection はキーに一致するコネクションを持つアカウントIDを昇順で返す。
func (r *SQLConnectionRepo) FindAccountIDsWithConnection(ctx context.Context, key model.ConnectionKey) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, r.dialect.Rebind(
		`SELECT account_id FROM connections
		 WHERE provider_id = ? AND provider_user_id = ?
		 ORDER BY account_id`),
		key.ProviderID, key.ProviderUserID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find accounts with connection: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate account ids: %w", err)
	}
	return ids, nil
}

// forUpdate はMySQLでのみ行ロック句を返す。
func (r *SQLConnectionRepo) forUpdate() string {
	if r.dialect == database.DialectMySQL {
		return " FOR UPDATE"
	}
	return ""
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func (r *SQLConnectionRepo) scanConnection(s rowScanner) (*model.ConnectionData, error) {
	var (
		data                              model.ConnectionData
		displayName, profileURL, imageURL sql.NullString
		accessToken                       string
		secret, refreshToken              sql.NullString
		expireTime                        sql.NullInt64
	)
	err := s.Scan(
		&data.ProviderID, &data.ProviderUserID, &data.Rank,
		&displayName, &profileURL, &imageURL,
		&accessToken, &secret, &refreshToken, &expireTime,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan connection: %w", err)
	}

	data.DisplayName = displayName.String
	data.ProfileURL = profileURL.String
	data.ImageURL = imageURL.String
	data.ExpireTime = expireTime.Int64

	if data.AccessToken, err = r.enc.Decrypt(accessToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	if data.Secret, err = r.enc.Decrypt(secret.String); err != nil {
		return nil, fmt.Errorf("failed to decrypt secret: %w", err)
	}
	if data.RefreshToken, err = r.enc.Decrypt(refreshToken.String); err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	return &data, nil
}

// encryptedTokens は保存用に暗号化したトークン。
type encryptedTokens struct {
	accessToken  string
	secret       string
	refreshToken string
	digest       string
}

func (r *SQLConnectionRepo) encryptTokens(data *model.ConnectionData) (encryptedTokens, error) {
	var out encryptedTokens
	var err error
	if out.accessToken, err = r.enc.Encrypt(data.AccessToken); err != nil {
		return out, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	if out.secret, err = r.enc.Encrypt(data.Secret); err != nil {
		return out, fmt.Errorf("failed to encrypt secret: %w", err)
	}
	if out.refreshToken, err = r.enc.Encrypt(data.RefreshToken); err != nil {
		return out, fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	out.digest = r.enc.Digest(data.AccessToken)
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}

// isUniqueViolation は各ドライバーの一意制約違反エラーを判定する。
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// maxLockConflictRetries はロック競合時にAddConnectionを試行する上限回数。
const maxLockConflictRetries = 3

// retryOnLockConflict はfnがロック競合で失敗した場合に最大attempts回まで試行する。
func retryOnLockConflict(ctx context.Context, attempts int, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !isLockConflict(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return err
}

// isLockConflict はデッドロックまたはロック待ちタイムアウトで
// トランザクションが中断されたかを判定する。
func isLockConflict(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		// 1213: ER_LOCK_DEADLOCK, 1205: ER_LOCK_WAIT_TIMEOUT
		return myErr.Number == 1213 || myErr.Number == 1205
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40P01"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40P01"
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// compile-time interface check
var _ ConnectionRepository = (*SQLConnectionRepo)(nil)
