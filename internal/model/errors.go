// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// 呼び出し側がerrors.Isで分岐するための定義済みエラー。
var (
	// ErrProviderNotFound は登録されていないプロバイダーIDが指定された場合のエラー。
	ErrProviderNotFound = errors.New("provider not found")
	// ErrPendingAuthorizationNotFound は一時的な認可レコードが存在しない、
	// 期限切れ、または使用済みの場合のエラー。
	ErrPendingAuthorizationNotFound = errors.New("pending authorization not found or expired")
	// ErrStateInvalid はOAuth2のstateパラメータが検証できない場合のエラー。
	ErrStateInvalid = errors.New("invalid oauth state")
	// ErrAuthorizationDenied はユーザーまたはプロバイダーが認可を拒否した場合のエラー。
	ErrAuthorizationDenied = errors.New("authorization denied by provider")
	// ErrConnectVetoed はpre-connectインターセプターが接続を拒否した場合のエラー。
	ErrConnectVetoed = errors.New("connect vetoed by interceptor")
	// ErrDuplicateConnection はDuplicateConnectionErrorの比較用。
	ErrDuplicateConnection = errors.New("duplicate connection")
	// ErrAccountNotConnected はAccountNotConnectedErrorの比較用。
	ErrAccountNotConnected = errors.New("account not connected")
)

// ProviderAPIError はOAuthハンドシェイク中にプロバイダーが
// 2xx以外、または解析できないレスポンスを返した場合のエラー。
type ProviderAPIError struct {
	ProviderID string
	Operation  string // "request_token", "access_token", "refresh" 等
	StatusCode int    // 0の場合はレスポンスボディの不正
	Body       string
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *ProviderAPIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s: %s failed with status %d: %s", e.ProviderID, e.Operation, e.StatusCode, e.Body)
	}
	if e.Err != nil {
		return fmt.Sprintf("provider %s: %s returned malformed response: %v", e.ProviderID, e.Operation, e.Err)
	}
	return fmt.Sprintf("provider %s: %s returned malformed response", e.ProviderID, e.Operation)
}

// Unwrap は原因となったエラーを返す。
func (e *ProviderAPIError) Unwrap() error { return e.Err }

// TokenExchangeError は認可コード、リクエストトークン、verifierが
// プロバイダーに拒否された場合のエラー。再試行してはならない。
type TokenExchangeError struct {
	ProviderID string
	Reason     string
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *TokenExchangeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token exchange with %s failed: %s: %v", e.ProviderID, e.Reason, e.Err)
	}
	return fmt.Sprintf("token exchange with %s failed: %s", e.ProviderID, e.Reason)
}

// Unwrap は原因となったエラーを返す。
func (e *TokenExchangeError) Unwrap() error { return e.Err }

// DuplicateConnectionError は既に存在するコネクションを追加しようとした場合のエラー。
type DuplicateConnectionError struct {
	AccountID string
	Key       ConnectionKey
}

// Error はerrorインターフェースを実装する。
func (e *DuplicateConnectionError) Error() string {
	return fmt.Sprintf("connection %s/%s already exists for account %s", e.Key.ProviderID, e.Key.ProviderUserID, e.AccountID)
}

// Is はErrDuplicateConnectionとの比較を可能にする。
func (e *DuplicateConnectionError) Is(target error) bool {
	return target == ErrDuplicateConnection
}

// AccountNotConnectedError はアカウントがプロバイダーに接続していない場合のエラー。
// プロバイダー経由のサインインでは、サインアップ用に取得済みのコネクションを保持する。
type AccountNotConnectedError struct {
	ProviderID string
	Pending    *ConnectionData
	Profile    *UserProfile
}

// Error はerrorインターフェースを実装する。
func (e *AccountNotConnectedError) Error() string {
	return fmt.Sprintf("account not connected to provider %s", e.ProviderID)
}

// Is はErrAccountNotConnectedとの比較を可能にする。
func (e *AccountNotConnectedError) Is(target error) bool {
	return target == ErrAccountNotConnected
}

// ConfigError はプロバイダー登録時の設定不備を表す。起動時に致命的エラーとして扱う。
type ConfigError struct {
	ProviderID string
	Field      string
	Reason     string
}

// Error はerrorインターフェースを実装する。
func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("provider %q misconfigured: %s", e.ProviderID, e.Reason)
	}
	return fmt.Sprintf("provider %q misconfigured: %s: %s", e.ProviderID, e.Field, e.Reason)
}

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, provider, connection, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeProviderNotFound     = "PROVIDER_NOT_FOUND"
	ErrCodeProviderError        = "PROVIDER_ERROR"
	ErrCodeTokenExchangeFailed  = "TOKEN_EXCHANGE_FAILED"
	ErrCodeDuplicateConnection  = "DUPLICATE_CONNECTION"
	ErrCodeNotConnected         = "NOT_CONNECTED"
	ErrCodeAuthorizationExpired = "AUTHORIZATION_EXPIRED"
	ErrCodeAuthorizationDenied  = "AUTHORIZATION_DENIED"
	ErrCodeConnectVetoed        = "CONNECT_VETOED"
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal             = "INTERNAL_ERROR"
)

// NewProviderNotFoundError はプロバイダー未登録エラーを生成する。
func NewProviderNotFoundError(providerID string) *APIError {
	return &APIError{
		Code:     ErrCodeProviderNotFound,
		Message:  fmt.Sprintf("指定されたプロバイダーは登録されていません: %s", providerID),
		Category: "validation",
		Action:   "プロバイダーIDを確認してください。",
	}
}

// NewProviderErrorResponse はプロバイダー通信エラーを生成する。
func NewProviderErrorResponse(providerID string) *APIError {
	return &APIError{
		Code:     ErrCodeProviderError,
		Message:  fmt.Sprintf("%sから予期しない応答が返されました。", providerID),
		Category: "provider",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewTokenExchangeFailedError はトークン交換失敗エラーを生成する。
func NewTokenExchangeFailedError(providerID string) *APIError {
	return &APIError{
		Code:     ErrCodeTokenExchangeFailed,
		Message:  fmt.Sprintf("%sとの連携に失敗しました。", providerID),
		Category: "provider",
		Action:   "もう一度連携をやり直してください。",
	}
}

// NewDuplicateConnectionAPIError は重複コネクションエラーを生成する。
func NewDuplicateConnectionAPIError(providerID string) *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateConnection,
		Message:  fmt.Sprintf("この%sアカウントは既に連携されています。", providerID),
		Category: "connection",
		Action:   "既存の連携をご利用ください。",
	}
}

// NewNotConnectedError は未接続エラーを生成する。
func NewNotConnectedError(providerID string) *APIError {
	return &APIError{
		Code:     ErrCodeNotConnected,
		Message:  fmt.Sprintf("この%sアカウントと連携しているアカウントがありません。", providerID),
		Category: "connection",
		Action:   "先にアカウント設定から連携を行ってください。",
	}
}

// NewAuthorizationExpiredError は認可フローの期限切れエラーを生成する。
func NewAuthorizationExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeAuthorizationExpired,
		Message:  "認可リクエストの有効期限が切れているか、既に使用されています。",
		Category: "auth",
		Action:   "もう一度連携をやり直してください。",
	}
}

// NewAuthorizationDeniedError は認可拒否エラーを生成する。
func NewAuthorizationDeniedError(providerID string) *APIError {
	return &APIError{
		Code:     ErrCodeAuthorizationDenied,
		Message:  fmt.Sprintf("%sで認可が拒否されました。", providerID),
		Category: "auth",
		Action:   "連携するにはプロバイダー側でアクセスを許可してください。",
	}
}

// NewConnectVetoedError はインターセプターによる拒否エラーを生成する。
func NewConnectVetoedError(providerID string) *APIError {
	return &APIError{
		Code:     ErrCodeConnectVetoed,
		Message:  fmt.Sprintf("%sとの連携は許可されていません。", providerID),
		Category: "connection",
		Action:   "管理者にお問い合わせください。",
	}
}

// NewUnauthorizedError はアカウント未特定エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "アカウントを特定できませんでした。",
		Category: "auth",
		Action:   "再度ログインしてください。",
	}
}

// NewRateLimitExceededError はレート制限超過エラーを生成する。
func NewRateLimitExceededError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "リクエスト数が上限を超えました。",
		Category: "system",
		Action:   "Retry-Afterの秒数だけ待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
