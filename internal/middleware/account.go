// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/hitoshi/connectbroker/internal/model"
)

// DefaultAccountHeader はローカルアカウントIDを受け取るヘッダーのデフォルト名。
const DefaultAccountHeader = "X-Account-ID"

// maxAccountIDLength はヘッダーで受け付けるアカウントIDの最大長。
const maxAccountIDLength = 256

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// accountIDContextKey はリクエストコンテキストにアカウントIDを格納するためのキー。
var accountIDContextKey = contextKey("account_id")

// accountHolderContextKey はロギングミドルウェアがアカウントIDを受け取るためのキー。
var accountHolderContextKey = contextKey("account_holder")

// accountHolder は後段で判明したアカウントIDを前段のミドルウェアに渡す。
type accountHolder struct {
	accountID string
}

func contextWithAccountHolder(ctx context.Context, h *accountHolder) context.Context {
	return context.WithValue(ctx, accountHolderContextKey, h)
}

// errAccountNotInContext はコンテキストにアカウントIDがない場合のエラー。
var errAccountNotInContext = errors.New("account ID not found in context")

// NewAccountMiddleware は前段の認証プロキシが付与したヘッダーからアカウントIDを読み取り、
// リクエストコンテキストに注入するミドルウェアを返す。
// ヘッダーがない、または長すぎる場合は401 Unauthorizedを返す。
// アカウントIDは不透明な文字列として扱い、解釈しない。
func NewAccountMiddleware(header string) func(next http.Handler) http.Handler {
	if header == "" {
		header = DefaultAccountHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID := r.Header.Get(header)
			if accountID == "" || len(accountID) > maxAccountIDLength {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			if h, ok := r.Context().Value(accountHolderContextKey).(*accountHolder); ok {
				h.accountID = accountID
			}
			next.ServeHTTP(w, r.WithContext(ContextWithAccountID(r.Context(), accountID)))
		})
	}
}

// AccountIDFromContext はリクエストコンテキストからアカウントIDを取得する。
// アカウントミドルウェアを通過したリクエストでのみ有効。
func AccountIDFromContext(ctx context.Context) (string, error) {
	accountID, ok := ctx.Value(accountIDContextKey).(string)
	if !ok || accountID == "" {
		return "", errAccountNotInContext
	}
	return accountID, nil
}

// ContextWithAccountID はコンテキストにアカウントIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountIDContextKey, accountID)
}
