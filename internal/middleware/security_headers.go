package middleware

import "net/http"

// apiSecurityHeaders はJSONとリダイレクトのみを返すAPIに付与するヘッダー。
// レスポンスにはコネクション情報が含まれるため、キャッシュを禁止する。
var apiSecurityHeaders = map[string]string{
	"X-Content-Type-Options":       "nosniff",
	"X-Frame-Options":              "DENY",
	"Content-Security-Policy":      "default-src 'none'; frame-ancestors 'none'",
	"Cross-Origin-Resource-Policy": "same-origin",
	"Cache-Control":                "no-store",
	"Pragma":                       "no-cache",
}

// NewSecurityHeadersMiddleware はセキュリティ関連のレスポンスヘッダーを付与するミドルウェアを返す。
// プロバイダーへのリダイレクトでstateや認可URLのクエリが漏れないよう、
// Referrer-Policyはno-referrerにする。
func NewSecurityHeadersMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for name, value := range apiSecurityHeaders {
				h.Set(name, value)
			}
			h.Set("Referrer-Policy", "no-referrer")
			next.ServeHTTP(w, r)
		})
	}
}
