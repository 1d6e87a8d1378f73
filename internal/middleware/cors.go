package middleware

import (
	"net/http"
	"strings"
)

// NewCORSMiddleware は単一の許可オリジンに対するCORSミドルウェアを返す。
// allowedOriginが空の場合、またはリクエストのOriginが一致しない場合はCORSヘッダーを付与しない。
// extraHeadersはContent-Typeに加えて許可するリクエストヘッダー（アカウントヘッダー等）。
// 一致するオリジンからのOPTIONSプリフライトには204で応答する。
func NewCORSMiddleware(allowedOrigin string, extraHeaders ...string) func(next http.Handler) http.Handler {
	allowedHeaders := strings.Join(append([]string{"Content-Type"}, extraHeaders...), ", ")
	return func(next http.Handler) http.Handler {
		if allowedOrigin == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("Vary", "Origin")
			if r.Header.Get("Origin") != allowedOrigin {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allowedOrigin)
			h.Set("Access-Control-Allow-Credentials", "true")

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", allowedHeaders)
				h.Set("Access-Control-Max-Age", "86400")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
