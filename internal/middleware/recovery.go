package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// headerTracker はレスポンスヘッダーが送信済みかを記録する。
type headerTracker struct {
	http.ResponseWriter
	wroteHeader bool
}

func (t *headerTracker) WriteHeader(code int) {
	t.wroteHeader = true
	t.ResponseWriter.WriteHeader(code)
}

func (t *headerTracker) Write(b []byte) (int, error) {
	t.wroteHeader = true
	return t.ResponseWriter.Write(b)
}

// NewRecoveryMiddleware はハンドラーやプロバイダーアダプターのpanicを回収するミドルウェアを返す。
// ヘッダー送信前であれば500の内部エラーを返す。送信後は接続を切るしかないためログのみ出力する。
// http.ErrAbortHandlerはnet/httpの中断として再panicする。
func NewRecoveryMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tw := &headerTracker{ResponseWriter: w}
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}
				logger.Error("panic recovered",
					slog.Any("panic", rec),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Bool("response_started", tw.wroteHeader),
					slog.String("stack", string(debug.Stack())),
				)
				if !tw.wroteHeader {
					WriteInternalServerError(w)
				}
			}()
			next.ServeHTTP(tw, r)
		})
	}
}
