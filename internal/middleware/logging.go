package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// StatusRecorder はHTTPステータスコードを記録する。metrics.Collectorが実装する。
type StatusRecorder interface {
	RecordHTTPStatus(statusCode int)
}

// responseRecorder はステータスコードと書き込みバイト数を記録するResponseWriter。
type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rr *responseRecorder) WriteHeader(code int) {
	if rr.status == 0 {
		rr.status = code
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	n, err := rr.ResponseWriter.Write(b)
	rr.bytes += n
	return n, err
}

// Unwrap はhttp.ResponseControllerから元のResponseWriterを参照できるようにする。
func (rr *responseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

func (rr *responseRecorder) statusCode() int {
	if rr.status == 0 {
		return http.StatusOK
	}
	return rr.status
}

// levelForStatus は5xxをError、4xxをWarn、それ以外をInfoにする。
func levelForStatus(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// NewLoggingMiddleware はリクエストごとにJSON構造化ログを1行出力するミドルウェアを返す。
// クエリ文字列には認可コードやトークンが含まれるため出力しない。
// account_idは後段のアカウントミドルウェアで判明した場合のみ出力する。
// recorderがnilでない場合はステータスコードも記録する。
func NewLoggingMiddleware(logger *slog.Logger, recorder StatusRecorder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &responseRecorder{ResponseWriter: w}
			holder := &accountHolder{}

			next.ServeHTTP(rec, r.WithContext(contextWithAccountHolder(r.Context(), holder)))

			status := rec.statusCode()
			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int("bytes", rec.bytes),
				slog.String("remote_ip", clientIP(r)),
				slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
			}
			if holder.accountID != "" {
				attrs = append(attrs, slog.String("account_id", holder.accountID))
			}

			logger.LogAttrs(r.Context(), levelForStatus(status), "http_request", attrs...)

			if recorder != nil {
				recorder.RecordHTTPStatus(status)
			}
		})
	}
}
