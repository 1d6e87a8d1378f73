package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/connectbroker/internal/middleware"
)

// HealthChecker は依存先の疎通を確認する。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	StatusRecorder    middleware.StatusRecorder
	AccountHeader     string
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// 接続フロー
	ConnectService ConnectServiceInterface
	ConnectConfig  ConnectHandlerConfig

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → Account → RateLimit(Connect)
//
// サインイン、ヘルスチェック、メトリクスはアカウントミドルウェアの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.StatusRecorder))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin, accountHeaderName(deps.AccountHeader)))

	connectHandler := NewConnectHandler(deps.ConnectService, deps.ConnectConfig)

	// --- アカウント不要のルート ---

	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.SignInMiddleware())
		}
		r.Get("/signin/{providerID}", connectHandler.SignIn)
	})

	// --- アカウントが必要なルート ---
	// ミドルウェアスタック: Account → RateLimit(Connect)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAccountMiddleware(deps.AccountHeader))
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.ConnectMiddleware())
		}

		r.Route("/connect", func(r chi.Router) {
			r.Get("/", connectHandler.Status)

			r.Route("/{providerID}", func(r chi.Router) {
				r.Post("/", connectHandler.BeginConnect)
				r.Get("/", connectHandler.ConnectCallback)
				r.Delete("/", connectHandler.Disconnect)
				r.Delete("/{providerUserID}", connectHandler.Disconnect)
			})
		})
	})

	return r
}

func accountHeaderName(header string) string {
	if header == "" {
		return middleware.DefaultAccountHeader
	}
	return header
}

// healthHandler はヘルスチェックハンドラーを返す。
// checkerがnilの場合は常に200を返す。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			if err := checker.PingContext(r.Context()); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
