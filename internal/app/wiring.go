package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/hitoshi/connectbroker/internal/config"
	"github.com/hitoshi/connectbroker/internal/connect"
	"github.com/hitoshi/connectbroker/internal/database"
	"github.com/hitoshi/connectbroker/internal/handler"
	"github.com/hitoshi/connectbroker/internal/metrics"
	"github.com/hitoshi/connectbroker/internal/middleware"
	"github.com/hitoshi/connectbroker/internal/provider"
	"github.com/hitoshi/connectbroker/internal/repository"
	"github.com/hitoshi/connectbroker/internal/security"
	"github.com/hitoshi/connectbroker/internal/tokenstore"
)

// tokenStoreCleanupInterval はメモリ上の保留中認可レコードを掃除する間隔。
const tokenStoreCleanupInterval = time.Minute

// components はserveモードで組み立てた依存関係を保持する。
type components struct {
	Router      http.Handler
	Service     *connect.Service
	Registry    *provider.Registry
	RateLimiter *middleware.RateLimiter

	closers []func() error
}

// Close は保持しているリソースを逆順に解放する。
func (c *components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// buildComponents は設定から全依存関係をワイヤリングする。
// 途中で失敗した場合は、それまでに確保したリソースを解放してからエラーを返す。
func buildComponents(ctx context.Context, cfg *config.Config) (_ *components, err error) {
	c := &components{}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	// 1. プロバイダー通信用HTTPクライアント
	clientFactory := security.NewSafeClientFactory()
	if !cfg.ProviderSafeHTTP {
		slog.Warn("provider SSRF protection is disabled")
		clientFactory = security.NewPlainClientFactory()
	}

	defs, err := loadDefinitions(cfg.ProvidersFile, clientFactory)
	if err != nil {
		return nil, err
	}

	// 2. コネクションリポジトリ
	var health []handler.HealthChecker
	repo, db, err := openConnectionRepository(cfg)
	if err != nil {
		return nil, err
	}
	if db != nil {
		c.closers = append(c.closers, db.Close)
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		slog.Info("database connection established", slog.String("driver", cfg.DatabaseDriver))
		health = append(health, db)
	}

	// 3. 保留中認可のトークンストア
	store, storeHealth, closeStore, err := openTokenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if closeStore != nil {
		c.closers = append(c.closers, closeStore)
	}
	if storeHealth != nil {
		health = append(health, storeHealth)
	}

	// 4. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	// 5. プロバイダーレジストリ
	httpClient := clientFactory.NewClient(cfg.ProviderHTTPTimeout)
	registry := provider.NewRegistry()
	sanitizer := security.NewProfileSanitizer()
	for _, def := range defs {
		p, err := provider.BuildRESTProvider(def, provider.BuildDeps{
			Repository:      repo,
			HTTPClient:      httpClient,
			Sanitizer:       sanitizer,
			RefreshObserver: collector,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build provider %q: %w", def.ID, err)
		}
		if err := registry.Register(p); err != nil {
			return nil, err
		}
	}
	slog.Info("providers registered", slog.Any("providers", registry.IDs()))

	// 6. 接続サービス
	codec, err := connect.NewStateCodec([]byte(cfg.StateSecret), cfg.StateTTL)
	if err != nil {
		return nil, err
	}
	svc, err := connect.NewService(connect.Config{
		Registry:        registry,
		Repository:      repo,
		Store:           store,
		StateCodec:      codec,
		BaseURL:         cfg.BaseURL,
		RequestTokenTTL: cfg.RequestTokenTTL,
		Metrics:         collector,
	})
	if err != nil {
		return nil, err
	}

	// 7. ルーター
	rl := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	c.closers = append(c.closers, func() error { rl.Stop(); return nil })

	c.Router = handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		StatusRecorder:    collector,
		AccountHeader:     cfg.AccountHeader,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rl,
		ConnectService:    svc,
		ConnectConfig:     handler.ConnectHandlerConfig{RedirectURL: cfg.ConnectRedirectURL},
		HealthChecker:     healthCheckers(health),
		MetricsHandler:    metrics.Handler(reg),
	})
	c.Service = svc
	c.Registry = registry
	c.RateLimiter = rl
	return c, nil
}

// loadDefinitions はプロバイダー定義を読み込み、全エンドポイントのURLを検証する。
func loadDefinitions(path string, factory security.ProviderHTTPClientFactory) ([]provider.Definition, error) {
	defs, err := provider.LoadDefinitions(path)
	if err != nil {
		return nil, err
	}
	for i := range defs {
		for field, endpoint := range defs[i].Endpoints() {
			if err := factory.ValidateEndpoint(endpoint); err != nil {
				return nil, fmt.Errorf("provider %q has invalid %s: %w", defs[i].ID, field, err)
			}
		}
	}
	return defs, nil
}

// openConnectionRepository はDATABASE_DRIVERに応じたリポジトリを返す。
// memoryの場合、返す*sql.DBはnil。
func openConnectionRepository(cfg *config.Config) (repository.ConnectionRepository, *sql.DB, error) {
	dialect, err := database.ParseDialect(cfg.DatabaseDriver)
	if err != nil {
		return nil, nil, err
	}
	if dialect == database.DialectMemory {
		slog.Warn("connections are stored in memory and will be lost on restart")
		return repository.NewMemoryConnectionRepo(), nil, nil
	}

	enc := security.NewNoopTokenEncryptor()
	if cfg.TokenEncryptionKey != "" {
		if enc, err = security.NewAEADTokenEncryptor(cfg.TokenEncryptionKey); err != nil {
			return nil, nil, fmt.Errorf("invalid TOKEN_ENCRYPTION_KEY: %w", err)
		}
	} else {
		slog.Warn("TOKEN_ENCRYPTION_KEY is not set; provider tokens are stored in plaintext")
	}

	db, err := database.Open(dialect, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return repository.NewSQLConnectionRepo(db, dialect, enc), db, nil
}

// openTokenStore はTOKEN_STOREに応じたストアを返す。
// 外部ストアの場合はヘルスチェックと解放処理もあわせて返す。
func openTokenStore(ctx context.Context, cfg *config.Config) (tokenstore.Store, handler.HealthChecker, func() error, error) {
	switch cfg.TokenStore {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		slog.Info("token store connected", slog.String("store", "redis"), slog.String("addr", cfg.RedisAddr))
		return tokenstore.NewRedisStore(client), redisPinger{client: client}, client.Close, nil

	case "memcache":
		client := memcache.New(cfg.MemcacheServers...)
		client.Timeout = 2 * time.Second
		slog.Info("token store configured", slog.String("store", "memcache"), slog.Any("servers", cfg.MemcacheServers))
		return tokenstore.NewMemcacheStore(client), memcachePinger{client: client}, nil, nil

	default:
		return tokenstore.NewMemoryStore(tokenStoreCleanupInterval), nil, nil, nil
	}
}

// rateLimiterConfig はreq/min単位の設定をreq/secのリミッター設定に変換する。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rlCfg := middleware.DefaultRateLimiterConfig()
	rlCfg.ConnectRate = rate.Limit(float64(cfg.RateLimitConnect) / 60.0)
	rlCfg.ConnectBurst = cfg.RateLimitConnect
	rlCfg.SignInRate = rate.Limit(float64(cfg.RateLimitSignIn) / 60.0)
	rlCfg.SignInBurst = cfg.RateLimitSignIn
	return rlCfg
}

// healthCheckers は複数の依存先をまとめて疎通確認する。空の場合はnilを返す。
func healthCheckers(checkers []handler.HealthChecker) handler.HealthChecker {
	if len(checkers) == 0 {
		return nil
	}
	return multiHealthChecker(checkers)
}

type multiHealthChecker []handler.HealthChecker

func (m multiHealthChecker) PingContext(ctx context.Context) error {
	for _, c := range m {
		if err := c.PingContext(ctx); err != nil {
			return err
		}
	}
	return nil
}

type redisPinger struct {
	client redis.UniversalClient
}

func (p redisPinger) PingContext(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

type memcachePinger struct {
	client *memcache.Client
}

func (p memcachePinger) PingContext(context.Context) error {
	return p.client.Ping()
}
