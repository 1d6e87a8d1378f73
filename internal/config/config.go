// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// minStateSecretLength はOAuth2 stateの署名鍵に要求する最小バイト数。
const minStateSecretLength = 32

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Server
	ServerPort string
	BaseURL    string

	// Providers
	ProvidersFile       string
	ProviderHTTPTimeout time.Duration
	ProviderSafeHTTP    bool

	// Database
	DatabaseDriver string
	DatabaseURL    string

	// Token store
	TokenStore      string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	MemcacheServers []string

	// Handshake
	StateSecret        string
	StateTTL           time.Duration
	RequestTokenTTL    time.Duration
	TokenEncryptionKey string

	// HTTP surface
	AccountHeader      string
	ConnectRedirectURL string
	CORSAllowedOrigin  string

	// Rate Limit（req/min）
	RateLimitConnect int
	RateLimitSignIn  int

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// ENV_FILE（デフォルト .env）が存在する場合は、未設定の環境変数をそこから補う。
// 必須環境変数が未設定、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	envFile := getEnvString("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	cfg.StateSecret = os.Getenv("STATE_SECRET")
	if cfg.StateSecret == "" {
		missing = append(missing, "STATE_SECRET")
	}

	cfg.ProvidersFile = os.Getenv("PROVIDERS_FILE")
	if cfg.ProvidersFile == "" {
		missing = append(missing, "PROVIDERS_FILE")
	}

	cfg.DatabaseDriver = strings.ToLower(getEnvString("DATABASE_DRIVER", "memory"))
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseDriver != "memory" && cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.ProviderHTTPTimeout = getEnvDuration("PROVIDER_HTTP_TIMEOUT", 20*time.Second)
	cfg.ProviderSafeHTTP = getEnvBool("PROVIDER_SAFE_HTTP", true)
	cfg.TokenStore = strings.ToLower(getEnvString("TOKEN_STORE", "memory"))
	cfg.RedisAddr = getEnvString("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.RedisDB = getEnvInt("REDIS_DB", 0)
	cfg.MemcacheServers = getEnvList("MEMCACHE_SERVERS", []string{"localhost:11211"})
	cfg.StateTTL = getEnvDuration("STATE_TTL", 10*time.Minute)
	cfg.RequestTokenTTL = getEnvDuration("REQUEST_TOKEN_TTL", 10*time.Minute)
	cfg.TokenEncryptionKey = os.Getenv("TOKEN_ENCRYPTION_KEY")
	cfg.AccountHeader = getEnvString("ACCOUNT_HEADER", "X-Account-ID")
	cfg.ConnectRedirectURL = os.Getenv("CONNECT_REDIRECT_URL")
	cfg.CORSAllowedOrigin = os.Getenv("CORS_ALLOWED_ORIGIN")
	cfg.RateLimitConnect = getEnvInt("RATE_LIMIT_CONNECT", 30)
	cfg.RateLimitSignIn = getEnvInt("RATE_LIMIT_SIGNIN", 20)
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate は値の組み合わせを検証する。
func (c *Config) validate() error {
	if len(c.StateSecret) < minStateSecretLength {
		return fmt.Errorf("STATE_SECRET must be at least %d bytes", minStateSecretLength)
	}
	switch c.TokenStore {
	case "memory", "redis", "memcache":
	default:
		return fmt.Errorf("unknown TOKEN_STORE: %q", c.TokenStore)
	}
	if c.StateTTL <= 0 || c.RequestTokenTTL <= 0 {
		return errors.New("STATE_TTL and REQUEST_TOKEN_TTL must be positive")
	}
	if c.RateLimitConnect <= 0 || c.RateLimitSignIn <= 0 {
		return errors.New("RATE_LIMIT_CONNECT and RATE_LIMIT_SIGNIN must be positive")
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの環境変数を解析する。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
