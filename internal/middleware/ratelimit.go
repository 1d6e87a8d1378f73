package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/connectbroker/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	ConnectRate     rate.Limit    // 接続フローのレート（req/sec）。アカウント単位
	ConnectBurst    int           // 接続フローのバーストサイズ
	SignInRate      rate.Limit    // サインインのレート（req/sec）。クライアントIP単位
	SignInBurst     int           // サインインのバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// 接続フロー 30 req/min/account、サインイン 20 req/min/IP。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		ConnectRate:     rate.Limit(30.0 / 60.0),
		ConnectBurst:    30,
		SignInRate:      rate.Limit(20.0 / 60.0),
		SignInBurst:     20,
		CleanupInterval: 5 * time.Minute,
	}
}

// keyedLimiter はキーごとのレートリミッターとアクセス時刻を保持する。
type keyedLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterSet はキーごとのリミッターの集合。
type limiterSet struct {
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
	limiters map[string]*keyedLimiter
}

func newLimiterSet(r rate.Limit, burst int) *limiterSet {
	return &limiterSet{rate: r, burst: burst, limiters: make(map[string]*keyedLimiter)}
}

// get はキーのリミッターを取得または作成する。
func (s *limiterSet) get(key string) *rate.Limiter {
	s.mu.RLock()
	kl, exists := s.limiters[key]
	s.mu.RUnlock()

	if exists {
		s.mu.Lock()
		kl.lastAccess = time.Now()
		s.mu.Unlock()
		return kl.limiter
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// ダブルチェック
	if kl, exists := s.limiters[key]; exists {
		kl.lastAccess = time.Now()
		return kl.limiter
	}

	limiter := rate.NewLimiter(s.rate, s.burst)
	s.limiters[key] = &keyedLimiter{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

func (s *limiterSet) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.limiters)
}

// evict は最終アクセス時刻がttlを超えたエントリを削除する。
func (s *limiterSet) evict(now time.Time, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, kl := range s.limiters {
		if now.Sub(kl.lastAccess) > ttl {
			delete(s.limiters, key)
		}
	}
}

// RateLimiter はアカウントごとの接続フローと、クライアントIPごとのサインインのレート制限を管理する。
type RateLimiter struct {
	config  RateLimiterConfig
	connect *limiterSet
	signIn  *limiterSet
	stopCh  chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:  config,
		connect: newLimiterSet(config.ConnectRate, config.ConnectBurst),
		signIn:  newLimiterSet(config.SignInRate, config.SignInBurst),
		stopCh:  make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// ConnectMiddleware は接続フローのレート制限ミドルウェアを返す。
// リクエストコンテキストにアカウントIDが含まれている必要がある（アカウントミドルウェアの後に配置）。
func (rl *RateLimiter) ConnectMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID, err := AccountIDFromContext(r.Context())
			if err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			if !rl.connect.get(accountID).Allow() {
				writeRateLimitResponse(w, rl.config.ConnectRate)
				slog.Warn("rate limit exceeded",
					slog.String("account_id", accountID),
					slog.String("limit_type", "connect"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SignInMiddleware はサインインのレート制限ミドルウェアを返す。
// サインイン時はアカウントが未確定のため、クライアントIPをキーにする。
func (rl *RateLimiter) SignInMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !rl.signIn.get(ip).Allow() {
				writeRateLimitResponse(w, rl.config.SignInRate)
				slog.Warn("rate limit exceeded",
					slog.String("client_ip", ip),
					slog.String("limit_type", "signin"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ConnectLimiterCount は現在管理されている接続フローのリミッター数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) ConnectLimiterCount() int {
	return rl.connect.count()
}

// SignInLimiterCount は現在管理されているサインインのリミッター数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) SignInLimiterCount() int {
	return rl.signIn.count()
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2
	now := time.Now()
	rl.connect.evict(now, ttl)
	rl.signIn.evict(now, ttl)
}

// clientIP はRemoteAddrからホスト部分を取り出す。
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	// Retry-After: 1トークンが補充されるまでの秒数
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitExceededError())
}
