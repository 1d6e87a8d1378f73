package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		ConnectRate:     1,
		ConnectBurst:    2,
		SignInRate:      1,
		SignInBurst:     3,
		CleanupInterval: time.Minute,
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func connectRequest(accountID string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/connect/twitter", nil)
	return req.WithContext(ContextWithAccountID(req.Context(), accountID))
}

func TestConnectMiddleware_AllowsRequestsWithinBurst(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()
	handler := rl.ConnectMiddleware()(okHandler())

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, connectRequest("account-1"))
		if w.Result().StatusCode != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Result().StatusCode, http.StatusOK)
		}
	}
}

func TestConnectMiddleware_Returns429WhenLimitExceeded(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()
	handler := rl.ConnectMiddleware()(okHandler())

	for i := 0; i < 2; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), connectRequest("account-limit"))
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, connectRequest("account-limit"))

	resp := w.Result()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusTooManyRequests)
	}
	if got := resp.Header.Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want %q", got, "1")
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != "RATE_LIMIT_EXCEEDED" || body.Category != "system" {
		t.Errorf("body = %+v", body)
	}
}

func TestConnectMiddleware_IndependentPerAccount(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()
	handler := rl.ConnectMiddleware()(okHandler())

	for i := 0; i < 3; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), connectRequest("account-a"))
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, connectRequest("account-b"))
	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("別アカウントは制限されないべきです: status = %d", w.Result().StatusCode)
	}
	if rl.ConnectLimiterCount() != 2 {
		t.Errorf("ConnectLimiterCount() = %d, want 2", rl.ConnectLimiterCount())
	}
}

func TestConnectMiddleware_RequiresAccount(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	w := httptest.NewRecorder()
	rl.ConnectMiddleware()(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/connect/twitter", nil))
	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Result().StatusCode)
	}
}

func TestSignInMiddleware_KeyedByClientIP(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()
	handler := rl.SignInMiddleware()(okHandler())

	request := func(remote string) int {
		req := httptest.NewRequest(http.MethodGet, "/signin/github", nil)
		req.RemoteAddr = remote
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Result().StatusCode
	}

	// 同じIPならポートが違っても同じリミッター
	for i, port := range []string{"1000", "1001", "1002"} {
		if got := request("203.0.113.7:" + port); got != http.StatusOK {
			t.Errorf("request %d: status = %d", i, got)
		}
	}
	if got := request("203.0.113.7:1003"); got != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", got)
	}
	if got := request("198.51.100.1:1000"); got != http.StatusOK {
		t.Errorf("別IPは制限されないべきです: status = %d", got)
	}
	if rl.SignInLimiterCount() != 2 {
		t.Errorf("SignInLimiterCount() = %d, want 2", rl.SignInLimiterCount())
	}
}

func TestRateLimiter_CleanupEvictsStaleEntries(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	rl.connect.get("stale")
	rl.connect.get("fresh")
	rl.connect.mu.Lock()
	rl.connect.limiters["stale"].lastAccess = time.Now().Add(-time.Hour)
	rl.connect.mu.Unlock()

	rl.cleanup()

	if rl.ConnectLimiterCount() != 1 {
		t.Errorf("ConnectLimiterCount() = %d, want 1", rl.ConnectLimiterCount())
	}
}

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()
	if cfg.ConnectBurst <= 0 || cfg.SignInBurst <= 0 || cfg.CleanupInterval <= 0 {
		t.Errorf("invalid defaults: %+v", cfg)
	}
}
