package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type statusCounter struct {
	codes []int
}

func (c *statusCounter) RecordHTTPStatus(code int) {
	c.codes = append(c.codes, code)
}

// TestLoggingMiddleware_LogsRequestFields はリクエストログに必要なフィールドが含まれることを検証する。
func TestLoggingMiddleware_LogsRequestFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	handler := NewLoggingMiddleware(logger, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/connect", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v\nraw: %s", err, buf.String())
	}

	if entry["method"] != "GET" {
		t.Errorf("method = %q, want %q", entry["method"], "GET")
	}
	if entry["path"] != "/connect" {
		t.Errorf("path = %q, want %q", entry["path"], "/connect")
	}
	if status, ok := entry["status"].(float64); !ok || status != 200 {
		t.Errorf("status = %v, want 200", entry["status"])
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Error("expected 'duration_ms' field in log entry")
	}
	if _, ok := entry["account_id"]; ok {
		t.Error("account_id should be omitted for anonymous requests")
	}
}

// TestLoggingMiddleware_OmitsQueryString は認可コードやトークンを含むクエリがログに出ないことを検証する。
func TestLoggingMiddleware_OmitsQueryString(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := NewLoggingMiddleware(logger, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/connect/github?code=secret-code&state=abc", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if strings.Contains(buf.String(), "secret-code") {
		t.Errorf("query string leaked into log: %s", buf.String())
	}
}

// TestLoggingMiddleware_LogLevelByStatus はステータスコードに応じたログレベルを検証する。
func TestLoggingMiddleware_LogLevelByStatus(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusSeeOther, "INFO"},
		{http.StatusBadRequest, "WARN"},
		{http.StatusBadGateway, "ERROR"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		logger := slog.New(slog.NewJSONHandler(&buf, nil))
		handler := NewLoggingMiddleware(logger, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/connect", nil))

		var entry map[string]interface{}
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("failed to parse JSON log: %v", err)
		}
		if entry["level"] != tt.level {
			t.Errorf("status %d: level = %v, want %s", tt.status, entry["level"], tt.level)
		}
	}
}

// TestLoggingMiddleware_RecordsStatus はステータスコードがrecorderに渡されることを検証する。
func TestLoggingMiddleware_RecordsStatus(t *testing.T) {
	counter := &statusCounter{}
	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))

	handler := NewLoggingMiddleware(logger, counter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	if len(counter.codes) != 1 || counter.codes[0] != http.StatusOK {
		t.Errorf("recorded codes = %v, want [200]", counter.codes)
	}
}

// TestRecoveryMiddleware_Returns500 はpanicが500の内部エラーに変換されることを検証する。
func TestRecoveryMiddleware_Returns500(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	handler := NewRecoveryMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("adapter exploded")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/connect/twitter", nil))

	if w.Result().StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Result().StatusCode)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != "INTERNAL_ERROR" {
		t.Errorf("code = %q, want INTERNAL_ERROR", body.Code)
	}
	if !strings.Contains(buf.String(), "adapter exploded") || !strings.Contains(buf.String(), `"path":"/connect/twitter"`) {
		t.Errorf("panic should be logged with the path: %s", buf.String())
	}
}

// TestRecoveryMiddleware_AfterResponseStarted はヘッダー送信後のpanicでステータスを書き換えないことを検証する。
func TestRecoveryMiddleware_AfterResponseStarted(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	handler := NewRecoveryMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusSeeOther)
		panic("late failure")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/signin/github", nil))

	if w.Result().StatusCode != http.StatusSeeOther {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusSeeOther)
	}
	if w.Body.Len() != 0 {
		t.Errorf("body should be empty, got %q", w.Body.String())
	}
	if !strings.Contains(buf.String(), `"response_started":true`) {
		t.Errorf("log should record that the response had started: %s", buf.String())
	}
}

// TestRecoveryMiddleware_RepanicsAbortHandler はhttp.ErrAbortHandlerを回収しないことを検証する。
func TestRecoveryMiddleware_RepanicsAbortHandler(t *testing.T) {
	handler := NewRecoveryMiddleware(slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic(http.ErrAbortHandler)
		}))

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Errorf("recovered = %v, want http.ErrAbortHandler", rec)
		}
	}()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/connect", nil))
	t.Error("ServeHTTP should re-panic")
}

// TestSecurityHeadersMiddleware はセキュリティヘッダーが付与されることを検証する。
func TestSecurityHeadersMiddleware(t *testing.T) {
	handler := NewSecurityHeadersMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://api.twitter.com/oauth/authorize?oauth_token=abc", http.StatusSeeOther)
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/connect/twitter", nil))

	for header, want := range map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Referrer-Policy":         "no-referrer",
		"Cache-Control":           "no-store",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	} {
		if got := w.Result().Header.Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

// TestLoggingMiddleware_RecordsBytesAndRemoteIP は書き込みバイト数とクライアントIPを記録することを検証する。
func TestLoggingMiddleware_RecordsBytesAndRemoteIP(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := NewLoggingMiddleware(logger, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"twitter":[]}`))
	}))
	req := httptest.NewRequest(http.MethodGet, "/connect", nil)
	req.RemoteAddr = "198.51.100.4:40000"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v", err)
	}
	if entry["bytes"] != float64(len(`{"twitter":[]}`)) {
		t.Errorf("bytes = %v", entry["bytes"])
	}
	if entry["remote_ip"] != "198.51.100.4" {
		t.Errorf("remote_ip = %v, want 198.51.100.4", entry["remote_ip"])
	}
	if entry["status"] != float64(http.StatusOK) {
		t.Errorf("status = %v, want 200", entry["status"])
	}
}
