package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hitoshi/connectbroker/internal/logger"
)

const testProviders = `
providers:
  - id: twitter
    protocol: oauth1
    version: "1.0a"
    consumer_key: test-consumer-key
    consumer_secret: test-consumer-secret
    request_token_url: https://api.twitter.com/oauth/request_token
    authorize_url: https://api.twitter.com/oauth/authorize
    authenticate_url: https://api.twitter.com/oauth/authenticate
    access_token_url: https://api.twitter.com/oauth/access_token
    profile:
      url: https://api.twitter.com/1.1/account/verify_credentials.json
      id: id_str
      username: screen_name
  - id: github
    protocol: oauth2
    client_id: gh-client
    client_secret: gh-secret
    authorize_url: https://github.com/login/oauth/authorize
    access_token_url: https://github.com/login/oauth/access_token
    scope: "read:user"
    profile:
      url: https://api.github.com/user
      id: id
      username: login
`

// setTestEnv はmemoryドライバーで起動できる最小限の環境変数を設定する。
func setTestEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	providersFile := filepath.Join(dir, "providers.yaml")
	if err := os.WriteFile(providersFile, []byte(testProviders), 0o600); err != nil {
		t.Fatalf("failed to write providers file: %v", err)
	}

	t.Setenv("ENV_FILE", filepath.Join(dir, "missing.env"))
	t.Setenv("BASE_URL", "http://localhost:8080")
	t.Setenv("STATE_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("PROVIDERS_FILE", providersFile)
	t.Setenv("DATABASE_DRIVER", "memory")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("TOKEN_STORE", "memory")
	t.Setenv("LOG_LEVEL", "info")
	return dir
}

func TestInit_WithValidConfig_Succeeds(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg == nil {
		t.Fatal("expected non-nil config")
	}

	if cfg.BaseURL != "http://localhost:8080" {
		t.Errorf("BaseURL = %q, want %q", cfg.BaseURL, "http://localhost:8080")
	}

	// slogのデフォルトロガーがJSON出力に設定されていること
	slog.Default().Info("init test")
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log output, got error: %v\nraw: %s", err, buf.String())
	}
	if entry["msg"] != "init test" {
		t.Errorf("msg = %q, want %q", entry["msg"], "init test")
	}
}

func TestInit_AppliesLogLevel(t *testing.T) {
	setTestEnv(t)
	t.Setenv("LOG_LEVEL", "warn")

	var buf bytes.Buffer
	if _, err := Init(&buf); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	t.Cleanup(func() { _ = logger.SetLevel("info") })

	slog.Default().Info("should be filtered")
	if buf.Len() != 0 {
		t.Errorf("info log should be filtered at warn level, got %s", buf.String())
	}
}

func TestInit_InvalidLogLevel_ReturnsError(t *testing.T) {
	setTestEnv(t)
	t.Setenv("LOG_LEVEL", "verbose")

	var buf bytes.Buffer
	if _, err := Init(&buf); err == nil {
		t.Fatal("expected error for invalid LOG_LEVEL, got nil")
	}
}

func TestInit_WithMissingConfig_ReturnsError(t *testing.T) {
	setTestEnv(t)
	t.Setenv("STATE_SECRET", "")

	var buf bytes.Buffer
	_, err := Init(&buf)
	if err == nil {
		t.Fatal("expected error for missing config, got nil")
	}
}

func TestMaskDatabaseURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"パスワード付きURL", "postgres://user:secret@db:5432/connectbroker?sslmode=disable", "postgres://user:xxxxx@db:5432/connectbroker"},
		{"認証情報なし", "mysql://db:3306/connectbroker", "mysql://db:3306/connectbroker"},
		{"ファイルパス", "/var/lib/connectbroker/connectbroker.db", "/var/lib/con***@..."},
		{"短い値", "x.db", "***"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := maskDatabaseURL(tt.in)
			if got != tt.want {
				t.Errorf("maskDatabaseURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if strings.Contains(got, "secret") {
				t.Errorf("masked URL should not contain the password: %q", got)
			}
		})
	}
}
