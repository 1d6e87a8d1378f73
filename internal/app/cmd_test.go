package app

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCommandString(t *testing.T) {
	tests := []struct {
		cmd  Command
		want string
	}{
		{CommandServe, "serve"},
		{CommandMigrate, "migrate"},
		{CommandHealthcheck, "healthcheck"},
		{CommandProviders, "providers"},
	}
	for _, tt := range tests {
		if string(tt.cmd) != tt.want {
			t.Errorf("Command = %q, want %q", tt.cmd, tt.want)
		}
	}
}

func TestNewRootCommand_RegistersSubcommands(t *testing.T) {
	root := NewRootCommand(&bytes.Buffer{})

	for _, name := range []string{"serve", "migrate", "healthcheck", "providers"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil {
			t.Errorf("subcommand %q not found: %v", name, err)
			continue
		}
		if cmd.Name() != name {
			t.Errorf("Find(%q) = %q", name, cmd.Name())
		}
	}

	migrate, _, _ := root.Find([]string{"migrate"})
	if migrate.Flags().Lookup("rollback") == nil {
		t.Error("migrate should have a --rollback flag")
	}
}

func TestRun_UnknownCommand_ReturnsError(t *testing.T) {
	var buf bytes.Buffer
	if err := Run(&buf, []string{"worker"}); err == nil {
		t.Fatal("expected error for unknown command, got nil")
	}
}

func TestRun_WithMissingEnv_ReturnsError(t *testing.T) {
	setTestEnv(t)
	t.Setenv("BASE_URL", "")
	t.Setenv("PROVIDERS_FILE", "")

	var buf bytes.Buffer
	err := Run(&buf, []string{"serve"})
	if err == nil {
		t.Fatal("Run with missing env should return error")
	}
	if !strings.Contains(err.Error(), "initialization failed") {
		t.Errorf("error = %v, want initialization failure", err)
	}
}

func TestRun_Healthcheck(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"正常", http.StatusOK, false},
		{"依存先の障害", http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/health" {
					t.Errorf("path = %q, want /health", r.URL.Path)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()
			u, _ := url.Parse(srv.URL)

			err := Run(&bytes.Buffer{}, []string{"healthcheck", "--port", u.Port()})
			if (err != nil) != tt.wantErr {
				t.Errorf("Run(healthcheck) error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestRun_Healthcheck_SkipsConfig はhealthcheckが設定の読み込みなしで動くことを検証する。
func TestRun_Healthcheck_SkipsConfig(t *testing.T) {
	t.Setenv("STATE_SECRET", "")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	u, _ := url.Parse(srv.URL)

	if err := Run(&bytes.Buffer{}, []string{"healthcheck", "--port", u.Port()}); err != nil {
		t.Errorf("Run(healthcheck) error = %v", err)
	}
}

func TestRun_Providers_ListsDefinitions(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	if err := Run(&buf, []string{"providers"}); err != nil {
		t.Fatalf("Run(providers) error = %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		"ID",
		"http://localhost:8080/connect/twitter",
		"http://localhost:8080/connect/github",
		"oauth1",
		"oauth2",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output should contain %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "gh-secret") || strings.Contains(out, "test-consumer-secret") {
		t.Errorf("output should not contain credentials:\n%s", out)
	}
}

func TestRun_Providers_InvalidDefinition(t *testing.T) {
	dir := setTestEnv(t)
	bad := strings.Replace(testProviders, "protocol: oauth2", "protocol: saml", 1)
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte(bad), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PROVIDERS_FILE", path)

	if err := Run(&bytes.Buffer{}, []string{"providers"}); err == nil {
		t.Fatal("expected error for unknown protocol, got nil")
	}
}

func TestRun_Migrate_MemoryDriverSkips(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	if err := Run(&buf, []string{"migrate"}); err != nil {
		t.Fatalf("Run(migrate) error = %v", err)
	}
	if !strings.Contains(buf.String(), "skipping migrations") {
		t.Errorf("log should mention skipped migrations:\n%s", buf.String())
	}
}

func TestRun_Migrate_SQLiteUpAndRollback(t *testing.T) {
	dir := setTestEnv(t)
	t.Setenv("DATABASE_DRIVER", "sqlite3")
	t.Setenv("DATABASE_URL", filepath.Join(dir, "connectbroker.db"))

	var buf bytes.Buffer
	if err := Run(&buf, []string{"migrate"}); err != nil {
		t.Fatalf("Run(migrate) error = %v", err)
	}
	if err := Run(&buf, []string{"migrate", "--rollback", "1"}); err != nil {
		t.Fatalf("Run(migrate --rollback 1) error = %v", err)
	}
	if !strings.Contains(buf.String(), "database migrations rolled back") {
		t.Errorf("log should mention rollback:\n%s", buf.String())
	}
}
