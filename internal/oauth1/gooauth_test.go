package oauth1

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/hitoshi/connectbroker/internal/model"
)

func newTestGoOAuthTemplate(t *testing.T, serverURL string, version Version) *GoOAuthTemplate {
	t.Helper()
	tmpl, err := NewGoOAuthTemplate(Config{
		ProviderID:      "evernote",
		Consumer:        Consumer{Key: "consumer-key", Secret: "consumer-secret"},
		RequestTokenURL: serverURL + "/oauth",
		AuthorizeURL:    serverURL + "/OAuth.action",
		AccessTokenURL:  serverURL + "/oauth",
		Version:         version,
	})
	if err != nil {
		t.Fatalf("NewGoOAuthTemplate() error = %v", err)
	}
	return tmpl
}

func TestGoOAuthTemplate_FetchRequestToken(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		io.WriteString(w, "oauth_token=req-token&oauth_token_secret=req-secret&oauth_callback_confirmed=true")
	}))
	defer server.Close()

	tmpl := newTestGoOAuthTemplate(t, server.URL, Version10a)
	token, err := tmpl.FetchRequestToken(context.Background(), "https://app.example.com/connect/evernote", nil)
	if err != nil {
		t.Fatalf("FetchRequestToken() error = %v", err)
	}
	if token.Value != "req-token" || token.Secret != "req-secret" {
		t.Errorf("token = %+v", token)
	}
	if !strings.HasPrefix(gotAuth, "OAuth ") {
		t.Errorf("Authorization = %q, want OAuth scheme", gotAuth)
	}
}

func TestGoOAuthTemplate_FetchRequestToken_ProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	tmpl := newTestGoOAuthTemplate(t, server.URL, Version10a)
	_, err := tmpl.FetchRequestToken(context.Background(), "https://app.example.com/cb", nil)
	var apiErr *model.ProviderAPIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected ProviderAPIError, got %v", err)
	}
}

func TestGoOAuthTemplate_CanceledContext(t *testing.T) {
	tmpl := newTestGoOAuthTemplate(t, "https://api.example.com", Version10a)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := tmpl.FetchRequestToken(ctx, "https://app.example.com/cb", nil); !errors.Is(err, context.Canceled) {
		t.Errorf("FetchRequestToken() error = %v, want context.Canceled", err)
	}
	if _, err := tmpl.ExchangeForAccessToken(ctx, model.AuthorizedRequestToken{}, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("ExchangeForAccessToken() error = %v, want context.Canceled", err)
	}
}

func TestGoOAuthTemplate_BuildAuthorizeURL(t *testing.T) {
	tmpl := newTestGoOAuthTemplate(t, "https://sandbox.example.com", Version10)
	raw := tmpl.BuildAuthorizeURL("req-token", AuthorizeParams{Callback: "https://app.example.com/cb"})

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if u.Query().Get("oauth_token") != "req-token" {
		t.Errorf("oauth_token = %q", u.Query().Get("oauth_token"))
	}
	if u.Query().Get("oauth_callback") != "https://app.example.com/cb" {
		t.Errorf("oauth_callback = %q", u.Query().Get("oauth_callback"))
	}

	if got := tmpl.BuildAuthenticateURL("req-token", AuthorizeParams{}); !strings.Contains(got, "/OAuth.action") {
		t.Errorf("BuildAuthenticateURL() = %q, want fallback to authorize url", got)
	}
}
