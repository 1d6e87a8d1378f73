package oauth2

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewTokenSigner(t *testing.T) {
	tests := []struct {
		name       string
		strategy   TokenStrategy
		param      string
		wantHeader string
		wantQuery  map[string]string
	}{
		{name: "bearer", strategy: TokenStrategyBearer, wantHeader: "Bearer tok"},
		{name: "draft10 oauth", strategy: TokenStrategyOAuthHeader, wantHeader: "OAuth tok"},
		{name: "draft8 token", strategy: TokenStrategyTokenHeader, wantHeader: `Token token="tok"`},
		{name: "query default", strategy: TokenStrategyQuery, wantQuery: map[string]string{"access_token": "tok", "fields": "id"}},
		{name: "query oauth_token", strategy: TokenStrategyQuery, param: "oauth_token", wantQuery: map[string]string{"oauth_token": "tok", "fields": "id"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "https://graph.example.com/me?fields=id", nil)
			if err := NewTokenSigner(tt.strategy, tt.param, "tok").Sign(req); err != nil {
				t.Fatalf("Sign() error = %v", err)
			}
			if got := req.Header.Get("Authorization"); got != tt.wantHeader {
				t.Errorf("Authorization = %q, want %q", got, tt.wantHeader)
			}
			for k, v := range tt.wantQuery {
				if got := req.URL.Query().Get(k); got != v {
					t.Errorf("query %s = %q, want %q", k, got, v)
				}
			}
		})
	}
}

func TestParseTokenStrategy(t *testing.T) {
	tests := map[string]TokenStrategy{
		"":       TokenStrategyBearer,
		"Bearer": TokenStrategyBearer,
		"oauth":  TokenStrategyOAuthHeader,
		"token":  TokenStrategyTokenHeader,
		"query":  TokenStrategyQuery,
	}
	for in, want := range tests {
		got, err := ParseTokenStrategy(in)
		if err != nil || got != want {
			t.Errorf("ParseTokenStrategy(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseTokenStrategy("guess"); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestParseClientAuth(t *testing.T) {
	if got, _ := ParseClientAuth("basic"); got != ClientAuthBasic {
		t.Errorf("ParseClientAuth(basic) = %v", got)
	}
	if got, _ := ParseClientAuth(""); got != ClientAuthForm {
		t.Errorf("ParseClientAuth(\"\") = %v", got)
	}
	if _, err := ParseClientAuth("jwt"); err == nil {
		t.Error("expected error for unknown client auth")
	}
}
