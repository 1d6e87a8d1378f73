package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/hitoshi/connectbroker/internal/model"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		t.Fatal(err)
	}
	return doc
}

func TestLookup(t *testing.T) {
	doc := decode(t, `{
		"id": 12345678901234567890,
		"name": "Keith",
		"verified": true,
		"data": {"user": {"handle": "kdonald"}},
		"emails": [{"value": "a@example.com"}, {"value": "b@example.com"}],
		"bio": null
	}`)

	tests := []struct {
		path   string
		want   string
		wantOK bool
	}{
		{"id", "12345678901234567890", true},
		{"name", "Keith", true},
		{"verified", "true", true},
		{"data.user.handle", "kdonald", true},
		{"emails.1.value", "b@example.com", true},
		{"emails.2.value", "", false},
		{"emails.x", "", false},
		{"bio", "", true},
		{"data", "", false},
		{"missing.path", "", false},
	}
	for _, tt := range tests {
		got, ok := Lookup(doc, tt.path)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("Lookup(%q) = %q, %v; want %q, %v", tt.path, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestExtract_Template(t *testing.T) {
	doc := decode(t, `{"screen_name": "k donald", "id": 42}`)

	if got := extract(doc, "https://twitter.com/{screen_name}"); got != "https://twitter.com/k%20donald" {
		t.Errorf("template = %q", got)
	}
	if got := extract(doc, "https://graph.example.com/{id}/picture?type=large"); got != "https://graph.example.com/42/picture?type=large" {
		t.Errorf("template = %q", got)
	}
	if got := extract(doc, "https://example.com/{missing}"); got != "" {
		t.Errorf("template with missing field = %q, want empty", got)
	}
	if got := extract(doc, ""); got != "" {
		t.Errorf("empty expression = %q", got)
	}
}

func TestNewProfileAdapter_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mapping ProfileMapping
		field   string
	}{
		{"missing url", ProfileMapping{ID: "id"}, "profile.url"},
		{"relative url", ProfileMapping{URL: "me", ID: "id"}, "profile.url"},
		{"missing id", ProfileMapping{URL: "https://api.example.com/me"}, "profile.id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProfileAdapter("example", tt.mapping)
			var cfgErr *model.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("Field = %q, want %q", cfgErr.Field, tt.field)
			}
		})
	}
}

func TestProfileAdapter_FetchProfile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/user" {
			t.Errorf("path = %s, want /user", r.URL.Path)
		}
		if got := r.Header.Get("Accept"); got != "application/json" {
			t.Errorf("Accept = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": 583231, "login": "octocat", "name": "The Octocat",
			"html_url": "https://github.com/octocat", "avatar_url": "https://avatars.example.com/u/583231"}`))
	}))
	defer server.Close()

	adapter, err := NewProfileAdapter("github", ProfileMapping{
		URL:        server.URL + "/user",
		ID:         "id",
		Name:       "name",
		Username:   "login",
		ProfileURL: "html_url",
		ImageURL:   "avatar_url",
	})
	if err != nil {
		t.Fatal(err)
	}
	client, _ := Factory("github")(server.Client())

	profile, err := adapter.FetchProfile(context.Background(), client)
	if err != nil {
		t.Fatalf("FetchProfile() error = %v", err)
	}
	want := model.UserProfile{
		ProviderUserID: "583231",
		Name:           "The Octocat",
		Username:       "octocat",
		ProfileURL:     "https://github.com/octocat",
		ImageURL:       "https://avatars.example.com/u/583231",
	}
	if profile != want {
		t.Errorf("profile = %+v, want %+v", profile, want)
	}
}

func TestProfileAdapter_FetchProfile_MissingID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name": "nobody"}`))
	}))
	defer server.Close()

	adapter, _ := NewProfileAdapter("example", ProfileMapping{URL: server.URL, ID: "id"})
	client, _ := Factory("example")(server.Client())

	_, err := adapter.FetchProfile(context.Background(), client)
	var apiErr *model.ProviderAPIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected ProviderAPIError, got %v", err)
	}
	if apiErr.Operation != "profile" {
		t.Errorf("Operation = %q", apiErr.Operation)
	}
}

func TestClient_GetJSON_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, strings.Repeat("x", 2000), http.StatusUnauthorized)
	}))
	defer server.Close()

	client, _ := Factory("example")(server.Client())
	var v any
	err := client.GetJSON(context.Background(), server.URL, &v)

	var apiErr *model.ProviderAPIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected ProviderAPIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d", apiErr.StatusCode)
	}
	if apiErr.ProviderID != "example" {
		t.Errorf("ProviderID = %q", apiErr.ProviderID)
	}
	if len(apiErr.Body) > 512 {
		t.Errorf("body not truncated: %d bytes", len(apiErr.Body))
	}
}

func TestClient_GetJSON_Malformed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>`))
	}))
	defer server.Close()

	client, _ := NewClient(server.Client())
	var v any
	err := client.GetJSON(context.Background(), server.URL, &v)
	var apiErr *model.ProviderAPIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 0 {
		t.Fatalf("expected malformed ProviderAPIError, got %v", err)
	}
}

func TestProfileAdapter_Test(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer server.Close()

	adapter, _ := NewProfileAdapter("example", ProfileMapping{URL: server.URL, ID: "id"})
	client, _ := NewClient(server.Client())

	if err := adapter.Test(context.Background(), client); err != nil {
		t.Errorf("Test() with 200 error = %v", err)
	}
	status.Store(http.StatusUnauthorized)
	if err := adapter.Test(context.Background(), client); err == nil {
		t.Error("Test() with 401 should fail")
	}
}

func TestNewClient_NilHTTPClient(t *testing.T) {
	if _, err := NewClient(nil); err == nil {
		t.Error("expected error for nil http client")
	}
}
