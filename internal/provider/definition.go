package provider

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/connectbroker/internal/model"
	"github.com/hitoshi/connectbroker/internal/oauth1"
	"github.com/hitoshi/connectbroker/internal/oauth2"
	"github.com/hitoshi/connectbroker/internal/repository"
	"github.com/hitoshi/connectbroker/internal/restapi"
	"github.com/hitoshi/connectbroker/internal/security"
)

// Definition は設定ファイルに記述するプロバイダー1件分の定義。
type Definition struct {
	ID       string `yaml:"id"`
	Protocol string `yaml:"protocol"`
	// Version はOAuth1のバージョン（"1.0" または "1.0a"）。
	Version string `yaml:"version"`

	ConsumerKey    string `yaml:"consumer_key"`
	ConsumerSecret string `yaml:"consumer_secret"`
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`

	RequestTokenURL string `yaml:"request_token_url"`
	AuthorizeURL    string `yaml:"authorize_url"`
	AuthenticateURL string `yaml:"authenticate_url"`
	AccessTokenURL  string `yaml:"access_token_url"`
	Scope           string `yaml:"scope"`

	TokenStrategy string `yaml:"token_strategy"`
	TokenParam    string `yaml:"token_param"`
	ClientAuth    string `yaml:"client_auth"`
	// Signer はOAuth1の実装（"hmac-sha1" または "go-oauth"）。
	Signer string `yaml:"signer"`

	Profile restapi.ProfileMapping `yaml:"profile"`
}

// definitionsFile は設定ファイルのルート要素。
type definitionsFile struct {
	Providers []Definition `yaml:"providers"`
}

// LoadDefinitions はYAMLファイルからプロバイダー定義を読み込む。
// ${VAR} 形式の環境変数を展開してから解析する。
func LoadDefinitions(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file: %w", err)
	}
	return ParseDefinitions(data)
}

// ParseDefinitions はYAMLからプロバイダー定義を解析する。IDの重複はConfigErrorを返す。
func ParseDefinitions(data []byte) ([]Definition, error) {
	var file definitionsFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &file); err != nil {
		return nil, fmt.Errorf("failed to parse providers file: %w", err)
	}

	seen := make(map[string]bool, len(file.Providers))
	for _, def := range file.Providers {
		if def.ID == "" {
			return nil, &model.ConfigError{Field: "id", Reason: "required"}
		}
		if seen[def.ID] {
			return nil, &model.ConfigError{ProviderID: def.ID, Field: "id", Reason: "duplicate provider id"}
		}
		seen[def.ID] = true
	}
	return file.Providers, nil
}

// Endpoints は定義に含まれるURLを返す。SSRF検証に使う。
func (d *Definition) Endpoints() map[string]string {
	endpoints := map[string]string{
		"authorize_url":    d.AuthorizeURL,
		"access_token_url": d.AccessTokenURL,
		"profile.url":      d.Profile.URL,
	}
	if d.RequestTokenURL != "" {
		endpoints["request_token_url"] = d.RequestTokenURL
	}
	if d.AuthenticateURL != "" {
		endpoints["authenticate_url"] = d.AuthenticateURL
	}
	return endpoints
}

// BuildStrategy は定義からOAuth1またはOAuth2のStrategyを組み立てる。
// httpClientはトークンエンドポイントとの通信に使う。
func (d *Definition) BuildStrategy(httpClient *http.Client) (Strategy, error) {
	switch Protocol(strings.ToLower(d.Protocol)) {
	case ProtocolOAuth1:
		version, err := oauth1.ParseVersion(d.Version)
		if err != nil {
			return nil, &model.ConfigError{ProviderID: d.ID, Field: "version", Reason: err.Error()}
		}
		cfg := oauth1.Config{
			ProviderID:      d.ID,
			Consumer:        oauth1.Consumer{Key: d.ConsumerKey, Secret: d.ConsumerSecret},
			RequestTokenURL: d.RequestTokenURL,
			AuthorizeURL:    d.AuthorizeURL,
			AuthenticateURL: d.AuthenticateURL,
			AccessTokenURL:  d.AccessTokenURL,
			Version:         version,
			HTTPClient:      httpClient,
		}
		var ops oauth1.Operations
		switch strings.ToLower(d.Signer) {
		case "", "hmac-sha1":
			ops, err = oauth1.NewTemplate(cfg)
		case "go-oauth":
			ops, err = oauth1.NewGoOAuthTemplate(cfg)
		default:
			return nil, &model.ConfigError{ProviderID: d.ID, Field: "signer", Reason: fmt.Sprintf("unknown signer %q", d.Signer)}
		}
		if err != nil {
			return nil, err
		}
		return &OAuth1Strategy{Operations: ops}, nil

	case ProtocolOAuth2:
		tokenStrategy, err := oauth2.ParseTokenStrategy(d.TokenStrategy)
		if err != nil {
			return nil, &model.ConfigError{ProviderID: d.ID, Field: "token_strategy", Reason: err.Error()}
		}
		clientAuth, err := oauth2.ParseClientAuth(d.ClientAuth)
		if err != nil {
			return nil, &model.ConfigError{ProviderID: d.ID, Field: "client_auth", Reason: err.Error()}
		}
		ops, err := oauth2.NewTemplate(oauth2.Config{
			ProviderID:      d.ID,
			ClientID:        d.ClientID,
			ClientSecret:    d.ClientSecret,
			AuthorizeURL:    d.AuthorizeURL,
			AuthenticateURL: d.AuthenticateURL,
			AccessTokenURL:  d.AccessTokenURL,
			Scope:           d.Scope,
			TokenStrategy:   tokenStrategy,
			TokenParam:      d.TokenParam,
			ClientAuth:      clientAuth,
			HTTPClient:      httpClient,
		})
		if err != nil {
			return nil, err
		}
		return &OAuth2Strategy{Operations: ops, Scope: d.Scope}, nil

	default:
		return nil, &model.ConfigError{ProviderID: d.ID, Field: "protocol", Reason: fmt.Sprintf("unknown protocol %q", d.Protocol)}
	}
}

// BuildDeps は定義からServiceProviderを組み立てる際の共有依存。
type BuildDeps struct {
	Repository      repository.ConnectionRepository
	HTTPClient      *http.Client
	Sanitizer       security.ProfileSanitizer
	RefreshObserver RefreshObserver
}

// BuildRESTProvider は定義から汎用RESTクライアントを使うServiceProviderを組み立てる。
func BuildRESTProvider(def Definition, deps BuildDeps) (*ServiceProvider[*restapi.Client], error) {
	strategy, err := def.BuildStrategy(deps.HTTPClient)
	if err != nil {
		return nil, err
	}
	adapter, err := restapi.NewProfileAdapter(def.ID, def.Profile)
	if err != nil {
		return nil, err
	}
	return New(Config[*restapi.Client]{
		ID:              def.ID,
		Strategy:        strategy,
		APIFactory:      restapi.Factory(def.ID),
		Adapter:         adapter,
		Repository:      deps.Repository,
		HTTPClient:      deps.HTTPClient,
		Sanitizer:       deps.Sanitizer,
		RefreshObserver: deps.RefreshObserver,
	})
}
