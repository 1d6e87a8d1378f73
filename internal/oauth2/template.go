// Package oauth2 はOAuth 2.0の認可コードフローとアクセストークンの付与方式を提供する。
package oauth2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hitoshi/connectbroker/internal/model"
	"github.com/hitoshi/connectbroker/internal/signing"
)

// maxTokenResponseSize はトークンエンドポイントのレスポンスとして読み込む最大バイト数。
const maxTokenResponseSize = 1 << 20

// Parameters は認可URLに付与するパラメータ。
type Parameters struct {
	Scope string
	State string
	Extra url.Values
}

// Operations はOAuth2の認可コードフローの操作を定義する。
type Operations interface {
	// BuildAuthorizeURL は認可URLを生成する。ネットワーク通信は行わない。
	BuildAuthorizeURL(redirectURI string, params Parameters) string
	// BuildAuthenticateURL はサインイン用の認証URLを生成する。
	BuildAuthenticateURL(redirectURI string, params Parameters) string
	// ExchangeForAccess は認可コードをアクセストークンに交換する。自動で再試行しない。
	ExchangeForAccess(ctx context.Context, code, redirectURI string, extra url.Values) (model.AccessGrant, error)
	// RefreshAccess はリフレッシュトークンで新しいアクセストークンを取得する。
	RefreshAccess(ctx context.Context, refreshToken, scope string) (model.AccessGrant, error)
	// RequestSigner はアクセストークンでAPIリクエストに認証情報を付与するRequestSignerを返す。
	RequestSigner(accessToken string) signing.RequestSigner
}

// Config はOAuth2プロバイダーの設定。
type Config struct {
	ProviderID      string
	ClientID        string
	ClientSecret    string
	AuthorizeURL    string
	AuthenticateURL string
	AccessTokenURL  string
	// Scope はParameters.Scopeが空の場合に使うデフォルトのスコープ。
	Scope string

	TokenStrategy TokenStrategy
	// TokenParam はTokenStrategyQueryで使うパラメータ名（access_token、oauth_token等）。
	TokenParam string
	ClientAuth ClientAuth

	// HTTPClient はトークンエンドポイントとの通信に使う。タイムアウトは呼び出し側で設定する。
	HTTPClient *http.Client
}

func (c *Config) validate() error {
	for _, f := range []struct {
		field string
		value string
	}{
		{"client_id", c.ClientID},
		{"client_secret", c.ClientSecret},
		{"authorize_url", c.AuthorizeURL},
		{"access_token_url", c.AccessTokenURL},
	} {
		if f.value == "" {
			return &model.ConfigError{ProviderID: c.ProviderID, Field: f.field, Reason: "required"}
		}
	}
	for _, f := range []struct {
		field string
		value string
	}{
		{"authorize_url", c.AuthorizeURL},
		{"access_token_url", c.AccessTokenURL},
	} {
		if _, err := url.ParseRequestURI(f.value); err != nil {
			return &model.ConfigError{ProviderID: c.ProviderID, Field: f.field, Reason: err.Error()}
		}
	}
	return nil
}

// Template はOperationsの実装。
type Template struct {
	config Config
	client *http.Client
}

// NewTemplate はTemplateを生成する。設定不備はConfigErrorを返す。
func NewTemplate(config Config) (*Template, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	client := config.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &Template{config: config, client: client}, nil
}

// BuildAuthorizeURL はresponse_type=codeの認可URLを生成する。
func (t *Template) BuildAuthorizeURL(redirectURI string, params Parameters) string {
	return t.buildURL(t.config.AuthorizeURL, redirectURI, params)
}

// BuildAuthenticateURL はサインイン用URLを生成する。専用URLがなければ認可URLを使う。
func (t *Template) BuildAuthenticateURL(redirectURI string, params Parameters) string {
	base := t.config.AuthenticateURL
	if base == "" {
		base = t.config.AuthorizeURL
	}
	return t.buildURL(base, redirectURI, params)
}

func (t *Template) buildURL(base, redirectURI string, params Parameters) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("client_id", t.config.ClientID)
	q.Set("response_type", "code")
	if redirectURI != "" {
		q.Set("redirect_uri", redirectURI)
	}
	scope := params.Scope
	if scope == "" {
		scope = t.config.Scope
	}
	if scope != "" {
		q.Set("scope", scope)
	}
	if params.State != "" {
		q.Set("state", params.State)
	}
	for k, vs := range params.Extra {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ExchangeForAccess は認可コードをトークンエンドポイントへPOSTしてAccessGrantを得る。
// 2xx以外、またはaccess_tokenを含まないレスポンスはTokenExchangeErrorを返す。
func (t *Template) ExchangeForAccess(ctx context.Context, code, redirectURI string, extra url.Values) (model.AccessGrant, error) {
	data := url.Values{}
	for k, vs := range extra {
		data[k] = append([]string(nil), vs...)
	}
	data.Set("code", code)
	data.Set("redirect_uri", redirectURI)
	data.Set("grant_type", "authorization_code")

	return t.postForAccessGrant(ctx, "access_token", data, "")
}

// RefreshAccess はgrant_type=refresh_tokenでアクセストークンを更新する。
// レスポンスにrefresh_tokenが含まれない場合は元のリフレッシュトークンを引き継ぐ。
func (t *Template) RefreshAccess(ctx context.Context, refreshToken, scope string) (model.AccessGrant, error) {
	data := url.Values{
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}
	if scope != "" {
		data.Set("scope", scope)
	}
	return t.postForAccessGrant(ctx, "refresh", data, refreshToken)
}

// RequestSigner は設定されたTokenStrategyでアクセストークンを付与するRequestSignerを返す。
func (t *Template) RequestSigner(accessToken string) signing.RequestSigner {
	return NewTokenSigner(t.config.TokenStrategy, t.config.TokenParam, accessToken)
}

func (t *Template) postForAccessGrant(ctx context.Context, op string, data url.Values, previousRefresh string) (model.AccessGrant, error) {
	if t.config.ClientAuth == ClientAuthForm {
		data.Set("client_id", t.config.ClientID)
		data.Set("client_secret", t.config.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.AccessTokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return model.AccessGrant{}, fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if t.config.ClientAuth == ClientAuthBasic {
		req.SetBasicAuth(url.QueryEscape(t.config.ClientID), url.QueryEscape(t.config.ClientSecret))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return model.AccessGrant{}, fmt.Errorf("%s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseSize))
	if err != nil {
		return model.AccessGrant{}, fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return model.AccessGrant{}, &model.TokenExchangeError{
			ProviderID: t.config.ProviderID,
			Reason:     fmt.Sprintf("%s rejected", op),
			Err: &model.ProviderAPIError{
				ProviderID: t.config.ProviderID,
				Operation:  op,
				StatusCode: resp.StatusCode,
				Body:       string(body),
			},
		}
	}

	tr, err := parseTokenResponse(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return model.AccessGrant{}, &model.TokenExchangeError{
			ProviderID: t.config.ProviderID,
			Reason:     "malformed token response",
			Err:        &model.ProviderAPIError{ProviderID: t.config.ProviderID, Operation: op, Err: err},
		}
	}
	if tr.Error != "" {
		return model.AccessGrant{}, &model.TokenExchangeError{
			ProviderID: t.config.ProviderID,
			Reason:     tr.Error,
			Err:        &model.ProviderAPIError{ProviderID: t.config.ProviderID, Operation: op, StatusCode: resp.StatusCode, Body: string(body)},
		}
	}
	if tr.AccessToken == "" {
		return model.AccessGrant{}, &model.TokenExchangeError{
			ProviderID: t.config.ProviderID,
			Reason:     "access_token missing in response",
		}
	}

	refresh := tr.RefreshToken
	if refresh == "" {
		refresh = previousRefresh
	}
	return model.NewAccessGrant(tr.AccessToken, tr.Scope, refresh, tr.ExpiresIn), nil
}

// tokenResponse はトークンエンドポイントのレスポンスを正規化したもの。
type tokenResponse struct {
	AccessToken  string
	RefreshToken string
	Scope        string
	ExpiresIn    *int64
	Error        string
}

// parseTokenResponse はJSONまたはform-encodedのレスポンスを解析する。
// expires_inは数値と文字列のどちらも受け付け、旧形式のexpiresも読む。
func parseTokenResponse(contentType string, body []byte) (tokenResponse, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	trimmed := bytes.TrimSpace(body)

	if mediaType == "application/json" || strings.HasSuffix(mediaType, "+json") || bytes.HasPrefix(trimmed, []byte("{")) {
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return tokenResponse{}, fmt.Errorf("failed to parse json token response: %w", err)
		}
		tr := tokenResponse{
			AccessToken:  jsonString(raw["access_token"]),
			RefreshToken: jsonString(raw["refresh_token"]),
			Scope:        jsonString(raw["scope"]),
			Error:        jsonString(raw["error"]),
		}
		expires, err := jsonInt(raw["expires_in"])
		if err != nil {
			return tokenResponse{}, err
		}
		if expires == nil {
			if expires, err = jsonInt(raw["expires"]); err != nil {
				return tokenResponse{}, err
			}
		}
		tr.ExpiresIn = expires
		return tr, nil
	}

	values, err := url.ParseQuery(string(trimmed))
	if err != nil {
		return tokenResponse{}, fmt.Errorf("failed to parse form token response: %w", err)
	}
	tr := tokenResponse{
		AccessToken:  values.Get("access_token"),
		RefreshToken: values.Get("refresh_token"),
		Scope:        values.Get("scope"),
		Error:        values.Get("error"),
	}
	raw := values.Get("expires_in")
	if raw == "" {
		raw = values.Get("expires")
	}
	if raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return tokenResponse{}, fmt.Errorf("invalid expires_in %q: %w", raw, err)
		}
		tr.ExpiresIn = &n
	}
	return tr, nil
}

func jsonString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	// 数値のユーザーIDなどが文字列以外で返る場合はそのまま使う
	if string(raw) == "null" {
		return ""
	}
	return string(raw)
}

func jsonInt(raw json.RawMessage) (*int64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		v, err := strconv.ParseInt(n.String(), 10, 64)
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return nil, fmt.Errorf("invalid expires_in %s: %w", raw, err)
			}
			v = int64(f)
		}
		return &v, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("invalid expires_in %s: %w", raw, err)
	}
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid expires_in %q: %w", s, err)
	}
	return &v, nil
}

// compile-time interface check
var _ Operations = (*Template)(nil)
