package oauth1

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/connectbroker/internal/model"
	"github.com/hitoshi/connectbroker/internal/signing"
)

// maxTokenResponseSize はトークンエンドポイントのレスポンスとして読み込む最大バイト数。
const maxTokenResponseSize = 1 << 20

// Version はOAuth1のプロトコルバージョン。
type Version int

const (
	// Version10a はコールバックをリクエストトークン取得時に送り、
	// アクセストークン交換時にverifierを送るフロー。
	Version10a Version = iota
	// Version10 はコールバックを認可URLに付与し、verifierを使わないフロー。
	Version10
)

// String はバージョン名を返す。
func (v Version) String() string {
	if v == Version10 {
		return "1.0"
	}
	return "1.0a"
}

// ParseVersion は設定値からVersionを解析する。空文字列は1.0aとみなす。
func ParseVersion(s string) (Version, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "1.0a", "core10a":
		return Version10a, nil
	case "1.0", "core10":
		return Version10, nil
	default:
		return 0, fmt.Errorf("unknown oauth1 version: %q", s)
	}
}

// AuthorizeParams は認可URLに付与するパラメータ。
// CallbackはOAuth 1.0の場合のみ認可URLに含める。
type AuthorizeParams struct {
	Callback string
	Extra    url.Values
}

// Operations はOAuth1の3-legged認可フローの操作を定義する。
type Operations interface {
	// Version はプロバイダーのOAuth1バージョンを返す。
	Version() Version
	// FetchRequestToken はリクエストトークンを取得する。
	FetchRequestToken(ctx context.Context, callbackURL string, extra url.Values) (model.OAuthToken, error)
	// BuildAuthorizeURL はユーザーを誘導する認可URLを生成する。ネットワーク通信は行わない。
	BuildAuthorizeURL(requestToken string, params AuthorizeParams) string
	// BuildAuthenticateURL はサインイン用の認証URLを生成する。
	// プロバイダーが専用URLを持たない場合は認可URLと同じになる。
	BuildAuthenticateURL(requestToken string, params AuthorizeParams) string
	// ExchangeForAccessToken は認可済みリクエストトークンをアクセストークンに交換する。
	ExchangeForAccessToken(ctx context.Context, token model.AuthorizedRequestToken, extra url.Values) (model.OAuthToken, error)
	// RequestSigner はアクセストークンでAPIリクエストに署名するRequestSignerを返す。
	RequestSigner(accessToken model.OAuthToken) signing.RequestSigner
}

// Config はOAuth1プロバイダーの設定。
type Config struct {
	ProviderID      string
	Consumer        Consumer
	RequestTokenURL string
	AuthorizeURL    string
	AuthenticateURL string
	AccessTokenURL  string
	Version         Version

	// HTTPClient はトークンエンドポイントとの通信に使う。タイムアウトは呼び出し側で設定する。
	HTTPClient *http.Client
	// Signer は署名の実装。nilの場合はHMACSHA1Signerを使う。
	Signer Signer
}

// validate は必須項目を検証する。
func (c *Config) validate() error {
	required := map[string]string{
		"consumer_key":      c.Consumer.Key,
		"consumer_secret":   c.Consumer.Secret,
		"request_token_url": c.RequestTokenURL,
		"authorize_url":     c.AuthorizeURL,
		"access_token_url":  c.AccessTokenURL,
	}
	for _, field := range []string{"consumer_key", "consumer_secret", "request_token_url", "authorize_url", "access_token_url"} {
		if required[field] == "" {
			return &model.ConfigError{ProviderID: c.ProviderID, Field: field, Reason: "required"}
		}
	}
	for field, raw := range map[string]string{
		"request_token_url": c.RequestTokenURL,
		"authorize_url":     c.AuthorizeURL,
		"access_token_url":  c.AccessTokenURL,
	} {
		if _, err := url.ParseRequestURI(raw); err != nil {
			return &model.ConfigError{ProviderID: c.ProviderID, Field: field, Reason: err.Error()}
		}
	}
	return nil
}

// Template は注入されたSignerで署名するOperationsの実装。
type Template struct {
	config Config
	client *http.Client
	signer Signer
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
	signer := config.Signer
	if signer == nil {
		signer = NewHMACSHA1Signer()
	}
	return &Template{config: config, client: client, signer: signer}, nil
}

// Version はプロバイダーのOAuth1バージョンを返す。
func (t *Template) Version() Version {
	return t.config.Version
}

// FetchRequestToken はリクエストトークンエンドポイントへ署名付きPOSTを送る。
// OAuth 1.0aではoauth_callbackを署名対象のプロトコルパラメータに含める。
func (t *Template) FetchRequestToken(ctx context.Context, callbackURL string, extra url.Values) (model.OAuthToken, error) {
	oauthParams := map[string]string{}
	if t.config.Version == Version10a {
		oauthParams["oauth_callback"] = callbackURL
	}
	token, values, err := t.postForToken(ctx, "request_token", t.config.RequestTokenURL, nil, oauthParams, extra)
	if err != nil {
		return model.OAuthToken{}, err
	}
	if t.config.Version == Version10a && values.Get("oauth_callback_confirmed") != "true" {
		slog.Warn("provider did not confirm oauth callback",
			slog.String("provider", t.config.ProviderID),
		)
	}
	return token, nil
}

// BuildAuthorizeURL は認可URLを生成する。
func (t *Template) BuildAuthorizeURL(requestToken string, params AuthorizeParams) string {
	return buildURL(t.config.AuthorizeURL, requestToken, t.config.Version, params)
}

// BuildAuthenticateURL はサインイン用URLを生成する。
func (t *Template) BuildAuthenticateURL(requestToken string, params AuthorizeParams) string {
	base := t.config.AuthenticateURL
	if base == "" {
		base = t.config.AuthorizeURL
	}
	return buildURL(base, requestToken, t.config.Version, params)
}

// ExchangeForAccessToken はアクセストークンエンドポイントへ署名付きPOSTを送る。
// 400/401はトークンの拒否としてTokenExchangeErrorを返す。
func (t *Template) ExchangeForAccessToken(ctx context.Context, token model.AuthorizedRequestToken, extra url.Values) (model.OAuthToken, error) {
	oauthParams := map[string]string{}
	if token.Verifier != "" {
		oauthParams["oauth_verifier"] = token.Verifier
	}
	requestToken := token.RequestToken
	access, _, err := t.postForToken(ctx, "access_token", t.config.AccessTokenURL, &requestToken, oauthParams, extra)
	if err != nil {
		return model.OAuthToken{}, err
	}
	return access, nil
}

// RequestSigner はアクセストークンでAPIリクエストに署名するRequestSignerを返す。
func (t *Template) RequestSigner(accessToken model.OAuthToken) signing.RequestSigner {
	return NewRequestSigner(t.signer, t.config.Consumer, accessToken)
}

// postForToken はトークンエンドポイントへ署名付きフォームPOSTを送り、
// form-encodedのレスポンスからトークンを取り出す。
func (t *Template) postForToken(ctx context.Context, op, endpoint string, token *model.OAuthToken, oauthParams map[string]string, extra url.Values) (model.OAuthToken, url.Values, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return model.OAuthToken{}, nil, fmt.Errorf("failed to parse %s url: %w", op, err)
	}

	form := extra
	if form == nil {
		form = url.Values{}
	}

	header, err := t.signer.AuthorizationHeader(SignatureRequest{
		Method:      http.MethodPost,
		URL:         u,
		Form:        form,
		Consumer:    t.config.Consumer,
		Token:       token,
		OAuthParams: oauthParams,
	})
	if err != nil {
		return model.OAuthToken{}, nil, fmt.Errorf("failed to sign %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return model.OAuthToken{}, nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Authorization", header)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return model.OAuthToken{}, nil, fmt.Errorf("%s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseSize))
	if err != nil {
		return model.OAuthToken{}, nil, fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &model.ProviderAPIError{
			ProviderID: t.config.ProviderID,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}
		if op == "access_token" && (resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized) {
			return model.OAuthToken{}, nil, &model.TokenExchangeError{
				ProviderID: t.config.ProviderID,
				Reason:     "request token or verifier rejected",
				Err:        apiErr,
			}
		}
		return model.OAuthToken{}, nil, apiErr
	}

	return parseTokenResponse(t.config.ProviderID, op, body)
}

// parseTokenResponse はform-encodedのトークンレスポンスを解析する。
func parseTokenResponse(providerID, op string, body []byte) (model.OAuthToken, url.Values, error) {
	values, err := url.ParseQuery(strings.TrimSpace(string(body)))
	if err != nil {
		return model.OAuthToken{}, nil, &model.ProviderAPIError{ProviderID: providerID, Operation: op, Err: err}
	}
	token := model.OAuthToken{
		Value:  values.Get("oauth_token"),
		Secret: values.Get("oauth_token_secret"),
	}
	if token.Value == "" || token.Secret == "" {
		return model.OAuthToken{}, nil, &model.ProviderAPIError{
			ProviderID: providerID,
			Operation:  op,
			Err:        fmt.Errorf("oauth_token or oauth_token_secret missing"),
		}
	}
	return token, values, nil
}

// buildURL は認可URLにoauth_tokenと追加パラメータを付与する。
// ベースURLが既にクエリを持つ場合はそれを保持する。
func buildURL(base, requestToken string, version Version, params AuthorizeParams) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("oauth_token", requestToken)
	if version == Version10 && params.Callback != "" {
		q.Set("oauth_callback", params.Callback)
	}
	for k, vs := range params.Extra {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// requestSigner はAPIリクエストにOAuth1署名を付与する。
type requestSigner struct {
	signer   Signer
	consumer Consumer
	token    model.OAuthToken
}

// NewRequestSigner はアクセストークンでAPIリクエストに署名するRequestSignerを生成する。
func NewRequestSigner(signer Signer, consumer Consumer, token model.OAuthToken) signing.RequestSigner {
	return &requestSigner{signer: signer, consumer: consumer, token: token}
}

// Sign はリクエストにAuthorizationヘッダーを設定する。
// form-encodedボディの場合のみボディのパラメータを署名対象に含める。
func (s *requestSigner) Sign(req *http.Request) error {
	var form url.Values
	if isFormRequest(req) {
		body, err := signing.ReadBody(req)
		if err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}
		form, err = url.ParseQuery(string(body))
		if err != nil {
			return fmt.Errorf("failed to parse form body: %w", err)
		}
	}

	token := s.token
	header, err := s.signer.AuthorizationHeader(SignatureRequest{
		Method:   req.Method,
		URL:      req.URL,
		Form:     form,
		Consumer: s.consumer,
		Token:    &token,
	})
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", header)
	return nil
}

func isFormRequest(req *http.Request) bool {
	if req.Body == nil || req.Body == http.NoBody {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/x-www-form-urlencoded"
}

// compile-time interface check
var _ Operations = (*Template)(nil)
