package oauth1

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	gooauth "github.com/garyburd/go-oauth/oauth"

	"github.com/hitoshi/connectbroker/internal/model"
	"github.com/hitoshi/connectbroker/internal/signing"
)

// GoOAuthTemplate はgithub.com/garyburd/go-oauthで署名と通信を行うOperationsの実装。
// Templateと差し替え可能で、どちらを使うかは設定で明示的に選ぶ。
//
// go-oauthはcontextを受け取らないため、キャンセルは呼び出し前の確認と
// HTTPClientのタイムアウトで扱う。トークン交換の失敗はステータスコードを
// 区別できないため、すべてProviderAPIErrorとして返す。
type GoOAuthTemplate struct {
	providerID      string
	version         Version
	authenticateURL string
	client          gooauth.Client
	httpClient      *http.Client
}

// NewGoOAuthTemplate はGoOAuthTemplateを生成する。設定不備はConfigErrorを返す。
// config.Signerは使用しない。
func NewGoOAuthTemplate(config Config) (*GoOAuthTemplate, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &GoOAuthTemplate{
		providerID:      config.ProviderID,
		version:         config.Version,
		authenticateURL: config.AuthenticateURL,
		httpClient:      httpClient,
		client: gooauth.Client{
			Credentials: gooauth.Credentials{
				Token:  config.Consumer.Key,
				Secret: config.Consumer.Secret,
			},
			TemporaryCredentialRequestURI: config.RequestTokenURL,
			ResourceOwnerAuthorizationURI: config.AuthorizeURL,
			TokenRequestURI:               config.AccessTokenURL,
		},
	}, nil
}

// Version はプロバイダーのOAuth1バージョンを返す。
func (t *GoOAuthTemplate) Version() Version {
	return t.version
}

// FetchRequestToken は一時クレデンシャル（リクエストトークン）を取得する。
func (t *GoOAuthTemplate) FetchRequestToken(ctx context.Context, callbackURL string, extra url.Values) (model.OAuthToken, error) {
	if err := ctx.Err(); err != nil {
		return model.OAuthToken{}, err
	}
	callback := callbackURL
	if t.version == Version10 {
		callback = ""
	}
	cred, err := t.client.RequestTemporaryCredentials(t.httpClient, callback, extra)
	if err != nil {
		return model.OAuthToken{}, &model.ProviderAPIError{ProviderID: t.providerID, Operation: "request_token", Err: err}
	}
	return model.OAuthToken{Value: cred.Token, Secret: cred.Secret}, nil
}

// BuildAuthorizeURL は認可URLを生成する。
func (t *GoOAuthTemplate) BuildAuthorizeURL(requestToken string, params AuthorizeParams) string {
	return t.client.AuthorizationURL(&gooauth.Credentials{Token: requestToken}, t.authorizeParams(params))
}

// BuildAuthenticateURL はサインイン用URLを生成する。
func (t *GoOAuthTemplate) BuildAuthenticateURL(requestToken string, params AuthorizeParams) string {
	if t.authenticateURL == "" {
		return t.BuildAuthorizeURL(requestToken, params)
	}
	return buildURL(t.authenticateURL, requestToken, t.version, params)
}

// ExchangeForAccessToken は認可済みリクエストトークンをアクセストークンに交換する。
// go-oauthは追加パラメータを受け付けないため、extraは無視する。
func (t *GoOAuthTemplate) ExchangeForAccessToken(ctx context.Context, token model.AuthorizedRequestToken, _ url.Values) (model.OAuthToken, error) {
	if err := ctx.Err(); err != nil {
		return model.OAuthToken{}, err
	}
	temp := &gooauth.Credentials{Token: token.RequestToken.Value, Secret: token.RequestToken.Secret}
	cred, _, err := t.client.RequestToken(t.httpClient, temp, token.Verifier)
	if err != nil {
		return model.OAuthToken{}, &model.ProviderAPIError{ProviderID: t.providerID, Operation: "access_token", Err: err}
	}
	if cred.Token == "" || cred.Secret == "" {
		return model.OAuthToken{}, &model.ProviderAPIError{
			ProviderID: t.providerID,
			Operation:  "access_token",
			Err:        fmt.Errorf("oauth_token or oauth_token_secret missing"),
		}
	}
	return model.OAuthToken{Value: cred.Token, Secret: cred.Secret}, nil
}

// RequestSigner はgo-oauthでAPIリクエストに署名するRequestSignerを返す。
func (t *GoOAuthTemplate) RequestSigner(accessToken model.OAuthToken) signing.RequestSigner {
	cred := &gooauth.Credentials{Token: accessToken.Value, Secret: accessToken.Secret}
	return signing.SignerFunc(func(req *http.Request) error {
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
		return t.client.SetAuthorizationHeader(req.Header, cred, req.Method, req.URL, form)
	})
}

func (t *GoOAuthTemplate) authorizeParams(params AuthorizeParams) url.Values {
	values := url.Values{}
	for k, vs := range params.Extra {
		values[k] = append([]string(nil), vs...)
	}
	if t.version == Version10 && params.Callback != "" {
		values.Set("oauth_callback", params.Callback)
	}
	return values
}

// compile-time interface check
var _ Operations = (*GoOAuthTemplate)(nil)
