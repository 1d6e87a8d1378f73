package oauth2

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/hitoshi/connectbroker/internal/signing"
)

// TokenStrategy はAPIリクエストにアクセストークンを付与する方式。
// プロバイダーごとに設定で指定し、自動判定はしない。
type TokenStrategy int

const (
	// TokenStrategyBearer は "Authorization: Bearer <token>"。
	TokenStrategyBearer TokenStrategy = iota
	// TokenStrategyOAuthHeader はdraft-10の "Authorization: OAuth <token>"。
	TokenStrategyOAuthHeader
	// TokenStrategyTokenHeader はdraft-8/9の `Authorization: Token token="<token>"`。
	TokenStrategyTokenHeader
	// TokenStrategyQuery はクエリパラメータでトークンを渡す。
	TokenStrategyQuery
)

// String は設定ファイル上の名前を返す。
func (s TokenStrategy) String() string {
	switch s {
	case TokenStrategyOAuthHeader:
		return "oauth"
	case TokenStrategyTokenHeader:
		return "token"
	case TokenStrategyQuery:
		return "query"
	default:
		return "bearer"
	}
}

// ParseTokenStrategy は設定値からTokenStrategyを解析する。空文字列はbearer。
func ParseTokenStrategy(s string) (TokenStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "bearer", "authorization_header":
		return TokenStrategyBearer, nil
	case "oauth", "oauth_header":
		return TokenStrategyOAuthHeader, nil
	case "token", "token_header":
		return TokenStrategyTokenHeader, nil
	case "query", "access_token_parameter", "oauth_token_parameter":
		return TokenStrategyQuery, nil
	default:
		return 0, fmt.Errorf("unknown token strategy: %q", s)
	}
}

// DefaultQueryParam はTokenStrategyQueryのデフォルトのパラメータ名。
const DefaultQueryParam = "access_token"

// NewTokenSigner はアクセストークンを指定の方式で付与するRequestSignerを返す。
// paramはTokenStrategyQueryの場合のみ使用し、空ならaccess_tokenとする。
func NewTokenSigner(strategy TokenStrategy, param, accessToken string) signing.RequestSigner {
	if param == "" {
		param = DefaultQueryParam
	}
	return signing.SignerFunc(func(req *http.Request) error {
		switch strategy {
		case TokenStrategyOAuthHeader:
			req.Header.Set("Authorization", "OAuth "+accessToken)
		case TokenStrategyTokenHeader:
			req.Header.Set("Authorization", `Token token="`+accessToken+`"`)
		case TokenStrategyQuery:
			q := req.URL.Query()
			q.Set(param, accessToken)
			req.URL.RawQuery = q.Encode()
		default:
			req.Header.Set("Authorization", "Bearer "+accessToken)
		}
		return nil
	})
}

// ClientAuth はトークンエンドポイントでのクライアント認証方式。
type ClientAuth int

const (
	// ClientAuthForm はclient_id/client_secretをフォームボディで送る。
	ClientAuthForm ClientAuth = iota
	// ClientAuthBasic はHTTP Basic認証で送る。
	ClientAuthBasic
)

// ParseClientAuth は設定値からClientAuthを解析する。空文字列はform。
func ParseClientAuth(s string) (ClientAuth, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "form", "client_secret_post":
		return ClientAuthForm, nil
	case "basic", "client_secret_basic":
		return ClientAuthBasic, nil
	default:
		return 0, fmt.Errorf("unknown client auth: %q", s)
	}
}
