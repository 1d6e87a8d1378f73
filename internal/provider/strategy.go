// Package provider はプロバイダーごとの認可方式、APIクライアント生成、
// ローカルアカウントとのコネクション管理を提供する。
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/connectbroker/internal/model"
	"github.com/hitoshi/connectbroker/internal/oauth1"
	"github.com/hitoshi/connectbroker/internal/oauth2"
	"github.com/hitoshi/connectbroker/internal/signing"
)

// ErrRefreshNotSupported はリフレッシュできない認可方式でRefreshを呼んだ場合のエラー。
var ErrRefreshNotSupported = errors.New("refresh not supported")

// Protocol は認可プロトコルの種類。
type Protocol string

const (
	ProtocolOAuth1 Protocol = "oauth1"
	ProtocolOAuth2 Protocol = "oauth2"
)

// Credentials はAPI呼び出しに使う認証情報。
// OAuth1はAccessTokenとSecret、OAuth2はAccessTokenと任意のRefreshToken、ExpireTimeを使う。
type Credentials struct {
	AccessToken  string
	Secret       string
	RefreshToken string
	// ExpireTime はエポックミリ秒。0は有効期限なし。
	ExpireTime int64
}

// CredentialsFromOAuthToken はOAuth1のアクセストークンからCredentialsを生成する。
func CredentialsFromOAuthToken(token model.OAuthToken) Credentials {
	return Credentials{AccessToken: token.Value, Secret: token.Secret}
}

// CredentialsFromAccessGrant はOAuth2のAccessGrantからCredentialsを生成する。
func CredentialsFromAccessGrant(grant model.AccessGrant) Credentials {
	return Credentials{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpireTime:   grant.ExpireTimeMillis(),
	}
}

// CredentialsFromConnection は保存済みのコネクションからCredentialsを取り出す。
func CredentialsFromConnection(data *model.ConnectionData) Credentials {
	return Credentials{
		AccessToken:  data.AccessToken,
		Secret:       data.Secret,
		RefreshToken: data.RefreshToken,
		ExpireTime:   data.ExpireTime,
	}
}

// HasExpired は有効期限を過ぎているかを返す。
func (c Credentials) HasExpired(now time.Time) bool {
	return c.ExpireTime != 0 && now.UnixMilli() >= c.ExpireTime
}

// Strategy はプロバイダーの認可方式。OAuth1StrategyとOAuth2Strategyがある。
type Strategy interface {
	Protocol() Protocol
	// RequestSigner はCredentialsでAPIリクエストに署名するRequestSignerを返す。
	RequestSigner(creds Credentials) signing.RequestSigner
	// CanRefresh はCredentialsを更新できるかを返す。
	CanRefresh(creds Credentials) bool
	// Refresh は新しいCredentialsを取得する。
	Refresh(ctx context.Context, creds Credentials) (Credentials, error)
}

// OAuth1Strategy はOAuth1の認可方式。トークンは失効しないためリフレッシュしない。
type OAuth1Strategy struct {
	Operations oauth1.Operations
}

// Protocol はProtocolOAuth1を返す。
func (s *OAuth1Strategy) Protocol() Protocol { return ProtocolOAuth1 }

// RequestSigner はトークンとシークレットでHMAC-SHA1署名するRequestSignerを返す。
func (s *OAuth1Strategy) RequestSigner(creds Credentials) signing.RequestSigner {
	return s.Operations.RequestSigner(model.OAuthToken{Value: creds.AccessToken, Secret: creds.Secret})
}

// CanRefresh は常にfalseを返す。
func (s *OAuth1Strategy) CanRefresh(Credentials) bool { return false }

// Refresh はErrRefreshNotSupportedを返す。
func (s *OAuth1Strategy) Refresh(context.Context, Credentials) (Credentials, error) {
	return Credentials{}, ErrRefreshNotSupported
}

// OAuth2Strategy はOAuth2の認可方式。
type OAuth2Strategy struct {
	Operations oauth2.Operations
	// Scope はリフレッシュ時に要求するスコープ。空の場合は送らない。
	Scope string
}

// Protocol はProtocolOAuth2を返す。
func (s *OAuth2Strategy) Protocol() Protocol { return ProtocolOAuth2 }

// RequestSigner はプロバイダー設定の方式でアクセストークンを付与するRequestSignerを返す。
func (s *OAuth2Strategy) RequestSigner(creds Credentials) signing.RequestSigner {
	return s.Operations.RequestSigner(creds.AccessToken)
}

// CanRefresh はリフレッシュトークンを持つ場合にtrueを返す。
func (s *OAuth2Strategy) CanRefresh(creds Credentials) bool {
	return creds.RefreshToken != ""
}

// Refresh はリフレッシュトークンでアクセストークンを更新する。
func (s *OAuth2Strategy) Refresh(ctx context.Context, creds Credentials) (Credentials, error) {
	if !s.CanRefresh(creds) {
		return Credentials{}, ErrRefreshNotSupported
	}
	grant, err := s.Operations.RefreshAccess(ctx, creds.RefreshToken, s.Scope)
	if err != nil {
		return Credentials{}, err
	}
	return CredentialsFromAccessGrant(grant), nil
}

// compile-time interface check
var (
	_ Strategy = (*OAuth1Strategy)(nil)
	_ Strategy = (*OAuth2Strategy)(nil)
)
