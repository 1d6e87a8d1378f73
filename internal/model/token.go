// Package model はドメインモデルを定義する。
package model

import "time"

// OAuthToken はOAuth1のトークンとシークレットの組を表す。
// リクエストトークンとアクセストークンの両方に使用する値型。
type OAuthToken struct {
	Value  string `json:"value"`
	Secret string `json:"secret"`
}

// AuthorizedRequestToken はユーザー認可済みのリクエストトークンを表す。
// Verifierが空の場合はOAuth 1.0（verifierなし）、空でない場合は1.0aのフロー。
type AuthorizedRequestToken struct {
	RequestToken OAuthToken `json:"request_token"`
	Verifier     string     `json:"verifier,omitempty"`
}

// AccessGrant はOAuth2のトークン交換結果を表す。
// ExpireTimeがnilの場合、プロバイダーは有効期限を返していない。
type AccessGrant struct {
	AccessToken  string     `json:"access_token"`
	Scope        string     `json:"scope,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	ExpireTime   *time.Time `json:"expire_time,omitempty"`
}

// NewAccessGrant はAccessGrantを生成する。
// expiresInは秒単位。nilの場合は有効期限なしとする。
func NewAccessGrant(accessToken, scope, refreshToken string, expiresIn *int64) AccessGrant {
	grant := AccessGrant{
		AccessToken:  accessToken,
		Scope:        scope,
		RefreshToken: refreshToken,
	}
	if expiresIn != nil {
		t := time.Now().Add(time.Duration(*expiresIn) * time.Second)
		grant.ExpireTime = &t
	}
	return grant
}

// ExpireTimeMillis は有効期限をエポックミリ秒で返す。有効期限なしの場合は0。
func (g AccessGrant) ExpireTimeMillis() int64 {
	if g.ExpireTime == nil {
		return 0
	}
	return g.ExpireTime.UnixMilli()
}
