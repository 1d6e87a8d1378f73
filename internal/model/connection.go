package model

import "time"

// ConnectionKey はローカルアカウント内でコネクションを一意に識別するキー。
type ConnectionKey struct {
	ProviderID     string `json:"provider_id"`
	ProviderUserID string `json:"provider_user_id"`
}

// ConnectionData はプロバイダーに依存しない永続化用のコネクションレコード。
// 空文字列のSecret、RefreshTokenはnullとして扱う。
// ExpireTimeはエポックミリ秒で、0は有効期限なしを表す。
type ConnectionData struct {
	ProviderID     string `json:"provider_id"`
	ProviderUserID string `json:"provider_user_id"`
	DisplayName    string `json:"display_name"`
	ProfileURL     string `json:"profile_url"`
	ImageURL       string `json:"image_url"`
	AccessToken    string `json:"access_token"`
	Secret         string `json:"secret,omitempty"`
	RefreshToken   string `json:"refresh_token,omitempty"`
	ExpireTime     int64  `json:"expire_time,omitempty"`

	// Rank は同一アカウント・同一プロバイダー内の並び順。0がプライマリ。
	// リポジトリが採番する。
	Rank int `json:"rank"`
}

// Key はコネクションのキーを返す。
func (d *ConnectionData) Key() ConnectionKey {
	return ConnectionKey{ProviderID: d.ProviderID, ProviderUserID: d.ProviderUserID}
}

// HasExpired はアクセストークンの有効期限が切れているかを返す。
func (d *ConnectionData) HasExpired(now time.Time) bool {
	return d.ExpireTime != 0 && now.UnixMilli() >= d.ExpireTime
}

// Clone はConnectionDataのコピーを返す。
func (d *ConnectionData) Clone() *ConnectionData {
	c := *d
	return &c
}

// ConnectionValues はアダプターがプロバイダーAPIから取得する
// コネクションの表示用の値。
type ConnectionValues struct {
	ProviderUserID string
	DisplayName    string
	ProfileURL     string
	ImageURL       string
}

// UserProfile はプロバイダーから取得したユーザープロフィールを正規化したもの。
// サインアップ画面の初期値などに利用する。
type UserProfile struct {
	ProviderUserID string `json:"provider_user_id"`
	Name           string `json:"name"`
	Username       string `json:"username"`
	Email          string `json:"email"`
	ProfileURL     string `json:"profile_url"`
	ImageURL       string `json:"image_url"`
}

// Values はプロフィールからConnectionValuesを組み立てる。
// 表示名はName、なければUsernameを使う。
func (p *UserProfile) Values() ConnectionValues {
	name := p.Name
	if name == "" {
		name = p.Username
	}
	return ConnectionValues{
		ProviderUserID: p.ProviderUserID,
		DisplayName:    name,
		ProfileURL:     p.ProfileURL,
		ImageURL:       p.ImageURL,
	}
}
