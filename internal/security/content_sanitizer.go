package security

import (
	"html"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/connectbroker/internal/model"
)

// maxProfileFieldLength はプロフィールの各フィールドを保存する最大文字数。
const maxProfileFieldLength = 512

// ProfileSanitizer はプロバイダーから取得したプロフィールを保存前に無害化する。
// 表示名などはアプリケーションの画面にそのまま表示されるため、HTMLを含めてはならない。
type ProfileSanitizer interface {
	// Sanitize はタグを除去し、http(s)以外のURLを空にしたプロフィールを返す。
	Sanitize(profile model.UserProfile) model.UserProfile
}

// profileSanitizer はbluemondayのStrictPolicyでタグをすべて除去する。
type profileSanitizer struct {
	policy *bluemonday.Policy
}

// NewProfileSanitizer はProfileSanitizerを生成する。
func NewProfileSanitizer() ProfileSanitizer {
	return &profileSanitizer{policy: bluemonday.StrictPolicy()}
}

func (s *profileSanitizer) Sanitize(p model.UserProfile) model.UserProfile {
	return model.UserProfile{
		ProviderUserID: strings.TrimSpace(p.ProviderUserID),
		Name:           s.text(p.Name),
		Username:       s.text(p.Username),
		Email:          s.text(p.Email),
		ProfileURL:     safeURL(p.ProfileURL),
		ImageURL:       safeURL(p.ImageURL),
	}
}

// text はタグを除去する。bluemondayはエスケープ済みの文字列を返すため元に戻す。
func (s *profileSanitizer) text(v string) string {
	if v == "" {
		return ""
	}
	cleaned := html.UnescapeString(s.policy.Sanitize(v))
	cleaned = strings.TrimSpace(cleaned)
	if r := []rune(cleaned); len(r) > maxProfileFieldLength {
		cleaned = string(r[:maxProfileFieldLength])
	}
	return cleaned
}

// safeURL は絶対URLかつhttp(s)の場合のみ値を返す。
func safeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > 2048 {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || !isAllowedScheme(u.Scheme) {
		return ""
	}
	return u.String()
}
