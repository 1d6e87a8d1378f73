// Package oauth1 はOAuth 1.0/1.0aの3-legged認可フローと
// RFC 5849準拠のHMAC-SHA1リクエスト署名を提供する。
package oauth1

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/connectbroker/internal/model"
)

const (
	// SignatureMethodHMACSHA1 はサポートする唯一の署名方式。
	SignatureMethodHMACSHA1 = "HMAC-SHA1"
	oauthVersion            = "1.0"
)

// Consumer はアプリケーション（コンシューマー）の資格情報。
type Consumer struct {
	Key    string
	Secret string
}

// SignatureRequest は署名対象のリクエストを表す。
// Formはapplication/x-www-form-urlencodedボディのパラメータで、それ以外のボディの場合はnil。
// OAuthParamsにはoauth_callback、oauth_verifier等の追加プロトコルパラメータを指定する。
type SignatureRequest struct {
	Method      string
	URL         *url.URL
	Form        url.Values
	Consumer    Consumer
	Token       *model.OAuthToken
	OAuthParams map[string]string
}

// Signer はAuthorizationヘッダーの値を生成する。
// 実装は構築時に明示的に注入する。
type Signer interface {
	AuthorizationHeader(r SignatureRequest) (string, error)
}

// HMACSHA1Signer はRFC 5849 §3.4に従いHMAC-SHA1で署名する。
// NonceとNowはテストで固定値を注入するために差し替え可能。
type HMACSHA1Signer struct {
	Nonce func() (string, error)
	Now   func() time.Time
}

// NewHMACSHA1Signer は暗号論的乱数のnonceと現在時刻を使うSignerを生成する。
func NewHMACSHA1Signer() *HMACSHA1Signer {
	return &HMACSHA1Signer{Nonce: randomNonce, Now: time.Now}
}

// AuthorizationHeader は署名済みのAuthorizationヘッダー値を返す。
// nonceとtimestampはリクエストごとに生成する。
func (s *HMACSHA1Signer) AuthorizationHeader(r SignatureRequest) (string, error) {
	nonceFn := s.Nonce
	if nonceFn == nil {
		nonceFn = randomNonce
	}
	nowFn := s.Now
	if nowFn == nil {
		nowFn = time.Now
	}

	nonce, err := nonceFn()
	if err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	oauthParams := ProtocolParameters(r.Consumer.Key, r.Token, nonce, nowFn())
	for k, v := range r.OAuthParams {
		oauthParams[k] = v
	}

	base := BaseString(r.Method, r.URL, oauthParams, r.Form)
	tokenSecret := ""
	if r.Token != nil {
		tokenSecret = r.Token.Secret
	}
	oauthParams["oauth_signature"] = Sign(base, r.Consumer.Secret, tokenSecret)

	return buildHeader(oauthParams), nil
}

// ProtocolParameters はOAuthプロトコルパラメータを組み立てる。
// tokenがnilの場合oauth_tokenは含めない。
func ProtocolParameters(consumerKey string, token *model.OAuthToken, nonce string, now time.Time) map[string]string {
	p := map[string]string{
		"oauth_consumer_key":     consumerKey,
		"oauth_nonce":            nonce,
		"oauth_signature_method": SignatureMethodHMACSHA1,
		"oauth_timestamp":        strconv.FormatInt(now.Unix(), 10),
		"oauth_version":          oauthVersion,
	}
	if token != nil && token.Value != "" {
		p["oauth_token"] = token.Value
	}
	return p
}

// parameter はエンコード済みのキーと値の組。
type parameter struct {
	key   string
	value string
}

// collectParameters は署名対象のパラメータをエンコード済みの形で収集する。
// 同名パラメータは統合せずにすべて残す。
func collectParameters(oauthParams map[string]string, u *url.URL, form url.Values) []parameter {
	var params []parameter
	for k, v := range oauthParams {
		if k == "oauth_signature" || k == "realm" {
			continue
		}
		params = append(params, parameter{PercentEncode(k), PercentEncode(v)})
	}
	if u != nil {
		for k, vs := range u.Query() {
			for _, v := range vs {
				params = append(params, parameter{PercentEncode(k), PercentEncode(v)})
			}
		}
	}
	for k, vs := range form {
		for _, v := range vs {
			params = append(params, parameter{PercentEncode(k), PercentEncode(v)})
		}
	}
	return params
}

// NormalizedParameters はプロトコルパラメータ、URLのクエリ、フォームボディを
// エンコードし、キー、値の順にソートして&で連結した文字列を返す。
func NormalizedParameters(oauthParams map[string]string, u *url.URL, form url.Values) string {
	return joinSorted(collectParameters(oauthParams, u, form))
}

func joinSorted(params []parameter) string {
	sorted := make([]parameter, len(params))
	copy(sorted, params)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].key != sorted[j].key {
			return sorted[i].key < sorted[j].key
		}
		return sorted[i].value < sorted[j].value
	})

	var b strings.Builder
	for i, p := range sorted {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p.key)
		b.WriteByte('=')
		b.WriteString(p.value)
	}
	return b.String()
}

// BaseString は署名ベース文字列を生成する。
func BaseString(method string, u *url.URL, oauthParams map[string]string, form url.Values) string {
	return strings.ToUpper(method) + "&" +
		PercentEncode(BaseURL(u)) + "&" +
		PercentEncode(NormalizedParameters(oauthParams, u, form))
}

// BaseURL はクエリ文字列とフラグメントを除き、スキームとホストを小文字化し、
// デフォルトポートを取り除いたURLを返す。
func BaseURL(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port != "" && !(scheme == "http" && port == "80") && !(scheme == "https" && port == "443") {
		host = host + ":" + port
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return scheme + "://" + host + path
}

// Sign はベース文字列をHMAC-SHA1で署名し、base64エンコードした値を返す。
func Sign(baseString, consumerSecret, tokenSecret string) string {
	key := PercentEncode(consumerSecret) + "&" + PercentEncode(tokenSecret)
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(baseString))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// buildHeader はAuthorizationヘッダー値を組み立てる。キー順に並べる。
func buildHeader(oauthParams map[string]string) string {
	keys := make([]string, 0, len(oauthParams))
	for k := range oauthParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("OAuth ")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(PercentEncode(k))
		b.WriteString(`="`)
		b.WriteString(PercentEncode(oauthParams[k]))
		b.WriteByte('"')
	}
	return b.String()
}

// PercentEncode はRFC 3986の非予約文字以外をすべて%XX（大文字）にエンコードする。
func PercentEncode(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	return (c >= 'A' && c <= 'Z') ||
		(c >= 'a' && c <= 'z') ||
		(c >= '0' && c <= '9') ||
		c == '-' || c == '.' || c == '_' || c == '~'
}

// randomNonce は128bitの乱数を16進数で返す。
func randomNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
