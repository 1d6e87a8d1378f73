package oauth1

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/connectbroker/internal/model"
)

func fixedSigner(nonce string, ts int64) *HMACSHA1Signer {
	return &HMACSHA1Signer{
		Nonce: func() (string, error) { return nonce, nil },
		Now:   func() time.Time { return time.Unix(ts, 0) },
	}
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

func TestPercentEncode(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"abcABC123", "abcABC123"},
		{"-._~", "-._~"},
		{"r b", "r%20b"},
		{"=%3D", "%3D%253D"},
		{"c@", "c%40"},
		{"+", "%2B"},
		{"*", "%2A"},
		{"", ""},
		{"ü", "%C3%BC"},
	}
	for _, tt := range tests {
		if got := PercentEncode(tt.in); got != tt.want {
			t.Errorf("PercentEncode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// RFC 5849 §3.4.1.1 のベース文字列の例
func TestBaseString_RFC5849Example(t *testing.T) {
	u := mustParseURL(t, "http://example.com/request?b5=%3D%253D&a3=a&c%40=&a2=r%20b")
	form, err := url.ParseQuery("c2&a3=2+q")
	if err != nil {
		t.Fatal(err)
	}
	oauthParams := map[string]string{
		"oauth_consumer_key":     "9djdj82h48djs9d2",
		"oauth_token":            "kkk9d7dh3k39sjv7",
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_timestamp":        "137131201",
		"oauth_nonce":            "7d8f3e4a",
	}

	got := BaseString("post", u, oauthParams, form)
	want := "POST&http%3A%2F%2Fexample.com%2Frequest&a2%3Dr%2520b%26a3%3D2%2520q%26a3%3Da%26b5%3D%253D%25253D%26c%2540%3D%26c2%3D%26oauth_consumer_key%3D9djdj82h48djs9d2%26oauth_nonce%3D7d8f3e4a%26oauth_signature_method%3DHMAC-SHA1%26oauth_timestamp%3D137131201%26oauth_token%3Dkkk9d7dh3k39sjv7"
	if got != want {
		t.Errorf("BaseString() =\n%s\nwant\n%s", got, want)
	}
}

func TestNormalizedParameters_FormBodyOrderingAndDoubleEncoding(t *testing.T) {
	u := mustParseURL(t, "https://api.twitter.com/oauth/request_token")
	form := url.Values{
		"b5": {"=%3D"},
		"a3": {"a", "2 q"},
		"c@": {""},
		"a2": {"r b"},
		"c2": {""},
	}
	token := &model.OAuthToken{Value: "kkk9d7dh3k39sjv7"}
	oauthParams := ProtocolParameters("9djdj82h48djs9d2", token, "7d8f3e4a", time.Unix(137131201, 0))

	normalized := NormalizedParameters(oauthParams, u, form)
	wantPrefix := "a2=r%20b&a3=2%20q&a3=a&b5=%3D%253D&c%40=&c2=&oauth_consumer_key=9djdj82h48djs9d2"
	if !strings.HasPrefix(normalized, wantPrefix) {
		t.Errorf("NormalizedParameters() = %q, want prefix %q", normalized, wantPrefix)
	}

	base := BaseString("POST", u, oauthParams, form)
	wantEncoded := "a2%3Dr%2520b%26a3%3D2%2520q%26a3%3Da%26b5%3D%253D%25253D%26c%2540%3D%26c2%3D%26oauth_consumer_key%3D9djdj82h48djs9d2"
	if !strings.HasPrefix(base, "POST&https%3A%2F%2Fapi.twitter.com%2Foauth%2Frequest_token&"+wantEncoded) {
		t.Errorf("BaseString() = %q, want encoded parameters %q", base, wantEncoded)
	}
	if !strings.Contains(base, "oauth_version%3D1.0") {
		t.Errorf("BaseString() should include oauth_version, got %q", base)
	}
}

func TestNormalizedParameters_KeepsDuplicatesAndEmptyValues(t *testing.T) {
	u := mustParseURL(t, "https://example.com/path?x=1&x=1&empty=")
	got := NormalizedParameters(nil, u, nil)
	if got != "empty=&x=1&x=1" {
		t.Errorf("NormalizedParameters() = %q, want %q", got, "empty=&x=1&x=1")
	}
}

func TestBaseURL(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"HTTP://Example.com:80/r%20v/X?id=123", "http://example.com/r%20v/X"},
		{"https://www.example.net:8080/?q=1", "https://www.example.net:8080/"},
		{"https://api.example.com:443", "https://api.example.com/"},
	}
	for _, tt := range tests {
		if got := BaseURL(mustParseURL(t, tt.raw)); got != tt.want {
			t.Errorf("BaseURL(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

// OAuth Core 1.0 仕様書の付録の署名例
func TestHMACSHA1Signer_KnownSignature(t *testing.T) {
	signer := fixedSigner("kllo9940pd9333jh", 1191242096)

	header, err := signer.AuthorizationHeader(SignatureRequest{
		Method:   "GET",
		URL:      mustParseURL(t, "http://photos.example.net/photos?file=vacation.jpg&size=original"),
		Consumer: Consumer{Key: "dpf43f3p2l4k3l03", Secret: "kd94hf93k423kf44"},
		Token:    &model.OAuthToken{Value: "nnch734d00sl2jdk", Secret: "pfkkdhi9sl3r4s00"},
	})
	if err != nil {
		t.Fatalf("AuthorizationHeader() error = %v", err)
	}

	if !strings.Contains(header, `oauth_signature="tR3%2BTy81lMeYAr%2FFid0kMTYa%2FWM%3D"`) {
		t.Errorf("header has unexpected signature: %s", header)
	}
	want := `OAuth oauth_consumer_key="dpf43f3p2l4k3l03", oauth_nonce="kllo9940pd9333jh", oauth_signature="tR3%2BTy81lMeYAr%2FFid0kMTYa%2FWM%3D", oauth_signature_method="HMAC-SHA1", oauth_timestamp="1191242096", oauth_token="nnch734d00sl2jdk", oauth_version="1.0"`
	if header != want {
		t.Errorf("header =\n%s\nwant\n%s", header, want)
	}
}

func TestHMACSHA1Signer_SameNonceAndTimestampIsDeterministic(t *testing.T) {
	req := SignatureRequest{
		Method:   "POST",
		URL:      mustParseURL(t, "https://api.example.com/statuses/update"),
		Form:     url.Values{"status": {"hello world"}},
		Consumer: Consumer{Key: "key", Secret: "secret"},
		Token:    &model.OAuthToken{Value: "tok", Secret: "toksecret"},
	}

	h1, err := fixedSigner("n1", 1700000000).AuthorizationHeader(req)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := fixedSigner("n1", 1700000000).AuthorizationHeader(req)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("signatures differ for identical nonce/timestamp:\n%s\n%s", h1, h2)
	}
}

func TestHMACSHA1Signer_FreshNoncePerRequest(t *testing.T) {
	req := SignatureRequest{
		Method:   "GET",
		URL:      mustParseURL(t, "https://api.example.com/me"),
		Consumer: Consumer{Key: "key", Secret: "secret"},
		Token:    &model.OAuthToken{Value: "tok", Secret: "toksecret"},
	}
	signer := NewHMACSHA1Signer()

	h1, err := signer.AuthorizationHeader(req)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := signer.AuthorizationHeader(req)
	if err != nil {
		t.Fatal(err)
	}
	if extractParam(h1, "oauth_nonce") == extractParam(h2, "oauth_nonce") {
		t.Error("expected a fresh nonce per request")
	}
	if extractParam(h1, "oauth_signature") == extractParam(h2, "oauth_signature") {
		t.Error("expected different signatures for different nonces")
	}
}

func TestHMACSHA1Signer_DifferentTimestampChangesSignature(t *testing.T) {
	req := SignatureRequest{
		Method:   "GET",
		URL:      mustParseURL(t, "https://api.example.com/me"),
		Consumer: Consumer{Key: "key", Secret: "secret"},
	}
	h1, _ := fixedSigner("same", 1000).AuthorizationHeader(req)
	h2, _ := fixedSigner("same", 1001).AuthorizationHeader(req)
	if extractParam(h1, "oauth_signature") == extractParam(h2, "oauth_signature") {
		t.Error("expected different signatures for different timestamps")
	}
}

func TestHMACSHA1Signer_IncludesExtraProtocolParams(t *testing.T) {
	header, err := fixedSigner("n", 1).AuthorizationHeader(SignatureRequest{
		Method:      "POST",
		URL:         mustParseURL(t, "https://api.example.com/oauth/request_token"),
		Consumer:    Consumer{Key: "key", Secret: "secret"},
		OAuthParams: map[string]string{"oauth_callback": "https://app.example.com/connect/twitter"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := extractParam(header, "oauth_callback"); got != "https%3A%2F%2Fapp.example.com%2Fconnect%2Ftwitter" {
		t.Errorf("oauth_callback = %q", got)
	}
	if extractParam(header, "oauth_token") != "" {
		t.Error("oauth_token should be absent without a token")
	}
}

// extractParam はAuthorizationヘッダーから指定パラメータのエンコード済み値を取り出す。
func extractParam(header, name string) string {
	for _, part := range strings.Split(strings.TrimPrefix(header, "OAuth "), ", ") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) == 2 && kv[0] == name {
			return strings.Trim(kv[1], `"`)
		}
	}
	return ""
}
