// Package signing はプロバイダーAPI呼び出し時のリクエスト署名を提供する。
// OAuth1（HMAC-SHA1署名）とOAuth2（トークン付与）の両方がRequestSignerを実装する。
package signing

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// RequestSigner は送信前のHTTPリクエストに認証情報を付与する。
// 署名はリクエストごとに再計算しなければならない。
type RequestSigner interface {
	Sign(req *http.Request) error
}

// SignerFunc は関数をRequestSignerとして扱うためのアダプタ。
type SignerFunc func(req *http.Request) error

// Sign はRequestSignerを実装する。
func (f SignerFunc) Sign(req *http.Request) error { return f(req) }

// Transport はリクエストごとにRequestSignerで署名してから送信するRoundTripper。
type Transport struct {
	Signer RequestSigner
	Base   http.RoundTripper
}

// RoundTrip はhttp.RoundTripperを実装する。
// 呼び出し元のリクエストを変更しないよう、複製に対して署名する。
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if req.Body != nil && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to copy request body: %w", err)
		}
		clone.Body = body
	}
	if err := t.Signer.Sign(clone); err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}
	return t.base().RoundTrip(clone)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// NewClient は署名付きリクエストを送るhttp.Clientを返す。
// baseのタイムアウトとトランスポートを引き継ぐ。baseがnilの場合はデフォルトを使う。
func NewClient(signer RequestSigner, base *http.Client) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	return &http.Client{
		Transport:     &Transport{Signer: signer, Base: base.Transport},
		Timeout:       base.Timeout,
		CheckRedirect: base.CheckRedirect,
		Jar:           base.Jar,
	}
}

// ReadBody はリクエストボディを読み出し、再読み込みできるように差し戻す。
// フォームボディを署名対象に含める署名方式で使用する。
func ReadBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	req.Body.Close()
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return data, nil
}
