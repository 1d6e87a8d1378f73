// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// ProviderHTTPClientFactory はプロバイダーとの通信に使うHTTPクライアントを生成する。
// トークンエンドポイントとプロフィールAPIの両方で使用される。
type ProviderHTTPClientFactory interface {
	// NewClient はタイムアウト付きのHTTPクライアントを生成する。
	NewClient(timeout time.Duration) *http.Client

	// ValidateEndpoint はプロバイダー設定のURLを起動時に検証する。
	ValidateEndpoint(rawURL string) error
}

// allowedSchemes はプロバイダーのエンドポイントとして許可されるURLスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedNetworks は安全モードでブロックされるネットワーク範囲。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		// プライベートIPアドレス (RFC 1918)
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		// ループバック
		"127.0.0.0/8",
		// リンクローカル（クラウドメタデータIPを含む）
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// safeClientFactory はsafeurlでプライベートネットワークへの接続を拒否するクライアントを生成する。
type safeClientFactory struct{}

// NewSafeClientFactory は本番用のProviderHTTPClientFactoryを返す。
// プロバイダーのURLは設定値だが、リダイレクト先やプロフィール画像URLは
// プロバイダーが返す値であるため、DNS解決後のIPアドレスも検証する。
func NewSafeClientFactory() ProviderHTTPClientFactory {
	return safeClientFactory{}
}

func (safeClientFactory) NewClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()

	return safeurl.Client(config).Client
}

func (safeClientFactory) ValidateEndpoint(rawURL string) error {
	u, err := parseEndpoint(rawURL)
	if err != nil {
		return err
	}

	host := u.Hostname()
	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}
	return nil
}

// plainClientFactory はネットワーク制限のないクライアントを生成する。
// ローカルのモックプロバイダーに接続する開発環境とテストで使用する。
type plainClientFactory struct{}

// NewPlainClientFactory は制限なしのProviderHTTPClientFactoryを返す。
func NewPlainClientFactory() ProviderHTTPClientFactory {
	return plainClientFactory{}
}

func (plainClientFactory) NewClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

func (plainClientFactory) ValidateEndpoint(rawURL string) error {
	_, err := parseEndpoint(rawURL)
	return err
}

// parseEndpoint はスキームとホストの静的な検証を行う。
func parseEndpoint(rawURL string) (*url.URL, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("empty URL")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if !isAllowedScheme(u.Scheme) {
		return nil, fmt.Errorf("disallowed scheme: %s (allowed: %v)", u.Scheme, allowedSchemes)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("empty host in URL: %s", rawURL)
	}
	return u, nil
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
