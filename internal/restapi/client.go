// Package restapi はプロバイダーのREST APIを呼び出す汎用クライアントと、
// 設定されたフィールドパスでプロフィールを取り出すアダプターを提供する。
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/connectbroker/internal/model"
)

// maxResponseSize はAPIレスポンスとして読み込む最大バイト数。
const maxResponseSize = 2 << 20

// userAgent はプロバイダーAPI呼び出し時のUser-Agent。
const userAgent = "connectbroker/1.0"

// Client はプロバイダーのREST APIクライアント。
// 署名はhttp.Clientのトランスポートで行われる前提で、このクライアント自身は認証情報を持たない。
type Client struct {
	httpClient *http.Client
	providerID string
}

// NewClient は署名済みのhttp.ClientからClientを生成する。
func NewClient(httpClient *http.Client) (*Client, error) {
	if httpClient == nil {
		return nil, fmt.Errorf("http client is required")
	}
	return &Client{httpClient: httpClient}, nil
}

// Factory はプロバイダーIDをエラーに含めるClientの生成関数を返す。
func Factory(providerID string) func(*http.Client) (*Client, error) {
	return func(httpClient *http.Client) (*Client, error) {
		c, err := NewClient(httpClient)
		if err != nil {
			return nil, err
		}
		c.providerID = providerID
		return c, nil
	}
}

// GetJSON はGETリクエストを送り、JSONレスポンスをvにデコードする。
// 2xx以外はProviderAPIErrorを返す。
func (c *Client) GetJSON(ctx context.Context, endpoint string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	body, err := c.do(req)
	if err != nil {
		return err
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return &model.ProviderAPIError{ProviderID: c.providerID, Operation: "api", Err: fmt.Errorf("failed to decode json: %w", err)}
	}
	return nil
}

// Check はエンドポイントへのGETが2xxを返すかを確認する。
func (c *Client) Check(ctx context.Context, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	_, err = c.do(req)
	return err
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Warn("プロバイダーAPIの呼び出しに失敗しました",
			slog.String("provider_id", c.providerID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to call %s api: %w", c.providerID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s api response: %w", c.providerID, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("プロバイダーAPIがエラーステータスを返しました",
			slog.String("provider_id", c.providerID),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, &model.ProviderAPIError{
			ProviderID: c.providerID,
			Operation:  "api",
			StatusCode: resp.StatusCode,
			Body:       truncate(string(body), 512),
		}
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
