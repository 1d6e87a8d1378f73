package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/connectbroker/internal/model"
)

// Connection はローカルアカウントとプロバイダー上のユーザーのコネクション。
// APIクライアントは初回のAPI呼び出し時に生成する。
type Connection[S any] struct {
	provider  *ServiceProvider[S]
	accountID string

	mu       sync.Mutex
	data     model.ConnectionData
	api      S
	apiBuilt bool
}

// AccountID はローカルアカウントIDを返す。
func (c *Connection[S]) AccountID() string { return c.accountID }

// Key はコネクションのキーを返す。
func (c *Connection[S]) Key() model.ConnectionKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data.Key()
}

// Data は現在のConnectionDataのコピーを返す。
func (c *Connection[S]) Data() model.ConnectionData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data
}

// HasExpired はアクセストークンの有効期限が切れているかを返す。
func (c *Connection[S]) HasExpired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data.HasExpired(c.provider.now())
}

// API は型付きAPIクライアントを返す。
// 期限切れでリフレッシュ可能な場合は、先にトークンを更新する。
func (c *Connection[S]) API(ctx context.Context) (S, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.data.HasExpired(c.provider.now()) {
		creds := CredentialsFromConnection(&c.data)
		if c.provider.strategy.CanRefresh(creds) {
			if err := c.refreshLocked(ctx); err != nil {
				var zero S
				return zero, err
			}
		} else {
			slog.Warn("期限切れのトークンを更新できません",
				slog.String("provider_id", c.data.ProviderID),
				slog.String("account_id", c.accountID),
			)
		}
	}

	if !c.apiBuilt {
		api, err := c.provider.API(CredentialsFromConnection(&c.data))
		if err != nil {
			var zero S
			return zero, err
		}
		c.api = api
		c.apiBuilt = true
	}
	return c.api, nil
}

// Refresh はトークンを更新して保存する。リフレッシュできない場合はErrRefreshNotSupportedを返す。
func (c *Connection[S]) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshLocked(ctx)
}

func (c *Connection[S]) refreshLocked(ctx context.Context) error {
	if !c.provider.strategy.CanRefresh(CredentialsFromConnection(&c.data)) {
		return ErrRefreshNotSupported
	}
	updated, err := c.provider.refresh(ctx, c.accountID, c.data.Key(), c.data.AccessToken)
	if err != nil {
		return err
	}
	c.data = updated
	c.apiBuilt = false
	var zero S
	c.api = zero
	return nil
}

// Test は認証情報がまだ有効かをプロバイダーに問い合わせる。
func (c *Connection[S]) Test(ctx context.Context) error {
	api, err := c.API(ctx)
	if err != nil {
		return err
	}
	return c.provider.adapter.Test(ctx, api)
}

// Sync はプロフィールを再取得し、表示名、プロフィールURL、画像URLだけを保存する。
// 保存済みのトークンは書き換えない。
func (c *Connection[S]) Sync(ctx context.Context) error {
	api, err := c.API(ctx)
	if err != nil {
		return err
	}
	profile, err := c.provider.fetchProfile(ctx, api)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if profile.ProviderUserID != c.data.ProviderUserID {
		return fmt.Errorf("%s profile user id changed from %s to %s", c.data.ProviderID, c.data.ProviderUserID, profile.ProviderUserID)
	}
	values := profile.Values()
	if err := c.provider.repo.UpdateConnectionProfile(ctx, c.accountID, c.data.Key(), values); err != nil {
		return err
	}

	stored, err := c.provider.repo.FindConnection(ctx, c.accountID, c.data.Key())
	if err != nil {
		return err
	}
	if stored == nil {
		return &model.AccountNotConnectedError{ProviderID: c.data.ProviderID}
	}
	if stored.AccessToken != c.data.AccessToken {
		c.apiBuilt = false
		var zero S
		c.api = zero
	}
	c.data = *stored
	return nil
}
