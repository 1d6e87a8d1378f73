package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/connectbroker/internal/model"
	"github.com/hitoshi/connectbroker/internal/repository"
	"github.com/hitoshi/connectbroker/internal/security"
	"github.com/hitoshi/connectbroker/internal/signing"
)

// APIFactory は署名済みのhttp.Clientから型付きAPIクライアントを生成する。
type APIFactory[S any] func(client *http.Client) (S, error)

// APIAdapter は型付きAPIクライアントからプロフィールを取得する。
type APIAdapter[S any] interface {
	// Test は認証情報がまだ有効かをプロバイダーに問い合わせる。
	Test(ctx context.Context, api S) error
	// FetchProfile はユーザープロフィールを取得する。
	FetchProfile(ctx context.Context, api S) (model.UserProfile, error)
}

// RefreshObserver はトークン更新の結果を受け取る。メトリクス収集に使う。
type RefreshObserver interface {
	RecordRefresh(providerID string, err error)
}

// Provider は型パラメータに依存しないServiceProviderの操作。
// Registryと接続フローのオーケストレーションから使う。
type Provider interface {
	ID() string
	Strategy() Strategy
	// PrepareConnection はCredentialsでプロフィールを取得し、保存前のConnectionDataを組み立てる。
	PrepareConnection(ctx context.Context, creds Credentials) (*model.ConnectionData, *model.UserProfile, error)
	// SaveConnection は組み立て済みのConnectionDataをアカウントに追加する。
	SaveConnection(ctx context.Context, accountID string, data *model.ConnectionData) error
	IsConnected(ctx context.Context, accountID string) (bool, error)
	// ConnectionStatus はアカウントのコネクションをrank順に返す。
	ConnectionStatus(ctx context.Context, accountID string) ([]model.ConnectionData, error)
	// Disconnect はコネクションを削除する。providerUserIDが空の場合はすべて削除する。
	Disconnect(ctx context.Context, accountID, providerUserID string) error
}

// Config はServiceProviderの設定。
type Config[S any] struct {
	ID         string
	Strategy   Strategy
	APIFactory APIFactory[S]
	Adapter    APIAdapter[S]
	Repository repository.ConnectionRepository

	// HTTPClient はAPI呼び出しの基になるクライアント。タイムアウトを設定しておくこと。
	HTTPClient *http.Client
	// Sanitizer はプロフィールの無害化に使う。nilの場合は無害化しない。
	Sanitizer security.ProfileSanitizer
	// RefreshObserver はnilでもよい。
	RefreshObserver RefreshObserver
}

// ServiceProvider はプロバイダーID、認可方式、APIクライアントの生成方法を束ね、
// ローカルアカウントごとのコネクションを管理する。
type ServiceProvider[S any] struct {
	id         string
	strategy   Strategy
	factory    APIFactory[S]
	adapter    APIAdapter[S]
	repo       repository.ConnectionRepository
	client     *http.Client
	sanitizer  security.ProfileSanitizer
	observer   RefreshObserver
	refreshing singleflight.Group
	now        func() time.Time
}

// New はServiceProviderを生成する。設定不備はConfigErrorを返す。
func New[S any](cfg Config[S]) (*ServiceProvider[S], error) {
	switch {
	case cfg.ID == "":
		return nil, &model.ConfigError{Field: "id", Reason: "required"}
	case cfg.Strategy == nil:
		return nil, &model.ConfigError{ProviderID: cfg.ID, Field: "protocol", Reason: "strategy is required"}
	case cfg.APIFactory == nil:
		return nil, &model.ConfigError{ProviderID: cfg.ID, Reason: "api factory is required"}
	case cfg.Adapter == nil:
		return nil, &model.ConfigError{ProviderID: cfg.ID, Field: "profile", Reason: "api adapter is required"}
	case cfg.Repository == nil:
		return nil, &model.ConfigError{ProviderID: cfg.ID, Reason: "connection repository is required"}
	}

	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &ServiceProvider[S]{
		id:        cfg.ID,
		strategy:  cfg.Strategy,
		factory:   cfg.APIFactory,
		adapter:   cfg.Adapter,
		repo:      cfg.Repository,
		client:    client,
		sanitizer: cfg.Sanitizer,
		observer:  cfg.RefreshObserver,
		now:       time.Now,
	}, nil
}

// ID はプロバイダーIDを返す。
func (p *ServiceProvider[S]) ID() string { return p.id }

// Strategy は認可方式を返す。
func (p *ServiceProvider[S]) Strategy() Strategy { return p.strategy }

// API はCredentialsで署名するAPIクライアントを生成する。
func (p *ServiceProvider[S]) API(creds Credentials) (S, error) {
	client := signing.NewClient(p.strategy.RequestSigner(creds), p.client)
	api, err := p.factory(client)
	if err != nil {
		var zero S
		return zero, fmt.Errorf("failed to create %s api client: %w", p.id, err)
	}
	return api, nil
}

// FetchProfile はCredentialsでプロフィールを取得し、無害化して返す。
func (p *ServiceProvider[S]) FetchProfile(ctx context.Context, creds Credentials) (model.UserProfile, error) {
	api, err := p.API(creds)
	if err != nil {
		return model.UserProfile{}, err
	}
	return p.fetchProfile(ctx, api)
}

func (p *ServiceProvider[S]) fetchProfile(ctx context.Context, api S) (model.UserProfile, error) {
	profile, err := p.adapter.FetchProfile(ctx, api)
	if err != nil {
		return model.UserProfile{}, fmt.Errorf("failed to fetch %s profile: %w", p.id, err)
	}
	if p.sanitizer != nil {
		profile = p.sanitizer.Sanitize(profile)
	}
	if profile.ProviderUserID == "" {
		return model.UserProfile{}, fmt.Errorf("%s profile has no user id", p.id)
	}
	return profile, nil
}

// PrepareConnection はプロフィールを取得し、保存前のConnectionDataを組み立てる。
func (p *ServiceProvider[S]) PrepareConnection(ctx context.Context, creds Credentials) (*model.ConnectionData, *model.UserProfile, error) {
	profile, err := p.FetchProfile(ctx, creds)
	if err != nil {
		return nil, nil, err
	}
	values := profile.Values()
	data := &model.ConnectionData{
		ProviderID:     p.id,
		ProviderUserID: values.ProviderUserID,
		DisplayName:    values.DisplayName,
		ProfileURL:     values.ProfileURL,
		ImageURL:       values.ImageURL,
		AccessToken:    creds.AccessToken,
		Secret:         creds.Secret,
		RefreshToken:   creds.RefreshToken,
		ExpireTime:     creds.ExpireTime,
	}
	return data, &profile, nil
}

// SaveConnection はConnectionDataをアカウントに追加する。
// 重複時はDuplicateConnectionErrorを返す。
func (p *ServiceProvider[S]) SaveConnection(ctx context.Context, accountID string, data *model.ConnectionData) error {
	if data.ProviderID != p.id {
		return fmt.Errorf("connection for %s cannot be saved by provider %s", data.ProviderID, p.id)
	}
	if err := p.repo.AddConnection(ctx, accountID, data); err != nil {
		return err
	}
	slog.Info("コネクションを追加しました",
		slog.String("provider_id", p.id),
		slog.String("account_id", accountID),
		slog.String("provider_user_id", data.ProviderUserID),
		slog.Int("rank", data.Rank),
	)
	return nil
}

// Connect はCredentialsでプロフィールを取得し、コネクションとして保存する。
func (p *ServiceProvider[S]) Connect(ctx context.Context, accountID string, creds Credentials) (*Connection[S], error) {
	data, _, err := p.PrepareConnection(ctx, creds)
	if err != nil {
		return nil, err
	}
	if err := p.SaveConnection(ctx, accountID, data); err != nil {
		return nil, err
	}
	return p.newConnection(accountID, data), nil
}

// IsConnected はアカウントがこのプロバイダーに1つ以上接続しているかを返す。
func (p *ServiceProvider[S]) IsConnected(ctx context.Context, accountID string) (bool, error) {
	primary, err := p.repo.FindPrimaryConnection(ctx, accountID, p.id)
	if err != nil {
		return false, err
	}
	return primary != nil, nil
}

// ConnectionStatus はアカウントのコネクションをrank順に返す。
func (p *ServiceProvider[S]) ConnectionStatus(ctx context.Context, accountID string) ([]model.ConnectionData, error) {
	return p.repo.FindConnections(ctx, accountID, p.id)
}

// Connections はアカウントのコネクションをrank順に返す。接続がない場合は空のスライス。
func (p *ServiceProvider[S]) Connections(ctx context.Context, accountID string) ([]*Connection[S], error) {
	data, err := p.repo.FindConnections(ctx, accountID, p.id)
	if err != nil {
		return nil, err
	}
	conns := make([]*Connection[S], 0, len(data))
	for i := range data {
		conns = append(conns, p.newConnection(accountID, &data[i]))
	}
	return conns, nil
}

// ConnectionsToUsers は指定したプロバイダーユーザーIDとのコネクションを返す。
func (p *ServiceProvider[S]) ConnectionsToUsers(ctx context.Context, accountID string, providerUserIDs []string) (map[string]*Connection[S], error) {
	data, err := p.repo.FindConnectionsToUsers(ctx, accountID, p.id, providerUserIDs)
	if err != nil {
		return nil, err
	}
	conns := make(map[string]*Connection[S], len(data))
	for id, d := range data {
		conns[id] = p.newConnection(accountID, &d)
	}
	return conns, nil
}

// Connection はプロバイダーユーザーIDのコネクションを返す。
// 存在しない場合はAccountNotConnectedErrorを返す。
func (p *ServiceProvider[S]) Connection(ctx context.Context, accountID, providerUserID string) (*Connection[S], error) {
	data, err := p.repo.FindConnection(ctx, accountID, model.ConnectionKey{ProviderID: p.id, ProviderUserID: providerUserID})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, &model.AccountNotConnectedError{ProviderID: p.id}
	}
	return p.newConnection(accountID, data), nil
}

// PrimaryConnection はrank最小のコネクションを返す。
// 接続がない場合はAccountNotConnectedErrorを返す。
func (p *ServiceProvider[S]) PrimaryConnection(ctx context.Context, accountID string) (*Connection[S], error) {
	data, err := p.repo.FindPrimaryConnection(ctx, accountID, p.id)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, &model.AccountNotConnectedError{ProviderID: p.id}
	}
	return p.newConnection(accountID, data), nil
}

// Disconnect はコネクションを削除する。providerUserIDが空の場合はこのプロバイダーの全コネクションを削除する。
// 存在しないコネクションの削除はエラーにならない。
func (p *ServiceProvider[S]) Disconnect(ctx context.Context, accountID, providerUserID string) error {
	var err error
	if providerUserID == "" {
		err = p.repo.RemoveConnections(ctx, accountID, p.id)
	} else {
		err = p.repo.RemoveConnection(ctx, accountID, model.ConnectionKey{ProviderID: p.id, ProviderUserID: providerUserID})
	}
	if err != nil {
		return err
	}
	slog.Info("コネクションを削除しました",
		slog.String("provider_id", p.id),
		slog.String("account_id", accountID),
		slog.String("provider_user_id", providerUserID),
	)
	return nil
}

func (p *ServiceProvider[S]) newConnection(accountID string, data *model.ConnectionData) *Connection[S] {
	return &Connection[S]{provider: p, accountID: accountID, data: *data}
}

// refresh はコネクションのトークンを更新して保存する。
// リフレッシュには保存済みの最新の行を使う。
// 呼び出し元が持つアクセストークンが既に別のハンドルで更新済みで期限内なら、プロバイダーは呼ばずにその行を返す。
// 同じコネクションへの同時更新は1回のプロバイダー呼び出しにまとめる。
func (p *ServiceProvider[S]) refresh(ctx context.Context, accountID string, key model.ConnectionKey, knownAccessToken string) (model.ConnectionData, error) {
	sfKey := accountID + "\x00" + key.ProviderID + "\x00" + key.ProviderUserID
	v, err, _ := p.refreshing.Do(sfKey, func() (any, error) {
		stored, err := p.repo.FindConnection(ctx, accountID, key)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s connection: %w", p.id, err)
		}
		if stored == nil {
			return nil, &model.AccountNotConnectedError{ProviderID: p.id}
		}
		if stored.AccessToken != knownAccessToken && !stored.HasExpired(p.now()) {
			return *stored, nil
		}
		if !p.strategy.CanRefresh(CredentialsFromConnection(stored)) {
			return nil, ErrRefreshNotSupported
		}

		creds, err := p.strategy.Refresh(ctx, CredentialsFromConnection(stored))
		if p.observer != nil {
			p.observer.RecordRefresh(p.id, err)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to refresh %s connection: %w", p.id, err)
		}
		updated := *stored
		updated.AccessToken = creds.AccessToken
		updated.RefreshToken = creds.RefreshToken
		updated.ExpireTime = creds.ExpireTime
		if err := p.repo.UpdateConnection(ctx, accountID, &updated); err != nil {
			return nil, err
		}
		slog.Info("アクセストークンを更新しました",
			slog.String("provider_id", p.id),
			slog.String("account_id", accountID),
			slog.String("provider_user_id", key.ProviderUserID),
		)
		return updated, nil
	})
	if err != nil {
		return model.ConnectionData{}, err
	}
	return v.(model.ConnectionData), nil
}

// compile-time interface check
var _ Provider = (*ServiceProvider[struct{}])(nil)
