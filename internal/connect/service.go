package connect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/connectbroker/internal/metrics"
	"github.com/hitoshi/connectbroker/internal/model"
	"github.com/hitoshi/connectbroker/internal/oauth1"
	"github.com/hitoshi/connectbroker/internal/oauth2"
	"github.com/hitoshi/connectbroker/internal/provider"
	"github.com/hitoshi/connectbroker/internal/repository"
	"github.com/hitoshi/connectbroker/internal/tokenstore"
)

// ErrProtocolMismatch はコールバックのパラメータがプロバイダーの認可方式と一致しない場合のエラー。
var ErrProtocolMismatch = errors.New("callback does not match provider protocol")

// defaultRequestTokenTTL はRequestTokenTTL未指定時の認可レコードの有効期間。
const defaultRequestTokenTTL = 10 * time.Minute

// handshake結果のメトリクスラベル。
const (
	outcomeConnected    = "connected"
	outcomeSignedIn     = "signed_in"
	outcomeDenied       = "denied"
	outcomeVetoed       = "vetoed"
	outcomeExpired      = "expired"
	outcomeDuplicate    = "duplicate"
	outcomeNotConnected = "not_connected"
	outcomeRejected     = "rejected"
	outcomeError        = "error"
)

// Config は接続サービスの設定。
type Config struct {
	Registry   *provider.Registry
	Repository repository.ConnectionRepository
	Store      tokenstore.Store
	StateCodec *StateCodec

	// BaseURL はコールバックURLの基になる外部公開URL。
	// コールバックは{BaseURL}/connect/{providerID}または{BaseURL}/signin/{providerID}になる。
	BaseURL string
	// RequestTokenTTL はOAuth1のリクエストトークンを保持する期間。
	RequestTokenTTL time.Duration
	// Metrics はnilの場合NopCollectorを使う。
	Metrics metrics.MetricsCollector
}

// SignInResult はプロバイダー経由のサインインの結果。
type SignInResult struct {
	AccountID  string                `json:"account_id"`
	Connection *model.ConnectionData `json:"connection"`
	Profile    *model.UserProfile    `json:"profile"`
}

// Service は接続フローのビジネスロジックを提供する。
type Service struct {
	registry        *provider.Registry
	repo            repository.ConnectionRepository
	store           tokenstore.Store
	codec           *StateCodec
	baseURL         string
	requestTokenTTL time.Duration
	metrics         metrics.MetricsCollector
	interceptors    interceptors
	now             func() time.Time
}

// NewService はServiceを生成する。
func NewService(cfg Config) (*Service, error) {
	switch {
	case cfg.Registry == nil:
		return nil, errors.New("provider registry is required")
	case cfg.Repository == nil:
		return nil, errors.New("connection repository is required")
	case cfg.Store == nil:
		return nil, errors.New("token store is required")
	case cfg.StateCodec == nil:
		return nil, errors.New("state codec is required")
	case cfg.BaseURL == "":
		return nil, errors.New("base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}

	ttl := cfg.RequestTokenTTL
	if ttl <= 0 {
		ttl = defaultRequestTokenTTL
	}
	collector := cfg.Metrics
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Service{
		registry:        cfg.Registry,
		repo:            cfg.Repository,
		store:           cfg.Store,
		codec:           cfg.StateCodec,
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		requestTokenTTL: ttl,
		metrics:         collector,
		interceptors: interceptors{
			pre:  make(map[string][]PreConnectInterceptor),
			post: make(map[string][]PostConnectInterceptor),
		},
		now: time.Now,
	}, nil
}

// AddPreConnectInterceptor はpre-connectインターセプターを追加する。
// providerIDが空の場合は全プロバイダーに適用する。起動時に呼ぶこと。
func (s *Service) AddPreConnectInterceptor(providerID string, i PreConnectInterceptor) {
	s.interceptors.pre[providerID] = append(s.interceptors.pre[providerID], i)
}

// AddPostConnectInterceptor はpost-connectインターセプターを追加する。
// providerIDが空の場合は全プロバイダーに適用する。起動時に呼ぶこと。
func (s *Service) AddPostConnectInterceptor(providerID string, i PostConnectInterceptor) {
	s.interceptors.post[providerID] = append(s.interceptors.post[providerID], i)
}

// CallbackURL は目的とプロバイダーに対応するコールバックURLを返す。
func (s *Service) CallbackURL(purpose tokenstore.Purpose, providerID string) string {
	path := "/connect/"
	if purpose == tokenstore.PurposeSignIn {
		path = "/signin/"
	}
	return s.baseURL + path + url.PathEscape(providerID)
}

// BeginConnect はアカウントへのコネクション追加を開始し、ユーザーを誘導する認可URLを返す。
func (s *Service) BeginConnect(ctx context.Context, accountID, providerID string, params url.Values) (string, error) {
	if accountID == "" {
		return "", errors.New("account id is required")
	}
	return s.begin(ctx, tokenstore.PurposeConnect, accountID, providerID, params)
}

// BeginSignIn はプロバイダー経由のサインインを開始し、認証URLを返す。
func (s *Service) BeginSignIn(ctx context.Context, providerID string, params url.Values) (string, error) {
	return s.begin(ctx, tokenstore.PurposeSignIn, "", providerID, params)
}

func (s *Service) begin(ctx context.Context, purpose tokenstore.Purpose, accountID, providerID string, params url.Values) (string, error) {
	p, err := s.registry.Get(providerID)
	if err != nil {
		return "", err
	}

	attempt := newAttempt(uuid.NewString(), purpose, accountID, providerID, s.now())
	s.metrics.RecordHandshakeStarted(providerID, string(purpose))

	// 1. pre-connectインターセプター
	req := &ConnectRequest{
		AccountID:  accountID,
		ProviderID: providerID,
		Purpose:    purpose,
		Params:     cloneValues(params),
	}
	for _, i := range s.interceptors.preFor(providerID) {
		if err := i.PreConnect(ctx, req); err != nil {
			if !errors.Is(err, model.ErrConnectVetoed) {
				err = fmt.Errorf("%w: %v", model.ErrConnectVetoed, err)
			}
			return "", s.fail(attempt, err)
		}
	}

	// 2. 認可方式ごとの認可URL生成
	callback := s.CallbackURL(purpose, providerID)
	var redirect string
	switch st := p.Strategy().(type) {
	case *provider.OAuth1Strategy:
		redirect, err = s.beginOAuth1(ctx, attempt, st.Operations, callback, req.Params)
	case *provider.OAuth2Strategy:
		redirect, err = s.beginOAuth2(ctx, attempt, st, callback, req.Params)
	default:
		err = fmt.Errorf("unsupported strategy %T for provider %s", st, providerID)
	}
	if err != nil {
		return "", s.fail(attempt, err)
	}

	if err := attempt.Transition(StateRequestingAuthorization); err != nil {
		return "", err
	}
	slog.Info("認可フローを開始しました",
		slog.String("attempt_id", attempt.ID),
		slog.String("provider_id", providerID),
		slog.String("purpose", string(purpose)),
		slog.String("account_id", accountID),
	)
	return redirect, nil
}

func (s *Service) beginOAuth1(ctx context.Context, a *Attempt, ops oauth1.Operations, callback string, params url.Values) (string, error) {
	token, err := ops.FetchRequestToken(ctx, callback, nil)
	if err != nil {
		return "", err
	}
	pending := s.pending(a, callback)
	pending.RequestToken = token
	if err := s.store.Put(ctx, token.Value, pending, s.requestTokenTTL); err != nil {
		return "", err
	}

	authorizeParams := oauth1.AuthorizeParams{Callback: callback, Extra: params}
	if a.Purpose == tokenstore.PurposeSignIn {
		return ops.BuildAuthenticateURL(token.Value, authorizeParams), nil
	}
	return ops.BuildAuthorizeURL(token.Value, authorizeParams), nil
}

func (s *Service) beginOAuth2(ctx context.Context, a *Attempt, st *provider.OAuth2Strategy, callback string, params url.Values) (string, error) {
	state, err := s.codec.Issue(a)
	if err != nil {
		return "", err
	}
	if err := s.store.Put(ctx, a.ID, s.pending(a, callback), s.codec.TTL()); err != nil {
		return "", err
	}

	scope := st.Scope
	if params.Has("scope") {
		scope = params.Get("scope")
		params.Del("scope")
	}
	authorizeParams := oauth2.Parameters{Scope: scope, State: state, Extra: params}
	if a.Purpose == tokenstore.PurposeSignIn {
		return st.Operations.BuildAuthenticateURL(callback, authorizeParams), nil
	}
	return st.Operations.BuildAuthorizeURL(callback, authorizeParams), nil
}

func (s *Service) pending(a *Attempt, callback string) tokenstore.PendingAuthorization {
	return tokenstore.PendingAuthorization{
		AttemptID:   a.ID,
		Purpose:     a.Purpose,
		AccountID:   a.AccountID,
		ProviderID:  a.ProviderID,
		CallbackURL: callback,
		CreatedAt:   a.StartedAt,
	}
}

// CompleteOAuth1 はOAuth1のコールバックを処理し、コネクションを保存する。
func (s *Service) CompleteOAuth1(ctx context.Context, accountID, providerID, oauthToken, verifier string) (*model.ConnectionData, error) {
	p, attempt, creds, err := s.exchangeOAuth1(ctx, tokenstore.PurposeConnect, accountID, providerID, oauthToken, verifier)
	if err != nil {
		return nil, err
	}
	return s.finishConnect(ctx, attempt, p, creds)
}

// CompleteOAuth2 はOAuth2のコールバックを処理し、コネクションを保存する。
func (s *Service) CompleteOAuth2(ctx context.Context, accountID, providerID, code, state string) (*model.ConnectionData, error) {
	p, attempt, creds, err := s.exchangeOAuth2(ctx, tokenstore.PurposeConnect, accountID, providerID, code, state)
	if err != nil {
		return nil, err
	}
	return s.finishConnect(ctx, attempt, p, creds)
}

// CompleteSignInOAuth1 はOAuth1のサインインコールバックを処理する。
func (s *Service) CompleteSignInOAuth1(ctx context.Context, providerID, oauthToken, verifier string) (*SignInResult, error) {
	p, attempt, creds, err := s.exchangeOAuth1(ctx, tokenstore.PurposeSignIn, "", providerID, oauthToken, verifier)
	if err != nil {
		return nil, err
	}
	return s.finishSignIn(ctx, attempt, p, creds)
}

// CompleteSignInOAuth2 はOAuth2のサインインコールバックを処理する。
func (s *Service) CompleteSignInOAuth2(ctx context.Context, providerID, code, state string) (*SignInResult, error) {
	p, attempt, creds, err := s.exchangeOAuth2(ctx, tokenstore.PurposeSignIn, "", providerID, code, state)
	if err != nil {
		return nil, err
	}
	return s.finishSignIn(ctx, attempt, p, creds)
}

func (s *Service) exchangeOAuth1(ctx context.Context, purpose tokenstore.Purpose, accountID, providerID, oauthToken, verifier string) (provider.Provider, *Attempt, provider.Credentials, error) {
	var creds provider.Credentials
	p, err := s.registry.Get(providerID)
	if err != nil {
		return nil, nil, creds, err
	}
	st, ok := p.Strategy().(*provider.OAuth1Strategy)
	if !ok {
		return nil, nil, creds, fmt.Errorf("%w: %s does not use oauth1", ErrProtocolMismatch, providerID)
	}
	if oauthToken == "" {
		return nil, nil, creds, fmt.Errorf("%w: missing oauth_token", model.ErrPendingAuthorizationNotFound)
	}

	// 1. 認可レコードの取り出し（1回限り）。持ち主が一致しない場合はレコードを残す
	var rejected *tokenstore.PendingAuthorization
	pending, err := s.store.Take(ctx, oauthToken, func(p *tokenstore.PendingAuthorization) error {
		if err := verifyPending(p, purpose, accountID, providerID); err != nil {
			rejected = p
			return err
		}
		return nil
	})
	if err != nil {
		if rejected != nil {
			return nil, nil, creds, s.fail(resumeAttempt(rejected), err)
		}
		return nil, nil, creds, err
	}
	attempt := resumeAttempt(pending)
	if err := attempt.Transition(StateExchanging); err != nil {
		return nil, nil, creds, err
	}

	// 2. アクセストークンへの交換
	start := time.Now()
	token, err := st.Operations.ExchangeForAccessToken(ctx, model.AuthorizedRequestToken{
		RequestToken: pending.RequestToken,
		Verifier:     verifier,
	}, nil)
	s.metrics.RecordExchangeLatency(providerID, time.Since(start))
	if err != nil {
		return nil, nil, creds, s.fail(attempt, err)
	}
	return p, attempt, provider.CredentialsFromOAuthToken(token), nil
}

func (s *Service) exchangeOAuth2(ctx context.Context, purpose tokenstore.Purpose, accountID, providerID, code, state string) (provider.Provider, *Attempt, provider.Credentials, error) {
	var creds provider.Credentials
	p, err := s.registry.Get(providerID)
	if err != nil {
		return nil, nil, creds, err
	}
	st, ok := p.Strategy().(*provider.OAuth2Strategy)
	if !ok {
		return nil, nil, creds, fmt.Errorf("%w: %s does not use oauth2", ErrProtocolMismatch, providerID)
	}

	// 1. stateの検証と認可レコードの取り出し（1回限り）
	claims, err := s.codec.Parse(state)
	if err != nil {
		return nil, nil, creds, err
	}
	var rejected *tokenstore.PendingAuthorization
	pending, err := s.store.Take(ctx, claims.ID, func(p *tokenstore.PendingAuthorization) error {
		err := verifyPending(p, purpose, accountID, providerID)
		if claims.ProviderID != p.ProviderID || claims.AccountID != p.AccountID || claims.Purpose != p.Purpose {
			err = fmt.Errorf("%w: claims do not match pending authorization", model.ErrStateInvalid)
		}
		if err != nil {
			rejected = p
		}
		return err
	})
	if err != nil {
		if rejected != nil {
			return nil, nil, creds, s.fail(resumeAttempt(rejected), err)
		}
		return nil, nil, creds, err
	}
	attempt := resumeAttempt(pending)
	if code == "" {
		return nil, nil, creds, s.fail(attempt, &model.TokenExchangeError{ProviderID: providerID, Reason: "missing authorization code"})
	}
	if err := attempt.Transition(StateExchanging); err != nil {
		return nil, nil, creds, err
	}

	// 2. アクセストークンへの交換
	start := time.Now()
	grant, err := st.Operations.ExchangeForAccess(ctx, code, pending.CallbackURL, nil)
	s.metrics.RecordExchangeLatency(providerID, time.Since(start))
	if err != nil {
		return nil, nil, creds, s.fail(attempt, err)
	}
	return p, attempt, provider.CredentialsFromAccessGrant(grant), nil
}

// verifyPending は認可レコードがコールバックの目的、アカウント、プロバイダーと一致するかを検証する。
func verifyPending(p *tokenstore.PendingAuthorization, purpose tokenstore.Purpose, accountID, providerID string) error {
	switch {
	case p.Purpose != purpose:
		return fmt.Errorf("%w: started as %s", model.ErrPendingAuthorizationNotFound, p.Purpose)
	case p.ProviderID != providerID:
		return fmt.Errorf("%w: started for another provider", model.ErrPendingAuthorizationNotFound)
	case p.AccountID != accountID:
		return fmt.Errorf("%w: started by another account", model.ErrPendingAuthorizationNotFound)
	}
	return nil
}

func (s *Service) finishConnect(ctx context.Context, a *Attempt, p provider.Provider, creds provider.Credentials) (*model.ConnectionData, error) {
	// 3. プロフィール取得と保存
	data, _, err := p.PrepareConnection(ctx, creds)
	if err != nil {
		return nil, s.fail(a, err)
	}
	if err := p.SaveConnection(ctx, a.AccountID, data); err != nil {
		return nil, s.fail(a, err)
	}
	if err := a.Transition(StateConnected); err != nil {
		return nil, err
	}
	s.metrics.RecordConnectionAdded(a.ProviderID)
	s.metrics.RecordHandshakeFinished(a.ProviderID, string(a.Purpose), outcomeConnected)

	// 4. post-connectインターセプター
	s.runPostConnect(ctx, a, data)
	return data, nil
}

func (s *Service) runPostConnect(ctx context.Context, a *Attempt, data *model.ConnectionData) {
	for _, i := range s.interceptors.postFor(a.ProviderID) {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("post-connectインターセプターでpanicが発生しました",
						slog.String("attempt_id", a.ID),
						slog.String("provider_id", a.ProviderID),
						slog.Any("panic", r),
					)
				}
			}()
			if err := i.PostConnect(ctx, a.AccountID, data); err != nil {
				slog.Warn("post-connectインターセプターが失敗しました",
					slog.String("attempt_id", a.ID),
					slog.String("provider_id", a.ProviderID),
					slog.String("error", err.Error()),
				)
			}
		}()
	}
}

func (s *Service) finishSignIn(ctx context.Context, a *Attempt, p provider.Provider, creds provider.Credentials) (*SignInResult, error) {
	data, profile, err := p.PrepareConnection(ctx, creds)
	if err != nil {
		return nil, s.fail(a, err)
	}

	// 1. アクセストークンで逆引き、2. プロバイダーユーザーIDで逆引き
	accountID, found, err := s.repo.FindAccountIDByConnectionAccessToken(ctx, a.ProviderID, creds.AccessToken)
	if err != nil {
		return nil, s.fail(a, fmt.Errorf("failed to find account by access token: %w", err))
	}
	if !found {
		ids, err := s.repo.FindAccountIDsWithConnection(ctx, data.Key())
		if err != nil {
			return nil, s.fail(a, fmt.Errorf("failed to find accounts by connection: %w", err))
		}
		if len(ids) > 1 {
			slog.Warn("複数のアカウントが同じプロバイダーユーザーに接続しています",
				slog.String("provider_id", a.ProviderID),
				slog.String("provider_user_id", data.ProviderUserID),
				slog.Int("accounts", len(ids)),
			)
		}
		if len(ids) > 0 {
			accountID, found = ids[0], true
		}
	}
	if !found {
		return nil, s.fail(a, &model.AccountNotConnectedError{ProviderID: a.ProviderID, Pending: data, Profile: profile})
	}

	// 3. 既存コネクションのトークンとプロフィールを最新化
	existing, err := s.repo.FindConnection(ctx, accountID, data.Key())
	if err != nil {
		return nil, s.fail(a, err)
	}
	if existing != nil {
		data.Rank = existing.Rank
		if err := s.repo.UpdateConnection(ctx, accountID, data); err != nil {
			return nil, s.fail(a, err)
		}
	}

	a.AccountID = accountID
	if err := a.Transition(StateConnected); err != nil {
		return nil, err
	}
	s.metrics.RecordHandshakeFinished(a.ProviderID, string(a.Purpose), outcomeSignedIn)
	slog.Info("プロバイダー経由でサインインしました",
		slog.String("attempt_id", a.ID),
		slog.String("provider_id", a.ProviderID),
		slog.String("account_id", accountID),
	)
	return &SignInResult{AccountID: accountID, Connection: data, Profile: profile}, nil
}

// ProviderDenied はユーザーまたはプロバイダーが認可を拒否したコールバックを処理する。
// 常にErrAuthorizationDeniedをラップしたエラーを返す。
func (s *Service) ProviderDenied(purpose tokenstore.Purpose, providerID, errorCode string) error {
	if _, err := s.registry.Get(providerID); err != nil {
		return err
	}
	attempt := newAttempt(uuid.NewString(), purpose, "", providerID, s.now())
	if errorCode == "" {
		errorCode = "access_denied"
	}
	return s.fail(attempt, fmt.Errorf("%w: %s", model.ErrAuthorizationDenied, errorCode))
}

// Disconnect はコネクションを削除する。providerUserIDが空の場合はプロバイダーの全コネクションを削除する。
func (s *Service) Disconnect(ctx context.Context, accountID, providerID, providerUserID string) error {
	p, err := s.registry.Get(providerID)
	if err != nil {
		return err
	}
	attempt := &Attempt{AccountID: accountID, ProviderID: providerID, Purpose: tokenstore.PurposeConnect, state: StateConnected}
	if err := p.Disconnect(ctx, accountID, providerUserID); err != nil {
		return fmt.Errorf("failed to disconnect %s: %w", providerID, err)
	}
	if err := attempt.Transition(StateDisconnected); err != nil {
		return err
	}
	s.metrics.RecordConnectionRemoved(providerID)
	return nil
}

// Status は登録済みの全プロバイダーについてアカウントのコネクションを返す。
// 接続のないプロバイダーは空のスライスになる。
func (s *Service) Status(ctx context.Context, accountID string) (map[string][]model.ConnectionData, error) {
	all, err := s.repo.FindAllConnections(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to find connections: %w", err)
	}
	ids := s.registry.IDs()
	status := make(map[string][]model.ConnectionData, len(ids))
	for _, id := range ids {
		conns := all[id]
		if conns == nil {
			conns = []model.ConnectionData{}
		}
		status[id] = conns
	}
	return status, nil
}

// ProviderStatus は指定プロバイダーについてアカウントのコネクションを返す。
func (s *Service) ProviderStatus(ctx context.Context, accountID, providerID string) ([]model.ConnectionData, error) {
	p, err := s.registry.Get(providerID)
	if err != nil {
		return nil, err
	}
	return p.ConnectionStatus(ctx, accountID)
}

// fail は接続試行を失敗にしてメトリクスとログに記録し、causeを返す。
func (s *Service) fail(a *Attempt, cause error) error {
	if err := a.Fail(cause); err != nil {
		return errors.Join(cause, err)
	}
	outcome := classify(cause)
	s.metrics.RecordHandshakeFinished(a.ProviderID, string(a.Purpose), outcome)
	slog.Warn("接続フローが失敗しました",
		slog.String("attempt_id", a.ID),
		slog.String("provider_id", a.ProviderID),
		slog.String("purpose", string(a.Purpose)),
		slog.String("outcome", outcome),
		slog.String("error", cause.Error()),
	)
	return cause
}

// classify はエラーをhandshake結果のラベルに分類する。
func classify(err error) string {
	var exchangeErr *model.TokenExchangeError
	switch {
	case errors.Is(err, model.ErrAuthorizationDenied):
		return outcomeDenied
	case errors.Is(err, model.ErrConnectVetoed):
		return outcomeVetoed
	case errors.Is(err, model.ErrPendingAuthorizationNotFound), errors.Is(err, model.ErrStateInvalid):
		return outcomeExpired
	case errors.Is(err, model.ErrDuplicateConnection):
		return outcomeDuplicate
	case errors.Is(err, model.ErrAccountNotConnected):
		return outcomeNotConnected
	case errors.As(err, &exchangeErr):
		return outcomeRejected
	default:
		return outcomeError
	}
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
