// Package tokenstore は接続フロー中の一時的な認可レコードを保存する。
// OAuth1のリクエストトークンなど、プロバイダーから戻るまでの間だけ必要な値を
// 有効期限付きで保持し、1回取り出すと削除する。
package tokenstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/hitoshi/connectbroker/internal/model"
)

// Purpose は認可フローの目的。
type Purpose string

const (
	// PurposeConnect はログイン済みアカウントへのコネクション追加。
	PurposeConnect Purpose = "connect"
	// PurposeSignIn はプロバイダー経由のサインイン。
	PurposeSignIn Purpose = "signin"
)

// PendingAuthorization はプロバイダーからのコールバックを待つ認可フローの状態。
type PendingAuthorization struct {
	AttemptID    string           `json:"attempt_id"`
	Purpose      Purpose          `json:"purpose"`
	AccountID    string           `json:"account_id,omitempty"`
	ProviderID   string           `json:"provider_id"`
	RequestToken model.OAuthToken `json:"request_token"`
	CallbackURL  string           `json:"callback_url"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Store は一時的な認可レコードの保存先。
type Store interface {
	// Put はkeyにレコードを保存する。ttl経過後は取り出せない。
	Put(ctx context.Context, key string, p PendingAuthorization, ttl time.Duration) error
	// Take はkeyのレコードを取り出して削除する。
	// matchがnilでなければ削除の前に呼び出し、エラーを返した場合はレコードを残してそのエラーを返す。
	// 存在しない、期限切れ、取り出し済みの場合はErrPendingAuthorizationNotFoundを返す。
	Take(ctx context.Context, key string, match MatchFunc) (*PendingAuthorization, error)
}

// MatchFunc は取り出し前にレコードの持ち主を検査する。
type MatchFunc func(p *PendingAuthorization) error

func (m MatchFunc) check(p *PendingAuthorization) error {
	if m == nil {
		return nil
	}
	return m(p)
}

// keyPrefix は外部ストアで使うキーの接頭辞。
const keyPrefix = "connectbroker:pending:"

func encode(p PendingAuthorization) ([]byte, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pending authorization: %w", err)
	}
	return payload, nil
}

func decode(payload []byte) (*PendingAuthorization, error) {
	var p PendingAuthorization
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode pending authorization: %w", err)
	}
	return &p, nil
}

// MemoryStore はプロセス内メモリに保存するStore。単一プロセス構成で使用する。
type MemoryStore struct {
	mu    sync.Mutex
	cache *gocache.Cache
}

// NewMemoryStore はMemoryStoreを生成する。cleanupIntervalごとに期限切れのレコードを削除する。
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	return &MemoryStore{cache: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

// Put はレコードを保存する。
func (s *MemoryStore) Put(_ context.Context, key string, p PendingAuthorization, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Set(key, p, ttl)
	return nil
}

// Take はレコードを取り出して削除する。検査と削除は同じロックの中で行う。
func (s *MemoryStore) Take(_ context.Context, key string, match MatchFunc) (*PendingAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.cache.Get(key)
	if !ok {
		return nil, model.ErrPendingAuthorizationNotFound
	}
	p := v.(PendingAuthorization)
	if err := match.check(&p); err != nil {
		return nil, err
	}
	s.cache.Delete(key)
	return &p, nil
}

// compile-time interface check
var _ Store = (*MemoryStore)(nil)
