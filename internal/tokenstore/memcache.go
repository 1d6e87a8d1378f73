package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/hitoshi/connectbroker/internal/model"
)

// MemcacheStore はmemcachedに保存するStore。
// 取り出しはGetの後にDeleteし、Deleteに成功した呼び出しだけがレコードを受け取る。
type MemcacheStore struct {
	client *memcache.Client
}

// NewMemcacheStore はMemcacheStoreを生成する。
func NewMemcacheStore(client *memcache.Client) *MemcacheStore {
	return &MemcacheStore{client: client}
}

// Put はレコードをJSONで保存する。ttlは秒単位に切り上げる。
func (s *MemcacheStore) Put(_ context.Context, key string, p PendingAuthorization, ttl time.Duration) error {
	payload, err := encode(p)
	if err != nil {
		return err
	}
	item := &memcache.Item{
		Key:        keyPrefix + key,
		Value:      payload,
		Expiration: expirationSeconds(ttl),
	}
	if err := s.client.Set(item); err != nil {
		return fmt.Errorf("failed to store pending authorization: %w", err)
	}
	return nil
}

// Take はレコードを取り出して削除する。matchが失敗した場合は削除しない。
func (s *MemcacheStore) Take(_ context.Context, key string, match MatchFunc) (*PendingAuthorization, error) {
	item, err := s.client.Get(keyPrefix + key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, model.ErrPendingAuthorizationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pending authorization: %w", err)
	}
	p, err := decode(item.Value)
	if err != nil {
		return nil, err
	}
	if err := match.check(p); err != nil {
		return nil, err
	}

	// 並行したTakeのうちDeleteに成功した1件だけが使用できる
	if err := s.client.Delete(item.Key); err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return nil, model.ErrPendingAuthorizationNotFound
		}
		return nil, fmt.Errorf("failed to delete pending authorization: %w", err)
	}
	return p, nil
}

// expirationSeconds はttlをmemcachedの有効期限（秒）に変換する。
// 30日を超える値はUNIX時刻として解釈されるため上限を設ける。
func expirationSeconds(ttl time.Duration) int32 {
	const maxRelative = 30 * 24 * 60 * 60
	secs := int64((ttl + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	if secs > maxRelative {
		secs = maxRelative
	}
	return int32(secs)
}

// compile-time interface check
var _ Store = (*MemcacheStore)(nil)
