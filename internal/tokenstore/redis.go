package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/connectbroker/internal/model"
)

// RedisStore はRedisに保存するStore。複数プロセス構成で使用する。
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore はRedisStoreを生成する。
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Put はレコードをJSONで保存する。
func (s *RedisStore) Put(ctx context.Context, key string, p PendingAuthorization, ttl time.Duration) error {
	payload, err := encode(p)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, keyPrefix+key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store pending authorization: %w", err)
	}
	return nil
}

// Take はレコードを取り出す。
// matchがnilの場合はGETDELで取り出し、それ以外はWATCHしたキーを検査してからトランザクションで削除する。
// 同時に取り出せるのは1回だけ。
func (s *RedisStore) Take(ctx context.Context, key string, match MatchFunc) (*PendingAuthorization, error) {
	k := keyPrefix + key
	if match == nil {
		payload, err := s.client.GetDel(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, model.ErrPendingAuthorizationNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to take pending authorization: %w", err)
		}
		return decode(payload)
	}

	var taken *PendingAuthorization
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		payload, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return model.ErrPendingAuthorizationNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load pending authorization: %w", err)
		}
		p, err := decode(payload)
		if err != nil {
			return err
		}
		if err := match(p); err != nil {
			return err
		}
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, k)
			return nil
		}); err != nil {
			return err
		}
		taken = p
		return nil
	}, k)
	if errors.Is(err, redis.TxFailedErr) {
		// WATCH中に別の呼び出しが取り出した
		return nil, model.ErrPendingAuthorizationNotFound
	}
	if err != nil {
		return nil, err
	}
	return taken, nil
}

// compile-time interface check
var _ Store = (*RedisStore)(nil)
