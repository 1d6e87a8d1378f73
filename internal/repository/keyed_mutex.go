package repository

import (
	"hash/fnv"
	"sync"
)

// stripeCount はkeyedMutexのロック数。
const stripeCount = 64

// keyedMutex はキーのハッシュで選んだストライプ単位で排他するロック。
// 同じキーは必ず同じストライプに割り当てられる。
type keyedMutex struct {
	stripes [stripeCount]sync.Mutex
}

// Lock はキーに対応するロックを取得し、解放関数を返す。
func (m *keyedMutex) Lock(key string) func() {
	mu := &m.stripes[stripeIndex(key)]
	mu.Lock()
	return mu.Unlock
}

func stripeIndex(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % stripeCount
}

// advisoryLockKey はpg_advisory_xact_lockに渡す64bitのキーを返す。
func advisoryLockKey(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}
