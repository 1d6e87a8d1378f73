package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hitoshi/connectbroker/internal/model"
)

// Registry は登録済みのプロバイダーをIDで管理する。
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry は空のRegistryを生成する。
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register はプロバイダーを登録する。IDが空または登録済みの場合はConfigErrorを返す。
func (r *Registry) Register(p Provider) error {
	if p.ID() == "" {
		return &model.ConfigError{Field: "id", Reason: "required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.providers[p.ID()]; ok {
		return &model.ConfigError{ProviderID: p.ID(), Field: "id", Reason: "already registered"}
	}
	r.providers[p.ID()] = p
	return nil
}

// Get はIDに対応するプロバイダーを返す。未登録の場合はErrProviderNotFoundを返す。
func (r *Registry) Get(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrProviderNotFound, id)
	}
	return p, nil
}

// IDs は登録済みのプロバイダーIDを昇順で返す。
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Lookup はIDに対応するServiceProviderをAPIクライアントの型を指定して取得する。
// 型が一致しない場合もErrProviderNotFoundを返す。
func Lookup[S any](r *Registry, id string) (*ServiceProvider[S], error) {
	p, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	sp, ok := p.(*ServiceProvider[S])
	if !ok {
		var zero S
		return nil, fmt.Errorf("%w: %s does not provide %T", model.ErrProviderNotFound, id, zero)
	}
	return sp, nil
}
