package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/hitoshi/connectbroker/internal/model"
)

// MemoryConnectionRepo はプロセス内メモリに保持するコネクションリポジトリ。
// 開発環境と単一プロセス構成で使用する。
type MemoryConnectionRepo struct {
	mu sync.RWMutex
	// accountID -> providerID -> connections
	data map[string]map[string][]model.ConnectionData
}

// NewMemoryConnectionRepo はMemoryConnectionRepoを生成する。
func NewMemoryConnectionRepo() *MemoryConnectionRepo {
	return &MemoryConnectionRepo{data: make(map[string]map[string][]model.ConnectionData)}
}

// FindAllConnections はアカウントの全コネクションをプロバイダーIDごとに返す。
func (r *MemoryConnectionRepo) FindAllConnections(_ context.Context, accountID string) (map[string][]model.ConnectionData, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string][]model.ConnectionData)
	for providerID, conns := range r.data[accountID] {
		if len(conns) == 0 {
			continue
		}
		result[providerID] = sortedCopy(conns)
	}
	return result, nil
}

// FindConnections は指定プロバイダーのコネクションをrank昇順で返す。
func (r *MemoryConnectionRepo) FindConnections(_ context.Context, accountID, providerID string) ([]model.ConnectionData, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedCopy(r.data[accountID][providerID]), nil
}

// FindConnectionsToUsers は指定したプロバイダーユーザーIDのコネクションを返す。
func (r *MemoryConnectionRepo) FindConnectionsToUsers(_ context.Context, accountID, providerID string, providerUserIDs []string) (map[string]model.ConnectionData, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wanted := make(map[string]struct{}, len(providerUserIDs))
	for _, id := range providerUserIDs {
		wanted[id] = struct{}{}
	}
	result := make(map[string]model.ConnectionData)
	for _, c := range r.data[accountID][providerID] {
		if _, ok := wanted[c.ProviderUserID]; ok {
			result[c.ProviderUserID] = c
		}
	}
	return result, nil
}

// FindConnection はキーに一致するコネクションを返す。見つからない場合はnilを返す。
func (r *MemoryConnectionRepo) FindConnection(_ context.Context, accountID string, key model.ConnectionKey) (*model.ConnectionData, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.data[accountID][key.ProviderID] {
		if c.ProviderUserID == key.ProviderUserID {
			return c.Clone(), nil
		}
	}
	return nil, nil
}

// FindPrimaryConnection はrankが最小のコネクションを返す。見つからない場合はnilを返す。
func (r *MemoryConnectionRepo) FindPrimaryConnection(_ context.Context, accountID, providerID string) (*model.ConnectionData, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := sortedCopy(r.data[accountID][providerID])
	if len(conns) == 0 {
		return nil, nil
	}
	return &conns[0], nil
}

// AddConnection はコネクションを追加する。重複チェックと追加は同一ロック内で行う。
func (r *MemoryConnectionRepo) AddConnection(_ context.Context, accountID string, data *model.ConnectionData) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	byProvider, ok := r.data[accountID]
	if !ok {
		byProvider = make(map[string][]model.ConnectionData)
		r.data[accountID] = byProvider
	}

	conns := byProvider[data.ProviderID]
	rank := 0
	for _, c := range conns {
		if c.ProviderUserID == data.ProviderUserID {
			return &model.DuplicateConnectionError{AccountID: accountID, Key: data.Key()}
		}
		if c.Rank >= rank {
			rank = c.Rank + 1
		}
	}

	data.Rank = rank
	byProvider[data.ProviderID] = append(conns, *data)
	return nil
}

// UpdateConnection は既存コネクションの表示情報とトークンを置き換える。
// 存在しない場合は何もしない。
func (r *MemoryConnectionRepo) UpdateConnection(_ context.Context, accountID string, data *model.ConnectionData) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.data[accountID][data.ProviderID]
	for i := range conns {
		if conns[i].ProviderUserID != data.ProviderUserID {
			continue
		}
		rank := conns[i].Rank
		conns[i] = *data
		conns[i].Rank = rank
		data.Rank = rank
		return nil
	}
	return nil
}

// UpdateConnectionProfile はプロフィール項目だけを更新する。
func (r *MemoryConnectionRepo) UpdateConnectionProfile(_ context.Context, accountID string, key model.ConnectionKey, values model.ConnectionValues) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.data[accountID][key.ProviderID]
	for i := range conns {
		if conns[i].ProviderUserID == key.ProviderUserID {
			conns[i].DisplayName = values.DisplayName
			conns[i].ProfileURL = values.ProfileURL
			conns[i].ImageURL = values.ImageURL
			return nil
		}
	}
	return nil
}

// RemoveConnection はコネクションを削除する。残りのrankは振り直さない。
func (r *MemoryConnectionRepo) RemoveConnection(_ context.Context, accountID string, key model.ConnectionKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	byProvider := r.data[accountID]
	conns := byProvider[key.ProviderID]
	for i, c := range conns {
		if c.ProviderUserID == key.ProviderUserID {
			byProvider[key.ProviderID] = append(conns[:i:i], conns[i+1:]...)
			return nil
		}
	}
	return nil
}

// RemoveConnections は指定プロバイダーの全コネクションを削除する。
func (r *MemoryConnectionRepo) RemoveConnections(_ context.Context, accountID, providerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if byProvider, ok := r.data[accountID]; ok {
		delete(byProvider, providerID)
	}
	return nil
}

// FindAccountIDByConnectionAccessToken はアクセストークンからアカウントIDを逆引きする。
// 複数一致した場合はアカウントIDの昇順で最初のものを返す。
func (r *MemoryConnectionRepo) FindAccountIDByConnectionAccessToken(_ context.Context, providerID, accessToken string) (string, bool, error) {
	if accessToken == "" {
		return "", false, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []string
	for accountID, byProvider := range r.data {
		for _, c := range byProvider[providerID] {
			if c.AccessToken == accessToken {
				matches = append(matches, accountID)
				break
			}
		}
	}
	if len(matches) == 0 {
		return "", false, nil
	}
	sort.Strings(matches)
	return matches[0], true, nil
}

// FindAccountIDsWithConnection はキーに一致するコネクションを持つアカウントIDを昇順で返す。
func (r *MemoryConnectionRepo) FindAccountIDsWithConnection(_ context.Context, key model.ConnectionKey) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := []string{}
	for accountID, byProvider := range r.data {
		for _, c := range byProvider[key.ProviderID] {
			if c.ProviderUserID == key.ProviderUserID {
				ids = append(ids, accountID)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// sortedCopy はrank昇順に並べたコピーを返す。空の場合も非nilのスライスを返す。
func sortedCopy(conns []model.ConnectionData) []model.ConnectionData {
	out := make([]model.ConnectionData, len(conns))
	copy(out, conns)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

// compile-time interface check
var _ ConnectionRepository = (*MemoryConnectionRepo)(nil)
