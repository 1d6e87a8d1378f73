// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/connectbroker/internal/model"
)

// ConnectionRepository はローカルアカウントとプロバイダーのコネクションの永続化インターフェース。
// accountIDは不透明な文字列として扱い、解釈しない。
// 見つからない場合はエラーではなく空のスライス、nil、falseを返す。
type ConnectionRepository interface {
	// FindAllConnections はアカウントの全コネクションをプロバイダーIDごとにrank昇順で返す。
	FindAllConnections(ctx context.Context, accountID string) (map[string][]model.ConnectionData, error)

	// FindConnections は指定プロバイダーのコネクションをrank昇順で返す。
	// 存在しない場合はnilではなく空のスライスを返す。
	FindConnections(ctx context.Context, accountID, providerID string) ([]model.ConnectionData, error)

	// FindConnectionsToUsers は指定したプロバイダーユーザーIDのうち接続済みのものを返す。
	FindConnectionsToUsers(ctx context.Context, accountID, providerID string, providerUserIDs []string) (map[string]model.ConnectionData, error)

	// FindConnection はキーに一致するコネクションを返す。見つからない場合はnilを返す。
	FindConnection(ctx context.Context, accountID string, key model.ConnectionKey) (*model.ConnectionData, error)

	// FindPrimaryConnection はrankが最小のコネクションを返す。見つからない場合はnilを返す。
	FindPrimaryConnection(ctx context.Context, accountID, providerID string) (*model.ConnectionData, error)

	// AddConnection はコネクションを追加し、採番したrankをdataに設定する。
	// 同じキーが存在する場合はDuplicateConnectionErrorを返し、状態を変更しない。
	AddConnection(ctx context.Context, accountID string, data *model.ConnectionData) error

	// UpdateConnection は表示名、プロフィール、トークン、有効期限を置き換える。
	// rankは変更しない。
	UpdateConnection(ctx context.Context, accountID string, data *model.ConnectionData) error

	// UpdateConnectionProfile は表示名、プロフィールURL、画像URLだけを置き換える。
	// トークンと有効期限は変更しない。
	UpdateConnectionProfile(ctx context.Context, accountID string, key model.ConnectionKey, values model.ConnectionValues) error

	// RemoveConnection はコネクションを削除する。存在しない場合も正常終了する。
	RemoveConnection(ctx context.Context, accountID string, key model.ConnectionKey) error

	// RemoveConnections は指定プロバイダーの全コネクションを削除する。存在しない場合も正常終了する。
	RemoveConnections(ctx context.Context, accountID, providerID string) error

	// FindAccountIDByConnectionAccessToken はアクセストークンからアカウントIDを逆引きする。
	// 一致しない場合はfalseを返す。
	FindAccountIDByConnectionAccessToken(ctx context.Context, providerID, accessToken string) (string, bool, error)

	// FindAccountIDsWithConnection はキーに一致するコネクションを持つアカウントIDを返す。
	FindAccountIDsWithConnection(ctx context.Context, key model.ConnectionKey) ([]string, error)
}
