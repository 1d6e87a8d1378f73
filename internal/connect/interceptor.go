package connect

import (
	"context"
	"net/url"

	"github.com/hitoshi/connectbroker/internal/model"
	"github.com/hitoshi/connectbroker/internal/tokenstore"
)

// ConnectRequest はpre-connectインターセプターに渡す接続要求。
// Paramsは認可URLに付与される追加パラメータで、インターセプターが変更してよい。
type ConnectRequest struct {
	AccountID  string
	ProviderID string
	Purpose    tokenstore.Purpose
	Params     url.Values
}

// PreConnectInterceptor は認可開始前に呼ばれる。エラーを返すと接続を拒否する。
type PreConnectInterceptor interface {
	PreConnect(ctx context.Context, req *ConnectRequest) error
}

// PostConnectInterceptor はコネクション保存後に呼ばれる。
// 返したエラーはログに記録するだけで接続結果には影響しない。
type PostConnectInterceptor interface {
	PostConnect(ctx context.Context, accountID string, conn *model.ConnectionData) error
}

// PreConnectFunc は関数をPreConnectInterceptorとして使うためのアダプター。
type PreConnectFunc func(ctx context.Context, req *ConnectRequest) error

// PreConnect はf(ctx, req)を呼ぶ。
func (f PreConnectFunc) PreConnect(ctx context.Context, req *ConnectRequest) error {
	return f(ctx, req)
}

// PostConnectFunc は関数をPostConnectInterceptorとして使うためのアダプター。
type PostConnectFunc func(ctx context.Context, accountID string, conn *model.ConnectionData) error

// PostConnect はf(ctx, accountID, conn)を呼ぶ。
func (f PostConnectFunc) PostConnect(ctx context.Context, accountID string, conn *model.ConnectionData) error {
	return f(ctx, accountID, conn)
}

// interceptors はプロバイダーIDごとのインターセプター。空文字列のキーは全プロバイダー共通。
type interceptors struct {
	pre  map[string][]PreConnectInterceptor
	post map[string][]PostConnectInterceptor
}

func (i *interceptors) preFor(providerID string) []PreConnectInterceptor {
	list := append([]PreConnectInterceptor(nil), i.pre[""]...)
	if providerID != "" {
		list = append(list, i.pre[providerID]...)
	}
	return list
}

func (i *interceptors) postFor(providerID string) []PostConnectInterceptor {
	list := append([]PostConnectInterceptor(nil), i.post[""]...)
	if providerID != "" {
		list = append(list, i.post[providerID]...)
	}
	return list
}
