package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/connectbroker/internal/connect"
	"github.com/hitoshi/connectbroker/internal/middleware"
	"github.com/hitoshi/connectbroker/internal/model"
	"github.com/hitoshi/connectbroker/internal/tokenstore"
)

// ConnectServiceInterface は接続ハンドラーが必要とするサービスインターフェース。
type ConnectServiceInterface interface {
	BeginConnect(ctx context.Context, accountID, providerID string, params url.Values) (string, error)
	BeginSignIn(ctx context.Context, providerID string, params url.Values) (string, error)
	CompleteOAuth1(ctx context.Context, accountID, providerID, oauthToken, verifier string) (*model.ConnectionData, error)
	CompleteOAuth2(ctx context.Context, accountID, providerID, code, state string) (*model.ConnectionData, error)
	CompleteSignInOAuth1(ctx context.Context, providerID, oauthToken, verifier string) (*connect.SignInResult, error)
	CompleteSignInOAuth2(ctx context.Context, providerID, code, state string) (*connect.SignInResult, error)
	ProviderDenied(purpose tokenstore.Purpose, providerID, errorCode string) error
	Disconnect(ctx context.Context, accountID, providerID, providerUserID string) error
	Status(ctx context.Context, accountID string) (map[string][]model.ConnectionData, error)
	ProviderStatus(ctx context.Context, accountID, providerID string) ([]model.ConnectionData, error)
}

// ConnectHandlerConfig は接続ハンドラーの設定。
type ConnectHandlerConfig struct {
	// RedirectURL は接続フロー完了後にブラウザを戻す先。
	// provider、status、reasonクエリが付与される。空の場合はJSONで応答する。
	RedirectURL string
}

// ConnectHandler は接続フローとサインインのHTTPハンドラー。
type ConnectHandler struct {
	service ConnectServiceInterface
	config  ConnectHandlerConfig
}

// NewConnectHandler はConnectHandlerを生成する。
func NewConnectHandler(service ConnectServiceInterface, config ConnectHandlerConfig) *ConnectHandler {
	return &ConnectHandler{service: service, config: config}
}

// connectionResponse はコネクションのAPIレスポンス。トークンは含めない。
type connectionResponse struct {
	ProviderID     string `json:"provider_id"`
	ProviderUserID string `json:"provider_user_id"`
	DisplayName    string `json:"display_name,omitempty"`
	ProfileURL     string `json:"profile_url,omitempty"`
	ImageURL       string `json:"image_url,omitempty"`
	ExpireTime     int64  `json:"expire_time,omitempty"`
	Rank           int    `json:"rank"`
}

func toConnectionResponse(d *model.ConnectionData) connectionResponse {
	return connectionResponse{
		ProviderID:     d.ProviderID,
		ProviderUserID: d.ProviderUserID,
		DisplayName:    d.DisplayName,
		ProfileURL:     d.ProfileURL,
		ImageURL:       d.ImageURL,
		ExpireTime:     d.ExpireTime,
		Rank:           d.Rank,
	}
}

func toConnectionResponses(data []model.ConnectionData) []connectionResponse {
	out := make([]connectionResponse, 0, len(data))
	for i := range data {
		out = append(out, toConnectionResponse(&data[i]))
	}
	return out
}

// signInResponse はサインイン成功時のAPIレスポンス。
type signInResponse struct {
	AccountID  string             `json:"account_id"`
	Connection connectionResponse `json:"connection"`
	Profile    *model.UserProfile `json:"profile,omitempty"`
}

// signUpRequiredResponse はローカルアカウントが見つからない場合のAPIレスポンス。
// アプリケーションがサインアップ画面の初期値に使えるようプロフィールを含める。
type signUpRequiredResponse struct {
	middleware.ErrorResponseBody
	Profile *model.UserProfile `json:"profile,omitempty"`
}

// BeginConnect は接続フローを開始し、プロバイダーの認可画面へリダイレクトする。
// POST /connect/{providerID}
func (h *ConnectHandler) BeginConnect(w http.ResponseWriter, r *http.Request) {
	accountID, err := middleware.AccountIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	providerID := chi.URLParam(r, "providerID")

	if err := r.ParseForm(); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, newInvalidRequestError())
		return
	}

	redirectURL, err := h.service.BeginConnect(r.Context(), accountID, providerID, r.Form)
	if err != nil {
		handleServiceError(w, providerID, err)
		return
	}
	http.Redirect(w, r, redirectURL, http.StatusSeeOther)
}

// ConnectCallback はプロバイダーからのコールバックを処理する。
// コールバックパラメータがない場合はプロバイダーの接続状態を返す。
// GET /connect/{providerID}
func (h *ConnectHandler) ConnectCallback(w http.ResponseWriter, r *http.Request) {
	accountID, err := middleware.AccountIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	providerID := chi.URLParam(r, "providerID")
	q := r.URL.Query()

	var data *model.ConnectionData
	switch {
	case isDenied(q):
		err = h.service.ProviderDenied(tokenstore.PurposeConnect, providerID, deniedCode(q))
	case q.Has("oauth_token"):
		data, err = h.service.CompleteOAuth1(r.Context(), accountID, providerID, q.Get("oauth_token"), q.Get("oauth_verifier"))
	case q.Has("code") || q.Has("state"):
		data, err = h.service.CompleteOAuth2(r.Context(), accountID, providerID, q.Get("code"), q.Get("state"))
	default:
		h.providerStatus(w, r, accountID, providerID)
		return
	}

	if h.config.RedirectURL == "" {
		if err != nil {
			handleServiceError(w, providerID, err)
			return
		}
		writeJSON(w, http.StatusOK, toConnectionResponse(data))
		return
	}

	if err != nil {
		apiErr, status := mapServiceError(providerID, err)
		if errors.Is(err, model.ErrProviderNotFound) {
			writeAPIErrorResponse(w, status, apiErr)
			return
		}
		reason := model.ErrCodeInternal
		if apiErr != nil {
			reason = apiErr.Code
		} else {
			slog.Error("connect callback failed",
				slog.String("provider_id", providerID),
				slog.String("error", err.Error()),
			)
		}
		http.Redirect(w, r, h.resultURL(providerID, "failed", reason), http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, h.resultURL(providerID, "connected", ""), http.StatusSeeOther)
}

// Status はアカウントの全プロバイダーの接続状態を返す。
// GET /connect
func (h *ConnectHandler) Status(w http.ResponseWriter, r *http.Request) {
	accountID, err := middleware.AccountIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	status, err := h.service.Status(r.Context(), accountID)
	if err != nil {
		handleServiceError(w, "", err)
		return
	}

	resp := make(map[string][]connectionResponse, len(status))
	for providerID, data := range status {
		resp[providerID] = toConnectionResponses(data)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *ConnectHandler) providerStatus(w http.ResponseWriter, r *http.Request, accountID, providerID string) {
	data, err := h.service.ProviderStatus(r.Context(), accountID, providerID)
	if err != nil {
		handleServiceError(w, providerID, err)
		return
	}
	writeJSON(w, http.StatusOK, toConnectionResponses(data))
}

// Disconnect はプロバイダーとのコネクションを削除する。
// providerUserIDが指定されない場合はプロバイダーの全コネクションを削除する。
// DELETE /connect/{providerID}
// DELETE /connect/{providerID}/{providerUserID}
func (h *ConnectHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	accountID, err := middleware.AccountIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	providerID := chi.URLParam(r, "providerID")
	providerUserID := chi.URLParam(r, "providerUserID")

	if err := h.service.Disconnect(r.Context(), accountID, providerID, providerUserID); err != nil {
		handleServiceError(w, providerID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SignIn はプロバイダー経由のサインインを処理する。
// コールバックパラメータがなければ認可画面へリダイレクトし、
// あればローカルアカウントを特定してJSONで返す。
// GET /signin/{providerID}
func (h *ConnectHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "providerID")
	q := r.URL.Query()

	var (
		result *connect.SignInResult
		err    error
	)
	switch {
	case isDenied(q):
		err = h.service.ProviderDenied(tokenstore.PurposeSignIn, providerID, deniedCode(q))
	case q.Has("oauth_token"):
		result, err = h.service.CompleteSignInOAuth1(r.Context(), providerID, q.Get("oauth_token"), q.Get("oauth_verifier"))
	case q.Has("code") || q.Has("state"):
		result, err = h.service.CompleteSignInOAuth2(r.Context(), providerID, q.Get("code"), q.Get("state"))
	default:
		redirectURL, err := h.service.BeginSignIn(r.Context(), providerID, q)
		if err != nil {
			handleServiceError(w, providerID, err)
			return
		}
		http.Redirect(w, r, redirectURL, http.StatusSeeOther)
		return
	}

	if err != nil {
		var notConnected *model.AccountNotConnectedError
		if errors.As(err, &notConnected) {
			apiErr := model.NewNotConnectedError(providerID)
			writeJSON(w, http.StatusNotFound, signUpRequiredResponse{
				ErrorResponseBody: middleware.ErrorResponseBody{
					Code:     apiErr.Code,
					Message:  apiErr.Message,
					Category: apiErr.Category,
					Action:   apiErr.Action,
				},
				Profile: notConnected.Profile,
			})
			return
		}
		handleServiceError(w, providerID, err)
		return
	}

	writeJSON(w, http.StatusOK, signInResponse{
		AccountID:  result.AccountID,
		Connection: toConnectionResponse(result.Connection),
		Profile:    result.Profile,
	})
}

// resultURL は接続フロー完了後のリダイレクト先を組み立てる。
func (h *ConnectHandler) resultURL(providerID, status, reason string) string {
	u, err := url.Parse(h.config.RedirectURL)
	if err != nil {
		slog.Error("invalid connect redirect url", slog.String("error", err.Error()))
		return "/"
	}
	q := u.Query()
	q.Set("provider", providerID)
	q.Set("status", status)
	if reason != "" {
		q.Set("reason", reason)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// isDenied はユーザーがプロバイダーの認可画面で拒否したかを判定する。
// OAuth2はerror、OAuth1（Twitter等）はdeniedパラメータで通知される。
func isDenied(q url.Values) bool {
	return q.Has("error") || q.Has("denied")
}

func deniedCode(q url.Values) string {
	return q.Get("error")
}
