package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/connectbroker/internal/connect"
	"github.com/hitoshi/connectbroker/internal/middleware"
	"github.com/hitoshi/connectbroker/internal/model"
)

// ErrCodeInvalidRequest はリクエストの形式が不正な場合のエラーコード。
const ErrCodeInvalidRequest = "INVALID_REQUEST"

func newInvalidRequestError() *model.APIError {
	return &model.APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "リクエストを解析できませんでした。",
		Category: "validation",
		Action:   "リクエストパラメータを確認してください。",
	}
}

// writeAPIErrorResponse はAPIErrorを統一エラーフォーマットで書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	middleware.WriteJSON(w, statusCode, v)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, providerID string, err error) {
	apiErr, status := mapServiceError(providerID, err)
	if apiErr == nil {
		slog.Error("internal server error",
			slog.String("provider_id", providerID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}
	writeAPIErrorResponse(w, status, apiErr)
}

// mapServiceError はサービス層のエラーをAPIErrorとHTTPステータスコードにマッピングする。
// 未知のエラーの場合はnilと500を返す。
func mapServiceError(providerID string, err error) (*model.APIError, int) {
	var (
		apiErr      *model.APIError
		exchangeErr *model.TokenExchangeError
		providerErr *model.ProviderAPIError
	)
	switch {
	case errors.As(err, &apiErr):
		return apiErr, http.StatusBadRequest
	case errors.Is(err, model.ErrProviderNotFound):
		return model.NewProviderNotFoundError(providerID), http.StatusNotFound
	case errors.Is(err, model.ErrConnectVetoed):
		return model.NewConnectVetoedError(providerID), http.StatusForbidden
	case errors.Is(err, model.ErrAuthorizationDenied):
		return model.NewAuthorizationDeniedError(providerID), http.StatusForbidden
	case errors.Is(err, model.ErrDuplicateConnection):
		return model.NewDuplicateConnectionAPIError(providerID), http.StatusConflict
	case errors.Is(err, model.ErrPendingAuthorizationNotFound),
		errors.Is(err, model.ErrStateInvalid):
		return model.NewAuthorizationExpiredError(), http.StatusBadRequest
	case errors.Is(err, connect.ErrProtocolMismatch):
		return newInvalidRequestError(), http.StatusBadRequest
	case errors.Is(err, model.ErrAccountNotConnected):
		return model.NewNotConnectedError(providerID), http.StatusNotFound
	case errors.As(err, &exchangeErr):
		return model.NewTokenExchangeFailedError(providerID), http.StatusBadGateway
	case errors.As(err, &providerErr):
		return model.NewProviderErrorResponse(providerID), http.StatusBadGateway
	default:
		return nil, http.StatusInternalServerError
	}
}
