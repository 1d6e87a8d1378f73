package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/connectbroker/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスのJSON表現。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// NewErrorResponseBody はmodel.APIErrorをレスポンス用の構造体に変換する。
func NewErrorResponseBody(apiErr *model.APIError) ErrorResponseBody {
	if apiErr == nil {
		apiErr = model.NewInternalError()
	}
	return ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	}
}

// WriteErrorResponse はAPIエラーをJSONで書き込む。apiErrがnilの場合は内部エラーとして扱う。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	WriteJSON(w, statusCode, NewErrorResponseBody(apiErr))
}

// WriteInternalServerError は500の内部エラーを書き込む。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}

// WriteJSON はvをJSONとしてステータスコードとともに書き込む。
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}
