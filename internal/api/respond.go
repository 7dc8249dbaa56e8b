package api

import (
	"encoding/json"
	"net/http"

	xerrors "AgentFleet/internal/errors"
)

type errorBody struct {
	Error    string            `json:"error"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// statusFor 将错误分类映射为 HTTP 状态码。
func statusFor(err error) int {
	switch xerrors.ClassOf(err) {
	case xerrors.ClassValidation:
		return http.StatusBadRequest
	case xerrors.ClassNotFound:
		return http.StatusNotFound
	case xerrors.ClassStateConflict, xerrors.ClassConflict:
		return http.StatusConflict
	case xerrors.ClassCapabilityMismatch:
		return http.StatusUnprocessableEntity
	case xerrors.ClassTimeout:
		return http.StatusGatewayTimeout
	}
	if xerrors.RetryableError(err) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: string(xerrors.CodeUnknown), Message: err.Error()}
	if coded, ok := xerrors.From(err); ok {
		body.Error = string(coded.Code())
		body.Message = coded.Message()
		body.Metadata = coded.Metadata()
	}
	writeJSON(w, statusFor(err), body)
}
