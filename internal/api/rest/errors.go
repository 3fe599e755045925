package rest

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"

	domainErrors "github.com/rideworks/ride-negotiation-backend/internal/domain/errors"
)

// errorResponse is the error envelope every failed call returns.
type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Type    string                 `json:"type"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// writeError maps an error onto the wire. AppErrors carry their own
// status and code; anything else is a 500 with no internals leaked.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var appErr *domainErrors.AppError
	if stderrors.As(err, &appErr) {
		writeJSON(w, appErr.StatusCode, errorResponse{Error: errorBody{
			Type:    string(appErr.Type),
			Code:    appErr.Code,
			Message: appErr.Message,
			Details: appErr.Details,
		}})
		return
	}

	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		writeJSON(w, http.StatusRequestTimeout, errorResponse{Error: errorBody{
			Type:    "internal",
			Code:    "REQUEST_TIMEOUT",
			Message: "request timed out",
		}})
		return
	}

	logger.Error("unhandled error", slog.Any("error", err))
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: errorBody{
		Type:    "internal",
		Code:    "INTERNAL_ERROR",
		Message: "an internal error occurred",
	}})
}

func writeValidationError(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: errorBody{
		Type:    "validation",
		Code:    "INVALID_PAYLOAD",
		Message: message,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
