package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	tberrors "github.com/tabulard/tabulard/internal/errors"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// StatusResponse acknowledges a mutation.
type StatusResponse struct {
	Status string `json:"status"`
}

// statusFor maps an error category to an HTTP status.
func statusFor(err error) int {
	switch tberrors.GetCategory(err) {
	case tberrors.ErrCategoryValidation:
		return http.StatusBadRequest
	case tberrors.ErrCategoryNotFound:
		return http.StatusNotFound
	case tberrors.ErrCategoryFormat, tberrors.ErrCategoryQuery:
		return http.StatusBadRequest
	case tberrors.ErrCategoryRemoteStore, tberrors.ErrCategoryStorage:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err with the status its category maps to. Server-side
// failures are logged with their cause; client errors are not.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := statusFor(err)
	requestID := GetRequestID(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			"path", r.URL.Path,
			"status", status,
			"code", tberrors.GetCode(err),
			"error", err.Error(),
			"request_id", requestID,
			"correlation_id", GetCorrelationID(r.Context()))
	}

	// Client errors carry the engine's message.
	message := tberrors.GetMessage(err)
	var te *tberrors.TabulardError
	if status < http.StatusInternalServerError && errors.As(err, &te) && te.Cause != nil {
		message += ": " + te.Cause.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Status:    "error",
		Message:   message,
		Code:      tberrors.GetCode(err),
		RequestID: requestID,
	})
}

// writeErrorMessage writes an error body for failures that carry no
// structured error, such as recovered panics.
func writeErrorMessage(w http.ResponseWriter, statusCode int, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Status:    "error",
		Message:   message,
		RequestID: requestID,
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}
