package server

import (
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/gnosisgraph/gnosis/errors"
)

// Stable machine-readable codes in the error envelope.
const (
	codeValidation       = "VALIDATION_ERROR"
	codeUnknownEnum      = "UNKNOWN_ENUM_VALUE"
	codeForbidden        = "FORBIDDEN"
	codeNotFound         = "NOT_FOUND"
	codeRateLimited      = "RATE_LIMITED"
	codeInvalidState     = "INVALID_STATE"
	codeStoreUnavailable = "STORE_UNAVAILABLE"
	codeInternal         = "INTERNAL"
)

type errorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeErrorResponse maps a taxonomy error to its HTTP status and code
// and writes the envelope. Unrecognized errors are logged and answered
// as a generic internal fault so driver details never leak to clients.
func writeErrorResponse(w http.ResponseWriter, logger *zap.SugaredLogger, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		logger.Errorw("Request failed", "code", code, "error", err)
	}
	writeJSON(w, status, errorEnvelope{Code: code, Message: err.Error()})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errors.ErrUnknownEnum):
		return http.StatusBadRequest, codeUnknownEnum
	case errors.Is(err, errors.ErrValidation):
		return http.StatusBadRequest, codeValidation
	case errors.IsNotFoundError(err):
		return http.StatusNotFound, codeNotFound
	case errors.IsForbiddenError(err):
		return http.StatusForbidden, codeForbidden
	case errors.IsRateLimitedError(err):
		return http.StatusTooManyRequests, codeRateLimited
	case errors.IsInvalidStateError(err):
		return http.StatusConflict, codeInvalidState
	case errors.IsStoreUnavailableError(err):
		return http.StatusServiceUnavailable, codeStoreUnavailable
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

// readJSON decodes a JSON request body, answering a validation error on
// malformed input.
func readJSON(w http.ResponseWriter, logger *zap.SugaredLogger, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErrorResponse(w, logger, errors.NewValidationError("invalid request body: %v", err))
		return false
	}
	return true
}

// readOptionalJSON is readJSON for endpoints whose body is optional. An
// empty body leaves v untouched; only malformed JSON is rejected. The
// body is always read, so chunked requests without a Content-Length
// are handled the same as buffered ones.
func readOptionalJSON(w http.ResponseWriter, logger *zap.SugaredLogger, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
		writeErrorResponse(w, logger, errors.NewValidationError("invalid request body: %v", err))
		return false
	}
	return true
}
