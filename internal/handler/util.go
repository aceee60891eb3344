// Package handler provides HTTP handlers for the API.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-inbox/internal/service"
	"github.com/capitalize-ai/whatsapp-inbox/pkg/logger"
)

// maxBodyBytes bounds webhook and API request bodies.
const maxBodyBytes = 2 << 20

// ErrorBody is the error envelope of every non-2xx API response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a machine-readable code and a human message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Code: code, Message: message}})
}

// writeServiceError maps service errors onto HTTP statuses. Unexpected
// errors are logged and hidden from the caller.
func writeServiceError(w http.ResponseWriter, log *logger.Logger, err error, action string) {
	switch {
	case errors.Is(err, service.ErrValidation):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, service.ErrUnknownEvent):
		writeError(w, http.StatusBadRequest, "unknown_event", err.Error())
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, service.ErrTenantUnresolved):
		log.Error(action+" failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "tenant_unresolved", "channel is not bound to a tenant")
	default:
		log.Error(action+" failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", action+" failed")
	}
}

// reasonInvalidBody is reported when a request body is not valid JSON.
const reasonInvalidBody = "invalid_body"

// readJSON reads a bounded JSON body into v. Numbers stay json.Number so
// large numeric provider ids keep every digit.
func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(v)
}

// decodeJSON reads a bounded JSON body into v, answering 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := readJSON(w, r, v); err != nil {
		writeError(w, http.StatusBadRequest, reasonInvalidBody, "invalid request body")
		return false
	}
	return true
}

// queryInt parses a non-negative integer query parameter.
func queryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			return parsed
		}
	}
	return def
}
