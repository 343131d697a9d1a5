package httputil

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// APIError is the error envelope every non-2xx response carries.
type APIError struct {
	Error APIErrorBody `json:"error"`
}

// APIErrorBody is the envelope payload. ExistingIdentity and Diff are
// only set on conflict responses, where they tell the caller what the
// colliding template is and how the rejected request differs from it.
type APIErrorBody struct {
	Message          string          `json:"message"`
	Type             string          `json:"type"`
	Code             string          `json:"code"`
	SigilReqID       string          `json:"sigil_request_id,omitempty"`
	ExistingIdentity string          `json:"existing_identity,omitempty"`
	Diff             json.RawMessage `json:"diff,omitempty"`
}

// WriteBody writes an error envelope with the given payload.
func WriteBody(w http.ResponseWriter, requestID string, statusCode int, body APIErrorBody) {
	body.SigilReqID = requestID
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIError{Error: body})
}

func WriteError(w http.ResponseWriter, requestID string, statusCode int, errType, code, message string) {
	WriteBody(w, requestID, statusCode, APIErrorBody{
		Message: message,
		Type:    errType,
		Code:    code,
	})
}

func WriteValidationError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusBadRequest, "invalid_request_error", "invalid_request", message)
}

func WriteNotFoundError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusNotFound, "invalid_request_error", "not_found", message)
}

func WriteRateLimitError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusTooManyRequests, "rate_limit_error", "rate_limit_exceeded", message)
}

// WriteInFlightError reports that the same idempotency key is still
// being processed by another request. Retry-After tells the caller
// when polling again is worthwhile.
func WriteInFlightError(w http.ResponseWriter, requestID string, retryAfter time.Duration, message string) {
	secs := int(retryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	WriteError(w, requestID, http.StatusConflict, "conflict_error", "request_in_flight", message)
}

func WritePinMismatchError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusPreconditionFailed, "pin_error", "pinned_version_mismatch", message)
}

func WriteIntegrityError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusInternalServerError, "integrity_error", "integrity_violation", message)
}

func WriteInternalError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusInternalServerError, "server_error", "internal_error", message)
}

func WriteServiceUnavailableError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusServiceUnavailable, "server_error", "service_unavailable", message)
}
