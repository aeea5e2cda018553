package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Error code constants for structured API error responses.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeInternal     = "internal"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeConflict     = "version_conflict"
)

// APIError is the error body returned by the API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConflictResponse is the 409 body: the error plus the current server
// state of the record so the client can resolve without a second fetch.
type ConflictResponse struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Remote  RecordEnvelope `json:"remote"`
}

// RecordEnvelope is the wire shape of one record.
type RecordEnvelope struct {
	Data    json.RawMessage `json:"data,omitempty"`
	Version int64           `json:"version"`
	Deleted bool            `json:"deleted,omitempty"`
}

// writeError writes a JSON error response with the given HTTP status code.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIError{Code: code, Message: message})
}

// writeJSON writes a JSON response with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("write json response", "err", err)
	}
}
