package api

import (
	"encoding/json"
	"net/http"

	"geoattest/internal/logging"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Details   any    `json:"details,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string, details any) {
	writeJSON(w, status, ErrorResponse{
		Error:     msg,
		Details:   details,
		RequestID: logging.RequestIDFromContext(r.Context()),
	})
}
