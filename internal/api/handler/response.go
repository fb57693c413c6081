package handler

import (
	"encoding/json"
	"net/http"
)

func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			http.Error(w, "failed to encode response", http.StatusInternalServerError)
		}
	}
}

// ErrorResponse mirrors the error document the proxy path emits, so clients
// see one shape regardless of which layer rejected the request.
type ErrorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message,omitempty"`
	StatusCode int    `json:"statusCode"`
}

func Error(w http.ResponseWriter, status int, err string, message string) {
	w.Header().Set("Cache-Control", "no-store")
	JSON(w, status, ErrorResponse{
		Error:      err,
		Message:    message,
		StatusCode: status,
	})
}
