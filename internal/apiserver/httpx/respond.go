// Package httpx holds the small response-writing conventions shared by
// every HTTP handler package: JSON encoding and apperr-aware error
// mapping, following the teacher's writeJSON/writeError pattern.
package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/voltask/voltask/internal/apperr"
)

func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// WriteAppError maps an apperr.Error to the HTTP status its Kind implies.
// Any other error is treated as an unclassified internal failure.
func WriteAppError(w http.ResponseWriter, err error) {
	if ae, ok := err.(*apperr.Error); ok {
		WriteError(w, ae.HTTPStatus(), ae.Message)
		return
	}
	WriteError(w, http.StatusInternalServerError, "internal error")
}
