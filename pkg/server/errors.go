package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/TanyuSylvain/unify-llm/pkg/llms"
	"github.com/TanyuSylvain/unify-llm/pkg/store"
)

// errorBody is the JSON error envelope.
type errorBody struct {
	Detail string `json:"detail"`
}

// writeJSON encodes v as the response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the JSON error envelope.
func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorBody{Detail: detail})
}

// writeMappedError maps domain errors to HTTP statuses: not_found -> 404,
// provider failures -> 502, everything else -> 500.
func writeMappedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	default:
		var perr *llms.ProviderError
		if errors.As(err, &perr) {
			writeError(w, http.StatusBadGateway, perr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
