package devserver

import (
	"errors"
	"net/http"

	json "github.com/goccy/go-json"

	"protoscale/pkg/types"
)

// HTTPError allows the simulator to pick the status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes the FastAPI-style {"detail": ...} payload the
// client expects.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Detail: msg, Code: status})
}

func writeError(w http.ResponseWriter, err error) {
	var he HTTPError
	if errors.As(err, &he) {
		writeJSONError(w, he.StatusCode(), he.Error())
		return
	}
	writeJSONError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}
