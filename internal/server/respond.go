package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// detail is the error envelope every non-2xx response uses.
type detail struct {
	Detail string `json:"detail"`
	Error  string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Encoding failures after the header is written are unrecoverable;
	// the request logger records the status regardless.
	_ = json.NewEncoder(w).Encode(body)
}

func writeDetail(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, detail{Detail: fmt.Sprintf(format, args...)})
}

// decodeJSON parses the request body into dst, rejecting unknown fields and
// trailing garbage. A false return means the 400 is already written.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body: %v", err)
		return false
	}
	if dec.More() {
		writeDetail(w, http.StatusBadRequest, "Invalid request body: unexpected trailing data")
		return false
	}
	return true
}
