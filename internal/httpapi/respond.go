// Copyright 2025 James Ross
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/flyingrobots/dubcast-job-server/internal/errs"
)

// errorBody is the structured shape every non-2xx response carries,
// matching the quota/rate-limit detail fields *errs.E already tracks.
type errorBody struct {
	Error   string `json:"error"`
	Action  string `json:"action,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Limit   int64  `json:"limit,omitempty"`
	Current int64  `json:"current,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to its *errs.E kind (defaulting to 500) and
// writes the structured body the HTTP surface's external contract
// promises for 429/413 responses, and a plain message otherwise.
func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error()}
	var e *errs.E
	if errors.As(err, &e) {
		body.Reason = e.Reason
		body.Limit = e.Limit
		body.Current = e.Current
		if e.Kind == errs.Draining {
			w.Header().Set("Retry-After", "30")
			body.Action = "retry_later"
		}
		writeJSON(w, errs.HTTPStatus(e.Kind), body)
		return
	}
	writeJSON(w, http.StatusInternalServerError, body)
}
