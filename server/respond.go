package server

import (
	"encoding/json"
	"net/http"

	"novelhub/engine"
)

// envelope is the uniform JSON response shape. code mirrors the HTTP status
// so API-mode clients can ignore transport details.
type envelope struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
	Meta    interface{} `json:"meta,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, message string, data, meta interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Code:    status,
		Message: message,
		Data:    data,
		Meta:    meta,
	})
}

func writeOK(w http.ResponseWriter, data, meta interface{}) {
	writeJSON(w, http.StatusOK, "ok", data, meta)
}

// writeError maps engine error kinds to HTTP statuses. Anything unclassified
// is an internal error; raw stack traces never reach the client.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch engine.KindOf(err) {
	case engine.KindInput:
		status = http.StatusBadRequest
	case engine.KindSourceUnknown, engine.KindNotFound:
		status = http.StatusNotFound
	}
	writeJSON(w, status, err.Error(), nil, nil)
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, message, nil, nil)
}
