package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/lzjever/mbos-auditlog/internal/core"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func WriteError(w http.ResponseWriter, err *core.AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Code.HTTPStatus())
	json.NewEncoder(w).Encode(ErrorResponse{
		Code:    string(err.Code),
		Message: err.Message,
	})
}

// WriteErr classifies err and writes it. Internal errors are logged by the
// caller; their message is not exposed.
func WriteErr(w http.ResponseWriter, err error) {
	code := core.CodeFor(err)
	msg := err.Error()
	if code == core.ErrCodeInternal {
		msg = "internal error"
	}
	WriteError(w, core.NewAppError(code, msg))
}

// writeReconcilerErr is WriteErr for failures of a remote reconciliation job.
func writeReconcilerErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		WriteError(w, core.NewAppError(core.ErrCodeReconcilerTimeout, err.Error()))
	case core.CodeFor(err) == core.ErrCodeInternal:
		WriteError(w, core.NewAppError(core.ErrCodeReconcilerError, err.Error()))
	default:
		WriteErr(w, err)
	}
}

func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteAccepted writes a 202 Accepted response for a change record handed to
// the dispatcher.
func WriteAccepted(w http.ResponseWriter, rec *core.ChangeRecord) {
	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"logged":      true,
		"event_id":    rec.EventID,
		"action":      rec.Action,
		"timestamp":   rec.Timestamp,
		"search_href": "/v1/search/logs/" + rec.EventID,
	})
}
