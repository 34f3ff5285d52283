package middleware

import (
	"context"
	"net/http"

	"github.com/lzjever/mbos-auditlog/internal/core"
)

const RequestIDHeader = "X-Request-ID"

const maxRequestIDLen = 128

type ctxKeyRequestID struct{}

// RequestID injects a request ID into the context. A missing or unusable
// X-Request-ID is replaced by a time-ordered id; the actor binding copies
// it onto every change record the request produces.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if !validRequestID(requestID) {
			requestID = core.NewEventID()
		}
		ctx := context.WithValue(r.Context(), ctxKeyRequestID{}, requestID)
		w.Header().Set(RequestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFrom returns the id injected by RequestID, or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID{}).(string)
	return id
}

func GetRequestID(r *http.Request) string {
	if id := RequestIDFrom(r.Context()); id != "" {
		return id
	}
	return r.Header.Get(RequestIDHeader)
}

// validRequestID accepts short printable ASCII ids; anything else would end
// up verbatim in logs and additional_data.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
