package middleware

import (
	"encoding/json"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/lzjever/mbos-auditlog/internal/core"
)

// Recoverer turns a handler panic into an AUDIT_INTERNAL response.
func Recoverer(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					log.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.String("stack", string(debug.Stack())),
						zap.String("request_id", GetRequestID(r)),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
					)
					appErr := core.NewAppError(core.ErrCodeInternal, "internal server error")
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(appErr.Code.HTTPStatus())
					json.NewEncoder(w).Encode(appErr)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
