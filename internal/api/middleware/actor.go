package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/lzjever/mbos-auditlog/internal/actorctx"
	"github.com/lzjever/mbos-auditlog/internal/core"
	"github.com/lzjever/mbos-auditlog/internal/observability"
)

const (
	ActorIDHeader        = "X-Actor-Id"
	ActorEmailHeader     = "X-Actor-Email"
	ActorFirstNameHeader = "X-Actor-First-Name"
	ActorLastNameHeader  = "X-Actor-Last-Name"
	ForwardedForHeader   = "X-Forwarded-For"
)

// Actor binds the acting principal, client address and request id to the
// request for its whole lifetime. Requests without a valid X-Actor-Id are attributed to
// the system.
func Actor(reg *actorctx.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, release, err := reg.Bind(r.Context(), actorctx.Binding{
				Actor:      actorFromHeaders(r.Header),
				RemoteAddr: ClientAddr(r),
				RequestID:  RequestIDFrom(r.Context()),
			})
			if err != nil {
				// An outer handler already bound this request.
				next.ServeHTTP(w, r)
				return
			}
			defer release()
			observability.ActorBindingsActive.Inc()
			defer observability.ActorBindingsActive.Dec()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func actorFromHeaders(h http.Header) *core.Actor {
	id, err := strconv.ParseInt(strings.TrimSpace(h.Get(ActorIDHeader)), 10, 64)
	if err != nil || id <= 0 {
		return nil
	}
	return &core.Actor{
		ID:        id,
		Email:     h.Get(ActorEmailHeader),
		FirstName: h.Get(ActorFirstNameHeader),
		LastName:  h.Get(ActorLastNameHeader),
	}
}

// ClientAddr returns the first X-Forwarded-For hop, else the peer host.
func ClientAddr(r *http.Request) string {
	if fwd := r.Header.Get(ForwardedForHeader); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
