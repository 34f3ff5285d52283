// Package actorctx binds the acting principal and network origin to the unit
// of work carried by a context.Context.
//
// Each Bind issues a fresh token that is registered until the returned
// release func runs. Only live tokens resolve, so a context that outlives its
// unit of work never leaks the actor into later records.
package actorctx

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/lzjever/mbos-auditlog/internal/core"
)

// ErrAlreadyBound is returned when a context already carries a live binding.
var ErrAlreadyBound = errors.New("actor context already bound for this unit of work")

// Binding is what a unit of work knows about who is acting. Actor is nil for
// unauthenticated or system work.
type Binding struct {
	Actor      *core.Actor
	RemoteAddr string
	RequestID  string
}

type Token uint64

type ctxKey struct{}

type ctxValue struct {
	reg   *Registry
	token Token
}

type Registry struct {
	next atomic.Uint64
	mu   sync.RWMutex
	live map[Token]Binding
}

func NewRegistry() *Registry {
	return &Registry{live: make(map[Token]Binding)}
}

// Default is the process-wide registry.
var Default = NewRegistry()

// Bind registers b for the unit of work rooted at the returned context.
// The release func must run on every exit path; calling it more than once is
// safe.
func (r *Registry) Bind(ctx context.Context, b Binding) (context.Context, func(), error) {
	if v, ok := ctx.Value(ctxKey{}).(ctxValue); ok && v.reg == r && r.isLive(v.token) {
		return ctx, func() {}, ErrAlreadyBound
	}
	tok := Token(r.next.Add(1))
	r.mu.Lock()
	r.live[tok] = b
	r.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.live, tok)
			r.mu.Unlock()
		})
	}
	return context.WithValue(ctx, ctxKey{}, ctxValue{reg: r, token: tok}), release, nil
}

// FromContext returns the live binding for ctx, if any.
func (r *Registry) FromContext(ctx context.Context) (Binding, bool) {
	v, ok := ctx.Value(ctxKey{}).(ctxValue)
	if !ok || v.reg != r {
		return Binding{}, false
	}
	r.mu.RLock()
	b, ok := r.live[v.token]
	r.mu.RUnlock()
	return b, ok
}

// Active reports the number of unreleased bindings.
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

func (r *Registry) isLive(tok Token) bool {
	r.mu.RLock()
	_, ok := r.live[tok]
	r.mu.RUnlock()
	return ok
}

// Enrich fills the record's actor and remote address from the binding in
// ctx, and stamps the request id into additional_data. Fields already set
// on the record are kept. Without a binding the
// record stays attributed to the system.
func (r *Registry) Enrich(ctx context.Context, rec *core.ChangeRecord) {
	b, ok := r.FromContext(ctx)
	if !ok {
		return
	}
	if rec.Actor == nil && b.Actor != nil {
		a := *b.Actor
		rec.Actor = &a
	}
	if rec.RemoteAddr == "" {
		rec.RemoteAddr = b.RemoteAddr
	}
	if _, set := rec.AdditionalData[core.KeyRequestID]; !set && b.RequestID != "" {
		rec.SetAdditional(core.KeyRequestID, b.RequestID)
	}
}

func Bind(ctx context.Context, b Binding) (context.Context, func(), error) {
	return Default.Bind(ctx, b)
}

func FromContext(ctx context.Context) (Binding, bool) {
	return Default.FromContext(ctx)
}
