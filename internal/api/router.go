package api

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lzjever/mbos-auditlog/internal/actorctx"
	"github.com/lzjever/mbos-auditlog/internal/api/middleware"
	"github.com/lzjever/mbos-auditlog/internal/core"
	"github.com/lzjever/mbos-auditlog/internal/reconcile"
	"github.com/lzjever/mbos-auditlog/internal/search"
	"github.com/lzjever/mbos-auditlog/internal/store"
)

// LogStore is the primary store as seen by the HTTP surface.
type LogStore interface {
	Query(ctx context.Context, f store.Filter, p store.Page) ([]*core.ChangeRecord, *store.Cursor, error)
	Get(ctx context.Context, id int64) (*core.ChangeRecord, error)
	UpsertActor(ctx context.Context, a core.Actor) error
	DeleteActor(ctx context.Context, id int64) error
	Ping(ctx context.Context) error
}

// Hooks receives entity lifecycle events. *recorder.Recorder implements it.
type Hooks interface {
	OnCreate(ctx context.Context, new core.Entity) (*core.ChangeRecord, error)
	OnUpdate(ctx context.Context, old, new core.Entity) (*core.ChangeRecord, error)
	OnDelete(ctx context.Context, old core.Entity) (*core.ChangeRecord, error)
}

// SearchStore is the secondary store read path.
type SearchStore interface {
	Scan(q search.Query) search.Iterator
	Get(ctx context.Context, eventID string) (*core.ChangeRecord, error)
}

// Reconciler triggers reconciliation jobs. *reconcilerclient.Client implements it.
type Reconciler interface {
	Migrate(ctx context.Context, opts reconcile.MigrateOptions) (reconcile.MigrateResult, error)
	Backfill(ctx context.Context, opts reconcile.BackfillOptions) (reconcile.BackfillResult, error)
	Watermark(ctx context.Context) (*time.Time, error)
}

type API struct {
	logs       LogStore
	hooks      Hooks
	search     SearchStore
	reconciler Reconciler
	actors     *actorctx.Registry
	redacted   []string
	log        *zap.Logger
}

type Option func(*API)

func WithSearch(s SearchStore) Option {
	return func(a *API) { a.search = s }
}

func WithReconciler(r Reconciler) Option {
	return func(a *API) { a.reconciler = r }
}

// WithRedactedFields masks these fields in every rendered change set.
func WithRedactedFields(fields []string) Option {
	return func(a *API) { a.redacted = fields }
}

// WithActorRegistry binds request actors into r instead of actorctx.Default.
// It must be the registry the hooks read from.
func WithActorRegistry(r *actorctx.Registry) Option {
	return func(a *API) { a.actors = r }
}

func NewAPI(logs LogStore, hooks Hooks, log *zap.Logger, opts ...Option) *API {
	a := &API{
		logs:     logs,
		hooks:    hooks,
		actors:   actorctx.Default,
		redacted: core.DefaultRedactedFields,
		log:      log,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Metrics)
	r.Use(middleware.Recoverer(a.log))
	r.Use(middleware.Logger)
	r.Use(chiMiddleware.AllowContentType("application/json"))

	r.Get("/healthz", a.HealthHandler)
	r.Get("/readyz", a.ReadyHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Actor(a.actors))

		// Ingestion
		r.Post("/changes", a.RecordChange)

		// Primary store
		r.Get("/logs", a.ListLogs)
		r.Get("/logs/{id}", a.GetLog)
		r.Get("/resources/{app_label}/{model}/{pk}/history", a.ResourceHistory)

		// Secondary store
		r.Get("/search/logs", a.SearchLogs)
		r.Get("/search/logs/{event_id}", a.GetSearchLog)

		// Actors
		r.Put("/actors/{actor_id}", a.PutActor)
		r.Delete("/actors/{actor_id}", a.DeleteActor)

		// Reconciliation
		r.Post("/reconcile/migrate", a.Migrate)
		r.Post("/reconcile/backfill", a.Backfill)
		r.Get("/reconcile/watermark", a.Watermark)
	})

	return r
}

// encodeCursor encodes a primary keyset position as an opaque cursor.
func encodeCursor(c *store.Cursor) string {
	if c == nil {
		return ""
	}
	raw := c.Timestamp.UTC().Format(time.RFC3339Nano) + "|" + strconv.FormatInt(c.ID, 10)
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// decodeCursor decodes a cursor produced by encodeCursor.
func decodeCursor(s string) (*store.Cursor, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	tsPart, idPart, ok := strings.Cut(string(b), "|")
	if !ok {
		return nil, fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, tsPart)
	if err != nil {
		return nil, err
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return nil, err
	}
	return &store.Cursor{Timestamp: ts, ID: id}, nil
}
