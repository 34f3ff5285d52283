// Package search is the secondary audit log store on SurrealDB. Writes from
// the recording path are best effort: Save never fails its caller.
package search

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	surrealdb "github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/connection/gorillaws"
	"github.com/surrealdb/surrealdb.go/pkg/models"
	"github.com/surrealdb/surrealdb.go/surrealcbor"
	"go.uber.org/zap"

	"github.com/lzjever/mbos-auditlog/internal/core"
	"github.com/lzjever/mbos-auditlog/internal/observability"
)

const Table = "changelog"

type Config struct {
	URL         string        `envconfig:"SURREAL_URL" default:"ws://localhost:8000/rpc"`
	Namespace   string        `envconfig:"SURREAL_NAMESPACE" default:"auditlog"`
	Database    string        `envconfig:"SURREAL_DATABASE" default:"auditlog"`
	Username    string        `envconfig:"SURREAL_USER"`
	Password    string        `envconfig:"SURREAL_PASS"`
	SaveTimeout time.Duration `envconfig:"SURREAL_SAVE_TIMEOUT" default:"5s"`
}

type Client struct {
	db          *surrealdb.DB
	saveTimeout time.Duration
	log         *zap.Logger
}

// Connect opens a websocket session, signs in when credentials are set and
// selects the namespace and database.
func Connect(ctx context.Context, cfg Config, log *zap.Logger) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse surreal url: %w", err)
	}
	conf := connection.NewConfig(u)
	// surrealcbor encodes time.Time as a native datetime.
	codec := surrealcbor.New()
	conf.Marshaler = codec
	conf.Unmarshaler = codec

	db, err := surrealdb.FromConnection(ctx, gorillaws.New(conf))
	if err != nil {
		return nil, fmt.Errorf("connect surreal: %w: %w", core.ErrStoreUnavailable, err)
	}
	if cfg.Username != "" && cfg.Password != "" {
		if _, err := db.SignIn(ctx, map[string]any{
			"user": cfg.Username,
			"pass": cfg.Password,
		}); err != nil {
			_ = db.Close(ctx)
			return nil, fmt.Errorf("surreal sign in: %w", err)
		}
	}
	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		_ = db.Close(ctx)
		return nil, fmt.Errorf("surreal use %s/%s: %w", cfg.Namespace, cfg.Database, err)
	}
	timeout := cfg.SaveTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{db: db, saveTimeout: timeout, log: log}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.db.Close(ctx)
}

// EnsureSchema defines the changelog table and its scan index.
func (c *Client) EnsureSchema(ctx context.Context) error {
	_, err := query[any](ctx, c.db, fmt.Sprintf(`
DEFINE TABLE IF NOT EXISTS %[1]s SCHEMALESS;
DEFINE INDEX IF NOT EXISTS %[1]s_timestamp ON %[1]s FIELDS timestamp, event_id;
DEFINE INDEX IF NOT EXISTS %[1]s_object ON %[1]s FIELDS content_type_id, object_pk;`, Table), nil)
	if err != nil {
		return fmt.Errorf("ensure surreal schema: %w", err)
	}
	return nil
}

// Save upserts one record keyed by its event id. Failures and timeouts are
// logged with the full document and counted; they never reach the caller.
func (c *Client) Save(ctx context.Context, rec *core.ChangeRecord) {
	doc, err := ToDocument(rec)
	if err != nil {
		observability.SecondaryFailuresTotal.WithLabelValues("translate").Inc()
		c.log.Error("secondary save: translate record",
			zap.String("event_id", rec.EventID), zap.Any("record", rec), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.saveTimeout)
	defer cancel()

	_, err = query[any](ctx, c.db, `UPSERT $rid CONTENT $doc RETURN NONE`, map[string]any{
		"rid": models.NewRecordID(Table, doc.EventID),
		"doc": doc,
	})
	if err != nil {
		observability.SecondaryFailuresTotal.WithLabelValues("save").Inc()
		c.log.Error("secondary save failed",
			zap.String("event_id", doc.EventID), zap.Any("document", doc), zap.Error(err))
	}
}

// BulkSave upserts a chunk of records in one round trip. Documents are keyed
// by event id, so repeating a chunk overwrites instead of duplicating.
func (c *Client) BulkSave(ctx context.Context, recs []*core.ChangeRecord) error {
	if len(recs) == 0 {
		return nil
	}
	docs := make([]Document, 0, len(recs))
	for _, rec := range recs {
		doc, err := ToDocument(rec)
		if err != nil {
			return fmt.Errorf("translate %s: %w", rec.EventID, err)
		}
		docs = append(docs, doc)
	}
	_, err := query[any](ctx, c.db, fmt.Sprintf(`
FOR $d IN $docs {
    UPSERT type::thing('%s', $d.event_id) CONTENT $d RETURN NONE;
};`, Table), map[string]any{"docs": docs})
	if err != nil {
		observability.SecondaryFailuresTotal.WithLabelValues("bulk_save").Inc()
		return fmt.Errorf("bulk save %d documents: %w: %w", len(docs), core.ErrStoreUnavailable, err)
	}
	return nil
}

// Get returns the document for eventID translated without reference checks.
func (c *Client) Get(ctx context.Context, eventID string) (*core.ChangeRecord, error) {
	docs, err := query[[]Document](ctx, c.db, `SELECT * FROM $rid`, map[string]any{
		"rid": models.NewRecordID(Table, eventID),
	})
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w: %w", eventID, core.ErrStoreUnavailable, err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("get document %s: %w", eventID, core.ErrNotFound)
	}
	rec, _, err := ToRecord(docs[0], nil)
	return rec, err
}

func (c *Client) Count(ctx context.Context) (int64, error) {
	type countResult struct {
		C int64 `json:"c"`
	}
	res, err := query[[]countResult](ctx, c.db, fmt.Sprintf(`SELECT count() AS c FROM %s GROUP ALL`, Table), nil)
	if err != nil {
		return 0, fmt.Errorf("count documents: %w: %w", core.ErrStoreUnavailable, err)
	}
	if len(res) == 0 {
		return 0, nil
	}
	return res[0].C, nil
}

// Any reports whether the secondary store holds at least one document.
func (c *Client) Any(ctx context.Context) (bool, error) {
	type idOnly struct {
		EventID string `json:"event_id"`
	}
	res, err := query[[]idOnly](ctx, c.db, fmt.Sprintf(`SELECT event_id FROM %s LIMIT 1`, Table), nil)
	if err != nil {
		return false, fmt.Errorf("probe documents: %w: %w", core.ErrStoreUnavailable, err)
	}
	return len(res) > 0, nil
}

// query runs a single-statement (or single-result) SurrealQL query and
// returns the last statement's result.
func query[T any](ctx context.Context, db *surrealdb.DB, sql string, vars map[string]any) (T, error) {
	var zero T
	if vars == nil {
		vars = map[string]any{}
	}
	res, err := surrealdb.Query[T](ctx, db, sql, vars)
	if err != nil {
		return zero, err
	}
	if res == nil || len(*res) == 0 {
		return zero, nil
	}
	for _, r := range *res {
		if r.Status != "OK" {
			return zero, errors.New("surreal statement status " + r.Status)
		}
	}
	return (*res)[len(*res)-1].Result, nil
}
