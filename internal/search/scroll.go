package search

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lzjever/mbos-auditlog/internal/core"
)

const defaultPageSize = 500

// Query filters and orders a scan of the secondary store.
type Query struct {
	ContentTypeID string
	AppLabel      string
	Model         string
	ObjectID      *int64
	ObjectPK      string
	ActorID       *int64
	Action        *core.Action

	// Since/Until bound timestamps; Since is exclusive unless SinceInclusive,
	// Until is always exclusive.
	Since          *time.Time
	SinceInclusive bool
	Until          *time.Time

	Descending bool
	PageSize   int
	// Cursor resumes a previous scroll from the position it reported.
	Cursor string
}

// Iterator yields documents lazily, page by page.
type Iterator interface {
	Next(ctx context.Context) bool
	Document() Document
	Err() error
	// Cursor is the position after the last document returned by Next.
	Cursor() string
}

// Scroller pages through the secondary store with a keyset cursor on
// (timestamp, event_id). It holds no server-side state, so a scroll can be
// resumed from Cursor() after any delay.
type Scroller struct {
	c   *Client
	q   Query
	buf []Document
	pos int
	doc Document
	err error
	eof bool

	afterTS time.Time
	afterID string
	started bool
}

// Search starts a scroll over documents matching q.
func (c *Client) Search(q Query) *Scroller {
	s := &Scroller{c: c, q: q}
	if q.PageSize <= 0 {
		s.q.PageSize = defaultPageSize
	}
	if q.Cursor != "" {
		ts, id, err := DecodeCursor(q.Cursor)
		if err != nil {
			s.err = err
			return s
		}
		s.afterTS, s.afterID, s.started = ts, id, true
	}
	return s
}

// Scan is Search behind the Iterator interface.
func (c *Client) Scan(q Query) Iterator {
	return c.Search(q)
}

func (s *Scroller) Next(ctx context.Context) bool {
	if s.err != nil {
		return false
	}
	if s.pos >= len(s.buf) {
		if s.eof {
			return false
		}
		if err := s.fetch(ctx); err != nil {
			s.err = err
			return false
		}
		if len(s.buf) == 0 {
			return false
		}
	}
	s.doc = s.buf[s.pos]
	s.pos++
	s.afterTS, s.afterID, s.started = s.doc.Timestamp, s.doc.EventID, true
	return true
}

func (s *Scroller) Document() Document { return s.doc }

func (s *Scroller) Err() error { return s.err }

func (s *Scroller) Cursor() string {
	if !s.started {
		return ""
	}
	return EncodeCursor(s.afterTS, s.afterID)
}

func (s *Scroller) fetch(ctx context.Context) error {
	sql, vars := s.statement()
	docs, err := query[[]Document](ctx, s.c.db, sql, vars)
	if err != nil {
		return fmt.Errorf("scroll documents: %w: %w", core.ErrStoreUnavailable, err)
	}
	s.buf, s.pos = docs, 0
	if len(docs) < s.q.PageSize {
		s.eof = true
	}
	return nil
}

func (s *Scroller) statement() (string, map[string]any) {
	q := s.q
	var where []string
	vars := map[string]any{}
	add := func(cond, name string, v any) {
		where = append(where, cond)
		vars[name] = v
	}
	if q.ContentTypeID != "" {
		add("content_type_id = $ct", "ct", q.ContentTypeID)
	}
	if q.AppLabel != "" {
		add("content_type_app_label = $app", "app", q.AppLabel)
	}
	if q.Model != "" {
		add("content_type_model = $model", "model", q.Model)
	}
	if q.ObjectID != nil {
		add("object_id = $oid", "oid", strconv.FormatInt(*q.ObjectID, 10))
	}
	if q.ObjectPK != "" {
		add("object_pk = $opk", "opk", q.ObjectPK)
	}
	if q.ActorID != nil {
		add("actor_id = $actor", "actor", strconv.FormatInt(*q.ActorID, 10))
	}
	if q.Action != nil {
		add("action = $action", "action", q.Action.Name())
	}
	if q.Since != nil {
		op := ">"
		if q.SinceInclusive {
			op = ">="
		}
		add("timestamp "+op+" $since", "since", *q.Since)
	}
	if q.Until != nil {
		add("timestamp < $until", "until", *q.Until)
	}

	dir, cmp := "ASC", ">"
	if q.Descending {
		dir, cmp = "DESC", "<"
	}
	if s.started {
		where = append(where, fmt.Sprintf("(timestamp %[1]s $after_ts OR (timestamp = $after_ts AND event_id %[1]s $after_id))", cmp))
		vars["after_ts"] = s.afterTS
		vars["after_id"] = s.afterID
	}

	var b strings.Builder
	b.WriteString("SELECT * FROM ")
	b.WriteString(Table)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	fmt.Fprintf(&b, " ORDER BY timestamp %s, event_id %s LIMIT %d", dir, dir, q.PageSize)
	return b.String(), vars
}

// EncodeCursor renders a scroll position as an opaque token.
func EncodeCursor(ts time.Time, eventID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(ts.UTC().Format(time.RFC3339Nano) + "|" + eventID))
}

func DecodeCursor(s string) (time.Time, string, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: cursor: %v", core.ErrValidation, err)
	}
	tsPart, id, ok := strings.Cut(string(b), "|")
	if !ok {
		return time.Time{}, "", fmt.Errorf("%w: malformed cursor", core.ErrValidation)
	}
	ts, err := time.Parse(time.RFC3339Nano, tsPart)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: cursor time: %v", core.ErrValidation, err)
	}
	return ts, id, nil
}
