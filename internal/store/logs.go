package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/lzjever/mbos-auditlog/internal/core"
)

const selectLogEntries = `
SELECT l.id, l.event_id::text, l.action, l.resource_type_id, rt.app_label, rt.model,
       l.object_id, l.object_pk, l.object_repr,
       l.actor_id, a.email, a.first_name, a.last_name,
       l.remote_addr, l.timestamp, l.changes, l.additional_data
FROM auditlog.log_entries l
LEFT JOIN auditlog.resource_types rt ON rt.id = l.resource_type_id
LEFT JOIN auditlog.actors a ON a.id = l.actor_id`

// Filter narrows a primary store query. Zero values do not filter.
type Filter struct {
	ResourceTypeID int64
	AppLabel       string
	Model          string
	ObjectID       *int64
	ObjectPK       string
	ActorID        *int64
	Action         *core.Action
	From           *time.Time // inclusive
	To             *time.Time // exclusive
}

// Cursor is a keyset position in (timestamp, id) order.
type Cursor struct {
	Timestamp time.Time
	ID        int64
}

type Page struct {
	Limit     int
	After     *Cursor
	Ascending bool
}

// Append writes one record and returns its primary id. Appending an event id
// that is already stored returns the existing row's id.
func (s *Store) Append(ctx context.Context, rec *core.ChangeRecord) (int64, error) {
	if err := rec.Validate(); err != nil {
		return 0, err
	}
	rt, err := s.resolveRecordType(ctx, rec)
	if err != nil {
		return 0, err
	}
	row, err := toRow(rec, rt)
	if err != nil {
		return 0, err
	}

	var id int64
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if rec.Actor != nil {
			if err := insertActors(ctx, tx, []core.Actor{*rec.Actor}); err != nil {
				return err
			}
		}
		return tx.QueryRow(ctx, `
WITH ins AS (
    INSERT INTO auditlog.log_entries
        (event_id, action, resource_type_id, object_id, object_pk, object_repr,
         actor_id, remote_addr, timestamp, changes, additional_data)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
    ON CONFLICT (event_id) DO NOTHING
    RETURNING id
)
SELECT id FROM ins
UNION ALL
SELECT id FROM auditlog.log_entries WHERE event_id = $1
LIMIT 1`, row...).Scan(&id)
	})
	if err != nil {
		return 0, wrapErr("append log entry", err)
	}
	return id, nil
}

var stageColumns = []string{
	"event_id", "action", "resource_type_id", "object_id", "object_pk", "object_repr",
	"actor_id", "remote_addr", "timestamp", "changes", "additional_data",
}

// BulkAppend writes records in one transaction and returns how many were
// newly inserted. Records whose event id is already stored are skipped.
func (s *Store) BulkAppend(ctx context.Context, recs []*core.ChangeRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	rows := make([][]any, 0, len(recs))
	actors := make(map[int64]core.Actor)
	for _, rec := range recs {
		if err := rec.Validate(); err != nil {
			return 0, err
		}
		rt, err := s.resolveRecordType(ctx, rec)
		if err != nil {
			return 0, err
		}
		row, err := toRow(rec, rt)
		if err != nil {
			return 0, err
		}
		rows = append(rows, row)
		if rec.Actor != nil {
			actors[rec.Actor.ID] = *rec.Actor
		}
	}

	var inserted int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if len(actors) > 0 {
			list := make([]core.Actor, 0, len(actors))
			for _, a := range actors {
				list = append(list, a)
			}
			if err := insertActors(ctx, tx, list); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx, `
CREATE TEMP TABLE log_entries_stage (
    event_id UUID, action SMALLINT, resource_type_id BIGINT, object_id BIGINT,
    object_pk TEXT, object_repr TEXT, actor_id BIGINT, remote_addr TEXT,
    timestamp TIMESTAMPTZ, changes JSONB, additional_data JSONB
) ON COMMIT DROP`); err != nil {
			return err
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"log_entries_stage"}, stageColumns, pgx.CopyFromRows(rows)); err != nil {
			return err
		}
		cols := strings.Join(stageColumns, ", ")
		tag, err := tx.Exec(ctx, fmt.Sprintf(`
INSERT INTO auditlog.log_entries (%s)
SELECT %s FROM log_entries_stage ORDER BY timestamp
ON CONFLICT (event_id) DO NOTHING`, cols, cols))
		if err != nil {
			return err
		}
		inserted = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, wrapErr("bulk append log entries", err)
	}
	return int(inserted), nil
}

// Latest returns the most recent record by timestamp, or nil when the store
// is empty.
func (s *Store) Latest(ctx context.Context) (*core.ChangeRecord, error) {
	rows, err := s.pool.Query(ctx, selectLogEntries+` ORDER BY l.timestamp DESC, l.id DESC LIMIT 1`)
	if err != nil {
		return nil, wrapErr("latest log entry", err)
	}
	recs, err := collect(rows)
	if err != nil {
		return nil, wrapErr("latest log entry", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

func (s *Store) Get(ctx context.Context, id int64) (*core.ChangeRecord, error) {
	rows, err := s.pool.Query(ctx, selectLogEntries+` WHERE l.id = $1`, id)
	if err != nil {
		return nil, wrapErr("get log entry", err)
	}
	recs, err := collect(rows)
	if err != nil {
		return nil, wrapErr("get log entry", err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("get log entry %d: %w", id, core.ErrNotFound)
	}
	return recs[0], nil
}

// Query returns one page of records matching f, newest first unless
// p.Ascending. The returned cursor is nil on the last page.
func (s *Store) Query(ctx context.Context, f Filter, p Page) ([]*core.ChangeRecord, *Cursor, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, strings.ReplaceAll(cond, "?", fmt.Sprintf("$%d", len(args))))
	}
	if f.ResourceTypeID != 0 {
		add("l.resource_type_id = ?", f.ResourceTypeID)
	}
	if f.AppLabel != "" {
		add("rt.app_label = ?", f.AppLabel)
	}
	if f.Model != "" {
		add("rt.model = ?", f.Model)
	}
	if f.ObjectID != nil {
		add("l.object_id = ?", *f.ObjectID)
	}
	if f.ObjectPK != "" {
		add("l.object_pk = ?", f.ObjectPK)
	}
	if f.ActorID != nil {
		add("l.actor_id = ?", *f.ActorID)
	}
	if f.Action != nil {
		add("l.action = ?", int16(*f.Action))
	}
	if f.From != nil {
		add("l.timestamp >= ?", *f.From)
	}
	if f.To != nil {
		add("l.timestamp < ?", *f.To)
	}

	dir, cmp := "DESC", "<"
	if p.Ascending {
		dir, cmp = "ASC", ">"
	}
	if p.After != nil {
		args = append(args, p.After.Timestamp, p.After.ID)
		where = append(where, fmt.Sprintf("(l.timestamp, l.id) %s ($%d, $%d)", cmp, len(args)-1, len(args)))
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}

	q := selectLogEntries
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY l.timestamp %s, l.id %s LIMIT $%d", dir, dir, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, nil, wrapErr("query log entries", err)
	}
	recs, err := collect(rows)
	if err != nil {
		return nil, nil, wrapErr("query log entries", err)
	}
	var next *Cursor
	if len(recs) == limit {
		last := recs[len(recs)-1]
		next = &Cursor{Timestamp: last.Timestamp, ID: last.ID}
	}
	return recs, next, nil
}

// ListAfterID returns up to limit records with id > afterID in id order.
func (s *Store) ListAfterID(ctx context.Context, afterID int64, limit int) ([]*core.ChangeRecord, error) {
	rows, err := s.pool.Query(ctx, selectLogEntries+` WHERE l.id > $1 ORDER BY l.id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, wrapErr("list log entries", err)
	}
	recs, err := collect(rows)
	if err != nil {
		return nil, wrapErr("list log entries", err)
	}
	return recs, nil
}

// ExistingKeys loads the natural keys of all records with timestamp in
// [from, to).
func (s *Store) ExistingKeys(ctx context.Context, from, to time.Time) (map[core.NaturalKey]struct{}, error) {
	rows, err := s.pool.Query(ctx, `
SELECT timestamp, resource_type_id, object_id, object_pk
FROM auditlog.log_entries
WHERE timestamp >= $1 AND timestamp < $2`, from, to)
	if err != nil {
		return nil, wrapErr("load existing keys", err)
	}
	defer rows.Close()

	keys := make(map[core.NaturalKey]struct{})
	for rows.Next() {
		var (
			ts       time.Time
			rtID     pgtype.Int8
			objectID pgtype.Int8
			objectPK string
		)
		if err := rows.Scan(&ts, &rtID, &objectID, &objectPK); err != nil {
			return nil, wrapErr("scan existing key", err)
		}
		var oid *int64
		if objectID.Valid {
			oid = &objectID.Int64
		}
		keys[core.NewNaturalKey(ts, rtID.Int64, oid, objectPK)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("load existing keys", err)
	}
	return keys, nil
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM auditlog.log_entries`).Scan(&n); err != nil {
		return 0, wrapErr("count log entries", err)
	}
	return n, nil
}

func toRow(rec *core.ChangeRecord, rt core.ResourceType) ([]any, error) {
	eventID, err := uuid.Parse(rec.EventID)
	if err != nil {
		return nil, fmt.Errorf("%w: event_id %q: %v", core.ErrValidation, rec.EventID, err)
	}
	changes := rec.Changes
	if changes == nil {
		changes = core.Changes{}
	}
	changesJSON, err := json.Marshal(changes)
	if err != nil {
		return nil, fmt.Errorf("%w: changes: %v", core.ErrValidation, err)
	}
	var additional []byte
	if len(rec.AdditionalData) > 0 {
		if additional, err = json.Marshal(rec.AdditionalData); err != nil {
			return nil, fmt.Errorf("%w: additional_data: %v", core.ErrValidation, err)
		}
	}

	var rtID pgtype.Int8
	if rt.ID != 0 {
		rtID = pgtype.Int8{Int64: rt.ID, Valid: true}
	}
	var objectID pgtype.Int8
	if rec.ObjectID != nil {
		objectID = pgtype.Int8{Int64: *rec.ObjectID, Valid: true}
	}
	var actorID pgtype.Int8
	if rec.Actor != nil {
		actorID = pgtype.Int8{Int64: rec.Actor.ID, Valid: true}
	}
	return []any{
		pgtype.UUID{Bytes: eventID, Valid: true},
		int16(rec.Action),
		rtID,
		objectID,
		rec.ObjectPK,
		rec.ObjectRepr,
		actorID,
		textFromString(rec.RemoteAddr),
		core.NormalizeTime(rec.Timestamp),
		json.RawMessage(changesJSON),
		nullableJSON(additional),
	}, nil
}

func nullableJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return json.RawMessage(b)
}

func collect(rows pgx.Rows) ([]*core.ChangeRecord, error) {
	defer rows.Close()
	var recs []*core.ChangeRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func scanRecord(row pgx.Row) (*core.ChangeRecord, error) {
	var (
		rec                     core.ChangeRecord
		action                  int16
		rtID, objectID, actorID pgtype.Int8
		appLabel, model         pgtype.Text
		email, first, last      pgtype.Text
		remoteAddr              pgtype.Text
		changes, additional     []byte
	)
	if err := row.Scan(
		&rec.ID, &rec.EventID, &action, &rtID, &appLabel, &model,
		&objectID, &rec.ObjectPK, &rec.ObjectRepr,
		&actorID, &email, &first, &last,
		&remoteAddr, &rec.Timestamp, &changes, &additional,
	); err != nil {
		return nil, err
	}
	a, err := core.ActionFromCode(action)
	if err != nil {
		return nil, err
	}
	rec.Action = a
	rec.Timestamp = rec.Timestamp.UTC()
	rec.RemoteAddr = remoteAddr.String
	if rtID.Valid {
		rec.ResourceType = &core.ResourceType{ID: rtID.Int64, AppLabel: appLabel.String, Model: model.String}
	}
	if objectID.Valid {
		id := objectID.Int64
		rec.ObjectID = &id
	}
	if actorID.Valid {
		rec.Actor = &core.Actor{ID: actorID.Int64, Email: email.String, FirstName: first.String, LastName: last.String}
	}
	if len(changes) > 0 {
		if err := json.Unmarshal(changes, &rec.Changes); err != nil {
			return nil, fmt.Errorf("decode changes of %d: %w", rec.ID, err)
		}
	}
	if len(additional) > 0 {
		if err := json.Unmarshal(additional, &rec.AdditionalData); err != nil {
			return nil, fmt.Errorf("decode additional_data of %d: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

func textFromString(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: s, Valid: true}
}
