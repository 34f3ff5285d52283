package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/lzjever/mbos-auditlog/internal/core"
)

// ResolveResourceType returns the resource type for app_label.model,
// creating it on first use. Results are cached for the life of the Store.
func (s *Store) ResolveResourceType(ctx context.Context, appLabel, model string) (core.ResourceType, error) {
	key := appLabel + "." + model
	s.mu.RLock()
	rt, ok := s.types[key]
	s.mu.RUnlock()
	if ok {
		return rt, nil
	}

	rt = core.ResourceType{AppLabel: appLabel, Model: model}
	err := s.pool.QueryRow(ctx, `
WITH ins AS (
    INSERT INTO auditlog.resource_types (app_label, model) VALUES ($1, $2)
    ON CONFLICT (app_label, model) DO NOTHING
    RETURNING id
)
SELECT id FROM ins
UNION ALL
SELECT id FROM auditlog.resource_types WHERE app_label = $1 AND model = $2
LIMIT 1`, appLabel, model).Scan(&rt.ID)
	if err != nil {
		return core.ResourceType{}, wrapErr("resolve resource type", err)
	}

	s.mu.Lock()
	s.types[key] = rt
	s.mu.Unlock()
	return rt, nil
}

func (s *Store) resolveRecordType(ctx context.Context, rec *core.ChangeRecord) (core.ResourceType, error) {
	if rec.ResourceType == nil {
		return core.ResourceType{}, nil
	}
	if rec.ResourceType.ID != 0 {
		return *rec.ResourceType, nil
	}
	return s.ResolveResourceType(ctx, rec.ResourceType.AppLabel, rec.ResourceType.Model)
}

func (s *Store) ListResourceTypes(ctx context.Context) ([]core.ResourceType, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, app_label, model FROM auditlog.resource_types ORDER BY app_label, model`)
	if err != nil {
		return nil, wrapErr("list resource types", err)
	}
	types, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.ResourceType, error) {
		var rt core.ResourceType
		err := row.Scan(&rt.ID, &rt.AppLabel, &rt.Model)
		return rt, err
	})
	if err != nil {
		return nil, wrapErr("list resource types", err)
	}
	return types, nil
}

// ValidIDs snapshots the actor and resource type ids that currently resolve.
func (s *Store) ValidIDs(ctx context.Context) (*core.ValidIDs, error) {
	actors, err := s.ids(ctx, `SELECT id FROM auditlog.actors`)
	if err != nil {
		return nil, wrapErr("load valid actor ids", err)
	}
	types, err := s.ids(ctx, `SELECT id FROM auditlog.resource_types`)
	if err != nil {
		return nil, wrapErr("load valid resource type ids", err)
	}
	return &core.ValidIDs{Actors: actors, ResourceTypes: types}, nil
}

func (s *Store) ids(ctx context.Context, q string) (map[int64]struct{}, error) {
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	list, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}
	set := make(map[int64]struct{}, len(list))
	for _, id := range list {
		set[id] = struct{}{}
	}
	return set, nil
}

// UpsertActor creates or refreshes an actor's display attributes.
func (s *Store) UpsertActor(ctx context.Context, a core.Actor) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO auditlog.actors (id, email, first_name, last_name)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE
SET email = EXCLUDED.email, first_name = EXCLUDED.first_name,
    last_name = EXCLUDED.last_name, updated_at = now()`,
		a.ID, a.Email, a.FirstName, a.LastName)
	return wrapErr("upsert actor", err)
}

func (s *Store) GetActor(ctx context.Context, id int64) (core.Actor, error) {
	a := core.Actor{ID: id}
	err := s.pool.QueryRow(ctx, `SELECT email, first_name, last_name FROM auditlog.actors WHERE id = $1`, id).
		Scan(&a.Email, &a.FirstName, &a.LastName)
	if err != nil {
		return core.Actor{}, wrapErr(fmt.Sprintf("get actor %d", id), err)
	}
	return a, nil
}

// DeleteActor removes an actor. Log entries that referenced it keep their
// row with a null actor.
func (s *Store) DeleteActor(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM auditlog.actors WHERE id = $1`, id)
	if err != nil {
		return wrapErr("delete actor", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete actor %d: %w", id, core.ErrNotFound)
	}
	return nil
}

// insertActors adds actors referenced by new records. Existing actors keep
// their current display attributes.
func insertActors(ctx context.Context, tx pgx.Tx, actors []core.Actor) error {
	ids := make([]int64, len(actors))
	emails := make([]string, len(actors))
	firsts := make([]string, len(actors))
	lasts := make([]string, len(actors))
	for i, a := range actors {
		ids[i], emails[i], firsts[i], lasts[i] = a.ID, a.Email, a.FirstName, a.LastName
	}
	_, err := tx.Exec(ctx, `
INSERT INTO auditlog.actors (id, email, first_name, last_name)
SELECT * FROM unnest($1::bigint[], $2::text[], $3::text[], $4::text[])
ON CONFLICT (id) DO NOTHING`, ids, emails, firsts, lasts)
	return err
}
