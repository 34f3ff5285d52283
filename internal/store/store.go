// Package store is the primary (authoritative) audit log store on PostgreSQL.
package store

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lzjever/mbos-auditlog/internal/core"
)

// Store reads and writes change records and their lookup tables.
type Store struct {
	pool *pgxpool.Pool

	mu    sync.RWMutex
	types map[string]core.ResourceType
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, types: make(map[string]core.ResourceType)}
}

// Pool exposes the underlying pool for health checks.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Ping(ctx context.Context) error {
	return wrapErr("ping", s.pool.Ping(ctx))
}
