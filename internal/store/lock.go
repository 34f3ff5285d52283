package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lzjever/mbos-auditlog/internal/core"
	"github.com/lzjever/mbos-auditlog/internal/observability"
)

// AdvisoryLocker provides run-level mutual exclusion with PostgreSQL session
// advisory locks. The lock lives as long as the acquired connection.
type AdvisoryLocker struct {
	store *Store
}

func NewAdvisoryLocker(s *Store) *AdvisoryLocker {
	return &AdvisoryLocker{store: s}
}

// Acquire takes the named lock without waiting. It returns core.ErrLockHeld
// when another session holds it.
func (l *AdvisoryLocker) Acquire(ctx context.Context, name string) (func(), error) {
	start := time.Now()
	conn, err := l.store.pool.Acquire(ctx)
	if err != nil {
		return nil, wrapErr("acquire connection for lock", err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, name).Scan(&ok); err != nil {
		conn.Release()
		return nil, wrapErr("try advisory lock", err)
	}
	observability.LockWaitSeconds.Observe(time.Since(start).Seconds())
	if !ok {
		conn.Release()
		return nil, fmt.Errorf("advisory lock %q: %w", name, core.ErrLockHeld)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, name); err != nil {
			// A closed session drops its advisory locks.
			_ = conn.Conn().Close(ctx)
		}
		conn.Release()
	}, nil
}
