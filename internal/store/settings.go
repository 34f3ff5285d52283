package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lzjever/mbos-auditlog/internal/core"
)

// WatermarkKey is the settings key holding the backfill watermark.
const WatermarkKey = "audit_backfill_timestamp"

// GetWatermark returns the persisted backfill watermark; ok is false when
// none has been stored yet.
func (s *Store) GetWatermark(ctx context.Context) (t time.Time, ok bool, err error) {
	var v string
	err = s.pool.QueryRow(ctx, `SELECT value FROM auditlog.settings WHERE key = $1`, WatermarkKey).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, wrapErr("get watermark", err)
	}
	t, err = time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse watermark %q: %w", v, err)
	}
	return t.UTC(), true, nil
}

// CompareAndSetWatermark stores next only if the current value still equals
// prev (nil meaning unset). It returns core.ErrWatermarkConflict otherwise.
func (s *Store) CompareAndSetWatermark(ctx context.Context, prev *time.Time, next time.Time) error {
	nextVal := formatWatermark(next)
	var (
		affected int64
		err      error
	)
	if prev == nil {
		tag, e := s.pool.Exec(ctx, `
INSERT INTO auditlog.settings (key, value) VALUES ($1, $2)
ON CONFLICT (key) DO NOTHING`, WatermarkKey, nextVal)
		affected, err = tag.RowsAffected(), e
	} else {
		tag, e := s.pool.Exec(ctx, `
UPDATE auditlog.settings SET value = $2, updated_at = now()
WHERE key = $1 AND value = $3`, WatermarkKey, nextVal, formatWatermark(*prev))
		affected, err = tag.RowsAffected(), e
	}
	if err != nil {
		return wrapErr("set watermark", err)
	}
	if affected == 0 {
		return fmt.Errorf("set watermark: %w", core.ErrWatermarkConflict)
	}
	return nil
}

func formatWatermark(t time.Time) string {
	return core.NormalizeTime(t).Format(time.RFC3339Nano)
}
