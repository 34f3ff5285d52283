// Package reconcile repairs drift between the primary and secondary stores.
//
// Migrator copies every primary record forward into the secondary store.
// Backfiller copies secondary records missing from the primary store back,
// resuming from a persisted watermark.
package reconcile

import (
	"context"
	"time"

	"github.com/lzjever/mbos-auditlog/internal/core"
	"github.com/lzjever/mbos-auditlog/internal/search"
)

type Primary interface {
	ListAfterID(ctx context.Context, afterID int64, limit int) ([]*core.ChangeRecord, error)
	Latest(ctx context.Context) (*core.ChangeRecord, error)
	ExistingKeys(ctx context.Context, from, to time.Time) (map[core.NaturalKey]struct{}, error)
	BulkAppend(ctx context.Context, recs []*core.ChangeRecord) (int, error)
	ValidIDs(ctx context.Context) (*core.ValidIDs, error)
	GetWatermark(ctx context.Context) (time.Time, bool, error)
	CompareAndSetWatermark(ctx context.Context, prev *time.Time, next time.Time) error
}

type Secondary interface {
	Any(ctx context.Context) (bool, error)
	BulkSave(ctx context.Context, recs []*core.ChangeRecord) error
	Scan(q search.Query) search.Iterator
}

// Locker grants exclusive runs across processes.
type Locker interface {
	Acquire(ctx context.Context, name string) (release func(), err error)
}

type Config struct {
	ChunkSize    int           `envconfig:"RECONCILE_CHUNK_SIZE" default:"10000"`
	FlushEvery   int           `envconfig:"RECONCILE_FLUSH_EVERY" default:"10000"`
	SafetyMargin time.Duration `envconfig:"RECONCILE_SAFETY_MARGIN" default:"30s"`
	ScanPageSize int           `envconfig:"RECONCILE_SCAN_PAGE_SIZE" default:"500"`
	LockName     string        `envconfig:"RECONCILE_LOCK_NAME" default:"auditlog:backfill"`
	// Bootstrap is how far back a first run starts on an empty primary store.
	Bootstrap time.Duration `envconfig:"RECONCILE_BOOTSTRAP" default:"262800h"`
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 10000
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = 10000
	}
	if c.SafetyMargin < 0 {
		c.SafetyMargin = 0
	}
	if c.ScanPageSize <= 0 {
		c.ScanPageSize = 500
	}
	if c.LockName == "" {
		c.LockName = "auditlog:backfill"
	}
	if c.Bootstrap <= 0 {
		c.Bootstrap = 30 * 365 * 24 * time.Hour
	}
	return c
}

// monthEnd returns the first instant of the calendar month after t, in UTC.
func monthEnd(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}
