package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lzjever/mbos-auditlog/internal/observability"
)

type Migrator struct {
	primary   Primary
	secondary Secondary
	cfg       Config
	log       *zap.Logger
}

func NewMigrator(primary Primary, secondary Secondary, cfg Config, log *zap.Logger) *Migrator {
	return &Migrator{primary: primary, secondary: secondary, cfg: cfg.withDefaults(), log: log}
}

type MigrateOptions struct {
	// AfterID resumes a migration past the last copied primary id.
	AfterID int64
}

type MigrateResult struct {
	Copied int   `json:"copied"`
	Chunks int   `json:"chunks"`
	LastID int64 `json:"last_id"`
}

// Run copies primary records with id > opts.AfterID into the secondary
// store, one chunk at a time. Documents are keyed by event id, so a rerun
// overwrites instead of duplicating. On error the result reports the last
// id that was fully copied.
func (m *Migrator) Run(ctx context.Context, opts MigrateOptions) (MigrateResult, error) {
	log := observability.RunLogger(m.log, "migrate", uuid.NewString())
	start := time.Now()
	observability.ReconcilerActiveJobs.Inc()
	defer observability.ReconcilerActiveJobs.Dec()
	defer func() {
		observability.ReconcileDuration.WithLabelValues("migrate").Observe(time.Since(start).Seconds())
	}()

	res := MigrateResult{LastID: opts.AfterID}
	log.Info("migration started", zap.Int64("after_id", opts.AfterID), zap.Int("chunk_size", m.cfg.ChunkSize))
	for {
		if err := ctx.Err(); err != nil {
			return m.fail(log, res, err)
		}
		recs, err := m.primary.ListAfterID(ctx, res.LastID, m.cfg.ChunkSize)
		if err != nil {
			return m.fail(log, res, fmt.Errorf("list primary records: %w", err))
		}
		if len(recs) == 0 {
			break
		}
		if err := m.secondary.BulkSave(ctx, recs); err != nil {
			return m.fail(log, res, fmt.Errorf("bulk save chunk after id %d: %w", res.LastID, err))
		}
		res.Copied += len(recs)
		res.Chunks++
		res.LastID = recs[len(recs)-1].ID
		observability.ReconcileRecordsTotal.WithLabelValues("migrate", "copied").Add(float64(len(recs)))
		log.Info("chunk copied", zap.Int("chunk", res.Chunks), zap.Int("copied", res.Copied), zap.Int64("last_id", res.LastID))
		if len(recs) < m.cfg.ChunkSize {
			break
		}
	}
	observability.ReconcileRunsTotal.WithLabelValues("migrate", "succeeded").Inc()
	log.Info("migration finished", zap.Int("copied", res.Copied), zap.Int("chunks", res.Chunks))
	return res, nil
}

func (m *Migrator) fail(log *zap.Logger, res MigrateResult, err error) (MigrateResult, error) {
	observability.ReconcileRunsTotal.WithLabelValues("migrate", "failed").Inc()
	log.Error("migration failed", zap.Error(err), zap.Int64("last_id", res.LastID))
	return res, err
}
