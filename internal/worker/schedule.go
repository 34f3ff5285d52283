package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lzjever/mbos-auditlog/internal/core"
	"github.com/lzjever/mbos-auditlog/internal/reconcile"
)

type BackfillTrigger interface {
	Backfill(ctx context.Context, opts reconcile.BackfillOptions) (reconcile.BackfillResult, error)
}

// RunBackfillSchedule asks the reconciler for a backfill every interval
// until ctx ends. A run already in progress elsewhere is not an error.
func RunBackfillSchedule(ctx context.Context, trigger BackfillTrigger, interval, timeout time.Duration, log *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		res, err := trigger.Backfill(runCtx, reconcile.BackfillOptions{})
		cancel()
		switch {
		case errors.Is(err, core.ErrLockHeld):
			log.Info("backfill already running")
		case err != nil:
			log.Error("scheduled backfill failed", zap.Error(err))
		default:
			log.Info("scheduled backfill done", zap.Int("created", res.Created), zap.Int("scanned", res.Scanned))
		}
	}
}
