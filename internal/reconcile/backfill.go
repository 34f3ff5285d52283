package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lzjever/mbos-auditlog/internal/core"
	"github.com/lzjever/mbos-auditlog/internal/observability"
	"github.com/lzjever/mbos-auditlog/internal/search"
)

type Backfiller struct {
	primary   Primary
	secondary Secondary
	locker    Locker
	cfg       Config
	log       *zap.Logger
	now       func() time.Time
}

func NewBackfiller(primary Primary, secondary Secondary, locker Locker, cfg Config, log *zap.Logger) *Backfiller {
	return &Backfiller{
		primary:   primary,
		secondary: secondary,
		locker:    locker,
		cfg:       cfg.withDefaults(),
		log:       log,
		now:       time.Now,
	}
}

type BackfillOptions struct {
	// Since starts the scan at this instant (inclusive) instead of the
	// stored watermark. The watermark itself never moves backwards.
	Since *time.Time
}

type BackfillResult struct {
	Scanned   int        `json:"scanned"`
	Created   int        `json:"created"`
	Skipped   int        `json:"skipped"`
	Dangling  int        `json:"dangling"`
	Windows   int        `json:"windows"`
	Watermark *time.Time `json:"watermark,omitempty"`
}

// Run copies secondary records in (watermark, now-SafetyMargin) that are
// missing from the primary store. The range is walked one calendar month at
// a time. The watermark is persisted only after the records it covers are
// flushed, so an interrupted run resumes without loss.
func (b *Backfiller) Run(ctx context.Context, opts BackfillOptions) (BackfillResult, error) {
	log := observability.RunLogger(b.log, "backfill", uuid.NewString())
	var res BackfillResult

	lockStart := time.Now()
	release, err := b.locker.Acquire(ctx, b.cfg.LockName)
	if err != nil {
		return res, fmt.Errorf("acquire backfill lock: %w", err)
	}
	defer release()
	observability.LockWaitSeconds.Observe(time.Since(lockStart).Seconds())

	start := time.Now()
	observability.ReconcilerActiveJobs.Inc()
	defer observability.ReconcilerActiveJobs.Dec()
	defer func() {
		observability.ReconcileDuration.WithLabelValues("backfill").Observe(time.Since(start).Seconds())
	}()

	stored, ok, err := b.primary.GetWatermark(ctx)
	if err != nil {
		return res, b.fail(log, fmt.Errorf("read watermark: %w", err))
	}
	run := &backfillRun{b: b, log: log, res: &res}
	if ok {
		run.watermark = &stored
	}
	res.Watermark = run.watermark

	found, err := b.secondary.Any(ctx)
	if err != nil {
		return res, b.fail(log, fmt.Errorf("probe secondary store: %w", err))
	}
	if !found {
		log.Info("secondary store is empty, nothing to backfill")
		observability.ReconcileRunsTotal.WithLabelValues("backfill", "noop").Inc()
		return res, nil
	}

	from, inclusive, err := b.seed(ctx, opts, run.watermark)
	if err != nil {
		return res, b.fail(log, err)
	}
	if run.valid, err = b.primary.ValidIDs(ctx); err != nil {
		return res, b.fail(log, fmt.Errorf("load valid ids: %w", err))
	}
	upper := core.NormalizeTime(b.now().Add(-b.cfg.SafetyMargin))
	log.Info("backfill started", zap.Time("from", from), zap.Time("upper", upper), zap.Bool("inclusive", inclusive))

	for from.Before(upper) {
		to := monthEnd(from)
		if to.After(upper) {
			to = upper
		}
		if err := run.window(ctx, from, to, inclusive); err != nil {
			res.Watermark = run.watermark
			return res, b.fail(log, err)
		}
		res.Windows++
		inclusive = true
		from = to
	}

	res.Watermark = run.watermark
	observability.ReconcileRunsTotal.WithLabelValues("backfill", "succeeded").Inc()
	log.Info("backfill finished",
		zap.Int("scanned", res.Scanned), zap.Int("created", res.Created),
		zap.Int("skipped", res.Skipped), zap.Int("dangling", res.Dangling),
		zap.Int("windows", res.Windows))
	return res, nil
}

// seed picks the scan start: an operator override, then the stored
// watermark, then the newest primary record, then the bootstrap horizon.
// Only a stored watermark is exclusive; the other starts rely on
// de-duplication.
func (b *Backfiller) seed(ctx context.Context, opts BackfillOptions, stored *time.Time) (time.Time, bool, error) {
	switch {
	case opts.Since != nil:
		return core.NormalizeTime(*opts.Since), true, nil
	case stored != nil:
		return *stored, false, nil
	}
	latest, err := b.primary.Latest(ctx)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read latest primary record: %w", err)
	}
	if latest != nil {
		return core.NormalizeTime(latest.Timestamp), true, nil
	}
	return core.NormalizeTime(b.now().Add(-b.cfg.Bootstrap)), true, nil
}

func (b *Backfiller) fail(log *zap.Logger, err error) error {
	observability.ReconcileRunsTotal.WithLabelValues("backfill", "failed").Inc()
	log.Error("backfill failed", zap.Error(err))
	return err
}

type backfillRun struct {
	b         *Backfiller
	log       *zap.Logger
	res       *BackfillResult
	valid     *core.ValidIDs
	watermark *time.Time
}

func (r *backfillRun) window(ctx context.Context, from, to time.Time, inclusive bool) error {
	log := r.log.With(observability.WindowFields(from, to)...)
	existing, err := r.b.primary.ExistingKeys(ctx, from, to)
	if err != nil {
		return fmt.Errorf("load existing keys: %w", err)
	}
	log.Debug("window opened", zap.Int("existing", len(existing)))

	it := r.b.secondary.Scan(search.Query{
		Since:          &from,
		SinceInclusive: inclusive,
		Until:          &to,
		PageSize:       r.b.cfg.ScanPageSize,
	})

	var (
		buf      []*core.ChangeRecord
		current  time.Time // newest timestamp scanned
		complete time.Time // newest timestamp whose records are all scanned
		created  int
	)
	for it.Next(ctx) {
		rec, m, err := search.ToRecord(it.Document(), r.valid)
		if err != nil {
			return fmt.Errorf("translate document %s: %w", it.Document().EventID, err)
		}
		r.res.Scanned++
		if rec.Timestamp.After(current) {
			complete, current = current, rec.Timestamp
		}
		r.countDangling(m)

		key := rec.Key()
		if _, dup := existing[key]; dup {
			r.res.Skipped++
			observability.ReconcileRecordsTotal.WithLabelValues("backfill", "skipped").Inc()
			continue
		}
		existing[key] = struct{}{}
		buf = append(buf, rec)

		if len(buf) >= r.b.cfg.FlushEvery {
			n, err := r.flush(ctx, buf)
			if err != nil {
				return err
			}
			created += n
			buf = nil
			if !complete.IsZero() {
				if err := r.advance(ctx, complete); err != nil {
					return err
				}
			}
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("scan secondary store: %w", err)
	}
	n, err := r.flush(ctx, buf)
	if err != nil {
		return err
	}
	created += n
	if !current.IsZero() {
		if err := r.advance(ctx, current); err != nil {
			return err
		}
	}
	log.Info("window done", zap.Int("created", created), zap.Int("existing", len(existing)))
	return nil
}

func (r *backfillRun) flush(ctx context.Context, recs []*core.ChangeRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	n, err := r.b.primary.BulkAppend(ctx, recs)
	if err != nil {
		return 0, fmt.Errorf("flush %d records: %w", len(recs), err)
	}
	r.res.Created += n
	r.res.Skipped += len(recs) - n
	observability.ReconcileRecordsTotal.WithLabelValues("backfill", "created").Add(float64(n))
	if dup := len(recs) - n; dup > 0 {
		observability.ReconcileRecordsTotal.WithLabelValues("backfill", "skipped").Add(float64(dup))
	}
	return n, nil
}

// advance persists t as the watermark if it moves it forward.
func (r *backfillRun) advance(ctx context.Context, t time.Time) error {
	if r.watermark != nil && !t.After(*r.watermark) {
		return nil
	}
	if err := r.b.primary.CompareAndSetWatermark(ctx, r.watermark, t); err != nil {
		return fmt.Errorf("persist watermark: %w", err)
	}
	wm := t
	r.watermark = &wm
	observability.BackfillWatermark.Set(float64(t.UnixMicro()) / 1e6)
	return nil
}

func (r *backfillRun) countDangling(m search.Mapping) {
	if m.DanglingActor {
		observability.DanglingReferencesTotal.WithLabelValues("actor").Inc()
	}
	if m.DanglingResourceType {
		observability.DanglingReferencesTotal.WithLabelValues("resource_type").Inc()
	}
	if m.DanglingActor || m.DanglingResourceType {
		r.res.Dangling++
	}
}
