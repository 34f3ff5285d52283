package recorder

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lzjever/mbos-auditlog/internal/core"
	"github.com/lzjever/mbos-auditlog/internal/observability"
	"github.com/lzjever/mbos-auditlog/internal/taskrunner"
)

type Mode string

const (
	// ModeInline appends to the primary store before the hook returns.
	ModeInline Mode = "inline"
	// ModeDeferred hands the primary append to the task runner.
	ModeDeferred Mode = "deferred"
	// ModeMirrored defers the primary append and mirrors to the secondary store.
	ModeMirrored Mode = "mirrored"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeInline, ModeDeferred, ModeMirrored:
		return m, nil
	}
	return "", fmt.Errorf("%w: dispatch mode %q", core.ErrValidation, s)
}

// Dispatcher delivers a finished record to the stores.
type Dispatcher interface {
	Dispatch(ctx context.Context, rec *core.ChangeRecord) error
}

type Appender interface {
	Append(ctx context.Context, rec *core.ChangeRecord) (int64, error)
}

// NewDispatcher picks the delivery strategy. primary is only used by
// ModeInline, runner by the other modes.
func NewDispatcher(mode Mode, primary Appender, runner taskrunner.Runner, log *zap.Logger) (Dispatcher, error) {
	switch mode {
	case ModeInline:
		if primary == nil {
			return nil, fmt.Errorf("inline dispatch needs a primary store")
		}
		return inline{primary: primary}, nil
	case ModeDeferred, ModeMirrored:
		if runner == nil {
			return nil, fmt.Errorf("%s dispatch needs a task runner", mode)
		}
		if mode == ModeDeferred {
			return deferred{runner: runner}, nil
		}
		return mirrored{runner: runner, log: log}, nil
	}
	return nil, fmt.Errorf("%w: dispatch mode %q", core.ErrValidation, mode)
}

type inline struct {
	primary Appender
}

func (d inline) Dispatch(ctx context.Context, rec *core.ChangeRecord) error {
	id, err := d.primary.Append(ctx, rec)
	if err != nil {
		return fmt.Errorf("append: %w", err)
	}
	rec.ID = id
	return nil
}

type deferred struct {
	runner taskrunner.Runner
}

func (d deferred) Dispatch(ctx context.Context, rec *core.ChangeRecord) error {
	return d.runner.Submit(ctx, taskrunner.Task{Kind: taskrunner.KindPrimaryAppend, Record: rec})
}

type mirrored struct {
	runner taskrunner.Runner
	log    *zap.Logger
}

func (d mirrored) Dispatch(ctx context.Context, rec *core.ChangeRecord) error {
	if err := d.runner.Submit(ctx, taskrunner.Task{Kind: taskrunner.KindPrimaryAppend, Record: rec}); err != nil {
		return err
	}
	// Forward migration repairs a lost mirror write.
	if err := d.runner.Submit(ctx, taskrunner.Task{Kind: taskrunner.KindSecondarySave, Record: rec}); err != nil {
		observability.SecondaryFailuresTotal.WithLabelValues("submit").Inc()
		d.log.Warn("secondary task not submitted",
			zap.String("event_id", rec.EventID), zap.Error(err))
	}
	return nil
}
