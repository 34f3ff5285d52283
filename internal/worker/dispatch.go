package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lzjever/mbos-auditlog/internal/buffer"
	"github.com/lzjever/mbos-auditlog/internal/core"
	"github.com/lzjever/mbos-auditlog/internal/taskrunner"
)

// Appender accepts a record for a batched primary write.
type Appender interface {
	Add(ctx context.Context, rec *core.ChangeRecord) (*buffer.Pending, error)
}

// Mirror is the best-effort secondary write.
type Mirror interface {
	Save(ctx context.Context, rec *core.ChangeRecord)
}

// Executor performs one task. A primary append is acknowledged only once
// the buffer has flushed it; under a Local runner the wait for that flush
// happens outside the runner's concurrency slot.
type Executor struct {
	buffer Appender
	mirror Mirror
	log    *zap.Logger
}

var _ taskrunner.Acceptor = (*Executor)(nil)

// NewExecutor builds an executor; a nil mirror acknowledges secondary tasks
// without writing.
func NewExecutor(buf Appender, mirror Mirror, log *zap.Logger) *Executor {
	return &Executor{buffer: buf, mirror: mirror, log: log}
}

func (e *Executor) Handle(ctx context.Context, t taskrunner.Task) error {
	wait, err := e.Accept(ctx, t)
	if err != nil || wait == nil {
		return err
	}
	return wait(ctx)
}

// Accept hands a primary record to the buffer and returns the wait for its
// flush. Secondary saves finish inside Accept.
func (e *Executor) Accept(ctx context.Context, t taskrunner.Task) (func(context.Context) error, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	switch t.Kind {
	case taskrunner.KindPrimaryAppend:
		p, err := e.buffer.Add(ctx, t.Record)
		if err != nil {
			return nil, fmt.Errorf("buffer record: %w", err)
		}
		return p.Wait, nil
	case taskrunner.KindSecondarySave:
		if e.mirror == nil {
			e.log.Debug("mirror disabled, secondary task skipped", zap.String("event_id", t.Record.EventID))
			return nil, nil
		}
		e.mirror.Save(ctx, t.Record)
		return nil, nil
	}
	return nil, fmt.Errorf("%w: unknown task kind %q", core.ErrValidation, t.Kind)
}
