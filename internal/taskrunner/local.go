package taskrunner

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/lzjever/mbos-auditlog/internal/observability"
)

var ErrClosed = errors.New("task runner closed")

type LocalConfig struct {
	Concurrency  int           `envconfig:"TASK_CONCURRENCY" default:"16"`
	MaxAttempts  int           `envconfig:"TASK_MAX_ATTEMPTS" default:"5"`
	RetryBackoff time.Duration `envconfig:"TASK_RETRY_BACKOFF" default:"500ms"`
}

// Local runs tasks on goroutines of the current process. Submit blocks
// while Concurrency tasks are being handled; for an Acceptor that covers
// only the accept step.
type Local struct {
	cfg     LocalConfig
	handler Handler
	log     *zap.Logger
	sem     *semaphore.Weighted

	// Tasks outlive the request that submitted them.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewLocal(cfg LocalConfig, handler Handler, log *zap.Logger) *Local {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 16
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Local{
		cfg:     cfg,
		handler: handler,
		log:     log,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (l *Local) Submit(ctx context.Context, t Task) error {
	if err := t.Validate(); err != nil {
		observability.TaskSubmitTotal.WithLabelValues(string(t.Kind), "rejected").Inc()
		return err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		observability.TaskSubmitTotal.WithLabelValues(string(t.Kind), "rejected").Inc()
		return ErrClosed
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		observability.TaskSubmitTotal.WithLabelValues(string(t.Kind), "rejected").Inc()
		return err
	}
	observability.TaskSubmitTotal.WithLabelValues(string(t.Kind), "accepted").Inc()
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run(t)
	}()
	return nil
}

func (l *Local) run(t Task) {
	start := time.Now()
	defer func() {
		observability.TaskDuration.WithLabelValues(string(t.Kind)).Observe(time.Since(start).Seconds())
	}()
	log := observability.RecordLogger(l.log, t.Record.EventID, resourceName(t), t.Record.ObjectPK).
		With(zap.String("kind", string(t.Kind)))

	backoff := l.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			if err := l.sem.Acquire(l.ctx, 1); err != nil {
				observability.TaskTotal.WithLabelValues(string(t.Kind), "dead").Inc()
				log.Error("task dead", zap.Error(err), zap.Int("attempt", attempt), zap.Any("record", t.Record))
				return
			}
		}
		err := l.attempt(t)
		if err == nil {
			observability.TaskTotal.WithLabelValues(string(t.Kind), "succeeded").Inc()
			return
		}
		if Permanent(err) || attempt >= l.cfg.MaxAttempts || l.ctx.Err() != nil {
			observability.TaskTotal.WithLabelValues(string(t.Kind), "dead").Inc()
			log.Error("task dead", zap.Error(err), zap.Int("attempt", attempt), zap.Any("record", t.Record))
			return
		}
		observability.TaskRetryTotal.WithLabelValues(string(t.Kind)).Inc()
		log.Warn("task failed, will retry", zap.Error(err), zap.Int("attempt", attempt))
		select {
		case <-l.ctx.Done():
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// attempt runs the handler once. The caller's slot is released before it
// returns, or as soon as an Acceptor has accepted the task.
func (l *Local) attempt(t Task) error {
	a, ok := l.handler.(Acceptor)
	if !ok {
		defer l.sem.Release(1)
		return l.handler.Handle(l.ctx, t)
	}
	wait, err := a.Accept(l.ctx, t)
	l.sem.Release(1)
	if err != nil || wait == nil {
		return err
	}
	return wait(l.ctx)
}

// Close stops accepting tasks and waits for in-flight ones. Tasks still
// running when ctx ends are cancelled.
func (l *Local) Close() {
	l.CloseContext(context.Background())
}

func (l *Local) CloseContext(ctx context.Context) {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		l.cancel()
		<-done
	}
	l.cancel()
}

func resourceName(t Task) string {
	if t.Record.ResourceType == nil {
		return ""
	}
	return t.Record.ResourceType.String()
}
