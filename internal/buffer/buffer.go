// Package buffer coalesces individual primary-store appends into bulk writes.
//
// Add only accepts a record for persistence. The returned Pending resolves
// once a flush has confirmed the write or every retry has failed.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lzjever/mbos-auditlog/internal/core"
	"github.com/lzjever/mbos-auditlog/internal/observability"
)

var (
	ErrBufferFull = errors.New("write buffer full")
	ErrClosed     = errors.New("write buffer closed")
)

// Flusher persists a batch; BulkAppend on the primary store satisfies it.
type Flusher interface {
	BulkAppend(ctx context.Context, recs []*core.ChangeRecord) (int, error)
}

type Config struct {
	BatchSize     int           `envconfig:"BUFFER_BATCH_SIZE" default:"100"`
	FlushInterval time.Duration `envconfig:"BUFFER_FLUSH_INTERVAL" default:"10s"`
	MaxPending    int           `envconfig:"BUFFER_MAX_PENDING" default:"10000"`
	MaxRetries    int           `envconfig:"BUFFER_MAX_RETRIES" default:"5"`
	RetryBackoff  time.Duration `envconfig:"BUFFER_RETRY_BACKOFF" default:"500ms"`
	// FinalFlushTimeout bounds the flush run when Run's context ends.
	FinalFlushTimeout time.Duration `envconfig:"BUFFER_FINAL_FLUSH_TIMEOUT" default:"30s"`
}

// Pending tracks one accepted record until its flush outcome is known.
type Pending struct {
	done chan error
}

// Wait blocks until the record is persisted or its flush has failed for
// good. A ctx error means the outcome is still unknown.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case err := <-p.done:
		p.done <- err
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type entry struct {
	rec     *core.ChangeRecord
	pending *Pending
}

type Buffer struct {
	cfg     Config
	flusher Flusher
	log     *zap.Logger

	mu      sync.Mutex
	entries []entry
	closed  bool
	kick    chan struct{}
}

func New(cfg Config, flusher Flusher, log *zap.Logger) *Buffer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 100 * cfg.BatchSize
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.FinalFlushTimeout <= 0 {
		cfg.FinalFlushTimeout = 30 * time.Second
	}
	return &Buffer{
		cfg:     cfg,
		flusher: flusher,
		log:     log,
		kick:    make(chan struct{}, 1),
	}
}

// Add accepts rec for persistence. It fails fast on invalid records, when
// the buffer is at capacity, or after Run has returned.
func (b *Buffer) Add(ctx context.Context, rec *core.ChangeRecord) (*Pending, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := &Pending{done: make(chan error, 1)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if len(b.entries) >= b.cfg.MaxPending {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %d pending", ErrBufferFull, b.cfg.MaxPending)
	}
	b.entries = append(b.entries, entry{rec: rec, pending: p})
	n := len(b.entries)
	b.mu.Unlock()

	observability.BufferPending.Set(float64(n))
	if n >= b.cfg.BatchSize {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
	return p, nil
}

// Len reports the number of accepted, unflushed records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Run flushes whenever BatchSize records are pending or FlushInterval has
// elapsed, whichever comes first. When ctx ends it stops accepting records,
// flushes what is left and returns.
func (b *Buffer) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			b.closed = true
			b.mu.Unlock()
			flushCtx, cancel := context.WithTimeout(context.Background(), b.cfg.FinalFlushTimeout)
			b.flush(flushCtx, "shutdown")
			cancel()
			return nil
		case <-b.kick:
			b.flush(ctx, "size")
		case <-ticker.C:
			b.flush(ctx, "interval")
		}
	}
}

// Flush drains the buffer synchronously.
func (b *Buffer) Flush(ctx context.Context) {
	b.flush(ctx, "manual")
}

func (b *Buffer) flush(ctx context.Context, trigger string) {
	for {
		batch := b.take()
		if len(batch) == 0 {
			return
		}
		err := b.write(ctx, batch)
		status := "ok"
		if err != nil {
			status = "failed"
			observability.BufferDroppedTotal.Add(float64(len(batch)))
			ids := make([]string, len(batch))
			recs := make([]*core.ChangeRecord, len(batch))
			for i, e := range batch {
				ids[i] = e.rec.EventID
				recs[i] = e.rec
			}
			b.log.Error("buffer flush failed",
				zap.String("trigger", trigger),
				zap.Int("records", len(batch)),
				zap.Strings("event_ids", ids),
				zap.Any("payload", recs),
				zap.Error(err))
		}
		observability.BufferFlushTotal.WithLabelValues(trigger, status).Inc()
		observability.BufferFlushSize.Observe(float64(len(batch)))
		for _, e := range batch {
			e.pending.done <- err
		}
		observability.BufferPending.Set(float64(b.Len()))
	}
}

func (b *Buffer) take() []entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.entries)
	if n > b.cfg.BatchSize {
		n = b.cfg.BatchSize
	}
	batch := make([]entry, n)
	copy(batch, b.entries[:n])
	b.entries = append(b.entries[:0], b.entries[n:]...)
	return batch
}

// write retries transient failures with exponential backoff. Invalid records
// are not retried.
func (b *Buffer) write(ctx context.Context, batch []entry) error {
	recs := make([]*core.ChangeRecord, len(batch))
	for i, e := range batch {
		recs[i] = e.rec
	}
	backoff := b.cfg.RetryBackoff
	var err error
	for attempt := 0; attempt <= b.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			observability.TaskRetryTotal.WithLabelValues("buffer.flush").Inc()
			select {
			case <-ctx.Done():
				return fmt.Errorf("flush aborted after %d attempts: %w (last error: %v)", attempt, ctx.Err(), err)
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if _, err = b.flusher.BulkAppend(ctx, recs); err == nil {
			return nil
		}
		if errors.Is(err, core.ErrValidation) || errors.Is(err, core.ErrTranslation) {
			return err
		}
		b.log.Warn("buffer flush attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return err
}
