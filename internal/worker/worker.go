package worker

import (
	"context"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lzjever/mbos-auditlog/internal/observability"
	"github.com/lzjever/mbos-auditlog/internal/taskrunner"
)

// NewConsumer joins the task topic's consumer group. Offsets are committed
// by the worker, never automatically.
func NewConsumer(cfg taskrunner.KafkaConfig, opts ...kgo.Opt) (*kgo.Client, error) {
	base := []kgo.Opt{
		kgo.SeedBrokers(cfg.SeedBrokers()...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	}
	return kgo.NewClient(append(base, opts...)...)
}

// Worker drains task records. A polled batch is committed only after every
// record in it has succeeded or been moved to the dead-letter topic.
type Worker struct {
	client  *kgo.Client
	handler taskrunner.Handler
	cfg     Config
	log     *zap.Logger
}

func New(client *kgo.Client, handler taskrunner.Handler, cfg Config, log *zap.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Worker{client: client, handler: handler, cfg: cfg, log: log}
}

func (w *Worker) Run(ctx context.Context) {
	w.log.Info("worker started", zap.String("topic", w.cfg.Kafka.Topic), zap.String("group", w.cfg.Kafka.Group))
	for {
		fetches := w.client.PollRecords(ctx, w.cfg.MaxPollRecords)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			w.log.Info("worker stopping")
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			w.log.Warn("fetch error", zap.String("topic", topic), zap.Int32("partition", partition), zap.Error(err))
		})

		records := fetches.Records()
		if len(records) == 0 {
			w.client.AllowRebalance()
			continue
		}
		if w.process(ctx, records) {
			if err := w.client.CommitRecords(ctx, records...); err != nil {
				w.log.Error("commit offsets", zap.Error(err), zap.Int("records", len(records)))
			}
		} else {
			w.log.Warn("batch left uncommitted for redelivery", zap.Int("records", len(records)))
		}
		w.client.AllowRebalance()
	}
}

// process runs the batch concurrently so primary appends can share a buffer
// flush. It reports whether every record is settled.
func (w *Worker) process(ctx context.Context, records []*kgo.Record) bool {
	settled := make([]bool, len(records))
	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)
	for i, rec := range records {
		g.Go(func() error {
			settled[i] = w.handle(ctx, rec)
			return nil
		})
	}
	_ = g.Wait()
	for _, ok := range settled {
		if !ok {
			return false
		}
	}
	return true
}

func (w *Worker) handle(ctx context.Context, rec *kgo.Record) bool {
	task, err := taskrunner.Decode(rec.Value)
	if err != nil {
		w.log.Error("undecodable task", zap.Error(err), zap.ByteString("key", rec.Key))
		return w.deadLetter(ctx, rec, err)
	}

	kind := string(task.Kind)
	log := observability.RecordLogger(w.log, task.Record.EventID, resourceName(task), task.Record.ObjectPK).
		With(zap.String("kind", kind))
	start := time.Now()
	defer func() {
		observability.TaskDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}()

	backoff := w.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		err = w.handler.Handle(ctx, task)
		if err == nil {
			observability.TaskTotal.WithLabelValues(kind, "succeeded").Inc()
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if taskrunner.Permanent(err) || attempt >= w.cfg.MaxAttempts {
			observability.TaskTotal.WithLabelValues(kind, "dead").Inc()
			log.Error("task dead", zap.Error(err), zap.Int("attempt", attempt), zap.Any("record", task.Record))
			return w.deadLetter(ctx, rec, err)
		}
		observability.TaskTotal.WithLabelValues(kind, "failed").Inc()
		observability.TaskRetryTotal.WithLabelValues(kind).Inc()
		log.Warn("task failed, will retry", zap.Error(err), zap.Int("attempt", attempt))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (w *Worker) deadLetter(ctx context.Context, rec *kgo.Record, cause error) bool {
	dead := &kgo.Record{
		Topic:   w.cfg.Kafka.DeadTopic,
		Key:     rec.Key,
		Value:   rec.Value,
		Headers: append(append([]kgo.RecordHeader(nil), rec.Headers...), kgo.RecordHeader{Key: "error", Value: []byte(cause.Error())}),
	}
	if err := w.client.ProduceSync(ctx, dead).FirstErr(); err != nil {
		w.log.Error("dead-letter produce failed", zap.Error(err), zap.ByteString("key", rec.Key))
		return false
	}
	return true
}

func resourceName(t taskrunner.Task) string {
	if t.Record.ResourceType == nil {
		return ""
	}
	return t.Record.ResourceType.String()
}
