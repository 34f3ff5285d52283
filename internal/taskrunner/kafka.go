package taskrunner

import (
	"context"
	"fmt"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lzjever/mbos-auditlog/internal/core"
	"github.com/lzjever/mbos-auditlog/internal/observability"
)

type KafkaConfig struct {
	Brokers string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	Topic   string `envconfig:"KAFKA_TASK_TOPIC" default:"auditlog.tasks"`
	Group   string `envconfig:"KAFKA_CONSUMER_GROUP" default:"auditlog-worker"`
	// DeadTopic receives tasks that exhausted their attempts.
	DeadTopic string `envconfig:"KAFKA_DEAD_TOPIC" default:"auditlog.tasks.dead"`
}

func (c KafkaConfig) SeedBrokers() []string {
	var out []string
	for _, b := range strings.Split(c.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

const headerKind = "kind"

// Record wraps a task as a Kafka record keyed by event id.
func Record(topic string, t Task) (*kgo.Record, error) {
	value, err := Encode(t)
	if err != nil {
		return nil, err
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(t.Key()),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: headerKind, Value: []byte(t.Kind)},
		},
	}, nil
}

// Producer is a Runner that publishes tasks for the worker to execute.
type Producer struct {
	client *kgo.Client
	topic  string
}

func NewProducer(cfg KafkaConfig, opts ...kgo.Opt) (*Producer, error) {
	base := []kgo.Opt{
		kgo.SeedBrokers(cfg.SeedBrokers()...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}
	client, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &Producer{client: client, topic: cfg.Topic}, nil
}

// Submit returns once the broker has acknowledged the task.
func (p *Producer) Submit(ctx context.Context, t Task) error {
	rec, err := Record(p.topic, t)
	if err != nil {
		observability.TaskSubmitTotal.WithLabelValues(string(t.Kind), "rejected").Inc()
		return err
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		observability.TaskSubmitTotal.WithLabelValues(string(t.Kind), "error").Inc()
		return fmt.Errorf("%w: produce task: %v", core.ErrStoreUnavailable, err)
	}
	observability.TaskSubmitTotal.WithLabelValues(string(t.Kind), "accepted").Inc()
	return nil
}

func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

func (p *Producer) Close() {
	p.client.Close()
}
