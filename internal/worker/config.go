package worker

import (
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/lzjever/mbos-auditlog/internal/buffer"
	"github.com/lzjever/mbos-auditlog/internal/search"
	"github.com/lzjever/mbos-auditlog/internal/taskrunner"
)

type Config struct {
	DBDSN           string        `envconfig:"AUDITLOG_DB_DSN" required:"true"`
	MetricsAddr     string        `envconfig:"WORKER_METRICS_ADDR" default:"0.0.0.0:9091"`
	LogLevel        string        `envconfig:"AUDITLOG_LOG_LEVEL" default:"info"`
	Concurrency     int           `envconfig:"WORKER_CONCURRENCY" default:"256"`
	MaxPollRecords  int           `envconfig:"WORKER_MAX_POLL_RECORDS" default:"1000"`
	MaxAttempts     int           `envconfig:"WORKER_MAX_ATTEMPTS" default:"5"`
	RetryBackoff    time.Duration `envconfig:"WORKER_RETRY_BACKOFF" default:"1s"`
	ShutdownTimeout time.Duration `envconfig:"WORKER_SHUTDOWN_TIMEOUT" default:"120s"`
	// Mirror enables secondary.save tasks; without it they are acknowledged
	// and dropped.
	Mirror bool `envconfig:"WORKER_MIRROR" default:"true"`
	// ReconcilerAddr enables the periodic backfill trigger.
	ReconcilerAddr   string        `envconfig:"RECONCILER_ADDR"`
	BackfillInterval time.Duration `envconfig:"WORKER_BACKFILL_INTERVAL" default:"1h"`
	BackfillTimeout  time.Duration `envconfig:"WORKER_BACKFILL_TIMEOUT" default:"55m"`

	Kafka  taskrunner.KafkaConfig `ignored:"true"`
	Buffer buffer.Config          `ignored:"true"`
	Search search.Config          `ignored:"true"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	for _, spec := range []any{&cfg, &cfg.Kafka, &cfg.Buffer, &cfg.Search} {
		if err := envconfig.Process("", spec); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}
