package api

import (
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/lzjever/mbos-auditlog/internal/buffer"
	"github.com/lzjever/mbos-auditlog/internal/search"
	"github.com/lzjever/mbos-auditlog/internal/taskrunner"
)

type Config struct {
	HTTPAddr        string        `envconfig:"API_HTTP_ADDR" default:"0.0.0.0:8080"`
	DBDSN           string        `envconfig:"AUDITLOG_DB_DSN" required:"true"`
	MetricsAddr     string        `envconfig:"API_METRICS_ADDR" default:"0.0.0.0:9090"`
	LogLevel        string        `envconfig:"AUDITLOG_LOG_LEVEL" default:"info"`
	ShutdownTimeout time.Duration `envconfig:"API_SHUTDOWN_TIMEOUT" default:"30s"`

	// DispatchMode is inline, deferred or mirrored.
	DispatchMode string `envconfig:"AUDITLOG_DISPATCH_MODE" default:"inline"`
	// TaskBackend runs deferred tasks in-process (local) or publishes them
	// for auditlog-worker (kafka).
	TaskBackend    string   `envconfig:"AUDITLOG_TASK_BACKEND" default:"local"`
	ExcludedFields string   `envconfig:"AUDITLOG_EXCLUDED_FIELDS"`
	RedactedFields []string `envconfig:"AUDITLOG_REDACTED_FIELDS" default:"password"`
	SearchEnabled  bool     `envconfig:"AUDITLOG_SEARCH_ENABLED" default:"true"`
	ReconcilerAddr string   `envconfig:"RECONCILER_ADDR"`

	Local  taskrunner.LocalConfig `ignored:"true"`
	Kafka  taskrunner.KafkaConfig `ignored:"true"`
	Buffer buffer.Config          `ignored:"true"`
	Search search.Config          `ignored:"true"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	for _, spec := range []any{&cfg, &cfg.Local, &cfg.Kafka, &cfg.Buffer, &cfg.Search} {
		if err := envconfig.Process("", spec); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}
