package reconciler

import (
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/lzjever/mbos-auditlog/internal/lock"
	"github.com/lzjever/mbos-auditlog/internal/reconcile"
	"github.com/lzjever/mbos-auditlog/internal/search"
)

type Config struct {
	GRPCAddr        string        `envconfig:"RECONCILER_GRPC_ADDR" default:"0.0.0.0:7070"`
	MetricsAddr     string        `envconfig:"RECONCILER_METRICS_ADDR" default:"0.0.0.0:9092"`
	DBDSN           string        `envconfig:"AUDITLOG_DB_DSN" required:"true"`
	LogLevel        string        `envconfig:"AUDITLOG_LOG_LEVEL" default:"info"`
	JobTimeout      time.Duration `envconfig:"RECONCILER_JOB_TIMEOUT" default:"6h"`
	ShutdownTimeout time.Duration `envconfig:"RECONCILER_SHUTDOWN_TIMEOUT" default:"60s"`
	// LockBackend is "redis" or "postgres".
	LockBackend string `envconfig:"RECONCILER_LOCK_BACKEND" default:"redis"`

	Reconcile reconcile.Config `ignored:"true"`
	Search    search.Config    `ignored:"true"`
	Lock      lock.Config      `ignored:"true"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	for _, spec := range []any{&cfg, &cfg.Reconcile, &cfg.Search, &cfg.Lock} {
		if err := envconfig.Process("", spec); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}
