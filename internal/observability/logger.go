package observability

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// RecordLogger returns a child logger with change-record fields.
func RecordLogger(base *zap.Logger, eventID, resourceType, objectPK string) *zap.Logger {
	return base.With(
		zap.String("event_id", eventID),
		zap.String("resource_type", resourceType),
		zap.String("object_pk", objectPK),
	)
}

// RunLogger returns a child logger for one reconciliation run.
func RunLogger(base *zap.Logger, job, runID string) *zap.Logger {
	return base.With(
		zap.String("job", job),
		zap.String("run_id", runID),
	)
}

// WindowFields describes a reconciliation time window.
func WindowFields(from, to time.Time) []zap.Field {
	return []zap.Field{
		zap.Time("window_from", from),
		zap.Time("window_to", to),
	}
}
