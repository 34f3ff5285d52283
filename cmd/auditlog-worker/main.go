package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lzjever/mbos-auditlog/internal/buffer"
	"github.com/lzjever/mbos-auditlog/internal/observability"
	"github.com/lzjever/mbos-auditlog/internal/reconcilerclient"
	"github.com/lzjever/mbos-auditlog/internal/search"
	"github.com/lzjever/mbos-auditlog/internal/store"
	"github.com/lzjever/mbos-auditlog/internal/worker"
)

func main() {
	cfg, err := worker.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, _ := observability.NewLogger(cfg.LogLevel)
	defer log.Sync()

	reg := prometheus.DefaultRegisterer
	observability.RegisterAll(reg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := store.NewPool(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal("db connect failed", zap.Error(err))
	}
	defer pool.Close()
	st := store.New(pool)

	var mirror worker.Mirror
	if cfg.Mirror {
		sc, err := search.Connect(ctx, cfg.Search, log)
		if err != nil {
			log.Warn("secondary store unavailable, mirroring disabled", zap.Error(err))
		} else {
			defer sc.Close(context.Background())
			mirror = sc
		}
	}

	consumer, err := worker.NewConsumer(cfg.Kafka)
	if err != nil {
		log.Fatal("kafka connect failed", zap.Error(err))
	}
	defer consumer.Close()

	// Metrics server
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	go func() {
		log.Info("metrics server starting", zap.String("addr", cfg.MetricsAddr))
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Fatal("metrics server failed", zap.Error(err))
		}
	}()

	// The buffer stops after the consumer so a batch in flight at shutdown
	// is still flushed before its offsets are committed.
	buf := buffer.New(cfg.Buffer, st, log)
	bufCtx, stopBuffer := context.WithCancel(context.Background())
	bufDone := make(chan struct{})
	go func() {
		defer close(bufDone)
		buf.Run(bufCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	w := worker.New(consumer, worker.NewExecutor(buf, mirror, log), cfg, log)
	g.Go(func() error {
		w.Run(gctx)
		return nil
	})
	if cfg.ReconcilerAddr != "" {
		rc, err := reconcilerclient.New(cfg.ReconcilerAddr)
		if err != nil {
			log.Fatal("reconciler connect failed", zap.Error(err))
		}
		defer rc.Close()
		g.Go(func() error {
			worker.RunBackfillSchedule(gctx, rc, cfg.BackfillInterval, cfg.BackfillTimeout, log)
			return nil
		})
	}
	_ = g.Wait()

	stopBuffer()
	<-bufDone
	log.Info("worker stopped")
}
