package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lzjever/mbos-auditlog/internal/api"
	"github.com/lzjever/mbos-auditlog/internal/buffer"
	"github.com/lzjever/mbos-auditlog/internal/observability"
	"github.com/lzjever/mbos-auditlog/internal/reconcilerclient"
	"github.com/lzjever/mbos-auditlog/internal/recorder"
	"github.com/lzjever/mbos-auditlog/internal/search"
	"github.com/lzjever/mbos-auditlog/internal/store"
	"github.com/lzjever/mbos-auditlog/internal/taskrunner"
	"github.com/lzjever/mbos-auditlog/internal/worker"
)

func main() {
	cfg, err := api.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, _ := observability.NewLogger(cfg.LogLevel)
	defer log.Sync()

	// Replace global logger
	zap.ReplaceGlobals(log)

	reg := prometheus.DefaultRegisterer
	observability.RegisterAll(reg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mode, err := recorder.ParseMode(cfg.DispatchMode)
	if err != nil {
		log.Fatal("invalid dispatch mode", zap.Error(err))
	}
	exclude, err := recorder.ParseExclude(cfg.ExcludedFields)
	if err != nil {
		log.Fatal("invalid excluded fields", zap.Error(err))
	}

	pool, err := store.NewPool(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal("db connect failed", zap.Error(err))
	}
	defer pool.Close()
	st := store.New(pool)

	var opts []api.Option
	var mirror worker.Mirror
	if cfg.SearchEnabled {
		sc, err := search.Connect(ctx, cfg.Search, log)
		if err != nil {
			// The secondary store is best effort; run without it.
			log.Warn("secondary store unavailable", zap.String("url", cfg.Search.URL), zap.Error(err))
		} else {
			defer sc.Close(context.Background())
			mirror = sc
			opts = append(opts, api.WithSearch(sc))
		}
	}

	// Background buffer for the local task backend; it outlives the HTTP
	// server so in-flight tasks can flush during shutdown.
	bufCtx, stopBuffer := context.WithCancel(context.Background())
	bufDone := make(chan struct{})
	close(bufDone)
	var buf *buffer.Buffer

	var runner taskrunner.Runner
	if mode != recorder.ModeInline {
		switch cfg.TaskBackend {
		case "kafka":
			p, err := taskrunner.NewProducer(cfg.Kafka)
			if err != nil {
				log.Fatal("kafka connect failed", zap.Error(err))
			}
			runner = p
		case "local":
			buf = buffer.New(cfg.Buffer, st, log)
			bufDone = make(chan struct{})
			go func() {
				defer close(bufDone)
				buf.Run(bufCtx)
			}()
			runner = taskrunner.NewLocal(cfg.Local, worker.NewExecutor(buf, mirror, log), log)
		default:
			log.Fatal("unknown task backend", zap.String("backend", cfg.TaskBackend))
		}
	}

	dispatcher, err := recorder.NewDispatcher(mode, st, runner, log)
	if err != nil {
		log.Fatal("build dispatcher", zap.Error(err))
	}
	rec := recorder.New(st, dispatcher, log, recorder.WithExclude(exclude))

	opts = append(opts, api.WithRedactedFields(cfg.RedactedFields))
	if cfg.ReconcilerAddr != "" {
		rc, err := reconcilerclient.New(cfg.ReconcilerAddr)
		if err != nil {
			log.Fatal("reconciler connect failed", zap.Error(err))
		}
		defer rc.Close()
		opts = append(opts, api.WithReconciler(rc))
	}

	apiHandler := api.NewAPI(st, rec, log, opts...)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      apiHandler.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Metrics server
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: mux,
	}

	go func() {
		log.Info("metrics server starting", zap.String("addr", cfg.MetricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("metrics server failed", zap.Error(err))
		}
	}()

	go func() {
		log.Info("API server starting",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("dispatch_mode", string(mode)),
			zap.String("task_backend", cfg.TaskBackend))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("API server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down API server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	if buf != nil {
		// Accepted tasks wait on a flush; release them before draining the runner.
		buf.Flush(shutdownCtx)
	}
	if l, ok := runner.(*taskrunner.Local); ok {
		l.CloseContext(shutdownCtx)
	} else if runner != nil {
		runner.Close()
	}
	stopBuffer()
	<-bufDone
	_ = metricsSrv.Shutdown(shutdownCtx)

	log.Info("API server stopped")
}
