package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	pb "github.com/lzjever/mbos-auditlog/gen/go/reconciler/v1"
	"github.com/lzjever/mbos-auditlog/internal/lock"
	"github.com/lzjever/mbos-auditlog/internal/observability"
	"github.com/lzjever/mbos-auditlog/internal/reconcile"
	"github.com/lzjever/mbos-auditlog/internal/reconciler"
	"github.com/lzjever/mbos-auditlog/internal/search"
	"github.com/lzjever/mbos-auditlog/internal/store"
)

func main() {
	cfg, err := reconciler.LoadConfig()
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
	if err := store.Migrate(pool, "up"); err != nil {
		log.Fatal("schema migration failed", zap.Error(err))
	}
	st := store.New(pool)

	sc, err := search.Connect(ctx, cfg.Search, log)
	if err != nil {
		log.Fatal("secondary store connect failed", zap.Error(err))
	}
	defer sc.Close(context.Background())
	if err := sc.EnsureSchema(ctx); err != nil {
		log.Fatal("secondary schema failed", zap.Error(err))
	}

	var locker reconcile.Locker
	switch cfg.LockBackend {
	case "redis":
		rdb, err := lock.NewClient(ctx, cfg.Lock)
		if err != nil {
			log.Fatal("redis connect failed", zap.Error(err))
		}
		defer rdb.Close()
		locker = lock.NewRedis(rdb, cfg.Lock.TTL, log)
	case "postgres":
		locker = store.NewAdvisoryLocker(st)
	default:
		log.Fatal("unknown lock backend", zap.String("backend", cfg.LockBackend))
	}

	migrator := reconcile.NewMigrator(st, sc, cfg.Reconcile, log)
	backfiller := reconcile.NewBackfiller(st, sc, locker, cfg.Reconcile, log)

	// Metrics HTTP server
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	go func() {
		log.Info("metrics server starting", zap.String("addr", cfg.MetricsAddr))
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Fatal("metrics server failed", zap.Error(err))
		}
	}()

	// gRPC server
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatal("listen failed", zap.Error(err))
	}

	srv := grpc.NewServer()
	pb.RegisterReconcilerServer(srv, reconciler.NewServer(migrator, backfiller, st, cfg.JobTimeout, log))

	go func() {
		log.Info("gRPC server starting", zap.String("addr", cfg.GRPCAddr), zap.String("lock_backend", cfg.LockBackend))
		if err := srv.Serve(lis); err != nil {
			log.Fatal("grpc serve failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down reconciler")

	// Running jobs persist their watermark per flush; stopping them early
	// loses no progress.
	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(cfg.ShutdownTimeout):
		srv.Stop()
	}
}
