package reconciler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	pb "github.com/lzjever/mbos-auditlog/gen/go/reconciler/v1"
	"github.com/lzjever/mbos-auditlog/internal/core"
	"github.com/lzjever/mbos-auditlog/internal/reconcile"
)

type Migrator interface {
	Run(ctx context.Context, opts reconcile.MigrateOptions) (reconcile.MigrateResult, error)
}

type Backfiller interface {
	Run(ctx context.Context, opts reconcile.BackfillOptions) (reconcile.BackfillResult, error)
}

type WatermarkReader interface {
	GetWatermark(ctx context.Context) (time.Time, bool, error)
}

type Server struct {
	migrator   Migrator
	backfiller Backfiller
	watermark  WatermarkReader
	timeout    time.Duration
	log        *zap.Logger
}

var _ pb.ReconcilerServer = (*Server)(nil)

func NewServer(m Migrator, b Backfiller, w WatermarkReader, timeout time.Duration, log *zap.Logger) *Server {
	return &Server{migrator: m, backfiller: b, watermark: w, timeout: timeout, log: log}
}

func (s *Server) Migrate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req MigrateRequest
	if err := Decode(in, &req); err != nil {
		return nil, toStatus(err)
	}
	s.log.Info("reconciler: migrate requested", zap.Int64("after_id", req.AfterID))
	ctx, cancel := s.jobContext(ctx)
	defer cancel()
	res, err := s.migrator.Run(ctx, reconcile.MigrateOptions{AfterID: req.AfterID})
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(res)
}

func (s *Server) Backfill(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req BackfillRequest
	if err := Decode(in, &req); err != nil {
		return nil, toStatus(err)
	}
	log := s.log
	if req.Since != nil {
		log = log.With(zap.Time("since", *req.Since))
	}
	log.Info("reconciler: backfill requested")
	ctx, cancel := s.jobContext(ctx)
	defer cancel()
	res, err := s.backfiller.Run(ctx, reconcile.BackfillOptions{Since: req.Since})
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(res)
}

func (s *Server) Watermark(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	t, ok, err := s.watermark.GetWatermark(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	var resp WatermarkResponse
	if ok {
		resp.Watermark = &t
	}
	return encode(resp)
}

func (s *Server) jobContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func encode(v any) (*structpb.Struct, error) {
	out, err := Encode(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, core.ErrValidation):
		code = codes.InvalidArgument
	case errors.Is(err, core.ErrLockHeld):
		code = codes.FailedPrecondition
	case errors.Is(err, core.ErrWatermarkConflict):
		code = codes.Aborted
	case errors.Is(err, core.ErrTranslation):
		code = codes.DataLoss
	case errors.Is(err, core.ErrStoreUnavailable):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}
