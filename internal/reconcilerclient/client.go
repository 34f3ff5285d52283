package reconcilerclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	pb "github.com/lzjever/mbos-auditlog/gen/go/reconciler/v1"
	"github.com/lzjever/mbos-auditlog/internal/core"
	"github.com/lzjever/mbos-auditlog/internal/reconcile"
	"github.com/lzjever/mbos-auditlog/internal/reconciler"
)

type Client struct {
	conn   *grpc.ClientConn
	client pb.ReconcilerClient
}

func New(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial reconciler %s: %w", addr, err)
	}
	return &Client{conn: conn, client: pb.NewReconcilerClient(conn)}, nil
}

func (c *Client) Migrate(ctx context.Context, opts reconcile.MigrateOptions) (reconcile.MigrateResult, error) {
	var res reconcile.MigrateResult
	in, err := reconciler.Encode(reconciler.MigrateRequest{AfterID: opts.AfterID})
	if err != nil {
		return res, err
	}
	out, err := c.client.Migrate(ctx, in)
	if err != nil {
		return res, fromStatus(err)
	}
	return res, reconciler.Decode(out, &res)
}

func (c *Client) Backfill(ctx context.Context, opts reconcile.BackfillOptions) (reconcile.BackfillResult, error) {
	var res reconcile.BackfillResult
	in, err := reconciler.Encode(reconciler.BackfillRequest{Since: opts.Since})
	if err != nil {
		return res, err
	}
	out, err := c.client.Backfill(ctx, in)
	if err != nil {
		return res, fromStatus(err)
	}
	return res, reconciler.Decode(out, &res)
}

func (c *Client) Watermark(ctx context.Context) (*time.Time, error) {
	in, err := reconciler.Encode(struct{}{})
	if err != nil {
		return nil, err
	}
	out, err := c.client.Watermark(ctx, in)
	if err != nil {
		return nil, fromStatus(err)
	}
	var resp reconciler.WatermarkResponse
	if err := reconciler.Decode(out, &resp); err != nil {
		return nil, err
	}
	return resp.Watermark, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// fromStatus maps a gRPC status back onto the core sentinel errors.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}
	var sentinel error
	switch st.Code() {
	case codes.InvalidArgument:
		sentinel = core.ErrValidation
	case codes.FailedPrecondition:
		sentinel = core.ErrLockHeld
	case codes.Aborted:
		sentinel = core.ErrWatermarkConflict
	case codes.DataLoss:
		sentinel = core.ErrTranslation
	case codes.Unavailable:
		sentinel = core.ErrStoreUnavailable
	case codes.DeadlineExceeded:
		sentinel = context.DeadlineExceeded
	case codes.Canceled:
		sentinel = context.Canceled
	default:
		return errors.New(st.Message())
	}
	return fmt.Errorf("%w: %s", sentinel, st.Message())
}
