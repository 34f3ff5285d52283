// Package reconcilerv1 defines the auditlog.v1.Reconciler gRPC service.
// Requests and responses are google.protobuf.Struct values; see
// internal/reconciler for their fields.
package reconcilerv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "auditlog.v1.Reconciler"

	Reconciler_Migrate_FullMethodName   = "/auditlog.v1.Reconciler/Migrate"
	Reconciler_Backfill_FullMethodName  = "/auditlog.v1.Reconciler/Backfill"
	Reconciler_Watermark_FullMethodName = "/auditlog.v1.Reconciler/Watermark"
)

type ReconcilerServer interface {
	Migrate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Backfill(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watermark(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func RegisterReconcilerServer(s grpc.ServiceRegistrar, srv ReconcilerServer) {
	s.RegisterService(&Reconciler_ServiceDesc, srv)
}

var Reconciler_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ReconcilerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Migrate", Reconciler_Migrate_FullMethodName, ReconcilerServer.Migrate),
		unary("Backfill", Reconciler_Backfill_FullMethodName, ReconcilerServer.Backfill),
		unary("Watermark", Reconciler_Watermark_FullMethodName, ReconcilerServer.Watermark),
	},
	Streams: []grpc.StreamDesc{},
}

type method func(ReconcilerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name, fullName string, call method) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ReconcilerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullName}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ReconcilerServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

type ReconcilerClient interface {
	Migrate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Backfill(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Watermark(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type reconcilerClient struct {
	cc grpc.ClientConnInterface
}

func NewReconcilerClient(cc grpc.ClientConnInterface) ReconcilerClient {
	return &reconcilerClient{cc: cc}
}

func (c *reconcilerClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts []grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *reconcilerClient) Migrate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, Reconciler_Migrate_FullMethodName, in, opts)
}

func (c *reconcilerClient) Backfill(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, Reconciler_Backfill_FullMethodName, in, opts)
}

func (c *reconcilerClient) Watermark(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, Reconciler_Watermark_FullMethodName, in, opts)
}
