package ledger

import (
	"context"

	"google.golang.org/grpc"
)

// Register exposes svc on s under the TrustService name.
func Register(s grpc.ServiceRegistrar, svc Service) {
	s.RegisterService(&serviceDesc, svc)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Service)(nil),
	Methods: []grpc.MethodDesc{
		unary("Establish", Service.Establish),
		unary("Join", Service.Join),
		unary("Update", Service.Update),
		unary("FetchChanges", Service.FetchChanges),
		unary("FetchRecoverableShares", Service.FetchRecoverableShares),
		unary("Reset", Service.Reset),
		unary("HealthCheck", Service.HealthCheck),
		unary("Preflight", Service.Preflight),
		unary("EnrollRecoverySecret", Service.EnrollRecoverySecret),
		unary("RemoveRecoverySecret", Service.RemoveRecoverySecret),
		unary("FetchViableBottles", Service.FetchViableBottles),
	},
	Metadata: "trustmesh/ledger/v1/trust.proto",
}

func unary[Req, Resp any](method string, call func(Service, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, in any) (any, error) {
				resp, err := call(srv.(Service), ctx, *in.(*Req))
				if err != nil {
					return nil, toStatus(err)
				}
				return &resp, nil
			}
			if interceptor == nil {
				return handler(ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			return interceptor(ctx, req, info, handler)
		},
	}
}
