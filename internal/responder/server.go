package responder

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "gpplus.responder.v1.Responder"

const replyMethod = "/" + ServiceName + "/Reply"

// replyServer is the server side of the Responder service
type replyServer interface {
	Reply(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*replyServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Reply", Handler: replyHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gpplus/responder/v1/responder.proto",
}

func replyHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(replyServer).Reply(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: replyMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(replyServer).Reply(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

type server struct {
	responder Responder
}

func (s *server) Reply(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	reply, err := s.responder.Reply(ctx, in.GetValue())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "reply failed: %v", err)
	}
	return wrapperspb.String(reply), nil
}

// NewServer creates a gRPC server exposing r as the Responder service,
// together with the standard health service
func NewServer(r Responder, logger zerolog.Logger) *grpc.Server {
	s := grpc.NewServer(grpc.UnaryInterceptor(loggingInterceptor(logger)))
	Register(s, r)
	return s
}

// Register adds the Responder and health services to s
func Register(s *grpc.Server, r Responder) {
	s.RegisterService(&serviceDesc, &server{responder: r})

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
}

func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		ev := logger.Debug()
		if err != nil {
			ev = logger.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).
			Dur("duration", time.Since(start)).
			Str("code", status.Code(err).String()).
			Msg("gRPC request handled")
		return resp, err
	}
}
