package transport

import (
	"context"
	"errors"
	"net"
	"time"

	"multiraft/internal/raft"
	"multiraft/internal/raft/wire"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	serviceName         = "multiraft.Raft"
	appendEntriesMethod = "/" + serviceName + "/AppendEntries"
	heartbeatMethod     = "/" + serviceName + "/Heartbeat"
	voteMethod          = "/" + serviceName + "/Vote"
)

// Handler serves the raft requests received by a node, for every group it hosts
type Handler interface {
	AppendEntries(ctx context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesReply, error)
	Heartbeat(ctx context.Context, req *raft.HeartbeatRequest) (*raft.HeartbeatReply, error)
	Vote(ctx context.Context, req *raft.VoteRequest) (*raft.VoteReply, error)
}

// serviceDesc is written by hand, the messages are encoded by the raftwire codec instead of generated code
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
		{MethodName: "Heartbeat", Handler: heartbeatHandler},
		{MethodName: "Vote", Handler: voteHandler},
	},
	Metadata: "multiraft/raft",
}

func appendEntriesHandler(srv any, ctx context.Context, dec func(any) error,
	interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wire.AppendEntries)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		reply, err := srv.(Handler).AppendEntries(ctx, req.(*wire.AppendEntries).Request())
		if err != nil {
			return nil, toStatus(err)
		}
		return (*wire.AppendEntriesReply)(reply), nil
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: appendEntriesMethod}, handler)
}

func heartbeatHandler(srv any, ctx context.Context, dec func(any) error,
	interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wire.HeartbeatRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		reply, err := srv.(Handler).Heartbeat(ctx, (*raft.HeartbeatRequest)(req.(*wire.HeartbeatRequest)))
		if err != nil {
			return nil, toStatus(err)
		}
		return (*wire.HeartbeatReply)(reply), nil
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: heartbeatMethod}, handler)
}

func voteHandler(srv any, ctx context.Context, dec func(any) error,
	interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wire.VoteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		reply, err := srv.(Handler).Vote(ctx, (*raft.VoteRequest)(req.(*wire.VoteRequest)))
		if err != nil {
			return nil, toStatus(err)
		}
		return (*wire.VoteReply)(reply), nil
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: voteMethod}, handler)
}

// toStatus maps the errors of a Handler to gRPC status codes, fromStatus does the reverse on the client
func toStatus(err error) error {
	switch {
	case errors.Is(err, raft.ErrGroupNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, raft.ErrStopped):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// Server exposes a Handler over gRPC
type Server struct {
	self   raft.NodeID
	grpc   *grpc.Server
	logger raft.Logger
}

func NewServer(self raft.NodeID, h Handler, logger raft.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = raft.NopLogger()
	}
	s := &Server{self: self, logger: logger}

	opts = append(opts, grpc.ChainUnaryInterceptor(s.logRequests))
	s.grpc = grpc.NewServer(opts...)
	s.grpc.RegisterService(&serviceDesc, h)
	return s
}

// Serve accepts connections on lis until Stop is called
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Infof("[TRANSPORT] %s serving on %s", s.self, lis.Addr())
	return s.grpc.Serve(lis)
}

// Stop stops accepting connections and waits for pending requests to finish
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

// logRequests extracts the sending node from the request metadata and logs every failed request
func (s *Server) logRequests(ctx context.Context, req any, info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(sourceNodeHeader); len(v) > 0 {
			ctx = SetSourceNode(ctx, raft.NodeID(v[0]))
		}
	}

	reply, err := handler(ctx, req)

	source := sourceNode.FromOr(ctx, "unknown")
	if err != nil {
		s.logger.Warnf("[TRANSPORT] %s from %s failed after %v: %v", info.FullMethod, source, time.Since(start), err)
	} else {
		s.logger.Debugf("[TRANSPORT] %s from %s served in %v", info.FullMethod, source, time.Since(start))
	}
	return reply, err
}
