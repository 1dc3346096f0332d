// Package grpcapi exposes a Runtime's LoadCodeObj/Execute operations over
// gRPC on Config.ServerAddress (spec.md §6's "auxiliary RPC" surface).
// This module carries no protoc-generated service stubs, so the service
// is registered by hand against grpc.ServiceDesc and speaks
// google.golang.org/protobuf's pre-built structpb.Struct message as its
// wire payload — a real, already-compiled protobuf message, so requests
// and responses still travel as genuine protobuf wire format rather than
// a hand-rolled encoding.
package grpcapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/romaexec/roma/internal/domain"
)

// RuntimeAPI is the subset of *runtime.Runtime the server drives, narrowed
// to an interface both to avoid a grpcapi→runtime→grpcapi import cycle and
// to let tests supply a fake.
type RuntimeAPI interface {
	LoadCodeObj(ctx context.Context, code domain.CodeObject, onComplete func(error)) error
	Execute(ctx context.Context, req domain.InvocationRequest, onComplete func(*domain.ResponseObject, error)) error
}

// Server adapts a RuntimeAPI to the gRPC service described by serviceDesc.
type Server struct {
	api RuntimeAPI
	log *slog.Logger

	grpcServer *grpc.Server
}

// New builds a Server over api. log defaults to slog.Default() if nil.
func New(api RuntimeAPI, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{api: api, log: log}
}

// Serve blocks, listening on addr until the server is stopped.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpcapi: listen %s: %w", addr, err)
	}
	s.grpcServer = grpc.NewServer()
	s.grpcServer.RegisterService(&serviceDesc, s)
	s.log.Info("grpcapi: serving", "addr", addr)
	return s.grpcServer.Serve(lis)
}

// Stop gracefully stops the server, waiting for in-flight RPCs.
func (s *Server) Stop() {
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "roma.RuntimeService",
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "LoadCodeObj", Handler: loadCodeObjHandler},
		{MethodName: "Execute", Handler: executeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "roma/runtime.proto",
}

func loadCodeObjHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := &structpb.Struct{}
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.loadCodeObj(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/roma.RuntimeService/LoadCodeObj"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.loadCodeObj(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func executeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := &structpb.Struct{}
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/roma.RuntimeService/Execute"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.execute(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func (s *Server) loadCodeObj(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var code domain.CodeObject
	if err := structToJSON(in, &code); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode code object: %v", err)
	}

	done := make(chan error, 1)
	if err := s.api.LoadCodeObj(ctx, code, func(err error) { done <- err }); err != nil {
		return nil, status.Errorf(codes.Internal, "%v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			return nil, status.Errorf(codes.Internal, "%v", err)
		}
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}

	return structpb.NewStruct(map[string]interface{}{"version_string": code.VersionString})
}

func (s *Server) execute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req domain.InvocationRequest
	if err := structToJSON(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode invocation request: %v", err)
	}
	if req.Deadline.IsZero() {
		req.Deadline = time.Now().Add(30 * time.Second)
	}

	type outcome struct {
		resp *domain.ResponseObject
		err  error
	}
	done := make(chan outcome, 1)
	if err := s.api.Execute(ctx, req, func(resp *domain.ResponseObject, err error) {
		done <- outcome{resp, err}
	}); err != nil {
		return nil, status.Errorf(codes.Internal, "%v", err)
	}

	select {
	case o := <-done:
		if o.err != nil {
			rtErr := domain.AsRuntimeError(o.err)
			return structpb.NewStruct(map[string]interface{}{
				"error_kind":    string(rtErr.Kind),
				"error_message": rtErr.Message,
			})
		}
		return responseToStruct(o.resp)
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
}

func responseToStruct(resp *domain.ResponseObject) (*structpb.Struct, error) {
	b, err := json.Marshal(resp)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "marshal response: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "normalize response: %v", err)
	}
	return structpb.NewStruct(m)
}

// structToJSON round-trips a structpb.Struct through JSON into dst,
// letting every domain type's existing json tags drive decoding instead
// of a second, protobuf-specific schema.
func structToJSON(in *structpb.Struct, dst interface{}) error {
	b, err := json.Marshal(in.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
