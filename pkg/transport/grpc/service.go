package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/cbarrett/raftcore/pkg/raft"
)

// raftServiceDesc is the service registration a protoc-gen-go-grpc plugin
// would normally generate from a .proto file. There is none here: the
// wire messages are a single wrapperspb.BytesValue carrying pkg/raft's own
// codec bytes, so the four methods below are written by hand instead of
// generated. grpc.Server.RegisterService only needs this descriptor and a
// server value implementing the handlers it names.
var raftServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Transport)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: requestVoteHandler},
		{MethodName: "RequestVoteResponse", Handler: requestVoteResponseHandler},
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
		{MethodName: "AppendEntriesResponse", Handler: appendEntriesResponseHandler},
	},
	Metadata: "raftcore/transport.proto",
}

func decodeBytesValue(dec func(interface{}) error) (*wrapperspb.BytesValue, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	return in, nil
}

func requestVoteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in, err := decodeBytesValue(dec)
	if err != nil {
		return nil, err
	}
	t := srv.(*Transport)
	handle := func(ctx context.Context, req interface{}) (interface{}, error) {
		return t.handleRequestVote(req.(*wrapperspb.BytesValue))
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRequestVote}
	return interceptor(ctx, in, info, handle)
}

func requestVoteResponseHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in, err := decodeBytesValue(dec)
	if err != nil {
		return nil, err
	}
	t := srv.(*Transport)
	handle := func(ctx context.Context, req interface{}) (interface{}, error) {
		return t.handleRequestVoteResponse(req.(*wrapperspb.BytesValue))
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRequestVoteResponse}
	return interceptor(ctx, in, info, handle)
}

func appendEntriesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in, err := decodeBytesValue(dec)
	if err != nil {
		return nil, err
	}
	t := srv.(*Transport)
	handle := func(ctx context.Context, req interface{}) (interface{}, error) {
		return t.handleAppendEntries(req.(*wrapperspb.BytesValue))
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodAppendEntries}
	return interceptor(ctx, in, info, handle)
}

func appendEntriesResponseHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in, err := decodeBytesValue(dec)
	if err != nil {
		return nil, err
	}
	t := srv.(*Transport)
	handle := func(ctx context.Context, req interface{}) (interface{}, error) {
		return t.handleAppendEntriesResponse(req.(*wrapperspb.BytesValue))
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodAppendEntriesResponse}
	return interceptor(ctx, in, info, handle)
}

func (t *Transport) handleRequestVote(in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	from, payload, err := decodeEnvelope(in.Value)
	if err != nil {
		return nil, err
	}
	args, err := raft.DecodeRequestVoteArgs(payload)
	if err != nil {
		return nil, err
	}
	t.deliver(Event{Kind: EventRequestVote, From: from, RequestVote: args})
	return &emptypb.Empty{}, nil
}

func (t *Transport) handleRequestVoteResponse(in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	from, payload, err := decodeEnvelope(in.Value)
	if err != nil {
		return nil, err
	}
	result, err := raft.DecodeRequestVoteResult(payload)
	if err != nil {
		return nil, err
	}
	t.deliver(Event{Kind: EventRequestVoteResponse, From: from, RequestVoteResult: result})
	return &emptypb.Empty{}, nil
}

func (t *Transport) handleAppendEntries(in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	from, payload, err := decodeEnvelope(in.Value)
	if err != nil {
		return nil, err
	}
	args, err := raft.DecodeAppendEntriesArgs(payload)
	if err != nil {
		return nil, err
	}
	t.deliver(Event{Kind: EventAppendEntries, From: from, AppendEntries: args})
	return &emptypb.Empty{}, nil
}

func (t *Transport) handleAppendEntriesResponse(in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	from, payload, err := decodeEnvelope(in.Value)
	if err != nil {
		return nil, err
	}
	result, err := raft.DecodeAppendEntriesResult(payload)
	if err != nil {
		return nil, err
	}
	t.deliver(Event{Kind: EventAppendEntriesResponse, From: from, AppendEntriesResult: result})
	return &emptypb.Empty{}, nil
}
