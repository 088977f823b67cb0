// Package statusrpc streams intersection snapshots over gRPC.
//
// The service is declared by hand instead of from a .proto file. Requests and
// replies are google.protobuf.Struct values so any gRPC client can consume
// them without generated stubs:
//
//	service StatusService {
//	  rpc Get(google.protobuf.Struct) returns (google.protobuf.Struct);
//	  rpc Watch(google.protobuf.Struct) returns (stream google.protobuf.Struct);
//	}
//
// A request may carry an "intersection" string to select one intersection.
// Every reply is a Frame encoded as a Struct.
package statusrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/signal.control/internal/intersection"
)

const (
	ServiceName = "signal.control.v1.StatusService"

	getMethod   = "/" + ServiceName + "/Get"
	watchMethod = "/" + ServiceName + "/Watch"
)

// Frame is one status message.
type Frame struct {
	At            time.Time               `json:"at"`
	Intersections []intersection.Snapshot `json:"intersections"`
}

// StatusServer is the server side of StatusService.
type StatusServer interface {
	Get(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StatusServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Get",
		Handler:    getHandler,
	}},
	Streams: []grpc.StreamDesc{{
		StreamName:    "Watch",
		Handler:       watchHandler,
		ServerStreams: true,
	}},
	Metadata: "signal/control/v1/status.proto",
}

// RegisterService registers srv on gs.
func RegisterService(gs grpc.ServiceRegistrar, srv StatusServer) {
	gs.RegisterService(&serviceDesc, srv)
}

func getHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StatusServer).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(StatusServer).Get(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(StatusServer).Watch(in, stream)
}

// Request builds a request selecting one intersection; empty selects all.
func Request(id string) *structpb.Struct {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	if id != "" {
		req.Fields["intersection"] = structpb.NewStringValue(id)
	}
	return req
}

func requestedID(req *structpb.Struct) string {
	if req == nil {
		return ""
	}
	return req.GetFields()["intersection"].GetStringValue()
}

// Encode converts f to a Struct through its JSON form.
func Encode(f Frame) (*structpb.Struct, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return s, nil
}

// Decode is the inverse of Encode.
func Decode(s *structpb.Struct) (Frame, error) {
	var f Frame
	b, err := json.Marshal(s.AsMap())
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal(b, &f); err != nil {
		return f, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}
