package statusrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls StatusService.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Get fetches one frame for id, or for every intersection when id is empty.
func (c *Client) Get(ctx context.Context, id string, opts ...grpc.CallOption) (Frame, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getMethod, Request(id), out, opts...); err != nil {
		return Frame{}, err
	}
	return Decode(out)
}

// Watcher receives frames of a Watch call.
type Watcher struct {
	stream grpc.ClientStream
}

// Watch opens a stream. Cancel ctx to end it.
func (c *Client) Watch(ctx context.Context, id string, opts ...grpc.CallOption) (*Watcher, error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], watchMethod, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(Request(id)); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &Watcher{stream: stream}, nil
}

// Recv blocks for the next frame.
func (w *Watcher) Recv() (Frame, error) {
	out := new(structpb.Struct)
	if err := w.stream.RecvMsg(out); err != nil {
		return Frame{}, err
	}
	return Decode(out)
}
