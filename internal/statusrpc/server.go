package statusrpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/signal.control/internal/handoff"
	"github.com/banshee-data/signal.control/internal/intersection"
	"github.com/banshee-data/signal.control/internal/monitoring"
	"github.com/banshee-data/signal.control/internal/timeutil"
)

var logf = monitoring.Prefixed("grpc")

// DefaultInterval paces Watch streams.
const DefaultInterval = 500 * time.Millisecond

var _ StatusServer = (*Server)(nil)

// Server implements StatusService over a network.
type Server struct {
	network  *handoff.Network
	clock    timeutil.Clock
	interval time.Duration
}

// NewServer returns a server pushing every interval. A nil clock means the
// wall clock and a non-positive interval means DefaultInterval.
func NewServer(n *handoff.Network, clock timeutil.Clock, interval time.Duration) *Server {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Server{network: n, clock: clock, interval: interval}
}

func (s *Server) frame(id string) (*structpb.Struct, error) {
	var ins []*intersection.Intersection
	if id == "" {
		ins = s.network.All()
	} else {
		in, ok := s.network.Get(id)
		if !ok {
			return nil, status.Errorf(codes.NotFound, "unknown intersection %q", id)
		}
		ins = []*intersection.Intersection{in}
	}
	f := Frame{At: s.clock.Now(), Intersections: make([]intersection.Snapshot, len(ins))}
	for i, in := range ins {
		f.Intersections[i] = in.Snapshot()
	}
	msg, err := Encode(f)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return msg, nil
}

// Get returns one frame.
func (s *Server) Get(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.frame(requestedID(req))
}

// Watch sends a frame at once and then every interval until the client
// cancels.
func (s *Server) Watch(req *structpb.Struct, stream grpc.ServerStream) error {
	id := requestedID(req)
	ctx := stream.Context()
	logf("watch started (intersection=%q)", id)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		msg, err := s.frame(id)
		if err != nil {
			return err
		}
		if err := stream.SendMsg(msg); err != nil {
			logf("send error: %v", err)
			return err
		}
		select {
		case <-ctx.Done():
			logf("watch ended (intersection=%q)", id)
			return ctx.Err()
		case <-ticker.C():
		}
	}
}
