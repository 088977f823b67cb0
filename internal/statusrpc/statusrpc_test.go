package statusrpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/banshee-data/signal.control/internal/intersection"
	"github.com/banshee-data/signal.control/internal/testutil"
	"github.com/banshee-data/signal.control/internal/timeutil"
)

func startServer(t *testing.T) (*Client, *timeutil.MockClock, *intersection.Intersection) {
	t.Helper()
	n, clock := testutil.Network(t)

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	RegisterService(gs, NewServer(n, clock, 0))
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	central, ok := n.Get("main")
	require.True(t, ok)
	return NewClient(conn), clock, central
}

func TestEncodeDecode(t *testing.T) {
	n, clock := testutil.Network(t)
	central, _ := n.Get("main")
	f := Frame{At: clock.Now(), Intersections: []intersection.Snapshot{central.Snapshot()}}

	msg, err := Encode(f)
	require.NoError(t, err)
	assert.Contains(t, msg.GetFields(), "intersections")

	got, err := Decode(msg)
	require.NoError(t, err)
	assert.True(t, f.At.Equal(got.At))
	require.Len(t, got.Intersections, 1)
	assert.Equal(t, "lane_1+lane_3", got.Intersections[0].ActiveGroup)
	assert.Equal(t, central.Statuses(), got.Intersections[0].Lanes)
}

func TestRequest(t *testing.T) {
	assert.Equal(t, "", requestedID(Request("")))
	assert.Equal(t, "east", requestedID(Request("east")))
	assert.Equal(t, "", requestedID(nil))
}

func TestGet(t *testing.T) {
	client, _, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	all, err := client.Get(ctx, "")
	require.NoError(t, err)
	require.Len(t, all.Intersections, 2)
	assert.Equal(t, "main", all.Intersections[0].ID)
	assert.Equal(t, "east", all.Intersections[1].ID)

	one, err := client.Get(ctx, "east")
	require.NoError(t, err)
	require.Len(t, one.Intersections, 1)
	assert.Len(t, one.Intersections[0].Lanes, 2)

	_, err = client.Get(ctx, "nope")
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestWatch(t *testing.T) {
	client, clock, central := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w, err := client.Watch(ctx, "main")
	require.NoError(t, err)

	first, err := w.Recv()
	require.NoError(t, err)
	require.Len(t, first.Intersections, 1)
	assert.True(t, testutil.BootTime.Equal(first.At))
	assert.Equal(t, 0, first.Intersections[0].Lanes[3].Count)

	require.NoError(t, central.Tracker.Update("lane_4", 7, clock.Now()))
	require.Eventually(t, func() bool { return clock.Tickers() == 1 }, time.Second, time.Millisecond)
	clock.Advance(DefaultInterval)

	second, err := w.Recv()
	require.NoError(t, err)
	assert.True(t, testutil.BootTime.Add(DefaultInterval).Equal(second.At))
	assert.Equal(t, 7, second.Intersections[0].Lanes[3].Count)

	cancel()
	_, err = w.Recv()
	assert.Equal(t, codes.Canceled, status.Code(err))
}

func TestWatch_UnknownIntersection(t *testing.T) {
	client, _, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w, err := client.Watch(ctx, "nope")
	require.NoError(t, err)
	_, err = w.Recv()
	assert.Equal(t, codes.NotFound, status.Code(err))
}
