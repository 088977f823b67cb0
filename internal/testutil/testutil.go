// Package testutil holds fixtures shared by the HTTP and gRPC tests: a small
// two-intersection network on a mock clock and request helpers.
package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/signal.control/internal/handoff"
	"github.com/banshee-data/signal.control/internal/intersection"
	"github.com/banshee-data/signal.control/internal/timeutil"
)

// BootTime is the mock clock's starting instant.
var BootTime = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// Square returns a closed axis-aligned ring.
func Square(x, y, size float64) orb.Ring {
	return orb.Ring{{x, y}, {x + size, y}, {x + size, y + size}, {x, y + size}, {x, y}}
}

// Network builds intersection "main" (lane_1..lane_4, lane_1 paired with
// lane_3, polygons on lane_1 and lane_2) and intersection "east" (in, out),
// both on the returned mock clock.
func Network(t *testing.T) (*handoff.Network, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(BootTime)
	opts := intersection.Options{Clock: clock}

	central, err := intersection.New("main", []intersection.Lane{
		{ID: "lane_1", Direction: intersection.Up, Polygon: Square(0, 0, 100), ActuatorName: "north"},
		{ID: "lane_2", Direction: intersection.Down, Polygon: Square(100, 0, 100), ActuatorName: "south"},
		{ID: "lane_3", Direction: intersection.Right, ActuatorName: "east"},
		{ID: "lane_4", Direction: intersection.Left, ActuatorName: "west"},
	}, []intersection.LanePair{{A: "lane_1", B: "lane_3"}}, "", opts)
	require.NoError(t, err)

	east, err := intersection.New("east", []intersection.Lane{
		{ID: "in", Direction: intersection.Right},
		{ID: "out", Direction: intersection.Right},
	}, nil, "", opts)
	require.NoError(t, err)

	n, err := handoff.NewNetwork(central, east)
	require.NoError(t, err)
	return n, clock
}

// Request builds a request from a loopback address. A string body is sent
// verbatim; any other non-nil body is marshalled as JSON.
func Request(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	var r io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(v)
	default:
		b, err := json.Marshal(v)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.RemoteAddr = "127.0.0.1:40000"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// Serve runs req through h and returns the recorded response.
func Serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// DecodeJSON unmarshals a response body into a T.
func DecodeJSON[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}
