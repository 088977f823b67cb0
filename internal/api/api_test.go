package api

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/signal.control/internal/db"
	"github.com/banshee-data/signal.control/internal/detect"
	"github.com/banshee-data/signal.control/internal/handoff"
	"github.com/banshee-data/signal.control/internal/intersection"
	"github.com/banshee-data/signal.control/internal/testutil"
	"github.com/banshee-data/signal.control/internal/timeutil"
)

type fakeReach bool

func (f fakeReach) Reachable() bool { return bool(f) }

type fixture struct {
	network *handoff.Network
	clock   *timeutil.MockClock
	ingest  *detect.Ingest
	db      *db.DB
	server  *Server
	mux     http.Handler
}

func newFixture(t *testing.T, withDB bool) *fixture {
	t.Helper()
	n, clock := testutil.Network(t)
	ing, err := detect.NewIngest(n, clock)
	require.NoError(t, err)

	f := &fixture{network: n, clock: clock, ingest: ing}
	opts := Options{
		Clock:        clock,
		Reachability: map[string]Reachability{"main": fakeReach(true)},
	}
	if withDB {
		d, err := db.NewDB(filepath.Join(t.TempDir(), "signal.db"))
		require.NoError(t, err)
		t.Cleanup(func() { d.Close() })
		f.db = d
		opts.DB = d
	}
	f.server = NewServer(n, ing, opts)
	f.mux = f.server.ServeMux()
	return f
}

func (f *fixture) lane(t *testing.T, in, lane string) intersection.Lane {
	t.Helper()
	x, ok := f.network.Get(in)
	require.True(t, ok)
	l, ok := x.Registry.Get(lane)
	require.True(t, ok)
	return l
}

func TestLaneStatus(t *testing.T) {
	f := newFixture(t, false)

	w := testutil.Serve(f.mux, testutil.Request(t, http.MethodGet, "/lane_status", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	got := testutil.DecodeJSON[[]intersection.LaneStatus](t, w)
	require.Len(t, got, 4)
	assert.Equal(t, "lane_1", got[0].Lane)
	assert.Equal(t, intersection.Up, got[0].Direction)
	assert.Equal(t, intersection.Green, got[0].Signal)
	assert.Equal(t, intersection.Red, got[1].Signal)
	assert.Equal(t, intersection.Green, got[2].Signal, "lane_3 is paired with lane_1")
	assert.Contains(t, w.Body.String(), `"signal":"GREEN"`)
}

func TestListIntersections(t *testing.T) {
	f := newFixture(t, false)
	f.clock.Advance(3 * time.Second)

	w := testutil.Serve(f.mux, testutil.Request(t, http.MethodGet, "/api/intersections", nil))
	require.Equal(t, http.StatusOK, w.Code)

	got := testutil.DecodeJSON[[]IntersectionSummary](t, w)
	require.Len(t, got, 2)
	byID := map[string]IntersectionSummary{got[0].ID: got[0], got[1].ID: got[1]}

	central := byID["main"]
	assert.Equal(t, "lane_1+lane_3", central.ActiveGroup)
	assert.Equal(t, intersection.Green, central.Signal)
	assert.Equal(t, 4, central.Lanes)
	assert.InDelta(t, 3.0, central.PhaseAge, 1e-9)
	require.NotNil(t, central.Reachable)
	assert.True(t, *central.Reachable)

	east := byID["east"]
	assert.Equal(t, 2, east.Lanes)
	assert.Nil(t, east.Reachable, "no actuator, no reachability")
}

func TestShowIntersection(t *testing.T) {
	f := newFixture(t, false)

	w := testutil.Serve(f.mux, testutil.Request(t, http.MethodGet, "/api/intersections/main", nil))
	require.Equal(t, http.StatusOK, w.Code)
	snap := testutil.DecodeJSON[intersection.Snapshot](t, w)
	assert.Equal(t, "main", snap.ID)
	assert.Equal(t, "lane_1+lane_3", snap.ActiveGroup)
	assert.Len(t, snap.Units, 3)
	assert.Len(t, snap.Lanes, 4)

	w = testutil.Serve(f.mux, testutil.Request(t, http.MethodGet, "/api/intersections/east/lanes", nil))
	require.Equal(t, http.StatusOK, w.Code)
	lanes := testutil.DecodeJSON[[]intersection.LaneStatus](t, w)
	require.Len(t, lanes, 2)
	assert.Equal(t, "in", lanes[0].Lane)
}

func TestUnknownIntersection(t *testing.T) {
	f := newFixture(t, true)

	for _, path := range []string{
		"/api/intersections/nope",
		"/api/intersections/nope/lanes",
		"/api/intersections/nope/geometry",
		"/api/intersections/nope/commands",
		"/api/lanes/nope/lane_1/stats",
		"/api/lanes/main/lane_9/stats",
		"/charts/counts?intersection=nope",
	} {
		t.Run(path, func(t *testing.T) {
			w := testutil.Serve(f.mux, testutil.Request(t, http.MethodGet, path, nil))
			assert.Equal(t, http.StatusNotFound, w.Code)
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

func TestShowGeometry(t *testing.T) {
	f := newFixture(t, false)

	w := testutil.Serve(f.mux, testutil.Request(t, http.MethodGet, "/api/intersections/main/geometry", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/geo+json", w.Header().Get("Content-Type"))

	type feature struct {
		ID         string         `json:"id"`
		Properties map[string]any `json:"properties"`
		Geometry   struct {
			Type        string        `json:"type"`
			Coordinates [][][]float64 `json:"coordinates"`
		} `json:"geometry"`
	}
	fc := testutil.DecodeJSON[struct {
		Type     string    `json:"type"`
		Features []feature `json:"features"`
	}](t, w)

	assert.Equal(t, "FeatureCollection", fc.Type)
	require.Len(t, fc.Features, 2, "only lanes with polygons")
	first := fc.Features[0]
	assert.Equal(t, "lane_1", first.ID)
	assert.Equal(t, "Polygon", first.Geometry.Type)
	require.Len(t, first.Geometry.Coordinates, 1)
	assert.Len(t, first.Geometry.Coordinates[0], 5)
	assert.Equal(t, "UP", first.Properties["direction"])
	assert.Equal(t, "GREEN", first.Properties["signal"])
	assert.Equal(t, "north", first.Properties["actuator_name"])
	assert.Equal(t, "lane_2", fc.Features[1].ID)
}

func TestPostDetections_Single(t *testing.T) {
	f := newFixture(t, false)

	w := testutil.Serve(f.mux, testutil.Request(t, http.MethodPost, "/api/detections",
		`{"lane":"lane_2","count":3}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, testutil.DecodeJSON[DetectionResponse](t, w).Applied)

	l := f.lane(t, "main", "lane_2")
	assert.Equal(t, 3, l.Count)
	assert.True(t, l.Occupied)
	assert.Equal(t, testutil.BootTime, l.LastSeenAt, "zero timestamp means now")
}

func TestPostDetections_Batch(t *testing.T) {
	f := newFixture(t, false)
	at := testutil.BootTime.Add(-time.Second)

	w := testutil.Serve(f.mux, testutil.Request(t, http.MethodPost, "/api/detections", DetectionRequest{
		Timestamp: at,
		Observations: []detect.Observation{
			{Lane: "lane_4", Count: 2},
			{Intersection: "east", Lane: "in", Count: 5},
			{Lane: "lane_1", Count: -4},
		},
	}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 3, testutil.DecodeJSON[DetectionResponse](t, w).Applied)

	assert.Equal(t, 2, f.lane(t, "main", "lane_4").Count)
	assert.True(t, at.Equal(f.lane(t, "main", "lane_4").LastSeenAt))
	assert.Equal(t, 5, f.lane(t, "east", "in").Count)
	assert.Equal(t, 0, f.lane(t, "main", "lane_1").Count, "negative counts clamp to zero")
}

func TestPostDetections_RejectsWholeBatch(t *testing.T) {
	f := newFixture(t, false)

	w := testutil.Serve(f.mux, testutil.Request(t, http.MethodPost, "/api/detections", DetectionRequest{
		Observations: []detect.Observation{
			{Lane: "lane_2", Count: 4},
			{Lane: "lane_9", Count: 1},
		},
	}))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "lane_9")
	assert.Equal(t, 0, f.lane(t, "main", "lane_2").Count, "nothing applied")

	w = testutil.Serve(f.mux, testutil.Request(t, http.MethodPost, "/api/detections",
		`{"intersection":"nope","lane":"lane_2","count":1}`))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPostDetections_BadRequest(t *testing.T) {
	f := newFixture(t, false)

	for name, body := range map[string]string{
		"not json":      `{"lane":`,
		"unknown field": `{"lane":"lane_1","count":1,"speed":3}`,
		"missing count": `{"lane":"lane_1"}`,
		"missing lane":  `{"count":1}`,
		"empty":         `{}`,
	} {
		t.Run(name, func(t *testing.T) {
			w := testutil.Serve(f.mux, testutil.Request(t, http.MethodPost, "/api/detections", body))
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}

	w := testutil.Serve(f.mux, testutil.Request(t, http.MethodGet, "/api/detections", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestPostDetections_Frame(t *testing.T) {
	f := newFixture(t, false)

	w := testutil.Serve(f.mux, testutil.Request(t, http.MethodPost, "/api/detections", DetectionRequest{
		Boxes: []detect.Box{
			{X1: 10, Y1: 10, X2: 30, Y2: 30, Class: "car"},
			{X1: 40, Y1: 40, X2: 60, Y2: 80, Class: "Truck"},
			{X1: 120, Y1: 10, X2: 140, Y2: 30, Class: "bus"},
			{X1: 120, Y1: 10, X2: 140, Y2: 30, Class: "person"},
			{X1: 500, Y1: 500, X2: 520, Y2: 520, Class: "car"},
		},
	}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := testutil.DecodeJSON[DetectionResponse](t, w)
	assert.Equal(t, 4, resp.Applied, "every lane gets a count")
	require.NotNil(t, resp.Frame)
	assert.Equal(t, map[string]int{"lane_1": 2, "lane_2": 1, "lane_3": 0, "lane_4": 0}, resp.Frame.Counts)
	assert.Len(t, resp.Frame.Vehicles, 4, "the off-lane car is still tracked")

	assert.Equal(t, 2, f.lane(t, "main", "lane_1").Count)
	assert.Equal(t, 1, f.lane(t, "main", "lane_2").Count)

	w = testutil.Serve(f.mux, testutil.Request(t, http.MethodPost, "/api/detections",
		`{"intersection":"nope","boxes":[]}`))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPersistenceDisabled(t *testing.T) {
	f := newFixture(t, false)

	for _, path := range []string{
		"/api/lanes/main/lane_1/stats",
		"/api/intersections/main/commands",
		"/charts/counts",
	} {
		w := testutil.Serve(f.mux, testutil.Request(t, http.MethodGet, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
		assert.Contains(t, w.Body.String(), "persistence disabled")
	}
}

func seedSnapshots(t *testing.T, f *fixture) {
	t.Helper()
	for i, c := range []int{0, 2, 4, 6} {
		at := testutil.BootTime.Add(time.Duration(i-4) * time.Minute)
		require.NoError(t, f.db.RecordSnapshot("main", at, []db.LaneSample{
			{Lane: "lane_1", Direction: "UP", Signal: "GREEN", Count: c, Occupied: c > 0},
			{Lane: "lane_2", Direction: "DOWN", Signal: "RED", Count: 1, Occupied: true},
		}))
	}
	// outside a five minute window
	require.NoError(t, f.db.RecordSnapshot("main", testutil.BootTime.Add(-time.Hour), []db.LaneSample{
		{Lane: "lane_1", Count: 100},
	}))
}

func TestShowLaneStats(t *testing.T) {
	f := newFixture(t, true)
	seedSnapshots(t, f)

	w := testutil.Serve(f.mux, testutil.Request(t, http.MethodGet, "/api/lanes/main/lane_1/stats?window=5m", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got := testutil.DecodeJSON[LaneStatsResponse](t, w)
	assert.Equal(t, "main", got.Intersection)
	assert.Equal(t, "lane_1", got.Lane)
	assert.Equal(t, "5m0s", got.Window)
	assert.Equal(t, 4, got.Samples)
	assert.InDelta(t, 3.0, got.Mean, 1e-9)
	assert.Equal(t, 6, got.Max)
	assert.InDelta(t, 0.75, got.Occupied, 1e-9)
	assert.Contains(t, w.Body.String(), `"occupied_fraction"`)

	w = testutil.Serve(f.mux, testutil.Request(t, http.MethodGet, "/api/lanes/main/lane_1/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 4, testutil.DecodeJSON[LaneStatsResponse](t, w).Samples, "default window is 15m")

	w = testutil.Serve(f.mux, testutil.Request(t, http.MethodGet, "/api/lanes/main/lane_1/stats?window=2h", nil))
	assert.Equal(t, 5, testutil.DecodeJSON[LaneStatsResponse](t, w).Samples)

	w = testutil.Serve(f.mux, testutil.Request(t, http.MethodGet, "/api/lanes/main/lane_1/stats?window=soon", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = testutil.Serve(f.mux, testutil.Request(t, http.MethodGet, "/api/lanes/main/lane_1/stats?window=-1m", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListCommands(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.db.RecordCommand(db.CommandRecord{
		ID: "c1", Intersection: "main", Kind: "mode", Mode: "manual", IssuedAt: testutil.BootTime,
	}))
	require.NoError(t, f.db.RecordCommand(db.CommandRecord{
		ID: "c2", Intersection: "main", Kind: "signal", Unit: "lane_2", Color: "GREEN",
		IssuedAt: testutil.BootTime.Add(time.Second), Duration: 15 * time.Millisecond, Error: "timeout",
	}))
	require.NoError(t, f.db.RecordCommand(db.CommandRecord{ID: "c3", Intersection: "east", Kind: "mode"}))

	w := testutil.Serve(f.mux, testutil.Request(t, http.MethodGet, "/api/intersections/main/commands", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := testutil.DecodeJSON[[]CommandView](t, w)
	require.Len(t, got, 2)
	assert.Equal(t, "c2", got[0].ID, "newest first")
	assert.Equal(t, "lane_2", got[0].Unit)
	assert.Equal(t, "GREEN", got[0].Color)
	assert.Equal(t, "timeout", got[0].Error)
	assert.InDelta(t, 15.0, got[0].DurationMs, 1e-6)
	assert.True(t, testutil.BootTime.Add(time.Second).Equal(got[0].IssuedAt))
	assert.Equal(t, "manual", got[1].Mode)

	w = testutil.Serve(f.mux, testutil.Request(t, http.MethodGet, "/api/intersections/main/commands?limit=1", nil))
	assert.Len(t, testutil.DecodeJSON[[]CommandView](t, w), 1)

	for _, bad := range []string{"0", "-2", "x", "1001"} {
		w = testutil.Serve(f.mux, testutil.Request(t, http.MethodGet, "/api/intersections/main/commands?limit="+bad, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code, bad)
	}
}

func TestCountsChart(t *testing.T) {
	f := newFixture(t, true)
	seedSnapshots(t, f)

	w := testutil.Serve(f.mux, testutil.Request(t, http.MethodGet, "/charts/counts?window=10m", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, "Lane counts: main")
	assert.Contains(t, body, "lane_1")
	assert.Contains(t, body, "07:56:00")
	assert.NotContains(t, body, "07:00:00", "outside the window")

	w = testutil.Serve(f.mux, testutil.Request(t, http.MethodGet, "/charts/counts?intersection=east", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Lane counts: east")
}

func TestShowVersion(t *testing.T) {
	f := newFixture(t, false)

	w := testutil.Serve(f.mux, testutil.Request(t, http.MethodGet, "/api/version", nil))
	require.Equal(t, http.StatusOK, w.Code)
	got := testutil.DecodeJSON[map[string]string](t, w)
	assert.Contains(t, got, "version")
	assert.Contains(t, got, "git_sha")
	assert.Contains(t, got, "build_time")
}

func TestMetrics(t *testing.T) {
	f := newFixture(t, false)
	w := testutil.Serve(f.mux, testutil.Request(t, http.MethodPost, "/api/detections", `{"lane":"lane_1","count":1}`))
	require.Equal(t, http.StatusOK, w.Code)

	w = testutil.Serve(f.mux, testutil.Request(t, http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `signal_detection_observations_total{intersection="main"}`)
}

func TestLoggingMiddleware(t *testing.T) {
	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))

	w := testutil.Serve(h, testutil.Request(t, http.MethodGet, "/pot?x=1", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, "short and stout", w.Body.String())

	assert.Contains(t, statusCodeColor(200), "200")
	assert.Contains(t, statusCodeColor(302), colorYellow)
	assert.Contains(t, statusCodeColor(503), colorBoldRed)
	assert.Equal(t, "99", statusCodeColor(99))
}

func TestStreamStatus(t *testing.T) {
	f := newFixture(t, false)
	srv := httptest.NewServer(LoggingMiddleware(f.mux))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/status"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	var first StatusFrame
	require.NoError(t, conn.ReadJSON(&first))
	assert.True(t, testutil.BootTime.Equal(first.At))
	require.Len(t, first.Intersections, 2)
	assert.Equal(t, "main", first.Intersections[0].ID)
	assert.Equal(t, 0, first.Intersections[0].Lanes[1].Count)

	require.NoError(t, f.ingest.Observe(detect.Observation{Lane: "lane_2", Count: 5}))
	require.Eventually(t, func() bool { return f.clock.Tickers() == 1 }, time.Second, time.Millisecond)
	f.clock.Advance(500 * time.Millisecond)

	var second StatusFrame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&second))
	assert.True(t, testutil.BootTime.Add(500*time.Millisecond).Equal(second.At))
	assert.Equal(t, 5, second.Intersections[0].Lanes[1].Count)
	assert.True(t, second.Intersections[0].Lanes[1].Occupied)
}
