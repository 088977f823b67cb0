package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/signal.control/internal/intersection"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

const networkJSON = `{
  "timing": {"green_time": "4s", "count_switch_delta": 3, "sim_tick": "500ms"},
  "intersections": [
    {
      "id": "north",
      "lanes": [
        {"id": "lane_1", "direction": "up", "polygon": [[0,0],[10,0],[10,10],[0,10]], "actuator_name": "north"},
        {"id": "lane_2", "direction": "DOWN", "polygon": [[10,0],[20,0],[20,10]]},
        {"id": "lane_3", "direction": "RIGHT", "polygon": [[0,10],[10,10],[10,20]]},
        {"id": "lane_4", "direction": "left", "polygon": [[10,10],[20,10],[20,20],[10,10]]}
      ],
      "pairs": [{"id": "ns", "lanes": ["lane_1", "lane_2"]}],
      "initial_green": "ns",
      "actuator": {"kind": "http", "base_url": "http://192.168.4.1", "timeout": "250ms"}
    },
    {
      "id": "south",
      "lanes": [{"id": "lane_1", "direction": "UP", "polygon": [[0,0],[1,0],[1,1]]}]
    }
  ],
  "handoffs": [
    {"from_intersection": "north", "from_lane": "lane_2", "to_intersection": "south", "to_lane": "lane_1", "ratio": 0.5}
  ]
}`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeFile(t, "network.json", networkJSON))
	require.NoError(t, err)

	assert.Equal(t, 4*time.Second, cfg.Timing.GetGreenTime())
	assert.Equal(t, 2*time.Second, cfg.Timing.GetYellowTime())
	assert.Equal(t, 1500*time.Millisecond, cfg.Timing.GetEmptyTimeout())
	assert.Equal(t, 3, cfg.Timing.GetCountSwitchDelta())
	assert.Equal(t, 500*time.Millisecond, cfg.Timing.GetSimTick())
	assert.Equal(t, 100*time.Millisecond, cfg.Timing.GetSchedulerResolution())
	assert.Equal(t, time.Second, cfg.Timing.GetSnapshotInterval())
	assert.Equal(t, 7*24*time.Hour, cfg.Timing.GetSnapshotRetention())
	assert.Equal(t, intersection.Timing{Green: 4 * time.Second, Yellow: 2 * time.Second, SwitchDelta: 3}, cfg.Timing.PhaseTiming())

	north := cfg.Intersections[0]
	assert.Equal(t, ActuatorHTTP, north.ActuatorKind())
	assert.Equal(t, 250*time.Millisecond, north.Actuator.GetTimeout())
	assert.Equal(t, ActuatorDisabled, cfg.Intersections[1].ActuatorKind())

	lanes, err := north.BuildLanes()
	require.NoError(t, err)
	require.Len(t, lanes, 4)
	assert.Equal(t, intersection.Up, lanes[0].Direction)
	assert.Equal(t, intersection.Left, lanes[3].Direction)
	assert.True(t, lanes[0].Polygon.Closed())
	assert.Len(t, lanes[0].Polygon, 5)
	assert.Len(t, lanes[1].Polygon, 4)
	assert.Len(t, lanes[3].Polygon, 4, "an already closed ring is kept as is")

	if diff := cmp.Diff([]intersection.LanePair{{ID: "ns", A: "lane_1", B: "lane_2"}}, north.BuildPairs()); diff != "" {
		t.Errorf("BuildPairs mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, map[string]string{"lane_1": "north"}, north.ActuatorNames())
}

func TestLoad_FileChecks(t *testing.T) {
	_, err := Load(writeFile(t, "network.yaml", networkJSON))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "broken.json", `{"intersections": [`))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	lane := func(id string) LaneConfig {
		return LaneConfig{ID: id, Direction: "UP", Polygon: [][2]float64{{0, 0}, {1, 0}, {1, 1}}}
	}
	one := func(mod func(*IntersectionConfig)) Config {
		ic := IntersectionConfig{ID: "x", Lanes: []LaneConfig{lane("a"), lane("b"), lane("c")}}
		mod(&ic)
		return Config{Intersections: []IntersectionConfig{ic}}
	}
	bad := "1s0"
	negative := "-1h"

	tests := []struct {
		name string
		cfg  Config
	}{
		{"no intersections", Config{}},
		{"duplicate intersection", Config{Intersections: []IntersectionConfig{
			{ID: "x", Lanes: []LaneConfig{lane("a")}}, {ID: "x", Lanes: []LaneConfig{lane("a")}},
		}}},
		{"no lanes", one(func(ic *IntersectionConfig) { ic.Lanes = nil })},
		{"duplicate lane", one(func(ic *IntersectionConfig) { ic.Lanes = append(ic.Lanes, lane("a")) })},
		{"unknown direction", one(func(ic *IntersectionConfig) { ic.Lanes[0].Direction = "SIDEWAYS" })},
		{"missing direction", one(func(ic *IntersectionConfig) { ic.Lanes[0].Direction = "" })},
		{"missing polygon", one(func(ic *IntersectionConfig) { ic.Lanes[1].Polygon = nil })},
		{"short polygon", one(func(ic *IntersectionConfig) { ic.Lanes[0].Polygon = [][2]float64{{0, 0}, {1, 1}} })},
		{"pair of one", one(func(ic *IntersectionConfig) { ic.Pairs = []PairConfig{{Lanes: []string{"a"}}} })},
		{"pair with itself", one(func(ic *IntersectionConfig) { ic.Pairs = []PairConfig{{Lanes: []string{"a", "a"}}} })},
		{"pair unknown lane", one(func(ic *IntersectionConfig) { ic.Pairs = []PairConfig{{Lanes: []string{"a", "z"}}} })},
		{"lane in two pairs", one(func(ic *IntersectionConfig) {
			ic.Pairs = []PairConfig{{Lanes: []string{"a", "b"}}, {Lanes: []string{"b", "c"}}}
		})},
		{"pair id is another lane", one(func(ic *IntersectionConfig) {
			ic.Pairs = []PairConfig{{ID: "c", Lanes: []string{"a", "b"}}}
		})},
		{"duplicate pair id", one(func(ic *IntersectionConfig) {
			ic.Lanes = append(ic.Lanes, lane("d"))
			ic.Pairs = []PairConfig{{ID: "p", Lanes: []string{"a", "b"}}, {ID: "p", Lanes: []string{"c", "d"}}}
		})},
		{"initial green by lanes of a named pair", one(func(ic *IntersectionConfig) {
			ic.Pairs = []PairConfig{{ID: "ab", Lanes: []string{"a", "b"}}}
			ic.InitialGreen = "a+b"
		})},
		{"unknown initial green", one(func(ic *IntersectionConfig) { ic.InitialGreen = "q" })},
		{"unknown actuator", one(func(ic *IntersectionConfig) { ic.Actuator = &ActuatorConfig{Kind: "smoke-signal"} })},
		{"serial without port", one(func(ic *IntersectionConfig) { ic.Actuator = &ActuatorConfig{Kind: ActuatorSerial} })},
		{"http without url", one(func(ic *IntersectionConfig) { ic.Actuator = &ActuatorConfig{Kind: ActuatorHTTP} })},
		{"bad duration", Config{
			Timing:        TimingConfig{GreenTime: &bad},
			Intersections: []IntersectionConfig{{ID: "x", Lanes: []LaneConfig{lane("a")}}},
		}},
		{"negative retention", Config{
			Timing:        TimingConfig{SnapshotRetention: &negative},
			Intersections: []IntersectionConfig{{ID: "x", Lanes: []LaneConfig{lane("a")}}},
		}},
		{"handoff ratio", Config{
			Intersections: []IntersectionConfig{{ID: "x", Lanes: []LaneConfig{lane("a"), lane("b")}}},
			Handoffs:      []HandoffConfig{{FromIntersection: "x", FromLane: "a", ToIntersection: "x", ToLane: "b", Ratio: 1.5}},
		}},
		{"handoff unknown lane", Config{
			Intersections: []IntersectionConfig{{ID: "x", Lanes: []LaneConfig{lane("a")}}},
			Handoffs:      []HandoffConfig{{FromIntersection: "x", FromLane: "a", ToIntersection: "y", ToLane: "a", Ratio: 0.5}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}

	ok := one(func(ic *IntersectionConfig) {
		ic.Pairs = []PairConfig{{Lanes: []string{"a", "c"}}}
		ic.InitialGreen = "a+c"
	})
	assert.NoError(t, ok.Validate())
}

func TestLoadLaneFile(t *testing.T) {
	path := writeFile(t, "lanes.json", `{
  "lane_3": [[0,0],[5,0],[5,5]],
  "lane_1": [[10,10],[20,10],[20,20],[10,20]],
  "lane_5": [[30,30],[40,30],[40,40]]
}`)
	cfg, err := LoadLaneFile(path)
	require.NoError(t, err)
	require.Len(t, cfg.Intersections, 1)

	ic := cfg.Intersections[0]
	assert.Equal(t, LegacyIntersectionID, ic.ID)
	ids := []string{ic.Lanes[0].ID, ic.Lanes[1].ID, ic.Lanes[2].ID}
	assert.Equal(t, []string{"lane_3", "lane_1", "lane_5"}, ids, "file order is kept")
	assert.Equal(t, "RIGHT", ic.Lanes[0].Direction)
	assert.Equal(t, "east", ic.Lanes[0].ActuatorName)
	assert.Equal(t, "", ic.Lanes[2].Direction)

	_, err = LoadLaneFile(writeFile(t, "empty.json", `{}`))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = LoadLaneFile(writeFile(t, "list.json", `[[0,0]]`))
	assert.Error(t, err)
}
