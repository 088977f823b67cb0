// Package config loads the static intersection network: lane geometry, lane
// pairs, handoff edges, phase timings and actuator transports.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/paulmach/orb"

	"github.com/banshee-data/signal.control/internal/intersection"
	"github.com/banshee-data/signal.control/internal/serialmux"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Actuator transport kinds.
const (
	ActuatorSerial   = "serial"
	ActuatorHTTP     = "http"
	ActuatorDisabled = "disabled"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the root of the configuration file.
type Config struct {
	Timing        TimingConfig         `json:"timing"`
	Intersections []IntersectionConfig `json:"intersections"`
	Handoffs      []HandoffConfig      `json:"handoffs,omitempty"`
}

// TimingConfig carries the timing contracts. Durations are strings such as
// "5s" or "1500ms"; omitted fields fall back to the Get* defaults.
type TimingConfig struct {
	GreenTime           *string `json:"green_time,omitempty"`
	YellowTime          *string `json:"yellow_time,omitempty"`
	EmptyTimeout        *string `json:"empty_timeout,omitempty"`
	CountSwitchDelta    *int    `json:"count_switch_delta,omitempty"`
	SimTick             *string `json:"sim_tick,omitempty"`
	SchedulerResolution *string `json:"scheduler_resolution,omitempty"`
	SnapshotInterval    *string `json:"snapshot_interval,omitempty"`
	SnapshotRetention   *string `json:"snapshot_retention,omitempty"`
}

// IntersectionConfig describes one intersection.
type IntersectionConfig struct {
	ID           string          `json:"id"`
	Lanes        []LaneConfig    `json:"lanes"`
	Pairs        []PairConfig    `json:"pairs,omitempty"`
	InitialGreen string          `json:"initial_green,omitempty"`
	Actuator     *ActuatorConfig `json:"actuator,omitempty"`
}

// LaneConfig is the static part of a lane.
type LaneConfig struct {
	ID           string       `json:"id"`
	Direction    string       `json:"direction,omitempty"`
	Polygon      [][2]float64 `json:"polygon,omitempty"`
	ActuatorName string       `json:"actuator_name,omitempty"`
}

// PairConfig names two lanes that always show the same color.
type PairConfig struct {
	ID    string   `json:"id,omitempty"`
	Lanes []string `json:"lanes"`
}

// ActuatorConfig selects the transport the intersection's commands go out on.
type ActuatorConfig struct {
	Kind    string                 `json:"kind"`
	Port    string                 `json:"port,omitempty"`
	Serial  *serialmux.PortOptions `json:"serial,omitempty"`
	BaseURL string                 `json:"base_url,omitempty"`
	Timeout *string                `json:"timeout,omitempty"`
}

// HandoffConfig is one directed handoff edge.
type HandoffConfig struct {
	FromIntersection string  `json:"from_intersection"`
	FromLane         string  `json:"from_lane"`
	ToIntersection   string  `json:"to_intersection"`
	ToLane           string  `json:"to_lane"`
	Ratio            float64 `json:"ratio"`
}

// Load reads and validates a configuration file. The path must have a .json
// extension and the file must be at most 1MB.
func Load(path string) (*Config, error) {
	data, err := readJSONFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readJSONFile(path string) ([]byte, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return data, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate checks the whole network. Every lane needs a direction and a
// polygon of at least three points. Every error wraps ErrInvalidConfig.
func (c *Config) Validate() error {
	return c.validate(true)
}

// validate runs every check; strict=false lets lanes omit direction and
// polygon, as lanes.json imports do.
func (c *Config) validate(strict bool) error {
	if err := c.Timing.Validate(); err != nil {
		return err
	}
	if len(c.Intersections) == 0 {
		return invalid("no intersections configured")
	}

	lanesOf := make(map[string]map[string]bool)
	for i := range c.Intersections {
		ic := &c.Intersections[i]
		if ic.ID == "" {
			return invalid("intersection %d has no id", i)
		}
		if _, dup := lanesOf[ic.ID]; dup {
			return invalid("duplicate intersection id %q", ic.ID)
		}
		lanes, err := ic.validate(strict)
		if err != nil {
			return err
		}
		lanesOf[ic.ID] = lanes
	}

	for i, h := range c.Handoffs {
		from, ok := lanesOf[h.FromIntersection]
		if !ok || !from[h.FromLane] {
			return invalid("handoff %d: unknown source %s/%s", i, h.FromIntersection, h.FromLane)
		}
		to, ok := lanesOf[h.ToIntersection]
		if !ok || !to[h.ToLane] {
			return invalid("handoff %d: unknown destination %s/%s", i, h.ToIntersection, h.ToLane)
		}
		if h.FromIntersection == h.ToIntersection && h.FromLane == h.ToLane {
			return invalid("handoff %d: source and destination are the same lane", i)
		}
		if h.Ratio <= 0 || h.Ratio > 1 {
			return invalid("handoff %d: ratio must be in (0,1], got %g", i, h.Ratio)
		}
	}
	return nil
}

func (ic *IntersectionConfig) validate(strict bool) (map[string]bool, error) {
	if len(ic.Lanes) == 0 {
		return nil, invalid("intersection %s: no lanes", ic.ID)
	}
	lanes := make(map[string]bool, len(ic.Lanes))
	for _, l := range ic.Lanes {
		if l.ID == "" {
			return nil, invalid("intersection %s: lane with empty id", ic.ID)
		}
		if lanes[l.ID] {
			return nil, invalid("intersection %s: duplicate lane id %q", ic.ID, l.ID)
		}
		lanes[l.ID] = true
		if strict && l.Direction == "" {
			return nil, invalid("intersection %s: lane %s has no direction", ic.ID, l.ID)
		}
		if l.Direction != "" {
			if _, err := intersection.ParseDirection(l.Direction); err != nil {
				return nil, invalid("intersection %s: lane %s: %v", ic.ID, l.ID, err)
			}
		}
		if (strict || l.Polygon != nil) && len(l.Polygon) < 3 {
			return nil, invalid("intersection %s: lane %s: polygon needs at least 3 points, got %d", ic.ID, l.ID, len(l.Polygon))
		}
	}

	paired := make(map[string]bool)
	pairIDs := make(map[string]bool, len(ic.Pairs))
	for i, p := range ic.Pairs {
		if len(p.Lanes) != 2 || p.Lanes[0] == p.Lanes[1] {
			return nil, invalid("intersection %s: pair %d must name exactly two distinct lanes", ic.ID, i)
		}
		for _, id := range p.Lanes {
			if !lanes[id] {
				return nil, invalid("intersection %s: pair %d: unknown lane %q", ic.ID, i, id)
			}
			if paired[id] {
				return nil, invalid("intersection %s: lane %q is in more than one pair", ic.ID, id)
			}
			paired[id] = true
		}
		uid := p.UnitID()
		if pairIDs[uid] {
			return nil, invalid("intersection %s: duplicate pair id %q", ic.ID, uid)
		}
		pairIDs[uid] = true
		if lanes[uid] && uid != p.Lanes[0] && uid != p.Lanes[1] {
			return nil, invalid("intersection %s: pair id %q is the id of a lane outside the pair", ic.ID, uid)
		}
	}

	if ic.InitialGreen != "" && !lanes[ic.InitialGreen] && !ic.hasPair(ic.InitialGreen) {
		return nil, invalid("intersection %s: initial_green %q is not a lane or pair", ic.ID, ic.InitialGreen)
	}

	if a := ic.Actuator; a != nil {
		switch a.Kind {
		case ActuatorSerial:
			if a.Port == "" {
				return nil, invalid("intersection %s: serial actuator needs a port", ic.ID)
			}
			if a.Serial != nil {
				if _, err := a.Serial.Normalize(); err != nil {
					return nil, invalid("intersection %s: %v", ic.ID, err)
				}
			}
		case ActuatorHTTP:
			if a.BaseURL == "" {
				return nil, invalid("intersection %s: http actuator needs a base_url", ic.ID)
			}
		case ActuatorDisabled, "":
		default:
			return nil, invalid("intersection %s: unknown actuator kind %q", ic.ID, a.Kind)
		}
		if err := checkDuration("actuator.timeout", a.Timeout); err != nil {
			return nil, err
		}
	}
	return lanes, nil
}

func (ic *IntersectionConfig) hasPair(id string) bool {
	for _, p := range ic.Pairs {
		if p.UnitID() == id {
			return true
		}
	}
	return false
}

// UnitID is the id the scheduler knows the pair by: its id, or the two lane
// ids joined with "+".
func (p PairConfig) UnitID() string {
	if p.ID != "" || len(p.Lanes) != 2 {
		return p.ID
	}
	return p.Lanes[0] + "+" + p.Lanes[1]
}

// Validate checks that every duration parses and is positive.
func (t TimingConfig) Validate() error {
	for _, d := range []struct {
		name string
		v    *string
	}{
		{"green_time", t.GreenTime},
		{"yellow_time", t.YellowTime},
		{"empty_timeout", t.EmptyTimeout},
		{"sim_tick", t.SimTick},
		{"scheduler_resolution", t.SchedulerResolution},
		{"snapshot_interval", t.SnapshotInterval},
		{"snapshot_retention", t.SnapshotRetention},
	} {
		if err := checkDuration(d.name, d.v); err != nil {
			return err
		}
	}
	if t.CountSwitchDelta != nil && *t.CountSwitchDelta < 0 {
		return invalid("count_switch_delta must be non-negative, got %d", *t.CountSwitchDelta)
	}
	return nil
}

func checkDuration(name string, v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return invalid("invalid %s '%s': %v", name, *v, err)
	}
	if d <= 0 {
		return invalid("%s must be positive, got %v", name, d)
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// GetGreenTime returns green_time or 5s.
func (t TimingConfig) GetGreenTime() time.Duration { return durationOr(t.GreenTime, 5*time.Second) }

// GetYellowTime returns yellow_time or 2s.
func (t TimingConfig) GetYellowTime() time.Duration { return durationOr(t.YellowTime, 2*time.Second) }

// GetEmptyTimeout returns empty_timeout or 1.5s.
func (t TimingConfig) GetEmptyTimeout() time.Duration {
	return durationOr(t.EmptyTimeout, intersection.DefaultEmptyTimeout)
}

func (t TimingConfig) GetCountSwitchDelta() int {
	if t.CountSwitchDelta == nil {
		return 2
	}
	return *t.CountSwitchDelta
}

func (t TimingConfig) GetSimTick() time.Duration { return durationOr(t.SimTick, time.Second) }

func (t TimingConfig) GetSchedulerResolution() time.Duration {
	return durationOr(t.SchedulerResolution, 100*time.Millisecond)
}

func (t TimingConfig) GetSnapshotInterval() time.Duration {
	return durationOr(t.SnapshotInterval, time.Second)
}

// GetSnapshotRetention returns how long persisted history is kept, 7 days by
// default.
func (t TimingConfig) GetSnapshotRetention() time.Duration {
	return durationOr(t.SnapshotRetention, 7*24*time.Hour)
}

// PhaseTiming converts the timing block for the scheduler.
func (t TimingConfig) PhaseTiming() intersection.Timing {
	return intersection.Timing{
		Green:       t.GetGreenTime(),
		Yellow:      t.GetYellowTime(),
		SwitchDelta: t.GetCountSwitchDelta(),
	}
}

// GetTimeout returns the per-command actuator timeout or 500ms.
func (a *ActuatorConfig) GetTimeout() time.Duration {
	if a == nil {
		return 500 * time.Millisecond
	}
	return durationOr(a.Timeout, 500*time.Millisecond)
}

// ActuatorKind returns the configured actuator kind, treating a missing block as
// disabled.
func (ic *IntersectionConfig) ActuatorKind() string {
	if ic.Actuator == nil || ic.Actuator.Kind == "" {
		return ActuatorDisabled
	}
	return ic.Actuator.Kind
}

// BuildLanes converts the lane definitions. Polygons are closed so that the
// first and last points coincide.
func (ic *IntersectionConfig) BuildLanes() ([]intersection.Lane, error) {
	out := make([]intersection.Lane, 0, len(ic.Lanes))
	for _, l := range ic.Lanes {
		var dir intersection.Direction
		if err := dir.UnmarshalText([]byte(l.Direction)); err != nil {
			return nil, invalid("lane %s: %v", l.ID, err)
		}
		out = append(out, intersection.Lane{
			ID:           l.ID,
			Direction:    dir,
			Polygon:      ring(l.Polygon),
			ActuatorName: l.ActuatorName,
		})
	}
	return out, nil
}

// BuildPairs converts the pair definitions.
func (ic *IntersectionConfig) BuildPairs() []intersection.LanePair {
	out := make([]intersection.LanePair, 0, len(ic.Pairs))
	for _, p := range ic.Pairs {
		if len(p.Lanes) != 2 {
			continue
		}
		out = append(out, intersection.LanePair{ID: p.ID, A: p.Lanes[0], B: p.Lanes[1]})
	}
	return out
}

// ActuatorNames maps lane id to the signal head name used on the wire. Lanes
// without an actuator_name have no physical head and are left out.
func (ic *IntersectionConfig) ActuatorNames() map[string]string {
	names := make(map[string]string, len(ic.Lanes))
	for _, l := range ic.Lanes {
		if l.ActuatorName != "" {
			names[l.ID] = l.ActuatorName
		}
	}
	return names
}

func ring(points [][2]float64) orb.Ring {
	if len(points) == 0 {
		return nil
	}
	r := make(orb.Ring, 0, len(points)+1)
	for _, p := range points {
		r = append(r, orb.Point{p[0], p[1]})
	}
	if !r.Closed() {
		r = append(r, r[0])
	}
	return r
}
