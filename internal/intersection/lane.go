// Package intersection holds the per-intersection lane registry, the occupancy
// tracker that debounces detection input, and the signal scheduler that runs
// the GREEN/YELLOW/RED phase machine over lanes and synchronized lane pairs.
package intersection

import (
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb"
)

// Color is the state of a signal head.
type Color int

// The zero value is Red so an uninitialised lane never reads as GREEN.
const (
	Red Color = iota
	Yellow
	Green
)

func (c Color) String() string {
	switch c {
	case Red:
		return "RED"
	case Yellow:
		return "YELLOW"
	case Green:
		return "GREEN"
	default:
		return fmt.Sprintf("Color(%d)", int(c))
	}
}

// ParseColor accepts RED, YELLOW or GREEN in any case.
func ParseColor(s string) (Color, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "RED":
		return Red, nil
	case "YELLOW":
		return Yellow, nil
	case "GREEN":
		return Green, nil
	}
	return Red, fmt.Errorf("unknown signal color %q", s)
}

func (c Color) MarshalText() ([]byte, error) {
	if c < Red || c > Green {
		return nil, fmt.Errorf("invalid signal color %d", int(c))
	}
	return []byte(c.String()), nil
}

func (c *Color) UnmarshalText(b []byte) error {
	v, err := ParseColor(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Direction is the travel direction a lane carries, in image coordinates.
type Direction int

const (
	DirectionUnknown Direction = iota
	Up
	Down
	Left
	Right
)

func (d Direction) String() string {
	switch d {
	case Up:
		return "UP"
	case Down:
		return "DOWN"
	case Left:
		return "LEFT"
	case Right:
		return "RIGHT"
	default:
		return ""
	}
}

// ParseDirection accepts UP, DOWN, LEFT or RIGHT in any case.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "UP":
		return Up, nil
	case "DOWN":
		return Down, nil
	case "LEFT":
		return Left, nil
	case "RIGHT":
		return Right, nil
	}
	return DirectionUnknown, fmt.Errorf("unknown lane direction %q", s)
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = DirectionUnknown
		return nil
	}
	v, err := ParseDirection(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Lane is one registry record: static geometry plus the live fields written by
// the occupancy tracker (Count, Occupied, LastSeenAt) and the scheduler
// (Signal, SignalSince).
type Lane struct {
	ID           string
	Direction    Direction
	Polygon      orb.Ring
	ActuatorName string

	Count      int
	Occupied   bool
	LastSeenAt time.Time

	Signal      Color
	SignalSince time.Time
}

// LanePair is two lanes sharing one physical phase. Their signals always match.
type LanePair struct {
	ID string
	A  string
	B  string
}

// Has reports whether laneID is a member of the pair.
func (p LanePair) Has(laneID string) bool {
	return p.A == laneID || p.B == laneID
}

// LaneStatus is the read-only per-lane view served to dashboards and sinks.
type LaneStatus struct {
	Lane      string    `json:"lane"`
	Direction Direction `json:"direction"`
	Signal    Color     `json:"signal"`
	Count     int       `json:"count"`
	Occupied  bool      `json:"occupied"`
}

// Status returns the status view of l.
func (l Lane) Status() LaneStatus {
	return LaneStatus{
		Lane:      l.ID,
		Direction: l.Direction,
		Signal:    l.Signal,
		Count:     l.Count,
		Occupied:  l.Occupied,
	}
}
