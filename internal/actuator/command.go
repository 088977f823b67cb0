// Package actuator carries scheduler transitions out to the physical signal
// controller. Sends are asynchronous and best-effort: a failed command is
// logged and dropped, never retried, and never blocks the scheduler.
package actuator

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/signal.control/internal/intersection"
)

// Command is implemented by SetSignal and SetMode only.
type Command interface {
	CommandID() uuid.UUID
	// Kind is "signal" or "mode".
	Kind() string
	isCommand()
}

// SetSignal drives every head of a lane or pair to one color.
type SetSignal struct {
	ID           uuid.UUID
	Intersection string
	Unit         string
	Lanes        []string
	Color        intersection.Color
	On           bool
	At           time.Time
}

func (c SetSignal) CommandID() uuid.UUID { return c.ID }
func (SetSignal) Kind() string           { return "signal" }
func (SetSignal) isCommand()             {}

func (c SetSignal) String() string {
	return fmt.Sprintf("%s/%s %s", c.Intersection, c.Unit, c.Color)
}

// Mode is the controller's operating mode.
type Mode int

const (
	// ModeAuto lets the controller run its own fixed cycle.
	ModeAuto Mode = iota
	// ModeManual hands the heads to this process.
	ModeManual
)

func (m Mode) String() string {
	if m == ModeManual {
		return "manual"
	}
	return "auto"
}

// SetMode switches the controller between manual and auto.
type SetMode struct {
	ID           uuid.UUID
	Intersection string
	Mode         Mode
	At           time.Time
}

func (c SetMode) CommandID() uuid.UUID { return c.ID }
func (SetMode) Kind() string           { return "mode" }
func (SetMode) isCommand()             {}

func (c SetMode) String() string {
	return fmt.Sprintf("%s mode %s", c.Intersection, c.Mode)
}

// FromTransition builds the command for one scheduler transition.
func FromTransition(t intersection.Transition) SetSignal {
	return SetSignal{
		ID:           uuid.New(),
		Intersection: t.Intersection,
		Unit:         t.Unit,
		Lanes:        append([]string(nil), t.Lanes...),
		Color:        t.Color,
		On:           true,
		At:           t.At,
	}
}

// NewSetMode stamps a mode command.
func NewSetMode(intersectionID string, m Mode, at time.Time) SetMode {
	return SetMode{ID: uuid.New(), Intersection: intersectionID, Mode: m, At: at}
}

// wireColor is the lowercase color word the controller firmware expects.
func wireColor(c intersection.Color) string {
	return strings.ToLower(c.String())
}

func wireState(on bool) int {
	if on {
		return 1
	}
	return 0
}
