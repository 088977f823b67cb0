package actuator

import (
	"fmt"

	"github.com/banshee-data/signal.control/internal/config"
	"github.com/banshee-data/signal.control/internal/httputil"
	"github.com/banshee-data/signal.control/internal/serialmux"
)

// Open builds the bridge configured for an intersection. A missing or
// disabled actuator block yields a LogBridge. Serial bridges come back with
// their port open; the caller runs the mux's Monitor.
func Open(ic *config.IntersectionConfig, client httputil.HTTPClient) (Bridge, error) {
	names := ic.ActuatorNames()
	switch ic.ActuatorKind() {
	case config.ActuatorSerial:
		var opts serialmux.PortOptions
		if ic.Actuator.Serial != nil {
			opts = *ic.Actuator.Serial
		}
		mux, err := serialmux.Open(ic.Actuator.Port, opts)
		if err != nil {
			return nil, fmt.Errorf("intersection %s: %w", ic.ID, err)
		}
		return NewSerialBridge(mux, names), nil
	case config.ActuatorHTTP:
		return NewHTTPBridge(client, ic.Actuator.BaseURL, names, ic.Actuator.GetTimeout()), nil
	default:
		return LogBridge{}, nil
	}
}

// OpenDryRun builds a bridge that never touches hardware. Serial
// intersections keep their SerialBridge over a DisabledSerialMux so the line
// protocol, controller echoes and debug page still run; every other kind logs.
func OpenDryRun(ic *config.IntersectionConfig) Bridge {
	if ic.ActuatorKind() == config.ActuatorSerial {
		return NewSerialBridge(serialmux.NewDisabledSerialMux(), ic.ActuatorNames())
	}
	return LogBridge{}
}

// Mux returns the serial multiplexer behind a serial bridge.
func (b *SerialBridge) Mux() serialmux.Mux { return b.mux }
