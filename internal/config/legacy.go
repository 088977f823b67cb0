package config

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// LegacyIntersectionID names the single intersection built from a lanes.json
// file.
const LegacyIntersectionID = "main"

// DefaultDirections is the direction map applied to lanes.json imports.
var DefaultDirections = map[string]string{
	"lane_1": "UP",
	"lane_2": "DOWN",
	"lane_3": "RIGHT",
	"lane_4": "LEFT",
	"lane_6": "LEFT",
	"lane_7": "RIGHT",
	"lane_8": "DOWN",
	"lane_9": "UP",
}

// DefaultActuatorNames maps lanes.json lanes to the controller's signal heads.
var DefaultActuatorNames = map[string]string{
	"lane_1": "north",
	"lane_2": "south",
	"lane_3": "east",
	"lane_4": "west",
}

// LoadLaneFile imports a lanes.json file of the form
// {"lane_1": [[x,y], ...], ...} as a single-intersection configuration with
// default timings, no pairs and a disabled actuator. Lanes keep their file
// order, which becomes the round-robin order. Lanes missing from
// DefaultDirections are accepted without a direction.
func LoadLaneFile(path string) (*Config, error) {
	data, err := readJSONFile(path)
	if err != nil {
		return nil, err
	}
	lanes, err := parseLaneFile(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse lane file %s: %w", path, err)
	}
	if len(lanes) == 0 {
		return nil, invalid("lane file %s is empty", path)
	}

	cfg := &Config{
		Intersections: []IntersectionConfig{{
			ID:    LegacyIntersectionID,
			Lanes: lanes,
		}},
	}
	// lanes outside the default direction map stay without a direction
	if err := cfg.validate(false); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseLaneFile(data []byte) ([]LaneConfig, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected an object of lane polygons")
	}

	var lanes []LaneConfig
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		id, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v", tok)
		}
		var poly [][2]float64
		if err := dec.Decode(&poly); err != nil {
			return nil, fmt.Errorf("lane %s: %w", id, err)
		}
		lanes = append(lanes, LaneConfig{
			ID:           id,
			Direction:    DefaultDirections[id],
			Polygon:      poly,
			ActuatorName: DefaultActuatorNames[id],
		})
	}
	return lanes, nil
}
