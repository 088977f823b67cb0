package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/banshee-data/signal.control/internal/detect"
	"github.com/banshee-data/signal.control/internal/httputil"
	"github.com/banshee-data/signal.control/internal/intersection"
)

const maxDetectionBody = 1 << 20

// DetectionRequest is the body of POST /api/detections. Exactly one form is
// used: a frame of boxes, a list of observations, or a single lane count.
type DetectionRequest struct {
	Intersection string    `json:"intersection"`
	Timestamp    time.Time `json:"timestamp"`

	Boxes []detect.Box `json:"boxes,omitempty"`

	Observations []detect.Observation `json:"observations,omitempty"`

	Lane  string `json:"lane,omitempty"`
	Count *int   `json:"count,omitempty"`
}

// DetectionResponse reports what was applied.
type DetectionResponse struct {
	Applied int                 `json:"applied"`
	Frame   *detect.FrameResult `json:"frame,omitempty"`
}

func (req DetectionRequest) observations() ([]detect.Observation, error) {
	if len(req.Observations) > 0 {
		out := make([]detect.Observation, len(req.Observations))
		for i, o := range req.Observations {
			if o.Intersection == "" {
				o.Intersection = req.Intersection
			}
			if o.Timestamp.IsZero() {
				o.Timestamp = req.Timestamp
			}
			out[i] = o
		}
		return out, nil
	}
	if req.Lane == "" || req.Count == nil {
		return nil, errors.New("need boxes, observations, or lane and count")
	}
	return []detect.Observation{{
		Intersection: req.Intersection,
		Lane:         req.Lane,
		Count:        *req.Count,
		Timestamp:    req.Timestamp,
	}}, nil
}

// checkTargets rejects a batch that names an unknown intersection or lane
// before any of it is applied.
func (s *Server) checkTargets(obs []detect.Observation) error {
	for _, o := range obs {
		in := s.network.Default()
		if o.Intersection != "" {
			var ok bool
			if in, ok = s.network.Get(o.Intersection); !ok {
				return fmt.Errorf("%w: %q", detect.ErrUnknownIntersection, o.Intersection)
			}
		}
		if in == nil || !in.Registry.Has(o.Lane) {
			return fmt.Errorf("%w: %q", intersection.ErrUnknownLane, o.Lane)
		}
	}
	return nil
}

func (s *Server) postDetections(w http.ResponseWriter, r *http.Request) {
	var req DetectionRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxDetectionBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid detection body: %v", err))
		return
	}

	if req.Boxes != nil {
		res, err := s.ingest.ObserveFrame(detect.Frame{
			Intersection: req.Intersection,
			Timestamp:    req.Timestamp,
			Boxes:        req.Boxes,
		})
		if err != nil {
			httputil.NotFound(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, DetectionResponse{Applied: len(res.Counts), Frame: &res})
		return
	}

	obs, err := req.observations()
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := s.checkTargets(obs); err != nil {
		httputil.NotFound(w, err.Error())
		return
	}
	for _, o := range obs {
		if err := s.ingest.Observe(o); err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
	}
	httputil.WriteJSONOK(w, DetectionResponse{Applied: len(obs)})
}
