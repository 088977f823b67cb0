package api

import (
	"fmt"
	"net/http"

	geojson "github.com/paulmach/go.geojson"

	"github.com/banshee-data/signal.control/internal/httputil"
	"github.com/banshee-data/signal.control/internal/intersection"
)

// IntersectionSummary is one row of GET /api/intersections.
type IntersectionSummary struct {
	ID          string             `json:"id"`
	ActiveGroup string             `json:"active_group"`
	Signal      intersection.Color `json:"signal"`
	PhaseAge    float64            `json:"phase_age_seconds"`
	Lanes       int                `json:"lanes"`
	// Reachable is omitted when the intersection has no actuator.
	Reachable *bool `json:"reachable,omitempty"`
}

func (s *Server) summary(in *intersection.Intersection) IntersectionSummary {
	st := in.Scheduler.Status()
	sum := IntersectionSummary{
		ID:          in.ID,
		ActiveGroup: st.ActiveGroup,
		Signal:      st.Signal,
		PhaseAge:    s.clock.Since(st.PhaseSince).Seconds(),
		Lanes:       len(in.Registry.IDs()),
	}
	if r, ok := s.reach[in.ID]; ok && r != nil {
		v := r.Reachable()
		sum.Reachable = &v
	}
	return sum
}

func (s *Server) lookup(w http.ResponseWriter, id string) (*intersection.Intersection, bool) {
	in, ok := s.network.Get(id)
	if !ok {
		httputil.NotFound(w, fmt.Sprintf("unknown intersection %q", id))
	}
	return in, ok
}

// laneStatus serves the default intersection's lanes, the dashboard's polling
// endpoint.
func (s *Server) laneStatus(w http.ResponseWriter, r *http.Request) {
	in := s.network.Default()
	if in == nil {
		httputil.NotFound(w, "no intersections configured")
		return
	}
	httputil.WriteJSONOK(w, in.Statuses())
}

func (s *Server) listIntersections(w http.ResponseWriter, r *http.Request) {
	all := s.network.All()
	out := make([]IntersectionSummary, len(all))
	for i, in := range all {
		out[i] = s.summary(in)
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) showIntersection(w http.ResponseWriter, r *http.Request) {
	in, ok := s.lookup(w, r.PathValue("id"))
	if !ok {
		return
	}
	httputil.WriteJSONOK(w, in.Snapshot())
}

func (s *Server) listLanes(w http.ResponseWriter, r *http.Request) {
	in, ok := s.lookup(w, r.PathValue("id"))
	if !ok {
		return
	}
	httputil.WriteJSONOK(w, in.Statuses())
}

// showGeometry exports lane polygons as a GeoJSON FeatureCollection in image
// pixel coordinates. Lanes without a polygon are left out.
func (s *Server) showGeometry(w http.ResponseWriter, r *http.Request) {
	in, ok := s.lookup(w, r.PathValue("id"))
	if !ok {
		return
	}
	fc := geojson.NewFeatureCollection()
	for _, l := range in.Registry.Snapshot() {
		if len(l.Polygon) == 0 {
			continue
		}
		ring := make([][]float64, len(l.Polygon))
		for i, p := range l.Polygon {
			ring[i] = []float64{p[0], p[1]}
		}
		f := geojson.NewPolygonFeature([][][]float64{ring})
		f.ID = l.ID
		f.SetProperty("lane", l.ID)
		f.SetProperty("direction", l.Direction.String())
		f.SetProperty("signal", l.Signal.String())
		if l.ActuatorName != "" {
			f.SetProperty("actuator_name", l.ActuatorName)
		}
		fc.AddFeature(f)
	}
	body, err := fc.MarshalJSON()
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.Write(body)
}
