package api

import (
	"bytes"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/signal.control/internal/db"
	"github.com/banshee-data/signal.control/internal/httputil"
)

const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

const defaultWindow = 15 * time.Minute

// window parses ?window= as a Go duration, defaulting to 15 minutes.
func window(r *http.Request) (time.Duration, error) {
	v := r.URL.Query().Get("window")
	if v == "" {
		return defaultWindow, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid window %q", v)
	}
	return d, nil
}

func (s *Server) requireDB(w http.ResponseWriter) bool {
	if s.db == nil {
		httputil.ServiceUnavailable(w, "persistence disabled")
		return false
	}
	return true
}

// LaneStatsResponse is the body of GET /api/lanes/{intersection}/{lane}/stats.
type LaneStatsResponse struct {
	Intersection string `json:"intersection"`
	Lane         string `json:"lane"`
	Window       string `json:"window"`
	db.CountStats
}

func (s *Server) showLaneStats(w http.ResponseWriter, r *http.Request) {
	in, ok := s.lookup(w, r.PathValue("intersection"))
	if !ok {
		return
	}
	lane := r.PathValue("lane")
	if !in.Registry.Has(lane) {
		httputil.NotFound(w, fmt.Sprintf("unknown lane %q", lane))
		return
	}
	win, err := window(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if !s.requireDB(w) {
		return
	}
	stats, err := s.db.LaneCountStats(in.ID, lane, s.clock.Now().Add(-win))
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, LaneStatsResponse{Intersection: in.ID, Lane: lane, Window: win.String(), CountStats: stats})
}

// CommandView is one entry of GET /api/intersections/{id}/commands.
type CommandView struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Unit       string    `json:"unit,omitempty"`
	Color      string    `json:"color,omitempty"`
	Mode       string    `json:"mode,omitempty"`
	IssuedAt   time.Time `json:"issued_at"`
	DurationMs float64   `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

func (s *Server) listCommands(w http.ResponseWriter, r *http.Request) {
	in, ok := s.lookup(w, r.PathValue("id"))
	if !ok {
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			httputil.BadRequest(w, fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = n
	}
	if !s.requireDB(w) {
		return
	}
	recs, err := s.db.RecentCommands(in.ID, limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	out := make([]CommandView, len(recs))
	for i, rec := range recs {
		out[i] = CommandView{
			ID:         rec.ID,
			Kind:       rec.Kind,
			Unit:       rec.Unit,
			Color:      rec.Color,
			Mode:       rec.Mode,
			IssuedAt:   rec.IssuedAt,
			DurationMs: float64(rec.Duration) / float64(time.Millisecond),
			Error:      rec.Error,
		}
	}
	httputil.WriteJSONOK(w, out)
}

// countsChart renders recorded lane counts of one intersection as an HTML
// line chart, one series per lane.
func (s *Server) countsChart(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("intersection")
	in := s.network.Default()
	if id != "" {
		var ok bool
		if in, ok = s.lookup(w, id); !ok {
			return
		}
	}
	if in == nil {
		httputil.NotFound(w, "no intersections configured")
		return
	}
	win, err := window(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if !s.requireDB(w) {
		return
	}

	now := s.clock.Now()
	since := now.Add(-win)
	type series struct {
		lane    string
		samples []db.CountSample
	}
	var all []series
	stamps := map[int64]bool{}
	for _, lane := range in.Registry.IDs() {
		samples, err := s.db.RecentCounts(in.ID, lane, since)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		for _, smp := range samples {
			stamps[smp.At.UnixMilli()] = true
		}
		all = append(all, series{lane: lane, samples: samples})
	}

	// snapshots of one intersection share timestamps, so one x axis serves
	// every lane
	axis := make([]int64, 0, len(stamps))
	for ts := range stamps {
		axis = append(axis, ts)
	}
	slices.Sort(axis)
	labels := make([]string, len(axis))
	index := make(map[int64]int, len(axis))
	for i, ts := range axis {
		labels[i] = time.UnixMilli(ts).UTC().Format("15:04:05")
		index[ts] = i
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Lane counts", Width: "100%", Height: "600px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Lane counts: " + in.ID, Subtitle: fmt.Sprintf("last %s to %s", win, now.UTC().Format(time.RFC3339))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	line.SetXAxis(labels)
	for _, sr := range all {
		// gaps stay nil so the line breaks instead of dropping to zero
		data := make([]opts.LineData, len(axis))
		for _, smp := range sr.samples {
			data[index[smp.At.UnixMilli()]] = opts.LineData{Value: smp.Count}
		}
		line.AddSeries(sr.lane, data)
	}

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsHost)
	page.AddCharts(line)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}
