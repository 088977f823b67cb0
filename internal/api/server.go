// Package api serves the HTTP surface of the signal controller: lane status
// for dashboards, detection ingest, geometry, history and live status push.
package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/signal.control/internal/db"
	"github.com/banshee-data/signal.control/internal/detect"
	"github.com/banshee-data/signal.control/internal/handoff"
	"github.com/banshee-data/signal.control/internal/httputil"
	"github.com/banshee-data/signal.control/internal/metrics"
	"github.com/banshee-data/signal.control/internal/monitoring"
	"github.com/banshee-data/signal.control/internal/timeutil"
	"github.com/banshee-data/signal.control/internal/version"
)

// ANSI escape codes for the request log
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Reachability is the best-effort actuator status of one intersection.
type Reachability interface {
	Reachable() bool
}

// Options configures a Server. Every field is optional.
type Options struct {
	// DB enables the stats, commands and chart endpoints.
	DB *db.DB
	// Reachability is keyed by intersection id.
	Reachability map[string]Reachability
	Clock        timeutil.Clock
	// PushInterval paces /ws/status; the default is 500ms.
	PushInterval time.Duration
}

type Server struct {
	network      *handoff.Network
	ingest       *detect.Ingest
	db           *db.DB
	reach        map[string]Reachability
	clock        timeutil.Clock
	pushInterval time.Duration
}

func NewServer(n *handoff.Network, ing *detect.Ingest, opts Options) *Server {
	s := &Server{
		network:      n,
		ingest:       ing,
		db:           opts.DB,
		reach:        opts.Reachability,
		clock:        opts.Clock,
		pushInterval: opts.PushInterval,
	}
	if s.clock == nil {
		s.clock = timeutil.RealClock{}
	}
	if s.pushInterval <= 0 {
		s.pushInterval = 500 * time.Millisecond
	}
	return s
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	// the connection leaves HTTP; log it as a protocol switch
	lrw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap lets http.ResponseController and the websocket upgrader reach the
// underlying writer.
func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 100 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /lane_status", s.laneStatus)
	mux.HandleFunc("GET /api/intersections", s.listIntersections)
	mux.HandleFunc("GET /api/intersections/{id}", s.showIntersection)
	mux.HandleFunc("GET /api/intersections/{id}/lanes", s.listLanes)
	mux.HandleFunc("GET /api/intersections/{id}/geometry", s.showGeometry)
	mux.HandleFunc("GET /api/intersections/{id}/commands", s.listCommands)
	mux.HandleFunc("POST /api/detections", s.postDetections)
	mux.HandleFunc("GET /api/lanes/{intersection}/{lane}/stats", s.showLaneStats)
	mux.HandleFunc("GET /api/version", s.showVersion)
	mux.HandleFunc("GET /charts/counts", s.countsChart)
	mux.HandleFunc("GET /ws/status", s.streamStatus)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}
