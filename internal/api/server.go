// Package api is the daemon's HTTP control surface: queue status and
// control, queue file upload, live plots and stored runs.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/labsweep/internal/db"
	"github.com/banshee-data/labsweep/internal/instrument"
	"github.com/banshee-data/labsweep/internal/monitoring"
	"github.com/banshee-data/labsweep/internal/plot"
	"github.com/banshee-data/labsweep/internal/queue"
	"github.com/banshee-data/labsweep/internal/serialmux"
	"github.com/banshee-data/labsweep/internal/sweep"
)

// ANSI escape codes for status colouring in the request log
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Bus is the instrument bus as seen by the status endpoint.
type Bus interface {
	History() []serialmux.Exchange
	BreakerState() string
}

// Config wires a Server to the daemon's components. Live, Heatmap, Store and
// Bus are optional; their endpoints answer 404 when unset.
type Config struct {
	// Context bounds queue runs started over the API.
	Context  context.Context
	Queue    *queue.Queue
	Registry *instrument.Registry
	// Env is handed to sweeps imported from uploaded queue files.
	Env   sweep.Env
	Funcs map[string]func() error
	// OnSwitch becomes the callback of uploaded database switches.
	OnSwitch func(sweep.Target)

	Live    *plot.Live
	Heatmap *plot.Heatmap
	Store   *db.Store
	// DataDir confines database switches requested over the API.
	DataDir string
	Bus     Bus
}

type Server struct {
	cfg Config
}

func NewServer(cfg Config) *Server {
	if cfg.Context == nil {
		cfg.Context = context.Background()
	}
	return &Server{cfg: cfg}
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

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
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
	mux.HandleFunc("/api/queue", s.showQueue)
	mux.HandleFunc("/api/queue/start", s.controlQueue(s.startQueue))
	mux.HandleFunc("/api/queue/pause", s.controlQueue(s.cfg.Queue.Pause))
	mux.HandleFunc("/api/queue/resume", s.controlQueue(s.cfg.Queue.Resume))
	mux.HandleFunc("/api/queue/kill", s.controlQueue(func() bool { s.cfg.Queue.Kill(); return true }))
	mux.HandleFunc("/api/queue/file", s.queueFile)
	mux.HandleFunc("/api/queue/switch", s.appendSwitch)
	mux.HandleFunc("/api/sweep/data", s.sweepData)
	mux.HandleFunc("/api/sweep/plot", s.sweepPlot)
	mux.HandleFunc("/api/sweep/heatmap", s.sweepHeatmap)
	mux.HandleFunc("/api/runs", s.listRuns)
	mux.HandleFunc("/api/runs/csv", s.exportRun)
	mux.HandleFunc("/api/instruments", s.listInstruments)
	mux.HandleFunc("/api/bus", s.showBus)
	return mux
}

func (s *Server) startQueue() bool {
	return s.cfg.Queue.Start(s.cfg.Context)
}
