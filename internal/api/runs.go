package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/banshee-data/labsweep/internal/httputil"
	"github.com/banshee-data/labsweep/internal/instrument"
	"github.com/banshee-data/labsweep/internal/monitoring"
	"github.com/banshee-data/labsweep/internal/security"
	"github.com/banshee-data/labsweep/internal/serialmux"
)

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.cfg.Store == nil {
		httputil.NotFound(w, "no run store configured")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := s.cfg.Store.DB().ListRuns(r.Context(), limit)
	if err != nil {
		monitoring.Logf("[api] list runs: %v", err)
		httputil.InternalServerError(w, "failed to list runs")
		return
	}
	httputil.WriteJSONOK(w, runs)
}

// exportRun streams a stored run as CSV.
func (s *Server) exportRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.cfg.Store == nil {
		httputil.NotFound(w, "no run store configured")
		return
	}
	id := r.URL.Query().Get("run_id")
	if id == "" {
		httputil.BadRequest(w, "missing run_id")
		return
	}
	db := s.cfg.Store.DB()
	if _, err := db.RunColumns(r.Context(), id); err != nil {
		httputil.NotFound(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", security.SanitizeFilename(id)+".csv"))
	if err := db.ExportCSV(r.Context(), w, id); err != nil {
		// Headers are gone; all that is left is to log.
		monitoring.Logf("[api] export run %s: %v", id, err)
	}
}

// InstrumentInfo describes one registered parameter.
type InstrumentInfo struct {
	Ref         instrument.Ref `json:"ref"`
	Description string         `json:"description"`
	Unit        string         `json:"unit,omitempty"`
}

func (s *Server) listInstruments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.cfg.Registry == nil {
		httputil.NotFound(w, "no instrument registry configured")
		return
	}
	params := s.cfg.Registry.Parameters()
	out := make([]InstrumentInfo, 0, len(params))
	for _, p := range params {
		out = append(out, InstrumentInfo{Ref: instrument.RefOf(p), Description: instrument.Describe(p), Unit: p.Unit()})
	}
	httputil.WriteJSONOK(w, out)
}

// BusStatus is the body of GET /api/bus.
type BusStatus struct {
	Breaker string               `json:"breaker"`
	Recent  []serialmux.Exchange `json:"recent"`
}

func (s *Server) showBus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.cfg.Bus == nil {
		httputil.NotFound(w, "no instrument bus (simulated instruments)")
		return
	}
	httputil.WriteJSONOK(w, BusStatus{Breaker: s.cfg.Bus.BreakerState(), Recent: s.cfg.Bus.History()})
}
