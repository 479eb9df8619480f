package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/banshee-data/labsweep/internal/httputil"
	"github.com/banshee-data/labsweep/internal/plot"
)

const htmlContentType = "text/html; charset=utf-8"

// sweepData returns the live trace of one followed parameter as JSON.
func (s *Server) sweepData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.cfg.Live == nil {
		httputil.NotFound(w, "live plotting is disabled")
		return
	}
	index := 0
	if v := r.URL.Query().Get("index"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.BadRequest(w, "index must be a non-negative integer")
			return
		}
		index = n
	}
	tr, err := s.cfg.Live.CurrentData(index)
	if err != nil {
		if errors.Is(err, plot.ErrClosed) {
			httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		httputil.NotFound(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, tr)
}

// sweepPlot renders the live traces as an HTML chart, or as the raw snapshot
// with ?format=json.
func (s *Server) sweepPlot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.cfg.Live == nil {
		httputil.NotFound(w, "live plotting is disabled")
		return
	}
	snap, err := s.cfg.Live.Snapshot()
	if err != nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if r.URL.Query().Get("format") == "json" {
		httputil.WriteJSONOK(w, snap)
		return
	}
	httputil.WriteRendered(w, htmlContentType, snap.Page)
}

func (s *Server) sweepHeatmap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.cfg.Heatmap == nil {
		httputil.NotFound(w, "heatmap is disabled")
		return
	}
	if _, err := s.cfg.Heatmap.Grid(); errors.Is(err, plot.ErrTooSmall) {
		httputil.NotFound(w, err.Error())
		return
	}
	httputil.WriteRendered(w, htmlContentType, s.cfg.Heatmap.Page)
}
