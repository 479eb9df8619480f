package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/banshee-data/labsweep/internal/httputil"
	"github.com/banshee-data/labsweep/internal/monitoring"
	"github.com/banshee-data/labsweep/internal/queue"
	"github.com/banshee-data/labsweep/internal/security"
	"github.com/banshee-data/labsweep/internal/sweep"
)

// QueueStatus is the body of GET /api/queue.
type QueueStatus struct {
	State    sweep.State    `json:"state"`
	Progress sweep.Progress `json:"progress"`
	// EstimateSeconds is nil when any pending sweep has no finite duration.
	EstimateSeconds *float64             `json:"estimate_seconds,omitempty"`
	Current         *queue.ActionRecord  `json:"current,omitempty"`
	Sweep           *sweep.Status        `json:"sweep,omitempty"`
	Future          []queue.ActionRecord `json:"future"`
	Past            []queue.ActionRecord `json:"past"`
	Target          *sweep.Target        `json:"target,omitempty"`
}

// ControlResult is the body of the queue control endpoints.
type ControlResult struct {
	OK    bool        `json:"ok"`
	State sweep.State `json:"state"`
}

// AppendResult is the body returned when actions are added to the queue.
type AppendResult struct {
	IDs []string `json:"ids"`
}

// SwitchRequest asks for a database switch to be queued.
type SwitchRequest struct {
	Path       string `json:"path"`
	Experiment string `json:"experiment"`
	Sample     string `json:"sample"`
}

func records(actions []queue.Action) []queue.ActionRecord {
	out := make([]queue.ActionRecord, 0, len(actions))
	for _, a := range actions {
		out = append(out, queue.ExportAction(a))
	}
	return out
}

func (s *Server) queueStatus() QueueStatus {
	q := s.cfg.Queue
	st := QueueStatus{
		State:    q.State(),
		Progress: q.Progress(),
		Future:   records(q.Future()),
		Past:     records(q.Past()),
	}
	if est, ok := q.EstimateTime(); ok {
		secs := est.Seconds()
		st.EstimateSeconds = &secs
	}
	if cur := q.Current(); cur != nil {
		rec := queue.ExportAction(cur)
		st.Current = &rec
		if sa, ok := cur.(*queue.SweepAction); ok {
			status := sa.Sweep.Status()
			st.Sweep = &status
		}
	}
	if s.cfg.Store != nil {
		t := s.cfg.Store.Target()
		st.Target = &t
	}
	return st
}

func (s *Server) showQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.queueStatus())
}

// controlQueue wraps a queue transition. A refused transition answers 409.
func (s *Server) controlQueue(fn func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		ok := fn()
		res := ControlResult{OK: ok, State: s.cfg.Queue.State()}
		status := http.StatusOK
		if !ok {
			status = http.StatusConflict
		}
		monitoring.Logf("[api] %s -> ok=%v state=%s", r.URL.Path, ok, res.State)
		httputil.WriteJSON(w, status, res)
	}
}

// queueFile exports the pending queue as YAML (GET) or appends the actions of
// an uploaded queue file (POST).
func (s *Server) queueFile(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteRendered(w, "application/yaml", s.cfg.Queue.WriteYAML)
	case http.MethodPost:
		s.loadQueueFile(w, r)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func (s *Server) loadQueueFile(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Registry == nil {
		httputil.NotFound(w, "no instrument registry configured")
		return
	}
	f, err := queue.ReadYAML(http.MaxBytesReader(w, r.Body, httputil.MaxBodyBytes))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	actions, err := queue.Import(f.Actions, s.cfg.Registry, s.cfg.Env, s.cfg.Funcs, s.cfg.OnSwitch)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if f.InterDelay > 0 || f.PostSwitchDelay > 0 {
		s.cfg.Queue.SetDelays(seconds(f.InterDelay), seconds(f.PostSwitchDelay))
	}
	s.cfg.Queue.Append(actions...)
	monitoring.Logf("[api] appended %d actions from uploaded queue file", len(actions))
	httputil.WriteJSONOK(w, appendResult(actions))
}

func appendResult(actions []queue.Action) AppendResult {
	res := AppendResult{IDs: make([]string, 0, len(actions))}
	for _, a := range actions {
		res.IDs = append(res.IDs, a.ID().String())
	}
	return res
}

// appendSwitch queues a database switch to a file inside the data directory.
func (s *Server) appendSwitch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.cfg.DataDir == "" {
		httputil.NotFound(w, "database switching is not configured")
		return
	}
	var req SwitchRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	path, err := security.ValidateDatabasePath(req.Path, s.cfg.DataDir)
	if err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid path: %v", err))
		return
	}
	a := queue.Switch(sweep.Target{Path: path, Experiment: req.Experiment, Sample: req.Sample}, s.cfg.OnSwitch)
	s.cfg.Queue.Append(a)
	httputil.WriteJSONOK(w, appendResult([]queue.Action{a}))
}
