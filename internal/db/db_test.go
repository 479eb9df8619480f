package db

import (
	"bytes"
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/labsweep/internal/instrument"
	"github.com/banshee-data/labsweep/internal/sweep"
	"github.com/banshee-data/labsweep/internal/timeutil"
)

func newStore(t *testing.T, name string, opts ...StoreOption) *Store {
	t.Helper()
	s, err := NewStore(sweep.Target{Path: filepath.Join(t.TempDir(), name), Experiment: "cooldown", Sample: "S1"}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var testCols = []sweep.Column{
	{Ref: sweep.TimeRef, Label: "Time", Unit: "s", Independent: true},
	{Ref: instrument.Ref{Name: "gate", Instrument: "dac"}, Label: "Gate", Unit: "V", Independent: true},
	{Ref: instrument.Ref{Name: "x", Instrument: "lockin"}, Label: "X", Unit: "A"},
}

func row(vs ...float64) sweep.Sample {
	s := make(sweep.Sample, len(vs))
	for i, v := range vs {
		s[i] = sweep.Entry{Ref: testCols[i].Ref, Value: v}
	}
	return s
}

// TestPragmasApplied verifies that essential PRAGMAs are set on new databases
func TestPragmasApplied(t *testing.T) {
	db, err := NewDB(filepath.Join(t.TempDir(), "pragmas.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer db.Close()

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("Failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("Expected journal_mode=wal, got %s", journalMode)
	}

	var busyTimeout int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatalf("Failed to query busy_timeout: %v", err)
	}
	if busyTimeout != 5000 {
		t.Errorf("Expected busy_timeout=5000, got %d", busyTimeout)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys); err != nil {
		t.Fatalf("Failed to query foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Errorf("Expected foreign_keys=1, got %d", foreignKeys)
	}
}

func TestMigrations(t *testing.T) {
	db, err := NewDB(filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	defer db.Close()

	v, dirty, err := db.MigrateVersion(Migrations())
	require.NoError(t, err)
	assert.Equal(t, uint(2), v)
	assert.False(t, dirty)

	require.NoError(t, db.MigrateUp(Migrations()), "re-running migrations is a no-op")
	require.NoError(t, db.MigrateDown(Migrations()))
	v, _, err = db.MigrateVersion(Migrations())
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)
	_, err = db.Exec(`SELECT state FROM runs`)
	assert.Error(t, err, "rolling back drops the state column")

	require.NoError(t, db.MigrateDown(Migrations()))
	v, _, err = db.MigrateVersion(Migrations())
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestStore_RunLifecycle(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := newStore(t, "runs.db", WithClock(clock))

	p, err := s.Begin(sweep.RunMeta{Label: "gate sweep", Kind: "linear"})
	require.NoError(t, err)
	w := p.(*RunWriter)
	require.NoError(t, w.Register(testCols))
	assert.Error(t, w.Register(testCols), "columns register once")

	require.NoError(t, w.AddRow(row(0, 0, 1.5)))
	require.NoError(t, w.AddRow(row(0.1, 0.5, math.NaN())))
	require.NoError(t, w.AddRow(row(0.2, 1, 2.5e-9)))
	clock.Advance(time.Minute)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "close is idempotent")
	assert.Error(t, w.AddRow(row(0, 0, 0)))

	runs, err := s.DB().ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	r := runs[0]
	assert.Equal(t, w.ID(), r.ID)
	assert.Equal(t, "cooldown", r.Experiment)
	assert.Equal(t, "S1", r.Sample)
	assert.Equal(t, "linear", r.Kind)
	assert.Equal(t, 3, r.Rows)
	require.NotNil(t, r.Finished)
	assert.InDelta(t, 60, r.Finished.Sub(r.Started).Seconds(), 1e-3)

	var buf bytes.Buffer
	require.NoError(t, s.DB().ExportCSV(context.Background(), &buf, w.ID()))
	want := "time (s),dac.gate (V),lockin.x (A)\n" +
		"0,0,1.5\n" +
		"0.1,0.5,\n" +
		"0.2,1,2.5e-09\n"
	assert.Equal(t, want, buf.String())
}

func TestRunWriter_FinalState(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := newStore(t, "states.db", WithClock(clock))

	finish := func(label string, state sweep.State, msg string) {
		p, err := s.Begin(sweep.RunMeta{Label: label, Kind: "linear"})
		require.NoError(t, err)
		require.NoError(t, p.Register(testCols))
		require.NoError(t, p.AddRow(row(0, 0, 1)))
		require.NoError(t, p.Finish(state, msg))
		require.NoError(t, p.Close())
		assert.Error(t, p.Finish(state, msg), "finish after close")
		clock.Advance(time.Second)
	}
	finish("completed", sweep.Done, "")
	finish("aborted", sweep.Killed, "")
	finish("failed", sweep.Error, "read lockin.x: timeout")

	open, err := s.Begin(sweep.RunMeta{Label: "open", Kind: "time"})
	require.NoError(t, err)
	defer open.Close()

	runs, err := s.DB().ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 4)
	got := map[string][2]string{}
	for _, r := range runs {
		got[r.Label] = [2]string{r.State, r.ErrorMessage}
	}
	assert.Equal(t, map[string][2]string{
		"completed": {"done", ""},
		"aborted":   {"killed", ""},
		"failed":    {"error", "read lockin.x: timeout"},
		"open":      {"", ""},
	}, got)
}

func TestRunWriter_RowWidthMismatch(t *testing.T) {
	s := newStore(t, "w.db")
	p, err := s.Begin(sweep.RunMeta{Label: "l", Kind: "time"})
	require.NoError(t, err)
	require.NoError(t, p.Register(testCols))
	assert.ErrorContains(t, p.AddRow(row(0, 1)), "row has 2 entries, run has 3 columns")
	require.NoError(t, p.Close())
}

func TestRunWriter_FlushEvery(t *testing.T) {
	s := newStore(t, "f.db", WithFlushEvery(2))
	p, err := s.Begin(sweep.RunMeta{Label: "l", Kind: "linear"})
	require.NoError(t, err)
	require.NoError(t, p.Register(testCols))

	count := func() int {
		var n int
		require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM run_values`).Scan(&n))
		return n
	}
	require.NoError(t, p.AddRow(row(0, 0, 0)))
	assert.Zero(t, count(), "rows are buffered")
	require.NoError(t, p.AddRow(row(1, 1, 1)))
	assert.Equal(t, 6, count())
	require.NoError(t, p.AddRow(row(2, 2, 2)))
	require.NoError(t, p.Flush())
	assert.Equal(t, 9, count())
	require.NoError(t, p.Close())
}

func TestStore_Switch(t *testing.T) {
	s := newStore(t, "a.db")
	oldDB := s.DB()

	open, err := s.Begin(sweep.RunMeta{Label: "before", Kind: "time"})
	require.NoError(t, err)
	require.NoError(t, open.Register(testCols[:1]))

	next := sweep.Target{Path: filepath.Join(t.TempDir(), "b.db"), Experiment: "warmup", Sample: "S2"}
	require.NoError(t, s.Switch(context.Background(), next))
	assert.Equal(t, next, s.Target())
	assert.NotSame(t, oldDB, s.DB())

	after, err := s.Begin(sweep.RunMeta{Label: "after", Kind: "time"})
	require.NoError(t, err)
	require.NoError(t, after.Close())
	runs, err := s.DB().ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "warmup", runs[0].Experiment)

	// The run opened before the switch keeps its database alive.
	require.NoError(t, open.AddRow(sweep.Sample{{Ref: sweep.TimeRef, Value: 1}}))
	require.NoError(t, oldDB.Ping())
	require.NoError(t, open.Close())
	assert.Error(t, oldDB.Ping(), "the retired database closes with its last run")

	require.NoError(t, s.Switch(context.Background(), sweep.Target{Path: next.Path, Experiment: "warmup", Sample: "S3"}))
	assert.Equal(t, "S3", s.Target().Sample, "switching to the same file only changes identifiers")
}

func TestStore_SwitchFailure(t *testing.T) {
	s := newStore(t, "a.db")
	err := s.Switch(context.Background(), sweep.Target{Path: filepath.Join(t.TempDir(), "missing", "dir", "b.db")})
	require.Error(t, err)
	assert.False(t, errors.Is(err, sweep.ErrStoreLocked))
	assert.Equal(t, "cooldown", s.Target().Experiment, "a failed switch keeps the old target")
}

func TestLockErr(t *testing.T) {
	tests := []struct {
		err    error
		locked bool
	}{
		{errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{errors.New("SQLITE_LOCKED"), true},
		{errors.New("no such table: runs"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.locked, errors.Is(lockErr(tt.err), sweep.ErrStoreLocked), tt.err.Error())
	}
	assert.False(t, IsBusy(nil))
}

func TestStore_WithLinearSweep(t *testing.T) {
	s := newStore(t, "sweep.db")
	gate := instrument.NewSim("dac", "gate")
	x := instrument.NewSim("lockin", "x", instrument.WithGetFunc(func() (float64, error) { return 2 * gate.Value(), nil }))
	lin, err := sweep.NewLinear(sweep.Options{Followed: []instrument.Parameter{x}, SaveData: true, Store: s},
		sweep.LinearOptions{Set: gate, Start: 0, Stop: 1, Step: 0.5})
	require.NoError(t, err)

	lin.Start(false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, lin.Wait(ctx))
	require.Equal(t, sweep.Done, lin.State(), lin.Progress().ErrorMessage)

	runs, err := s.DB().ListRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 3, runs[0].Rows)
	assert.Equal(t, "done", runs[0].State)
	cols, err := s.DB().RunColumns(ctx, runs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"time", "gate", "x"}, []string{cols[0].Ref.Name, cols[1].Ref.Name, cols[2].Ref.Name})
}

func TestAttachAdminRoutes(t *testing.T) {
	s := newStore(t, "admin.db")
	mux := http.NewServeMux()
	require.NoError(t, s.DB().AttachAdminRoutes(mux))

	req := httptest.NewRequest(http.MethodGet, "/debug/", nil)
	req.RemoteAddr = "127.0.0.1:4242"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tailsql")
}
