package sweep

import (
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/labsweep/internal/instrument"
	"github.com/banshee-data/labsweep/internal/monitoring"
	"github.com/banshee-data/labsweep/internal/testutil"
)

var approx = cmpopts.EquateApprox(0, 1e-9)

func newLinear(t *testing.T, opts Options, lo LinearOptions) *Linear {
	t.Helper()
	s, err := NewLinear(opts, lo)
	require.NoError(t, err)
	return s
}

func TestLinear_SampleCounts(t *testing.T) {
	tests := []struct {
		name  string
		lo    LinearOptions
		want  []float64
		flips int
	}{
		{
			name: "forward",
			lo:   LinearOptions{Start: 0, Stop: 1, Step: 0.25},
			want: []float64{0, 0.25, 0.5, 0.75, 1},
		},
		{
			name:  "bidirectional",
			lo:    LinearOptions{Start: 0, Stop: 1, Step: 0.25, Bidirectional: true},
			want:  []float64{0, 0.25, 0.5, 0.75, 1, 1, 0.75, 0.5, 0.25, 0},
			flips: 1,
		},
		{
			name: "descending with positive step",
			lo:   LinearOptions{Start: 1, Stop: 0, Step: 0.5},
			want: []float64{1, 0.5, 0},
		},
		{
			name: "descending with negative step",
			lo:   LinearOptions{Start: 1, Stop: 0, Step: -0.5},
			want: []float64{1, 0.5, 0},
		},
		{
			name: "step does not divide range",
			lo:   LinearOptions{Start: 0, Stop: 1, Step: 0.3},
			want: []float64{0, 0.3, 0.6, 0.9},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := sim("gate")
			store := &memStore{}
			plotter := &memPlotter{swept: 1}
			lo := tt.lo
			lo.Set = gate
			s := newLinear(t, Options{
				Followed: []instrument.Parameter{sim("current", instrument.WithValue(3))},
				SaveData: true, Store: store,
				PlotData: true, Plotter: plotter,
			}, lo)

			_, ok := s.Start(false)
			require.True(t, ok)
			wait(t, s)

			assert.Equal(t, Done, s.State())
			run := store.last(t)
			if diff := cmp.Diff(tt.want, run.column(1), approx); diff != "" {
				t.Errorf("setpoints mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.want, gate.Sets(), approx); diff != "" {
				t.Errorf("instrument sets mismatch (-want +got):\n%s", diff)
			}
			assert.Len(t, plotter.Breaks(), tt.flips)
			assert.Equal(t, 1, run.closed)
		})
	}
}

func TestLinear_SampleLayout(t *testing.T) {
	gate := sim("gate")
	a := sim("a", instrument.WithValue(1))
	b := sim("b", instrument.WithValue(2))
	store := &memStore{}
	s := newLinear(t, Options{Followed: []instrument.Parameter{a, b}, SaveData: true, Store: store},
		LinearOptions{Set: gate, Start: 0, Stop: 1, Step: 1})

	s.Start(false)
	wait(t, s)

	run := store.last(t)
	wantCols := []Column{
		{Ref: TimeRef, Label: "Time", Unit: "s"},
		{Ref: instrument.RefOf(gate), Label: "gate", Independent: true},
		{Ref: instrument.RefOf(a), Label: "a"},
		{Ref: instrument.RefOf(b), Label: "b"},
	}
	if diff := cmp.Diff(wantCols, run.cols); diff != "" {
		t.Errorf("columns mismatch (-want +got):\n%s", diff)
	}
	rows := run.Rows()
	require.Len(t, rows, 2)
	for _, r := range rows {
		require.Len(t, r, 4)
		assert.Equal(t, TimeRef, r[0].Ref)
		assert.Equal(t, instrument.RefOf(gate), r[1].Ref)
		assert.Equal(t, 1.0, r[2].Value)
		assert.Equal(t, 2.0, r[3].Value)
	}
	assert.LessOrEqual(t, rows[0].Time(), rows[1].Time())
}

func TestNewLinear_Validation(t *testing.T) {
	gate := sim("gate")
	tests := []struct {
		name string
		opts Options
		lo   LinearOptions
	}{
		{"nil parameter", Options{}, LinearOptions{Start: 0, Stop: 1, Step: 1}},
		{"zero step", Options{}, LinearOptions{Set: gate, Start: 0, Stop: 1}},
		{"nan stop", Options{}, LinearOptions{Set: gate, Stop: nan(), Step: 1}},
		{"swept is followed", Options{Followed: []instrument.Parameter{gate}}, LinearOptions{Set: gate, Stop: 1, Step: 1}},
		{"negative delay", Options{InterDelay: -time.Second}, LinearOptions{Set: gate, Stop: 1, Step: 1}},
		{"save without store", Options{SaveData: true}, LinearOptions{Set: gate, Stop: 1, Step: 1}},
		{"negative ramp multiplier", Options{}, LinearOptions{Set: gate, Stop: 1, Step: 1, RampMultiplier: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLinear(tt.opts, tt.lo)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
	assert.Empty(t, gate.Sets(), "validation touched the instrument")
}

func TestLinear_Continual(t *testing.T) {
	gate := sim("gate")
	var updates atomic.Int32
	s := newLinear(t, Options{}, LinearOptions{Set: gate, Start: 0, Stop: 1, Step: 1, Continual: true})
	s.OnUpdate(func(Status) { updates.Add(1) })

	_, ok := s.EstimateTime(false)
	assert.False(t, ok, "continual sweeps cannot be estimated")

	s.Start(false)
	testutil.WaitFor(t, 2*time.Second, "several passes", func() bool { return updates.Load() >= 7 })
	s.Kill()
	wait(t, s)

	assert.Equal(t, Killed, s.State())
	sets := gate.Sets()
	require.GreaterOrEqual(t, len(sets), 7)
	assert.Equal(t, []float64{0, 1, 1, 0, 0, 1, 1}, sets[:7])
}

func TestLinear_RampToStart(t *testing.T) {
	gate := sim("gate", instrument.WithValue(2))
	store := &memStore{}
	s := newLinear(t, Options{SaveData: true, Store: store},
		LinearOptions{Set: gate, Start: 0, Stop: 0.5, Step: 0.25, RampMultiplier: 2})

	_, ok := s.Start(true)
	require.True(t, ok)
	wait(t, s)

	require.Equal(t, Done, s.State())
	// 2 -> 0 in 0.5 steps, then the sweep proper.
	want := []float64{2, 1.5, 1, 0.5, 0, 0, 0.25, 0.5}
	if diff := cmp.Diff(want, gate.Sets(), approx); diff != "" {
		t.Errorf("sets mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, store.Runs(), 1, "the ramp must not persist")
	assert.Len(t, store.last(t).Rows(), 3)
}

func TestLinear_RampSkippedWithinTolerance(t *testing.T) {
	gate := sim("gate", instrument.WithValue(0.1))
	s := newLinear(t, Options{}, LinearOptions{Set: gate, Start: 0, Stop: 0.5, Step: 0.25})

	s.Start(true)
	wait(t, s)

	assert.Equal(t, Done, s.State())
	if diff := cmp.Diff([]float64{0, 0.25, 0.5}, gate.Sets(), approx); diff != "" {
		t.Errorf("sets mismatch (-want +got):\n%s", diff)
	}
}

func TestLinear_RampReadbackMismatch(t *testing.T) {
	gate := sim("gate", instrument.WithReadback(func(v float64) float64 { return v + 1 }))
	s := newLinear(t, Options{}, LinearOptions{Set: gate, Start: 0, Stop: 1, Step: 0.25})

	s.Start(true)
	wait(t, s)

	p := s.Progress()
	require.Equal(t, Error, p.State)
	assert.Equal(t, "ramp failed for dev.gate: expected 0, observed 1", p.ErrorMessage)
	assert.Equal(t, 1, p.ErrorCount)
}

func TestLinear_RampHelperErrorIsNested(t *testing.T) {
	gate := sim("gate", instrument.WithValue(1))
	gate.FailSet(errBoom)
	s := newLinear(t, Options{}, LinearOptions{Set: gate, Start: 0, Stop: 1, Step: 0.5})

	s.Start(true)
	wait(t, s)

	p := s.Progress()
	require.Equal(t, Error, p.State)
	assert.True(t, strings.HasPrefix(p.ErrorMessage, "ramp to start failed for dev.gate: "), p.ErrorMessage)
	assert.Contains(t, p.ErrorMessage, "boom")
}

func TestLinear_SetErrorBecomesErrorState(t *testing.T) {
	gate := sim("gate")
	gate.FailSet(errBoom)
	rec, restore := monitoring.Capture()
	defer restore()
	var completions atomic.Int32
	s := newLinear(t, Options{}, LinearOptions{Set: gate, Start: 0, Stop: 1, Step: 1})
	s.OnComplete(func() { completions.Add(1) })

	s.Start(false)
	wait(t, s)

	p := s.Progress()
	assert.Equal(t, Error, p.State)
	assert.Equal(t, "set dev.gate to 0: boom", p.ErrorMessage)
	assert.False(t, p.Remaining != nil && p.Fraction == nil, "fraction must accompany remaining")
	assert.Equal(t, int32(1), completions.Load())
	assert.True(t, rec.Contains("[sweep] gate: error: set dev.gate to 0: boom"))
}

func TestLinear_PersistErrorIsFatal(t *testing.T) {
	store := &memStore{addErr: errors.New("disk full")}
	s := newLinear(t, Options{SaveData: true, Store: store}, LinearOptions{Set: sim("gate"), Start: 0, Stop: 1, Step: 1})

	s.Start(false)
	wait(t, s)

	assert.Equal(t, Error, s.State())
	assert.Equal(t, "persist sample: disk full", s.Progress().ErrorMessage)
	assert.Equal(t, 1, store.last(t).closed)
}

func TestLinear_Estimate(t *testing.T) {
	s := newLinear(t, Options{InterDelay: 100 * time.Millisecond},
		LinearOptions{Set: sim("gate"), Start: 0, Stop: 1, Step: 0.25, Bidirectional: true})

	d, ok := s.EstimateTime(true)
	require.True(t, ok)
	assert.Equal(t, time.Second, d)
}
