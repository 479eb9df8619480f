package sweep

import (
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/labsweep/internal/instrument"
)

func TestTimeSweep_MaxTime(t *testing.T) {
	maxTime := 40 * time.Millisecond
	store := &memStore{}
	thermo := sim("thermo", instrument.WithValue(7))
	s, err := NewTimeSweep(Options{InterDelay: 5 * time.Millisecond, Followed: []instrument.Parameter{thermo}, SaveData: true, Store: store},
		TimeOptions{MaxTime: &maxTime})
	require.NoError(t, err)
	assert.Equal(t, "time", s.Label())

	d, ok := s.EstimateTime(false)
	require.True(t, ok)
	assert.Equal(t, maxTime, d)

	s.Start(false)
	wait(t, s)

	assert.Equal(t, Done, s.State())
	assert.GreaterOrEqual(t, s.RunTime(), maxTime)
	run := store.last(t)
	require.NotEmpty(t, run.Rows())
	for _, r := range run.Rows() {
		require.Len(t, r, 2, "time sweeps have no swept entry")
		assert.Equal(t, 7.0, r[1].Value)
	}
	assert.True(t, run.cols[0].Independent)
}

func TestTimeSweep_Validation(t *testing.T) {
	zero := time.Duration(0)
	_, err := NewTimeSweep(Options{}, TimeOptions{MaxTime: &zero})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	s, err := NewTimeSweep(Options{}, TimeOptions{})
	require.NoError(t, err)
	_, ok := s.EstimateTime(false)
	assert.False(t, ok)
}

func TestSimul_LockStep(t *testing.T) {
	a, b := sim("a"), sim("b")
	store := &memStore{}
	s, err := NewSimul(Options{SaveData: true, Store: store}, SimulOptions{
		Params: []SimulParam{
			{Set: a, Start: 0, Stop: 1, Step: 0.5},
			{Set: b, Start: 10, Stop: 6, Step: 2},
		},
		Bidirectional: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "a + b", s.Label())

	d, ok := s.EstimateTime(false)
	require.True(t, ok)
	assert.Zero(t, d)

	s.Start(false)
	wait(t, s)

	require.Equal(t, Done, s.State())
	run := store.last(t)
	if diff := cmp.Diff([]float64{0, 0.5, 1, 1, 0.5, 0}, run.column(1), approx); diff != "" {
		t.Errorf("a mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{10, 8, 6, 6, 8, 10}, run.column(2), approx); diff != "" {
		t.Errorf("b mismatch (-want +got):\n%s", diff)
	}
}

func TestNewSimul_Validation(t *testing.T) {
	a, b := sim("a"), sim("b")
	tests := []struct {
		name   string
		params []SimulParam
	}{
		{"empty", nil},
		{"step counts differ", []SimulParam{{Set: a, Stop: 1, Step: 0.5}, {Set: b, Stop: 1, Step: 0.25}}},
		{"zero step", []SimulParam{{Set: a, Stop: 1, Step: 0.5}, {Set: b, Stop: 1}}},
		{"duplicate", []SimulParam{{Set: a, Stop: 1, Step: 0.5}, {Set: a, Stop: 2, Step: 1}}},
		{"nil parameter", []SimulParam{{Stop: 1, Step: 1}}},
		{"fractional step count", []SimulParam{{Set: a, Stop: 1, Step: 0.3}, {Set: b, Stop: 2, Step: 0.6}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSimul(Options{}, SimulOptions{Params: tt.params})
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
	assert.Empty(t, a.Sets())
	assert.Empty(t, b.Sets())
}

func TestMagnet_RecordsWhileRamping(t *testing.T) {
	field := instrument.NewSimMagnet("magnet", "field", 20, nil)
	store := &memStore{}
	s, err := NewMagnet(Options{InterDelay: 5 * time.Millisecond, SaveData: true, Store: store},
		MagnetOptions{Field: field, Start: 0, Stop: 0.5, Bidirectional: true})
	require.NoError(t, err)

	_, ok := s.EstimateTime(false)
	assert.False(t, ok, "magnet sweeps are never estimated")

	s.Start(false)
	wait(t, s)

	require.Equal(t, Done, s.State(), s.Progress().ErrorMessage)
	assert.Equal(t, []float64{0, 0.5, 0}, field.Targets())
	col := store.last(t).column(1)
	require.GreaterOrEqual(t, len(col), 3)
	assert.InDelta(t, 0, col[len(col)-1], 1e-3)
	assert.Greater(t, maxOf(col), 0.49)
}

func TestMagnet_RetriesReads(t *testing.T) {
	field := instrument.NewSimMagnet("magnet", "field", 100, nil)
	field.FailNextGets(2, errBoom)
	s, err := NewMagnet(Options{}, MagnetOptions{Field: field, Start: 0, Stop: 0.1, RetryDelay: time.Millisecond})
	require.NoError(t, err)

	s.Start(false)
	wait(t, s)
	assert.Equal(t, Done, s.State(), s.Progress().ErrorMessage)
}

func TestMagnet_RetryBudgetExhausted(t *testing.T) {
	field := instrument.NewSimMagnet("magnet", "field", 100, nil)
	field.FailNextGets(3, errBoom)
	s, err := NewMagnet(Options{}, MagnetOptions{Field: field, Start: 0, Stop: 0.1, RetryDelay: time.Millisecond})
	require.NoError(t, err)

	s.Start(false)
	wait(t, s)

	p := s.Progress()
	assert.Equal(t, Error, p.State)
	assert.Equal(t, "read magnet.field failed after 3 attempts: boom", p.ErrorMessage)
}

func TestGateLeakage_Hysteresis(t *testing.T) {
	gate := sim("gate")
	// The leakage current follows the gate voltage.
	leak := sim("leak", instrument.WithGetFunc(func() (float64, error) { return gate.Value(), nil }))
	store := &memStore{}
	s, err := NewGateLeakage(Options{SaveData: true, Store: store}, LeakageOptions{
		Linear: LinearOptions{Set: gate, Start: 0, Stop: 1, Step: 0.1},
		Track:  leak,
		Limit:  0.55,
	})
	require.NoError(t, err)

	s.Start(false)
	wait(t, s)

	require.Equal(t, Done, s.State(), s.Progress().ErrorMessage)
	col := store.last(t).column(1)
	// Two readings above 0.55 turn the sweep at 0.7 and again at -0.7.
	assert.InDelta(t, 0.7, maxOf(col), 1e-9)
	assert.InDelta(t, -0.7, minOf(col), 1e-9)
	assert.InDelta(t, 0, col[len(col)-1], 1e-9)
	assert.Len(t, col, 1+7+14+7)
}

func TestGateLeakage_NoTripWalksAllLegs(t *testing.T) {
	gate := sim("gate")
	leak := sim("leak")
	store := &memStore{}
	s, err := NewGateLeakage(Options{SaveData: true, Store: store}, LeakageOptions{
		Linear: LinearOptions{Set: gate, Start: 0, Stop: 0.5, Step: 0.25},
		Track:  leak,
		Limit:  1,
	})
	require.NoError(t, err)

	s.Start(false)
	wait(t, s)

	want := []float64{0, 0.25, 0.5, 0.25, 0, -0.25, -0.5, -0.25, 0}
	if diff := cmp.Diff(want, store.last(t).column(1), approx); diff != "" {
		t.Errorf("gate mismatch (-want +got):\n%s", diff)
	}
}

func TestGateLeakage_SetpointsStayOnGrid(t *testing.T) {
	gate := sim("gate")
	leak := sim("leak")
	store := &memStore{}
	s, err := NewGateLeakage(Options{SaveData: true, Store: store}, LeakageOptions{
		Linear: LinearOptions{Set: gate, Start: 0, Stop: 1, Step: 0.1},
		Track:  leak,
		Limit:  1,
	})
	require.NoError(t, err)

	s.Start(false)
	wait(t, s)

	require.Equal(t, Done, s.State(), s.Progress().ErrorMessage)
	col := store.last(t).column(1)
	require.Len(t, col, 1+10+20+10)
	for i, v := range col {
		assert.InDelta(t, math.Round(v*10)/10, v, 1e-12, "sample %d off the 0.1 grid: %v", i, v)
	}
	// Leg ends are exact, not accumulated.
	assert.Equal(t, 1.0, col[10])
	assert.Equal(t, -1.0, col[30])
	assert.Equal(t, 0.0, col[len(col)-1])
}

func TestNewGateLeakage_Validation(t *testing.T) {
	gate := sim("gate")
	_, err := NewGateLeakage(Options{}, LeakageOptions{Linear: LinearOptions{Set: gate, Stop: 1, Step: 0.1}, Limit: 1})
	assert.ErrorIs(t, err, ErrInvalidConfig, "missing tracked parameter")
	_, err = NewGateLeakage(Options{}, LeakageOptions{Linear: LinearOptions{Set: gate, Stop: 1, Step: 0.1}, Track: gate, Limit: 1})
	assert.ErrorIs(t, err, ErrInvalidConfig, "tracked parameter is the gate")
	_, err = NewGateLeakage(Options{}, LeakageOptions{Linear: LinearOptions{Set: gate, Stop: 1, Step: 0.1}, Track: sim("leak")})
	assert.ErrorIs(t, err, ErrInvalidConfig, "zero limit")
}

func maxOf(xs []float64) float64 {
	m := math.Inf(-1)
	for _, x := range xs {
		m = math.Max(m, x)
	}
	return m
}

func minOf(xs []float64) float64 {
	m := math.Inf(1)
	for _, x := range xs {
		m = math.Min(m, x)
	}
	return m
}
