package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/labsweep/internal/config"
	"github.com/banshee-data/labsweep/internal/instrument"
	"github.com/banshee-data/labsweep/internal/plot"
	"github.com/banshee-data/labsweep/internal/queue"
	"github.com/banshee-data/labsweep/internal/sweep"
	"github.com/banshee-data/labsweep/internal/timeutil"
)

func TestOpenStation_Dev(t *testing.T) {
	st, err := openStation(config.DefaultLabConfig(), true, timeutil.RealClock{})
	require.NoError(t, err)
	defer st.close()
	assert.Nil(t, st.bus)
	_, err = st.registry.Lookup(instrument.Ref{Name: "gate", Instrument: "dac"})
	assert.NoError(t, err)
}

func TestOpenStation_NoInstruments(t *testing.T) {
	_, err := openStation(config.DefaultLabConfig(), false, timeutil.RealClock{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "-dev")
}

func runGateSweep(t *testing.T, live *plot.Live) {
	t.Helper()
	reg := instrument.DevRegistry(timeutil.RealClock{})
	gate, err := reg.Lookup(instrument.Ref{Name: "gate", Instrument: "dac"})
	require.NoError(t, err)
	x, err := reg.Lookup(instrument.Ref{Name: "x", Instrument: "lockin"})
	require.NoError(t, err)

	s, err := sweep.NewLinear(sweep.Options{Followed: []instrument.Parameter{x}, PlotData: true, Plotter: live},
		sweep.LinearOptions{Set: gate, Start: 0, Stop: 1, Step: 0.25})
	require.NoError(t, err)

	q := queue.New(queue.Options{PollInterval: 5 * time.Millisecond})
	q.Append(queue.Run(s))
	require.True(t, q.Start(context.Background()))
	require.NoError(t, q.Wait(context.Background()))
}

func TestPlotSaver(t *testing.T) {
	live := plot.NewLive("gate")
	defer live.Close()
	runGateSweep(t, live)

	dir := filepath.Join(t.TempDir(), "plots")
	heatmap := plot.NewHeatmap("gate", "", "")
	saver := &plotSaver{dir: dir, live: live, heatmap: heatmap, clock: timeutil.RealClock{}}
	saver.setTarget(sweep.Target{Experiment: "cool down", Sample: "S/1"})

	require.NoError(t, saver.save())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "heatmap with no lines is skipped")
	name := entries[0].Name()
	assert.True(t, strings.HasSuffix(name, ".png"))
	assert.NotContains(t, name, "/")
	assert.NotContains(t, name, " ")

	heatmap.AddLine(0, sweep.Trace{Forward: sweep.XY{X: []float64{0, 1}, Y: []float64{1, 2}}})
	heatmap.AddLine(1, sweep.Trace{Forward: sweep.XY{X: []float64{0, 1}, Y: []float64{3, 4}}})
	saver.dir = filepath.Join(t.TempDir(), "more")
	require.NoError(t, saver.save())
	entries, err = os.ReadDir(saver.dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	require.NoError(t, callables(saver)["clear_heatmap"]())
	_, err = heatmap.Grid()
	assert.ErrorIs(t, err, plot.ErrTooSmall)
}

func TestPlotSaver_NoDir(t *testing.T) {
	live := plot.NewLive("idle")
	defer live.Close()
	saver := &plotSaver{live: live, clock: timeutil.RealClock{}}
	assert.NoError(t, saver.save())
}
