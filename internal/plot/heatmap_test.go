package plot

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/labsweep/internal/sweep"
)

func fwd(x, y []float64) sweep.Trace {
	return sweep.Trace{Forward: sweep.XY{X: x, Y: y}}
}

func TestHeatmap_Grid(t *testing.T) {
	h := NewHeatmap("map", "Gate (V)", "Vg2 (V)")
	_, err := h.Grid()
	assert.ErrorIs(t, err, ErrTooSmall)

	h.AddLine(1, fwd([]float64{0, 0.5, 1}, []float64{10, 11, 12}))
	h.AddLine(0, fwd([]float64{0, 0.5}, []float64{0, 1}))
	h.AddLine(2, sweep.Trace{Backward: sweep.XY{X: []float64{1, 0}, Y: []float64{22, 20}}})

	g, err := h.Grid()
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0.5, 1}, g.Inner)
	assert.Equal(t, []float64{0, 1, 2}, g.Outer)

	c, r := g.Dims()
	assert.Equal(t, 3, c)
	assert.Equal(t, 3, r)
	assert.Equal(t, 11.0, g.Z(1, 1))
	assert.True(t, math.IsNaN(g.Z(2, 0)), "missing cells are NaN")
	assert.True(t, math.IsNaN(g.Z(1, 2)))
	assert.Equal(t, 20.0, g.Z(0, 2), "backward-only lines are used")

	lo, hi, ok := g.Range()
	require.True(t, ok)
	assert.Equal(t, 0.0, lo)
	assert.Equal(t, 22.0, hi)

	h.AddLine(1, fwd([]float64{0, 0.5, 1}, []float64{-1, -1, -1}))
	g, err = h.Grid()
	require.NoError(t, err)
	assert.Equal(t, -1.0, g.Z(2, 1), "a repeated outer value replaces the line")

	h.Reset()
	_, err = h.Grid()
	assert.ErrorIs(t, err, ErrTooSmall)
}

func TestHeatmap_CopiesTraces(t *testing.T) {
	h := NewHeatmap("map", "x", "y")
	xs, ys := []float64{0, 1}, []float64{5, 6}
	h.AddLine(0, fwd(xs, ys))
	h.AddLine(1, fwd([]float64{0, 1}, []float64{7, 8}))
	ys[0] = 99

	g, err := h.Grid()
	require.NoError(t, err)
	assert.Equal(t, 5.0, g.Z(0, 0))
}

func TestHeatmap_Render(t *testing.T) {
	h := NewHeatmap("map", "Gate (V)", "Vg2 (V)")
	for outer := 0; outer < 4; outer++ {
		xs := []float64{0, 0.25, 0.5, 0.75, 1}
		ys := make([]float64, len(xs))
		for i, x := range xs {
			ys[i] = x * float64(outer)
		}
		h.AddLine(float64(outer), fwd(xs, ys))
	}

	path := filepath.Join(t.TempDir(), "map.png")
	require.NoError(t, h.SavePNG(path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	var buf bytes.Buffer
	require.NoError(t, h.Page(&buf))
	assert.Contains(t, buf.String(), "visualMap")
	assert.Contains(t, buf.String(), "4 x 5")
}
