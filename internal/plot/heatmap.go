package plot

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/labsweep/internal/sweep"
)

var _ sweep.Heatmap = (*Heatmap)(nil)

// viridis is the colour ramp used by the HTML heatmap.
var viridis = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

type line struct {
	outer float64
	xy    sweep.XY
}

// Heatmap collects one inner trace per outer setpoint of a 2-D sweep.
type Heatmap struct {
	title  string
	xLabel string
	yLabel string

	mu    sync.Mutex
	lines []line
}

// NewHeatmap returns an empty heatmap.
func NewHeatmap(title, xLabel, yLabel string) *Heatmap {
	return &Heatmap{title: title, xLabel: xLabel, yLabel: yLabel}
}

// AddLine records the forward trace of one inner sweep, or the backward
// trace when the inner sweep only ran backward. A repeated outer value
// replaces the earlier line.
func (h *Heatmap) AddLine(outer float64, tr sweep.Trace) {
	xy := tr.Forward
	if len(xy.X) == 0 {
		xy = tr.Backward
	}
	xy = sweep.XY{X: append([]float64(nil), xy.X...), Y: append([]float64(nil), xy.Y...)}

	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.lines {
		if h.lines[i].outer == outer {
			h.lines[i].xy = xy
			return
		}
	}
	h.lines = append(h.lines, line{outer: outer, xy: xy})
}

// Reset drops every line.
func (h *Heatmap) Reset() {
	h.mu.Lock()
	h.lines = nil
	h.mu.Unlock()
}

// Grid is the heatmap resampled onto the union of inner setpoints. Cells
// without a reading are NaN.
type Grid struct {
	Inner  []float64  // ascending
	Outer  []float64  // ascending
	Values *mat.Dense // rows follow Outer, columns follow Inner
}

// ErrTooSmall is returned when a grid would have fewer than two rows or
// columns.
var ErrTooSmall = errors.New("heatmap needs at least two lines of two points")

// Grid builds the current grid.
func (h *Heatmap) Grid() (Grid, error) {
	h.mu.Lock()
	lines := make([]line, len(h.lines))
	copy(lines, h.lines)
	h.mu.Unlock()

	ys := make([]float64, 0, len(lines))
	var xs []float64
	for _, l := range lines {
		ys = append(ys, l.outer)
		xs = append(xs, l.xy.X...)
	}
	xs = uniqueSorted(xs)
	ys = uniqueSorted(ys)
	if len(xs) < 2 || len(ys) < 2 {
		return Grid{}, ErrTooSmall
	}

	z := mat.NewDense(len(ys), len(xs), nil)
	for r := range ys {
		for c := range xs {
			z.Set(r, c, math.NaN())
		}
	}
	for _, l := range lines {
		r := sort.SearchFloat64s(ys, l.outer)
		for k, x := range l.xy.X {
			if k >= len(l.xy.Y) {
				break
			}
			z.Set(r, sort.SearchFloat64s(xs, x), l.xy.Y[k])
		}
	}
	return Grid{Inner: xs, Outer: ys, Values: z}, nil
}

func uniqueSorted(v []float64) []float64 {
	out := make([]float64, 0, len(v))
	for _, x := range v {
		if !math.IsNaN(x) {
			out = append(out, x)
		}
	}
	sort.Float64s(out)
	n := 0
	for i, x := range out {
		if i == 0 || x != out[n-1] {
			out[n] = x
			n++
		}
	}
	return out[:n]
}

// Dims, Z, X and Y implement plotter.GridXYZ.
func (g Grid) Dims() (c, r int)   { return len(g.Inner), len(g.Outer) }
func (g Grid) Z(c, r int) float64 { return g.Values.At(r, c) }
func (g Grid) X(c int) float64    { return g.Inner[c] }
func (g Grid) Y(r int) float64    { return g.Outer[r] }

// Range returns the smallest and largest finite values in the grid.
func (g Grid) Range() (lo, hi float64, ok bool) {
	var vals []float64
	for _, v := range g.Values.RawMatrix().Data {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			vals = append(vals, v)
		}
	}
	if len(vals) == 0 {
		return 0, 0, false
	}
	return floats.Min(vals), floats.Max(vals), true
}

// SavePNG renders the heatmap to path.
func (h *Heatmap) SavePNG(path string) error {
	g, err := h.Grid()
	if err != nil {
		return err
	}
	lo, hi, ok := g.Range()
	if !ok {
		return errors.New("heatmap has no finite values")
	}

	p := plot.New()
	p.Title.Text = h.title
	p.X.Label.Text = h.xLabel
	p.Y.Label.Text = h.yLabel

	hm := plotter.NewHeatMap(g, palette.Heat(12, 1))
	hm.NaN = color.Transparent
	if lo == hi {
		hm.Min, hm.Max = lo-1, hi+1
	}
	p.Add(hm)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	if err := p.Save(8*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save heatmap: %w", err)
	}
	return nil
}

// Page writes the heatmap as an HTML chart.
func (h *Heatmap) Page(w io.Writer) error {
	g, err := h.Grid()
	if err != nil {
		return err
	}
	lo, hi, _ := g.Range()

	points := make([]opts.ScatterData, 0, len(g.Inner)*len(g.Outer))
	for r, y := range g.Outer {
		for c, x := range g.Inner {
			v := g.Values.At(r, c)
			if math.IsNaN(v) {
				continue
			}
			points = append(points, opts.ScatterData{Value: []interface{}{x, y, v}})
		}
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: h.title, Width: "900px", Height: "700px"}),
		charts.WithTitleOpts(opts.Title{Title: h.title, Subtitle: fmt.Sprintf("%d x %d", len(g.Outer), len(g.Inner))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: h.xLabel, NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: h.yLabel, NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        float32(lo),
			Max:        float32(hi),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: viridis},
		}),
	)
	scatter.AddSeries("heatmap", points, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 10, Symbol: "rect"}))
	return scatter.Render(w)
}
