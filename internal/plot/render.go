package plot

import (
	"fmt"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/labsweep/internal/sweep"
)

// SavePNG renders the current traces to path, one panel line per followed
// parameter and direction. Backward segments are dashed.
func (l *Live) SavePNG(path string) error {
	snap, err := l.Snapshot()
	if err != nil {
		return err
	}
	return snap.SavePNG(path)
}

// SavePNG renders the snapshot to path.
func (snap Snapshot) SavePNG(path string) error {
	p := plot.New()
	p.Title.Text = snap.Title
	p.X.Label.Text = snap.XLabel

	colors := generateColors(len(snap.Series))
	for i, segs := range snap.Series {
		labelled := false
		for _, seg := range segs {
			pts := make(plotter.XYs, 0, len(seg.X))
			for k := range seg.X {
				if math.IsNaN(seg.Y[k]) || math.IsInf(seg.Y[k], 0) {
					continue
				}
				pts = append(pts, plotter.XY{X: seg.X[k], Y: seg.Y[k]})
			}
			if len(pts) == 0 {
				continue
			}
			line, err := plotter.NewLine(pts)
			if err != nil {
				return err
			}
			line.Color = colors[i]
			line.Width = vg.Points(1)
			if seg.Direction == sweep.Backward {
				line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
			}
			p.Add(line)
			if !labelled {
				p.Legend.Add(snap.Labels[i], line)
				labelled = true
			}
		}
	}
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	if err := p.Save(10*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save trace plot: %w", err)
	}
	return nil
}

// Page writes an interactive HTML chart of the current traces.
func (l *Live) Page(w io.Writer) error {
	snap, err := l.Snapshot()
	if err != nil {
		return err
	}
	return snap.Page(w)
}

// Page writes the snapshot as an HTML chart.
func (snap Snapshot) Page(w io.Writer) error {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: snap.Title, Width: "100%", Height: "640px"}),
		charts.WithTitleOpts(opts.Title{Title: snap.Title}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: snap.XLabel, NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Scale: opts.Bool(true)}),
	)
	for i, segs := range snap.Series {
		for _, seg := range segs {
			data := make([]opts.LineData, 0, len(seg.X))
			for k := range seg.X {
				if math.IsNaN(seg.Y[k]) || math.IsInf(seg.Y[k], 0) {
					continue
				}
				data = append(data, opts.LineData{Value: []interface{}{seg.X[k], seg.Y[k]}})
			}
			name := snap.Labels[i]
			if seg.Direction == sweep.Backward {
				name += " (backward)"
			}
			line.AddSeries(name, data, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(len(data) < 200)}))
		}
	}
	return line.Render(w)
}

// generateColors creates a palette of distinct colors, one per trace.
func generateColors(n int) []color.Color {
	if n <= 0 {
		return nil
	}
	colors := make([]color.Color, n)
	for i := 0; i < n; i++ {
		hue := float64(i) / float64(n)
		r, g, b := hslToRGB(hue, 0.7, 0.45)
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

// hslToRGB converts HSL to RGB (0-255 range)
func hslToRGB(h, s, l float64) (r, g, b uint8) {
	var q float64
	if l < 0.5 {
		q = l * (1 + s)
	} else {
		q = l + s - l*s
	}
	p := 2*l - q
	conv := func(t float64) uint8 {
		if t < 0 {
			t++
		}
		if t > 1 {
			t--
		}
		var v float64
		switch {
		case t < 1.0/6:
			v = p + (q-p)*6*t
		case t < 0.5:
			v = q
		case t < 2.0/3:
			v = p + (q-p)*(2.0/3-t)*6
		default:
			v = p
		}
		return uint8(math.Round(v * 255))
	}
	return conv(h + 1.0/3), conv(h), conv(h - 1.0/3)
}
