package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/banshee-data/labsweep/internal/api"
	"github.com/banshee-data/labsweep/internal/config"
	"github.com/banshee-data/labsweep/internal/instrument"
	"github.com/banshee-data/labsweep/internal/monitoring"
	"github.com/banshee-data/labsweep/internal/plot"
	"github.com/banshee-data/labsweep/internal/security"
	"github.com/banshee-data/labsweep/internal/serialmux"
	"github.com/banshee-data/labsweep/internal/sweep"
	"github.com/banshee-data/labsweep/internal/timeutil"
)

// station is the set of instruments the daemon drives.
type station struct {
	registry *instrument.Registry
	bus      api.Bus
	close    func() error
}

// openStation builds the simulated station in dev mode, otherwise the
// configured instruments on the serial GPIB controller.
func openStation(cfg *config.LabConfig, dev bool, clock timeutil.Clock) (*station, error) {
	if dev {
		return &station{registry: instrument.DevRegistry(clock), close: func() error { return nil }}, nil
	}
	if len(cfg.Instruments) == 0 {
		return nil, errors.New("no instruments configured (use -dev for the simulated station)")
	}
	port := cfg.GetSerialPort()
	mux, err := serialmux.Open(port, cfg.GetSerial(),
		serialmux.WithBreaker(uint32(cfg.GetBreakerFailures()), cfg.GetBreakerCooldown()),
		serialmux.WithHistory(100),
	)
	if err != nil {
		return nil, fmt.Errorf("open instrument bus: %w", err)
	}
	reg, err := instrument.Build(mux, cfg.Instruments)
	if err != nil {
		mux.Close()
		return nil, err
	}
	monitoring.Logf("[sweepd] %d parameters on %s", len(reg.Parameters()), port)
	return &station{registry: reg, bus: mux, close: mux.Close}, nil
}

// plotSaver writes the live plot and heatmap into dir after each queue run.
type plotSaver struct {
	dir     string
	live    *plot.Live
	heatmap *plot.Heatmap
	clock   timeutil.Clock

	mu     sync.Mutex
	target sweep.Target
}

func (p *plotSaver) setTarget(t sweep.Target) {
	p.mu.Lock()
	p.target = t
	p.mu.Unlock()
}

func (p *plotSaver) prefix() string {
	p.mu.Lock()
	t := p.target
	p.mu.Unlock()
	stamp := p.clock.Now().Format("20060102-150405")
	return security.SanitizeFilename(fmt.Sprintf("%s_%s_%s", t.Experiment, t.Sample, stamp))
}

// save writes whatever is plottable. A heatmap with too few lines is skipped.
func (p *plotSaver) save() error {
	if p.dir == "" {
		return nil
	}
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return err
	}
	prefix := p.prefix()
	path := filepath.Join(p.dir, prefix+".png")
	if err := p.live.SavePNG(path); err != nil {
		return fmt.Errorf("save live plot: %w", err)
	}
	monitoring.Logf("[sweepd] saved %s", path)

	if p.heatmap == nil {
		return nil
	}
	if _, err := p.heatmap.Grid(); errors.Is(err, plot.ErrTooSmall) {
		return nil
	}
	hpath := filepath.Join(p.dir, prefix+"_heatmap.png")
	if err := p.heatmap.SavePNG(hpath); err != nil {
		return fmt.Errorf("save heatmap: %w", err)
	}
	monitoring.Logf("[sweepd] saved %s", hpath)
	return nil
}

// callables are the named functions queue files may invoke.
func callables(p *plotSaver) map[string]func() error {
	return map[string]func() error{
		"save_plots": p.save,
		"clear_heatmap": func() error {
			if p.heatmap != nil {
				p.heatmap.Reset()
			}
			return nil
		},
	}
}
