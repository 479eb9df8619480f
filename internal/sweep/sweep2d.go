package sweep

import (
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/labsweep/internal/instrument"
	"github.com/banshee-data/labsweep/internal/monitoring"
)

// Sweep2DOptions configures a nested sweep: one complete inner linear sweep
// per outer value.
type Sweep2DOptions struct {
	Inner         LinearOptions
	Outer         instrument.Parameter
	OuterStart    float64
	OuterStop     float64
	OuterStep     float64
	OuterSubsteps int           // outer moves are split into this many sets, default 1
	OuterSettle   time.Duration // wait after each outer move
	Heatmap       Heatmap
	HeatmapIndex  int // followed parameter handed to the heatmap
}

type linePhase int

const (
	phaseMove   linePhase = iota // setting the outer parameter, one substep per iteration
	phaseSettle                  // waiting OuterSettle after the move
	phaseStart                   // starting the inner line
	phaseLine                    // supervising the inner line
)

// Sweep2D owns its inner sweep as a child. Its own Runner supervises: it
// starts each inner line, hands the finished trace to the heatmap, advances
// the outer parameter and restarts the inner sweep. Every row of the run
// goes to one shared persistence context with the outer value appended.
type Sweep2D struct {
	*Base
	cfg   Sweep2DOptions
	inner *Linear

	outerStride float64
	outerIndex  int
	from        float64
	substep     int
	phase       linePhase
	lines       int
}

// NewSweep2D validates both axes before any parameter is touched.
func NewSweep2D(opts Options, o Sweep2DOptions) (*Sweep2D, error) {
	if o.Outer == nil {
		return nil, invalidf("2-D sweep needs an outer parameter")
	}
	if err := checkFinite("outer range", o.OuterStart, o.OuterStop, o.OuterStep); err != nil {
		return nil, err
	}
	if o.OuterStep == 0 {
		return nil, invalidf("outer step must be non-zero")
	}
	o.OuterStep = math.Abs(o.OuterStep)
	if o.OuterSubsteps < 0 || o.OuterSettle < 0 {
		return nil, invalidf("outer substeps and settle time must not be negative")
	}
	if o.OuterSubsteps == 0 {
		o.OuterSubsteps = 1
	}
	if o.Inner.Set != nil && instrument.RefOf(o.Inner.Set) == instrument.RefOf(o.Outer) {
		return nil, invalidf("inner and outer parameters must differ")
	}
	if o.Heatmap != nil {
		if !opts.PlotData || opts.Plotter == nil {
			return nil, invalidf("heatmap requires plot_data and a plotter")
		}
		if o.HeatmapIndex < 0 || o.HeatmapIndex >= len(opts.Followed) {
			return nil, invalidf("heatmap index %d out of range for %d followed parameters", o.HeatmapIndex, len(opts.Followed))
		}
	}
	if err := validateOptions(opts, o.Outer); err != nil {
		return nil, err
	}

	inner, err := NewLinear(Options{
		Followed:   opts.Followed,
		InterDelay: opts.InterDelay,
		SaveData:   opts.SaveData,
		PlotData:   opts.PlotData,
		Store:      opts.Store,
		Plotter:    opts.Plotter,
		Clock:      opts.Clock,
	}, o.Inner)
	if err != nil {
		return nil, err
	}
	o.Inner = inner.cfg

	if opts.Label == "" {
		opts.Label = fmt.Sprintf("%s vs %s", inner.Label(), o.Outer.Label())
	}
	s := &Sweep2D{cfg: o, inner: inner}
	s.Base = newBase("2d", opts, s, true)
	inner.origin = s.Base
	inner.SetParent(s.Base)
	s.addChild(inner.Base)
	inner.OnUpdate(func(Status) { s.signal() })
	return s, nil
}

// Inner returns the inner sweep.
func (s *Sweep2D) Inner() *Linear { return s.inner }

func (s *Sweep2D) reset() {
	s.outerStride = signedStep(s.cfg.OuterStart, s.cfg.OuterStop, s.cfg.OuterStep)
	s.outerIndex = 0
	s.from = s.cfg.OuterStart
	s.substep = 0
	s.phase = phaseMove
	s.lines = 0
}

func (s *Sweep2D) outerValue() float64 {
	return s.cfg.OuterStart + float64(s.outerIndex)*s.outerStride
}

func (s *Sweep2D) step(now time.Time) (Sample, bool, error) {
	switch s.phase {
	case phaseMove:
		return nil, false, s.moveOuter()
	case phaseSettle:
		if s.sleep(s.cfg.OuterSettle) {
			s.phase = phaseStart
		}
		return nil, false, nil
	case phaseStart:
		return nil, false, s.startLine()
	default:
		return s.superviseLine()
	}
}

// moveOuter performs one substep of the move to the next outer value. The
// first line goes straight to OuterStart.
func (s *Sweep2D) moveOuter() error {
	target := s.outerValue()
	n := s.cfg.OuterSubsteps
	if s.lines == 0 {
		n = 1
	}
	s.substep++
	v := target
	if s.substep < n {
		v = s.from + (target-s.from)*float64(s.substep)/float64(n)
	}
	if err := s.cfg.Outer.Set(v); err != nil {
		return fmt.Errorf("set %s to %g: %w", instrument.RefOf(s.cfg.Outer), v, err)
	}
	s.noteSetpoint(v)
	if s.substep >= n {
		s.substep = 0
		s.phase = phaseSettle
	}
	return nil
}

func (s *Sweep2D) startLine() error {
	if s.opts.PlotData && s.opts.Plotter != nil {
		s.opts.Plotter.Reset()
	}
	v := s.outerValue()
	s.inner.setPersistent([]Entry{{Ref: instrument.RefOf(s.cfg.Outer), Value: v}})
	if _, ok := s.inner.Start(s.lines > 0); !ok {
		return fmt.Errorf("inner sweep %s did not start", s.inner.Label())
	}
	monitoring.Logf("[sweep] %s: line %d at %s=%g", s.opts.Label, s.lines+1, instrument.RefOf(s.cfg.Outer), v)
	s.phase = phaseLine
	return nil
}

func (s *Sweep2D) superviseLine() (Sample, bool, error) {
	switch st := s.inner.State(); st {
	case Done:
		<-s.inner.doneChan()
		s.lines++
		s.handOff()
		if endReached(s.outerValue(), s.cfg.OuterStop, s.outerStride) {
			return nil, true, nil
		}
		s.from = s.outerValue()
		s.outerIndex++
		s.phase = phaseMove
		s.updateProgress()
		return nil, false, nil
	case Error:
		return nil, false, fmt.Errorf("inner sweep at %s=%g: %s",
			instrument.RefOf(s.cfg.Outer), s.outerValue(), s.inner.Progress().ErrorMessage)
	case Killed:
		s.KillWith(false, false)
		return nil, false, nil
	case Ready:
		return nil, false, fmt.Errorf("inner sweep %s is not running", s.inner.Label())
	default:
		select {
		case <-s.inner.doneChan():
		case <-s.wake:
			if s.State() != Running {
				s.signal()
			}
		}
		s.updateProgress()
		return nil, false, nil
	}
}

// handOff gives the heatmap the finished inner trace keyed by its outer value.
func (s *Sweep2D) handOff() {
	if s.cfg.Heatmap == nil {
		return
	}
	tr, err := s.opts.Plotter.CurrentData(s.cfg.HeatmapIndex)
	if err != nil {
		monitoring.Logf("[sweep] %s: heatmap line at %g: %v", s.opts.Label, s.outerValue(), err)
		return
	}
	s.cfg.Heatmap.AddLine(s.outerValue(), tr)
}

func (s *Sweep2D) share(p Persister) { s.inner.usePersister(p) }

// finish waits for the inner Runner so the shared persistence context is not
// closed under it.
func (s *Sweep2D) finish() {
	s.inner.signal()
	<-s.inner.doneChan()
	s.inner.usePersister(nil)
}

func (s *Sweep2D) lineCount() int {
	return int(math.Round(math.Abs(s.cfg.OuterStop-s.cfg.OuterStart)/s.cfg.OuterStep)) + 1
}

func (s *Sweep2D) estimate(fresh bool) (time.Duration, bool) {
	perLine, ok := s.inner.estimate(true)
	if !ok {
		return 0, false
	}
	perLine += s.cfg.OuterSettle
	if fresh {
		return time.Duration(s.lineCount()) * perLine, true
	}
	left := s.lineCount() - s.lines
	if s.phase != phaseLine {
		return time.Duration(left) * perLine, true
	}
	cur, ok := s.inner.EstimateTime(false)
	if !ok {
		return 0, false
	}
	return time.Duration(left-1)*perLine + cur, true
}

func (s *Sweep2D) columns() []Column {
	cols := append([]Column{timeColumn, columnOf(s.cfg.Inner.Set, true)}, s.followedColumns()...)
	return append(cols, columnOf(s.cfg.Outer, true))
}

func (s *Sweep2D) rampTargets() []rampTarget {
	return append([]rampTarget{{param: s.cfg.Outer, target: s.cfg.OuterStart, step: s.cfg.OuterStep, multiplier: 1}},
		s.inner.rampTargets()...)
}

// Config returns the normalised configuration.
func (s *Sweep2D) Config() Sweep2DOptions { return s.cfg }
