package sweep

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/banshee-data/labsweep/internal/instrument"
)

// stepCountTolerance bounds how far a step count may sit from a whole number,
// and how far two parameters' counts may differ.
const stepCountTolerance = 1e-6

// SimulParam is one parameter of a simultaneous sweep.
type SimulParam struct {
	Set   instrument.Parameter
	Start float64
	Stop  float64
	Step  float64
}

// SimulOptions configures a lock-step multi-parameter sweep.
type SimulOptions struct {
	Params         []SimulParam
	Bidirectional  bool
	Continual      bool
	RampMultiplier float64
}

// Simul advances several parameters together. Every parameter must take the
// same number of steps from start to stop.
type Simul struct {
	*Base
	cfg SimulOptions

	begin, end []float64
	stride     []float64
	index      int
	dir        Direction
	steps      int
}

// NewSimul validates the configuration before any parameter is touched.
func NewSimul(opts Options, so SimulOptions) (*Simul, error) {
	if len(so.Params) == 0 {
		return nil, invalidf("simultaneous sweep needs at least one parameter")
	}
	if so.RampMultiplier < 0 {
		return nil, invalidf("negative ramp multiplier %g", so.RampMultiplier)
	}
	if so.RampMultiplier == 0 {
		so.RampMultiplier = 1
	}
	params := make([]SimulParam, len(so.Params))
	copy(params, so.Params)
	so.Params = params

	swept := make([]instrument.Parameter, 0, len(params))
	seen := make(map[instrument.Ref]bool)
	var count float64
	for i := range params {
		p := &params[i]
		if p.Set == nil {
			return nil, invalidf("simultaneous parameter %d is nil", i)
		}
		ref := instrument.RefOf(p.Set)
		if seen[ref] {
			return nil, invalidf("parameter %s swept twice", ref)
		}
		seen[ref] = true
		if err := checkFinite(ref.String(), p.Start, p.Stop, p.Step); err != nil {
			return nil, err
		}
		if p.Step == 0 {
			return nil, invalidf("step for %s must be non-zero", ref)
		}
		p.Step = math.Abs(p.Step)
		n := math.Abs(p.Stop-p.Start) / p.Step
		if math.Abs(n-math.Round(n)) > stepCountTolerance {
			return nil, invalidf("step %g does not divide the range of %s (%g steps)", p.Step, ref, n)
		}
		if i == 0 {
			count = n
		} else if math.Abs(n-count) > stepCountTolerance {
			return nil, invalidf("parameter %s takes %g steps but %s takes %g",
				ref, n, instrument.RefOf(params[0].Set), count)
		}
		swept = append(swept, p.Set)
	}
	if err := validateOptions(opts, swept...); err != nil {
		return nil, err
	}
	if opts.Label == "" {
		labels := make([]string, len(params))
		for i, p := range params {
			labels[i] = p.Set.Label()
		}
		opts.Label = strings.Join(labels, " + ")
	}

	s := &Simul{cfg: so, steps: int(math.Round(count))}
	s.Base = newBase("simul", opts, s, true)
	return s, nil
}

func (s *Simul) reset() {
	n := len(s.cfg.Params)
	s.begin, s.end, s.stride = make([]float64, n), make([]float64, n), make([]float64, n)
	for i, p := range s.cfg.Params {
		s.begin[i], s.end[i] = p.Start, p.Stop
		s.stride[i] = signedStep(p.Start, p.Stop, p.Step)
	}
	s.index = -1
	s.dir = Forward
}

func (s *Simul) setpoint(i int) float64 { return s.begin[i] + float64(s.index)*s.stride[i] }

func (s *Simul) atEnd() bool {
	for i := range s.cfg.Params {
		if !endReached(s.setpoint(i), s.end[i], s.stride[i]) {
			return false
		}
	}
	return true
}

func (s *Simul) step(now time.Time) (Sample, bool, error) {
	if s.atEnd() {
		if !s.cfg.Continual && !(s.cfg.Bidirectional && s.dir == Forward) {
			return nil, true, nil
		}
		s.flip()
	}
	s.index++
	entries := make([]Entry, len(s.cfg.Params))
	for i, p := range s.cfg.Params {
		sp := s.setpoint(i)
		if err := p.Set.Set(sp); err != nil {
			return nil, false, fmt.Errorf("set %s to %g: %w", instrument.RefOf(p.Set), sp, err)
		}
		entries[i] = Entry{Ref: instrument.RefOf(p.Set), Value: sp}
	}
	return s.readFollowed(s.newSample(now, entries...))
}

func (s *Simul) flip() {
	s.begin, s.end = s.end, s.begin
	for i := range s.stride {
		s.stride[i] = -s.stride[i]
	}
	s.index = -1
	s.dir = s.dir.Flip()
	s.setDirection(s.dir)
}

func (s *Simul) estimate(fresh bool) (time.Duration, bool) {
	if s.cfg.Continual {
		return 0, false
	}
	per := s.perSample(fresh)
	n := s.steps + 1
	if fresh {
		if s.cfg.Bidirectional {
			n *= 2
		}
		return time.Duration(n) * per, true
	}
	left := s.steps - s.index
	if left < 0 {
		left = 0
	}
	if s.cfg.Bidirectional && s.dir == Forward {
		left += n
	}
	return time.Duration(left) * per, true
}

func (s *Simul) columns() []Column {
	cols := []Column{timeColumn}
	for _, p := range s.cfg.Params {
		cols = append(cols, columnOf(p.Set, true))
	}
	return append(cols, s.followedColumns()...)
}

func (s *Simul) rampTargets() []rampTarget {
	out := make([]rampTarget, len(s.cfg.Params))
	for i, p := range s.cfg.Params {
		out[i] = rampTarget{param: p.Set, target: p.Start, step: p.Step, multiplier: s.cfg.RampMultiplier}
	}
	return out
}
