package sweep

import (
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/labsweep/internal/instrument"
)

const (
	leakTripCount  = 2 // consecutive over-limit readings that turn the sweep
	leakRearmCount = 5 // consecutive safe readings that re-arm the trigger
)

// LeakageOptions configures a gate leakage test. Linear.Set is the gate;
// Bidirectional and Continual are ignored.
type LeakageOptions struct {
	Linear LinearOptions
	Track  instrument.Parameter // leakage current
	Limit  float64              // |Track| above which a reading counts against the trigger
}

// GateLeakage walks the gate from Start to Stop, through the mirror point
// 2·Start−Stop, and back to Start. Two consecutive readings above Limit end
// the current leg early and disarm the trigger until five consecutive safe
// readings re-arm it.
type GateLeakage struct {
	*Base
	cfg LeakageOptions

	targets [3]float64
	leg     int
	begin   float64
	span    float64
	steps   int
	stride  float64
	index   int
	dir     Direction
	armed   bool
	over    int
	safe    int
	done    bool
}

// NewGateLeakage validates the configuration.
func NewGateLeakage(opts Options, lo LeakageOptions) (*GateLeakage, error) {
	if err := lo.Linear.validate(); err != nil {
		return nil, err
	}
	if lo.Linear.Start == lo.Linear.Stop {
		return nil, invalidf("gate leakage range is empty")
	}
	if lo.Track == nil {
		return nil, invalidf("gate leakage sweep needs a tracked current")
	}
	if err := checkFinite("leakage limit", lo.Limit); err != nil {
		return nil, err
	}
	if lo.Limit <= 0 {
		return nil, invalidf("leakage limit must be positive, got %g", lo.Limit)
	}
	if err := validateOptions(opts, lo.Linear.Set, lo.Track); err != nil {
		return nil, err
	}
	if instrument.RefOf(lo.Track) == instrument.RefOf(lo.Linear.Set) {
		return nil, invalidf("tracked current cannot be the gate")
	}
	lo.Linear.Bidirectional, lo.Linear.Continual = false, false
	if opts.Label == "" {
		opts.Label = "gate leakage " + lo.Linear.Set.Label()
	}
	s := &GateLeakage{cfg: lo}
	s.Base = newBase("leakage", opts, s, true)
	return s, nil
}

func (s *GateLeakage) reset() {
	l := s.cfg.Linear
	s.targets = [3]float64{l.Stop, 2*l.Start - l.Stop, l.Start}
	s.leg = 0
	s.armed = true
	s.over, s.safe = 0, 0
	s.done = false
	s.dir = Forward
	s.beginLeg(l.Start)
	s.index = -1
}

// setpoint is computed from the leg's span rather than by accumulating the
// stride, so it does not drift off the step grid. The last step lands on the
// target exactly.
func (s *GateLeakage) setpoint() float64 {
	if s.index >= s.steps {
		return s.targets[s.leg]
	}
	return s.begin + s.span*float64(s.index)/float64(s.steps)
}

// beginLeg plans the current leg from `from` so that a whole number of
// steps lands exactly on its target.
func (s *GateLeakage) beginLeg(from float64) {
	span := s.targets[s.leg] - from
	n := math.Max(1, math.Ceil(math.Abs(span)/s.cfg.Linear.Step-1e-6))
	s.begin = from
	s.span = span
	s.steps = int(n)
	s.stride = span / n
	s.index = 0
}

// nextLeg turns the sweep around. It returns false after the last leg.
func (s *GateLeakage) nextLeg() bool {
	if s.leg == len(s.targets)-1 {
		s.done = true
		return false
	}
	from := s.setpoint()
	s.leg++
	s.beginLeg(from)
	s.dir = s.dir.Flip()
	return true
}

func (s *GateLeakage) step(now time.Time) (Sample, bool, error) {
	if s.done || (endReached(s.setpoint(), s.targets[s.leg], s.stride) && !s.nextLeg()) {
		return nil, true, nil
	}
	s.index++
	s.setDirection(s.dir)
	sp := s.setpoint()
	gate := instrument.RefOf(s.cfg.Linear.Set)
	if err := s.cfg.Linear.Set.Set(sp); err != nil {
		return nil, false, fmt.Errorf("set %s to %g: %w", gate, sp, err)
	}
	current, err := s.cfg.Track.Get()
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", instrument.RefOf(s.cfg.Track), err)
	}
	sample, _, err := s.readFollowed(s.newSample(now,
		Entry{Ref: gate, Value: sp},
		Entry{Ref: instrument.RefOf(s.cfg.Track), Value: current}))
	if err != nil {
		return nil, false, err
	}
	s.observe(current)
	return sample, false, nil
}

// observe applies the trigger hysteresis to one reading.
func (s *GateLeakage) observe(current float64) {
	if math.Abs(current) > s.cfg.Limit {
		s.over++
		s.safe = 0
		if s.armed && s.over >= leakTripCount {
			s.armed = false
			s.over = 0
			s.nextLeg()
		}
		return
	}
	s.safe++
	s.over = 0
	if !s.armed && s.safe >= leakRearmCount {
		s.armed = true
	}
}

func (s *GateLeakage) estimate(bool) (time.Duration, bool) { return 0, false }

func (s *GateLeakage) columns() []Column {
	return append([]Column{timeColumn, columnOf(s.cfg.Linear.Set, true), columnOf(s.cfg.Track, false)},
		s.followedColumns()...)
}

func (s *GateLeakage) rampTargets() []rampTarget {
	l := s.cfg.Linear
	return []rampTarget{{param: l.Set, target: l.Start, step: l.Step, multiplier: l.RampMultiplier}}
}
