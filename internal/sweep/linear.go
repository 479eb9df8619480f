package sweep

import (
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/labsweep/internal/instrument"
)

// LinearOptions configures a 1-D sweep of Set from Start to Stop.
type LinearOptions struct {
	Set            instrument.Parameter
	Start          float64
	Stop           float64
	Step           float64 // magnitude; the sign follows Stop-Start
	Bidirectional  bool    // sweep back to Start once after reaching Stop
	Continual      bool    // keep flipping until paused or killed
	RampMultiplier float64 // ramp-to-start step as a multiple of Step, default 1
}

func (lo *LinearOptions) validate() error {
	if lo.Set == nil {
		return invalidf("linear sweep needs a swept parameter")
	}
	if err := checkFinite("linear range", lo.Start, lo.Stop, lo.Step, lo.RampMultiplier); err != nil {
		return err
	}
	if lo.Step == 0 {
		return invalidf("step for %s must be non-zero", instrument.RefOf(lo.Set))
	}
	if lo.RampMultiplier < 0 {
		return invalidf("negative ramp multiplier %g", lo.RampMultiplier)
	}
	if lo.RampMultiplier == 0 {
		lo.RampMultiplier = 1
	}
	lo.Step = math.Abs(lo.Step)
	return nil
}

// signedStep returns |step| pointing from start to stop.
func signedStep(start, stop, step float64) float64 {
	if stop < start {
		return -math.Abs(step)
	}
	return math.Abs(step)
}

// Linear steps one parameter through a range. The first sample is taken at
// Start; a direction flip re-emits the endpoint.
type Linear struct {
	*Base
	cfg LinearOptions

	begin, end float64
	stride     float64
	index      int
	dir        Direction
}

// NewLinear validates the configuration without touching any parameter.
func NewLinear(opts Options, lo LinearOptions) (*Linear, error) {
	if err := lo.validate(); err != nil {
		return nil, err
	}
	if err := validateOptions(opts, lo.Set); err != nil {
		return nil, err
	}
	if opts.Label == "" {
		opts.Label = lo.Set.Label()
	}
	s := &Linear{cfg: lo}
	s.Base = newBase("linear", opts, s, true)
	return s, nil
}

func (s *Linear) reset() {
	s.begin, s.end = s.cfg.Start, s.cfg.Stop
	s.stride = signedStep(s.cfg.Start, s.cfg.Stop, s.cfg.Step)
	s.index = -1
	s.dir = Forward
}

func (s *Linear) setpoint() float64 { return s.begin + float64(s.index)*s.stride }

func (s *Linear) step(now time.Time) (Sample, bool, error) {
	if endReached(s.setpoint(), s.end, s.stride) {
		if !s.cfg.Continual && !(s.cfg.Bidirectional && s.dir == Forward) {
			return nil, true, nil
		}
		s.flip()
	}
	s.index++
	sp := s.setpoint()
	if err := s.cfg.Set.Set(sp); err != nil {
		return nil, false, fmt.Errorf("set %s to %g: %w", instrument.RefOf(s.cfg.Set), sp, err)
	}
	return s.readFollowed(s.newSample(now, Entry{Ref: instrument.RefOf(s.cfg.Set), Value: sp}))
}

func (s *Linear) flip() {
	s.begin, s.end = s.end, s.begin
	s.stride = -s.stride
	s.index = -1
	s.dir = s.dir.Flip()
	s.setDirection(s.dir)
}

// passSamples is the number of samples in one pass from begin to end.
func (s *Linear) passSamples() int {
	return int(math.Round(math.Abs(s.cfg.Stop-s.cfg.Start)/s.cfg.Step)) + 1
}

func (s *Linear) estimate(fresh bool) (time.Duration, bool) {
	if s.cfg.Continual {
		return 0, false
	}
	per := s.perSample(fresh)
	n := s.passSamples()
	if fresh {
		if s.cfg.Bidirectional {
			n *= 2
		}
		return time.Duration(n) * per, true
	}
	left := int(math.Round(math.Abs(s.end-s.setpoint()) / s.cfg.Step))
	if s.cfg.Bidirectional && s.dir == Forward {
		left += n
	}
	return time.Duration(left) * per, true
}

func (s *Linear) columns() []Column {
	return append([]Column{timeColumn, columnOf(s.cfg.Set, true)}, s.followedColumns()...)
}

func (s *Linear) rampTargets() []rampTarget {
	return []rampTarget{{param: s.cfg.Set, target: s.cfg.Start, step: s.cfg.Step, multiplier: s.cfg.RampMultiplier}}
}

// Config returns the normalised configuration.
func (s *Linear) Config() LinearOptions { return s.cfg }
