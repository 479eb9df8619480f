package sweep

import (
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/labsweep/internal/instrument"
)

const (
	// DefaultMagnetRetries is the read budget before a field read failure
	// becomes an error.
	DefaultMagnetRetries    = 3
	defaultMagnetTolerance  = 1e-3
	defaultMagnetRetryDelay = 100 * time.Millisecond
)

// MagnetOptions configures a field sweep driven by the magnet supply's own
// ramp. The target is written once per leg and the live field is polled.
type MagnetOptions struct {
	Field         instrument.Parameter
	Start         float64
	Stop          float64
	Tolerance     float64 // field counts as reached within this distance
	Retries       int     // attempts per field read
	RetryDelay    time.Duration
	Bidirectional bool
}

type magnetPhase int

const (
	magnetApproach magnetPhase = iota // travelling to Start, not recorded
	magnetOut                         // Start -> Stop
	magnetBack                        // Stop -> Start
	magnetFinished
)

// Magnet records the followed parameters while the field ramps between
// setpoints. Its remaining time is limited by the supply and is never
// estimated.
type Magnet struct {
	*Base
	cfg MagnetOptions

	phase     magnetPhase
	target    float64
	targetSet bool
	dir       Direction
}

// NewMagnet validates the configuration.
func NewMagnet(opts Options, mo MagnetOptions) (*Magnet, error) {
	if mo.Field == nil {
		return nil, invalidf("magnet sweep needs a field parameter")
	}
	if err := checkFinite("magnet range", mo.Start, mo.Stop, mo.Tolerance); err != nil {
		return nil, err
	}
	if mo.Tolerance < 0 || mo.Retries < 0 || mo.RetryDelay < 0 {
		return nil, invalidf("magnet tolerance, retries and retry delay must not be negative")
	}
	if mo.Tolerance == 0 {
		mo.Tolerance = defaultMagnetTolerance
	}
	if mo.Retries == 0 {
		mo.Retries = DefaultMagnetRetries
	}
	if mo.RetryDelay == 0 {
		mo.RetryDelay = defaultMagnetRetryDelay
	}
	if err := validateOptions(opts, mo.Field); err != nil {
		return nil, err
	}
	if opts.Label == "" {
		opts.Label = mo.Field.Label()
	}
	s := &Magnet{cfg: mo}
	s.Base = newBase("magnet", opts, s, true)
	return s, nil
}

func (s *Magnet) reset() {
	s.phase = magnetApproach
	s.targetSet = false
	s.dir = Forward
}

func (s *Magnet) legTarget() float64 {
	if s.phase == magnetOut {
		return s.cfg.Stop
	}
	return s.cfg.Start
}

func (s *Magnet) step(now time.Time) (Sample, bool, error) {
	if s.phase == magnetFinished {
		return nil, true, nil
	}
	ref := instrument.RefOf(s.cfg.Field)
	if !s.targetSet {
		s.target = s.legTarget()
		if err := s.cfg.Field.Set(s.target); err != nil {
			return nil, false, fmt.Errorf("set %s target to %g: %w", ref, s.target, err)
		}
		s.targetSet = true
	}

	field, err := s.readField()
	if err != nil {
		return nil, false, err
	}
	reached := math.Abs(field-s.target) <= s.cfg.Tolerance

	if s.phase == magnetApproach {
		if reached {
			s.phase = magnetOut
			s.targetSet = false
		}
		return nil, false, nil
	}

	sample, _, err := s.readFollowed(s.newSample(now, Entry{Ref: ref, Value: field}))
	if err != nil {
		return nil, false, err
	}
	if reached {
		s.targetSet = false
		if s.phase == magnetOut && s.cfg.Bidirectional {
			s.phase = magnetBack
			s.dir = Backward
			s.setDirection(s.dir)
		} else {
			s.phase = magnetFinished
		}
	}
	return sample, false, nil
}

// readField polls the field, retrying up to the configured budget.
func (s *Magnet) readField() (float64, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.Retries; attempt++ {
		v, err := s.cfg.Field.Get()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt < s.cfg.Retries && !s.sleep(s.cfg.RetryDelay) {
			break
		}
	}
	return 0, fmt.Errorf("read %s failed after %d attempts: %w", instrument.RefOf(s.cfg.Field), s.cfg.Retries, lastErr)
}

func (s *Magnet) estimate(bool) (time.Duration, bool) { return 0, false }

func (s *Magnet) columns() []Column {
	return append([]Column{timeColumn, columnOf(s.cfg.Field, true)}, s.followedColumns()...)
}

func (s *Magnet) rampTargets() []rampTarget { return nil }
