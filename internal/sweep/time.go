package sweep

import (
	"time"
)

// TimeOptions configures a 0-D sweep.
type TimeOptions struct {
	MaxTime *time.Duration // nil runs until paused or killed
}

// TimeSweep samples the followed parameters with no swept parameter. It
// completes once its run time, pauses excluded, reaches MaxTime.
type TimeSweep struct {
	*Base
	cfg TimeOptions
}

// NewTimeSweep validates the configuration.
func NewTimeSweep(opts Options, to TimeOptions) (*TimeSweep, error) {
	if to.MaxTime != nil && *to.MaxTime <= 0 {
		return nil, invalidf("max time must be positive, got %s", *to.MaxTime)
	}
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	if opts.Label == "" {
		opts.Label = "time"
	}
	s := &TimeSweep{cfg: to}
	s.Base = newBase("time", opts, s, false)
	return s, nil
}

func (s *TimeSweep) reset() {}

func (s *TimeSweep) step(now time.Time) (Sample, bool, error) {
	if s.cfg.MaxTime != nil && s.RunTime() >= *s.cfg.MaxTime {
		return nil, true, nil
	}
	return s.readFollowed(s.newSample(now))
}

func (s *TimeSweep) estimate(fresh bool) (time.Duration, bool) {
	if s.cfg.MaxTime == nil {
		return 0, false
	}
	if fresh {
		return *s.cfg.MaxTime, true
	}
	left := *s.cfg.MaxTime - s.RunTime()
	if left < 0 {
		left = 0
	}
	return left, true
}

func (s *TimeSweep) columns() []Column {
	t := timeColumn
	t.Independent = true
	return append([]Column{t}, s.followedColumns()...)
}

func (s *TimeSweep) rampTargets() []rampTarget { return nil }
