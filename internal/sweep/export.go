package sweep

import (
	"fmt"
	"time"

	"github.com/banshee-data/labsweep/internal/instrument"
	"github.com/banshee-data/labsweep/internal/monitoring"
	"github.com/banshee-data/labsweep/internal/timeutil"
)

// Record is the serialisable configuration of a sweep. Parameters are
// referenced by name and owning instrument; durations are in seconds.
type Record struct {
	Kind     string           `json:"kind" yaml:"kind"`
	Label    string           `json:"label,omitempty" yaml:"label,omitempty"`
	Followed []instrument.Ref `json:"followed,omitempty" yaml:"followed,omitempty"`

	InterDelay float64 `json:"inter_delay" yaml:"inter_delay"`
	SaveData   bool    `json:"save_data" yaml:"save_data"`
	PlotData   bool    `json:"plot_data" yaml:"plot_data"`

	// linear, leakage
	Set            *instrument.Ref `json:"set,omitempty" yaml:"set,omitempty"`
	Start          float64         `json:"start,omitempty" yaml:"start,omitempty"`
	Stop           float64         `json:"stop,omitempty" yaml:"stop,omitempty"`
	Step           float64         `json:"step,omitempty" yaml:"step,omitempty"`
	Bidirectional  bool            `json:"bidirectional,omitempty" yaml:"bidirectional,omitempty"`
	Continual      bool            `json:"continual,omitempty" yaml:"continual,omitempty"`
	RampMultiplier float64         `json:"ramp_multiplier,omitempty" yaml:"ramp_multiplier,omitempty"`

	// time
	MaxTime *float64 `json:"max_time,omitempty" yaml:"max_time,omitempty"`

	// 2d
	Inner         *Record         `json:"inner,omitempty" yaml:"inner,omitempty"`
	Outer         *instrument.Ref `json:"outer,omitempty" yaml:"outer,omitempty"`
	OuterStart    float64         `json:"outer_start,omitempty" yaml:"outer_start,omitempty"`
	OuterStop     float64         `json:"outer_stop,omitempty" yaml:"outer_stop,omitempty"`
	OuterStep     float64         `json:"outer_step,omitempty" yaml:"outer_step,omitempty"`
	OuterSubsteps int             `json:"outer_substeps,omitempty" yaml:"outer_substeps,omitempty"`
	OuterSettle   float64         `json:"outer_settle,omitempty" yaml:"outer_settle,omitempty"`
	HeatmapIndex  int             `json:"heatmap_index,omitempty" yaml:"heatmap_index,omitempty"`

	// simul
	Params []SimulRecord `json:"params,omitempty" yaml:"params,omitempty"`

	// magnet
	Tolerance  float64 `json:"tolerance,omitempty" yaml:"tolerance,omitempty"`
	Retries    int     `json:"retries,omitempty" yaml:"retries,omitempty"`
	RetryDelay float64 `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`

	// leakage
	Track *instrument.Ref `json:"track,omitempty" yaml:"track,omitempty"`
	Limit float64         `json:"limit,omitempty" yaml:"limit,omitempty"`
}

// SimulRecord is one parameter range of a simultaneous sweep.
type SimulRecord struct {
	Set   instrument.Ref `json:"set" yaml:"set"`
	Start float64        `json:"start" yaml:"start"`
	Stop  float64        `json:"stop" yaml:"stop"`
	Step  float64        `json:"step" yaml:"step"`
}

// Env carries the live collaborators a rebuilt sweep is attached to.
type Env struct {
	Store   Store
	Plotter Plotter
	Heatmap Heatmap
	Clock   timeutil.Clock
}

// wrap keeps a failed constructor from yielding a non-nil Sweep holding a nil
// pointer.
func wrap[S Sweep](s S, err error) (Sweep, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

func seconds(d time.Duration) float64 { return d.Seconds() }

func duration(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }

func refPtr(p instrument.Parameter) *instrument.Ref {
	r := instrument.RefOf(p)
	return &r
}

func (b *Base) baseRecord() Record {
	return Record{
		Kind:       b.kind,
		Label:      b.opts.Label,
		Followed:   instrument.RefsOf(b.opts.Followed),
		InterDelay: seconds(b.opts.InterDelay),
		SaveData:   b.opts.SaveData,
		PlotData:   b.opts.PlotData,
	}
}

func (lo LinearOptions) fill(r *Record) {
	r.Set = refPtr(lo.Set)
	r.Start, r.Stop, r.Step = lo.Start, lo.Stop, lo.Step
	r.Bidirectional, r.Continual = lo.Bidirectional, lo.Continual
	r.RampMultiplier = lo.RampMultiplier
}

// Export returns the sweep's configuration.
func (s *TimeSweep) Export() Record {
	r := s.baseRecord()
	if s.cfg.MaxTime != nil {
		m := seconds(*s.cfg.MaxTime)
		r.MaxTime = &m
	}
	return r
}

// Export returns the sweep's configuration.
func (s *Linear) Export() Record {
	r := s.baseRecord()
	s.cfg.fill(&r)
	return r
}

// Export returns the sweep's configuration. The inner record carries only
// the inner range; followed parameters and timing live on the outer record.
func (s *Sweep2D) Export() Record {
	r := s.baseRecord()
	inner := Record{Kind: s.inner.kind}
	s.cfg.Inner.fill(&inner)
	r.Inner = &inner
	r.Outer = refPtr(s.cfg.Outer)
	r.OuterStart, r.OuterStop, r.OuterStep = s.cfg.OuterStart, s.cfg.OuterStop, s.cfg.OuterStep
	r.OuterSubsteps = s.cfg.OuterSubsteps
	r.OuterSettle = seconds(s.cfg.OuterSettle)
	r.HeatmapIndex = s.cfg.HeatmapIndex
	return r
}

// Export returns the sweep's configuration.
func (s *Simul) Export() Record {
	r := s.baseRecord()
	for _, p := range s.cfg.Params {
		r.Params = append(r.Params, SimulRecord{Set: instrument.RefOf(p.Set), Start: p.Start, Stop: p.Stop, Step: p.Step})
	}
	r.Bidirectional, r.Continual = s.cfg.Bidirectional, s.cfg.Continual
	r.RampMultiplier = s.cfg.RampMultiplier
	return r
}

// Export returns the sweep's configuration.
func (s *Magnet) Export() Record {
	r := s.baseRecord()
	r.Set = refPtr(s.cfg.Field)
	r.Start, r.Stop = s.cfg.Start, s.cfg.Stop
	r.Bidirectional = s.cfg.Bidirectional
	r.Tolerance = s.cfg.Tolerance
	r.Retries = s.cfg.Retries
	r.RetryDelay = seconds(s.cfg.RetryDelay)
	return r
}

// Export returns the sweep's configuration.
func (s *GateLeakage) Export() Record {
	r := s.baseRecord()
	s.cfg.Linear.fill(&r)
	r.Track = refPtr(s.cfg.Track)
	r.Limit = s.cfg.Limit
	return r
}

// Import rebuilds a sweep from rec, resolving every parameter in reg.
func Import(rec Record, reg *instrument.Registry, env Env) (Sweep, error) {
	followed, err := reg.LookupAll(rec.Followed)
	if err != nil {
		return nil, fmt.Errorf("import %s sweep: %w", rec.Kind, err)
	}
	opts := Options{
		Label:      rec.Label,
		Followed:   followed,
		InterDelay: duration(rec.InterDelay),
		SaveData:   rec.SaveData,
		PlotData:   rec.PlotData,
		Store:      env.Store,
		Plotter:    env.Plotter,
		Clock:      env.Clock,
	}
	lookup := func(what string, ref *instrument.Ref) (instrument.Parameter, error) {
		if ref == nil {
			return nil, fmt.Errorf("import %s sweep: missing %s parameter", rec.Kind, what)
		}
		p, err := reg.Lookup(*ref)
		if err != nil {
			return nil, fmt.Errorf("import %s sweep: %w", rec.Kind, err)
		}
		return p, nil
	}
	linear := func(r Record) (LinearOptions, error) {
		set, err := lookup("swept", r.Set)
		if err != nil {
			return LinearOptions{}, err
		}
		return LinearOptions{
			Set: set, Start: r.Start, Stop: r.Stop, Step: r.Step,
			Bidirectional: r.Bidirectional, Continual: r.Continual, RampMultiplier: r.RampMultiplier,
		}, nil
	}

	switch rec.Kind {
	case "time":
		var to TimeOptions
		if rec.MaxTime != nil {
			d := duration(*rec.MaxTime)
			to.MaxTime = &d
		}
		return wrap(NewTimeSweep(opts, to))
	case "linear":
		lo, err := linear(rec)
		if err != nil {
			return nil, err
		}
		return wrap(NewLinear(opts, lo))
	case "2d":
		if rec.Inner == nil {
			return nil, fmt.Errorf("import 2d sweep: missing inner record")
		}
		inner, err := linear(*rec.Inner)
		if err != nil {
			return nil, err
		}
		outer, err := lookup("outer", rec.Outer)
		if err != nil {
			return nil, err
		}
		o := Sweep2DOptions{
			Inner:         inner,
			Outer:         outer,
			OuterStart:    rec.OuterStart,
			OuterStop:     rec.OuterStop,
			OuterStep:     rec.OuterStep,
			OuterSubsteps: rec.OuterSubsteps,
			OuterSettle:   duration(rec.OuterSettle),
			HeatmapIndex:  rec.HeatmapIndex,
		}
		if env.Heatmap != nil && rec.PlotData {
			o.Heatmap = env.Heatmap
		}
		return wrap(NewSweep2D(opts, o))
	case "simul":
		so := SimulOptions{Bidirectional: rec.Bidirectional, Continual: rec.Continual, RampMultiplier: rec.RampMultiplier}
		for _, pr := range rec.Params {
			set, err := lookup("simultaneous", &pr.Set)
			if err != nil {
				return nil, err
			}
			so.Params = append(so.Params, SimulParam{Set: set, Start: pr.Start, Stop: pr.Stop, Step: pr.Step})
		}
		return wrap(NewSimul(opts, so))
	case "magnet":
		field, err := lookup("field", rec.Set)
		if err != nil {
			return nil, err
		}
		if k := reg.Kind(field.Instrument()); k != instrument.KindMagnet {
			monitoring.Logf("[sweep] import: %s is on a %q instrument, not a magnet supply", instrument.RefOf(field), k)
		}
		return wrap(NewMagnet(opts, MagnetOptions{
			Field:         field,
			Start:         rec.Start,
			Stop:          rec.Stop,
			Tolerance:     rec.Tolerance,
			Retries:       rec.Retries,
			RetryDelay:    duration(rec.RetryDelay),
			Bidirectional: rec.Bidirectional,
		}))
	case "leakage":
		lo, err := linear(rec)
		if err != nil {
			return nil, err
		}
		track, err := lookup("tracked", rec.Track)
		if err != nil {
			return nil, err
		}
		return wrap(NewGateLeakage(opts, LeakageOptions{Linear: lo, Track: track, Limit: rec.Limit}))
	default:
		return nil, fmt.Errorf("import: unknown sweep kind %q", rec.Kind)
	}
}
