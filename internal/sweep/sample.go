package sweep

import (
	"errors"
	"fmt"

	"github.com/banshee-data/labsweep/internal/instrument"
)

var (
	// ErrInvalidConfig wraps every construction-time validation failure.
	ErrInvalidConfig = errors.New("invalid sweep configuration")
	// ErrStoreLocked is returned by a store switch that lost a lock race and
	// may be retried.
	ErrStoreLocked = errors.New("store is locked")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// TimeRef identifies the time entry that starts every sample.
var TimeRef = instrument.Ref{Name: "time"}

// Entry is one (parameter, value) pair of a Sample.
type Entry struct {
	Ref   instrument.Ref
	Value float64
}

// Sample is one row: the time entry, the swept setpoints (if any), then each
// followed parameter in registration order. Samples are never mutated after
// the Runner hands them on.
type Sample []Entry

// Time returns the time entry in seconds.
func (s Sample) Time() float64 {
	if len(s) == 0 {
		return 0
	}
	return s[0].Value
}

// Values returns the values in order.
func (s Sample) Values() []float64 {
	out := make([]float64, len(s))
	for i, e := range s {
		out[i] = e.Value
	}
	return out
}

// Column describes one persisted column.
type Column struct {
	Ref         instrument.Ref `json:"ref"`
	Label       string         `json:"label"`
	Unit        string         `json:"unit,omitempty"`
	Independent bool           `json:"independent,omitempty"`
}

func columnOf(p instrument.Parameter, independent bool) Column {
	return Column{Ref: instrument.RefOf(p), Label: p.Label(), Unit: p.Unit(), Independent: independent}
}

var timeColumn = Column{Ref: TimeRef, Label: "Time", Unit: "s"}

// RunMeta describes a run when it opens a persistence context.
type RunMeta struct {
	Label string
	Kind  string
}

// Persister is one run's persistence context. Register is called once before
// the first AddRow. It is owned by a single Runner, which calls Finish with
// the run's terminal state before Close.
type Persister interface {
	Register(cols []Column) error
	AddRow(s Sample) error
	Flush() error
	Finish(state State, message string) error
	Close() error
}

// Store opens persistence contexts.
type Store interface {
	Begin(meta RunMeta) (Persister, error)
}

// Target selects the store and experiment/sample identifiers that
// subsequent runs write to.
type Target struct {
	Path       string `json:"path" yaml:"path"`
	Experiment string `json:"experiment" yaml:"experiment"`
	Sample     string `json:"sample" yaml:"sample"`
}

// XY is one curve.
type XY struct {
	X []float64 `json:"x"`
	Y []float64 `json:"y"`
}

// Trace holds the forward and backward curves of one followed parameter
// against the swept setpoint.
type Trace struct {
	Forward  XY `json:"forward"`
	Backward XY `json:"backward"`
}

// Plotter is the live plotting sink. Implementations must not block the
// caller; rendering happens on the sink's own goroutine.
type Plotter interface {
	AddSample(s Sample, dir Direction)
	AddBreak(dir Direction)
	Reset()
	// CurrentData returns the trace of the followed parameter at index.
	CurrentData(index int) (Trace, error)
}

// ColumnSetter is implemented by plotters that lay out their traces from the
// run's columns. The Runner calls SetColumns before the first sample.
type ColumnSetter interface {
	SetColumns(cols []Column)
}

// Heatmap receives one complete inner trace per outer value.
type Heatmap interface {
	AddLine(outer float64, tr Trace)
}
