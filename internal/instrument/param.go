// Package instrument defines the parameter contract the sweep engine drives,
// a registry that resolves parameters by name and owning instrument, and the
// simulated and SCPI-backed implementations of that contract.
package instrument

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownParameter is returned when a registry lookup finds nothing.
	ErrUnknownParameter = errors.New("unknown parameter")
	// ErrReadOnly is returned by Set on a parameter that cannot be written.
	ErrReadOnly = errors.New("parameter is read-only")
)

// Parameter is a single named, gettable and settable instrument quantity.
// Get and Set block for the duration of the instrument exchange and return an
// error on communication failure.
type Parameter interface {
	Name() string
	Label() string
	Unit() string
	Instrument() string
	Get() (float64, error)
	Set(v float64) error
}

// Ref identifies a parameter by name and owning instrument.
type Ref struct {
	Name       string `json:"name" yaml:"name"`
	Instrument string `json:"instrument" yaml:"instrument"`
}

func (r Ref) String() string {
	if r.Instrument == "" {
		return r.Name
	}
	return r.Instrument + "." + r.Name
}

// RefOf returns the identity of p.
func RefOf(p Parameter) Ref {
	return Ref{Name: p.Name(), Instrument: p.Instrument()}
}

// RefsOf returns the identities of ps in order.
func RefsOf(ps []Parameter) []Ref {
	if len(ps) == 0 {
		return nil
	}
	out := make([]Ref, len(ps))
	for i, p := range ps {
		out[i] = RefOf(p)
	}
	return out
}

// Describe renders "label (unit)" for axis titles and column headers.
func Describe(p Parameter) string {
	if p.Unit() == "" {
		return p.Label()
	}
	return fmt.Sprintf("%s (%s)", p.Label(), p.Unit())
}
