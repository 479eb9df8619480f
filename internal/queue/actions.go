package queue

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/banshee-data/labsweep/internal/sweep"
)

// Action is one entry of a queue: a sweep, a database switch or a callable.
type Action interface {
	ID() ulid.ULID
	Describe() string
}

// SweepAction runs a sweep to completion.
type SweepAction struct {
	id    ulid.ULID
	Sweep sweep.Sweep
	Ramp  bool // ramp to start on the first activation

	activated bool
	hooked    bool
}

// Run wraps s as a queue action.
func Run(s sweep.Sweep) *SweepAction {
	return &SweepAction{id: ulid.Make(), Sweep: s}
}

// Ramped wraps s as a queue action that ramps to its start on first activation.
func Ramped(s sweep.Sweep) *SweepAction {
	a := Run(s)
	a.Ramp = true
	return a
}

func (a *SweepAction) ID() ulid.ULID { return a.id }

func (a *SweepAction) Describe() string {
	return fmt.Sprintf("%s sweep %q", a.Sweep.Kind(), a.Sweep.Label())
}

// Switcher changes the store and experiment/sample identifiers that later
// runs write to. It returns an error wrapping sweep.ErrStoreLocked when the
// switch lost a lock race and may be retried.
type Switcher interface {
	Switch(ctx context.Context, target sweep.Target) error
}

// DatabaseSwitch points subsequent sweeps at a new persistence target.
type DatabaseSwitch struct {
	id       ulid.ULID
	Target   sweep.Target
	Callback func(sweep.Target) // optional, runs after a successful switch
}

// Switch returns a database switch action.
func Switch(target sweep.Target, callback func(sweep.Target)) *DatabaseSwitch {
	return &DatabaseSwitch{id: ulid.Make(), Target: target, Callback: callback}
}

func (a *DatabaseSwitch) ID() ulid.ULID { return a.id }

func (a *DatabaseSwitch) Describe() string {
	return fmt.Sprintf("database switch to %s (%s/%s)", a.Target.Path, a.Target.Experiment, a.Target.Sample)
}

// Func runs an arbitrary callable. A returned error or panic halts the queue.
type Func struct {
	id   ulid.ULID
	Name string
	Fn   func() error
}

// Call returns a callable action.
func Call(name string, fn func() error) *Func {
	return &Func{id: ulid.Make(), Name: name, Fn: fn}
}

func (a *Func) ID() ulid.ULID { return a.id }

func (a *Func) Describe() string { return fmt.Sprintf("call %s", a.Name) }

// invoke runs the callable, converting a panic into an error.
func (a *Func) invoke() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if a.Fn == nil {
		return nil
	}
	return a.Fn()
}
