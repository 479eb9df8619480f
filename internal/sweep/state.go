// Package sweep implements the lifecycle state machine shared by every sweep,
// the Runner goroutine that advances an active sweep, and the concrete sweep
// variants (time, linear, 2-D, simultaneous, magnet and gate leakage).
package sweep

import (
	"fmt"
	"strings"
	"time"
)

// State is a sweep's lifecycle phase.
type State int

const (
	Ready State = iota
	Ramping
	Running
	Paused
	Done
	Killed
	Error
)

var stateNames = [...]string{"ready", "ramping", "running", "paused", "done", "killed", "error"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// IsTerminal reports whether s is Done, Killed or Error.
func (s State) IsTerminal() bool { return s == Done || s == Killed || s == Error }

// IsActive reports whether the Runner steps in s.
func (s State) IsActive() bool { return s == Running || s == Ramping }

// ParseState is the inverse of String.
func ParseState(text string) (State, error) {
	for i, n := range stateNames {
		if strings.EqualFold(text, n) {
			return State(i), nil
		}
	}
	return Ready, fmt.Errorf("unknown sweep state %q", text)
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Direction of travel through a sweep range.
type Direction int

const (
	Forward  Direction = 0
	Backward Direction = 1
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// Flip returns the opposite direction.
func (d Direction) Flip() Direction { return 1 - d }

// Progress is an immutable snapshot of a sweep's lifecycle and timing.
// ErrorMessage is non-empty exactly when State is Error. A run starts with a
// nil Remaining, and Fraction is 0 until the first sample when the run can be
// estimated at all; sweeps that cannot be estimated keep both nil.
type Progress struct {
	State        State          `json:"state"`
	Elapsed      *time.Duration `json:"elapsed,omitempty"`
	Remaining    *time.Duration `json:"remaining,omitempty"`
	Fraction     *float64       `json:"fraction,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ErrorCount   int            `json:"error_count"`
}

// Status is delivered to update observers after every sample.
type Status struct {
	Label        string    `json:"label"`
	Setpoint     float64   `json:"setpoint"`
	Direction    Direction `json:"direction"`
	Running      bool      `json:"running"`
	State        State     `json:"state"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ErrorCount   int       `json:"error_count"`
}

// Parent receives pause, resume and kill notifications from a child sweep.
// Composite sweeps and the queue implement it.
type Parent interface {
	PauseFromChild() bool
	ResumeFromChild() bool
	KillFromChild()
	Terminal() bool
}
