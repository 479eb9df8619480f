package sweep

import (
	"fmt"
	"math"

	"github.com/banshee-data/labsweep/internal/instrument"
	"github.com/banshee-data/labsweep/internal/monitoring"
)

// rampTarget asks the ramp phase to bring param to target before the sweep
// proper. step is the main sweep's step magnitude; the ramp moves in
// multiplier·step increments and must land within step/2 of target.
type rampTarget struct {
	param      instrument.Parameter
	target     float64
	step       float64
	multiplier float64
}

// rampToStart runs on the Runner while the sweep is Ramping. Each target is
// approached with a throwaway linear sweep registered as a child so that pause
// and kill reach it. It returns false when the sweep must not proceed.
func (b *Base) rampToStart() bool {
	for _, rt := range b.impl.rampTargets() {
		if !b.rampOne(rt) {
			return false
		}
	}

	b.mu.Lock()
	switch {
	case b.state == Ramping:
		b.state = Running
	case b.state == Paused && b.prePause == Ramping:
		b.prePause = Running
	}
	b.publishLocked()
	ok := !b.state.IsTerminal()
	b.mu.Unlock()
	return ok
}

func (b *Base) rampOne(rt rampTarget) bool {
	ref := instrument.RefOf(rt.param)
	tol := math.Abs(rt.step) / 2

	live, err := rt.param.Get()
	if err != nil {
		b.MarkError(fmt.Sprintf("ramp to start: get %s: %v", ref, err))
		return false
	}
	if math.Abs(live-rt.target) <= tol {
		return true
	}

	mult := rt.multiplier
	if mult <= 0 {
		mult = 1
	}
	// Shrink the ramp step so that a whole number of steps lands on target.
	span := rt.target - live
	n := math.Ceil(math.Abs(span)/(math.Abs(rt.step)*mult) - 1e-6)
	if n < 1 {
		n = 1
	}
	helper, err := NewLinear(Options{
		Label:      fmt.Sprintf("ramp %s", ref),
		InterDelay: b.opts.InterDelay,
		Clock:      b.clock,
	}, LinearOptions{
		Set:   rt.param,
		Start: live,
		Stop:  rt.target,
		Step:  math.Abs(span) / n,
	})
	if err != nil {
		b.MarkError(fmt.Sprintf("ramp to start: %v", err))
		return false
	}

	monitoring.Logf("[sweep] %s: ramping %s from %g to %g in %d steps", b.opts.Label, ref, live, rt.target, int(n))
	helper.SetParent(b)
	b.addChild(helper.Base)
	defer b.removeChild(helper.Base)
	if _, ok := helper.Start(false); !ok {
		b.MarkError(fmt.Sprintf("ramp to start: ramp sweep for %s did not start", ref))
		return false
	}

	for waiting := true; waiting; {
		select {
		case <-helper.doneChan():
			waiting = false
		case <-b.wake:
			if b.State().IsTerminal() || b.parentTerminal() {
				helper.KillWith(false, true)
			}
		}
	}

	switch hp := helper.Progress(); hp.State {
	case Done:
	case Error:
		b.MarkError(fmt.Sprintf("ramp to start failed for %s: %s", ref, hp.ErrorMessage))
		return false
	default:
		return false
	}
	if b.State().IsTerminal() {
		return false
	}

	observed, err := rt.param.Get()
	if err != nil {
		b.MarkError(fmt.Sprintf("ramp to start: read back %s: %v", ref, err))
		return false
	}
	if math.Abs(observed-rt.target) > tol {
		b.MarkError(fmt.Sprintf("ramp failed for %s: expected %g, observed %g", ref, rt.target, observed))
		return false
	}
	return true
}
