package sweep

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/labsweep/internal/instrument"
	"github.com/banshee-data/labsweep/internal/monitoring"
	"github.com/banshee-data/labsweep/internal/timeutil"
)

// Options holds the settings shared by every sweep variant.
type Options struct {
	Label      string
	Followed   []instrument.Parameter // read once per sample, never written
	InterDelay time.Duration          // minimum spacing between samples
	SaveData   bool
	PlotData   bool
	Store      Store
	Plotter    Plotter
	Clock      timeutil.Clock
}

// Sweep is implemented by every variant.
type Sweep interface {
	Label() string
	Kind() string
	Start(ramp bool) (time.Time, bool)
	Pause() bool
	PauseWith(propagateToParent, requireChildPause bool) bool
	Resume() bool
	ResumeWith(propagateToParent, requireChildResume bool) bool
	Kill()
	KillWith(propagateToParent, propagateToChild bool)
	MarkError(msg string)
	MarkDone()
	State() State
	Progress() Progress
	Status() Status
	EstimateTime(verbose bool) (time.Duration, bool)
	OnComplete(f func())
	OnUpdate(f func(Status))
	SetParent(p Parent)
	Wait(ctx context.Context) error
	Export() Record
}

// stepper is the variant-specific half of a sweep. step and estimate(false)
// run only on the Runner goroutine; reset runs under the Base lock while no
// Runner exists and must not call back into Base.
type stepper interface {
	reset()
	step(now time.Time) (Sample, bool, error)
	estimate(fresh bool) (time.Duration, bool)
	columns() []Column
	rampTargets() []rampTarget
}

// finisher is implemented by variants that own a child Runner which must
// exit before the shared persistence context is released.
type finisher interface {
	finish()
}

// sharer is implemented by variants whose children write to the run's
// persistence context.
type sharer interface {
	share(p Persister)
}

// Base is the lifecycle state machine embedded by every variant.
type Base struct {
	opts  Options
	kind  string
	swept bool
	clock timeutil.Clock
	impl  stepper

	mu          sync.Mutex
	state       State
	prePause    State
	accumulated time.Duration
	resumedAt   time.Time
	startedAt   time.Time
	errMsg      string
	errCount    int
	completed   bool
	direction   Direction
	setpoint    float64
	remaining   *time.Duration
	estimable   bool // Fraction reads 0 until the first estimate
	samples     int
	parent      Parent
	children    []*Base
	onComplete  []func()
	onUpdate    []func(Status)
	runnerDone  chan struct{}
	persistent  []Entry
	shared      Persister
	origin      *Base // time entries count from origin's start when set

	wake     chan struct{}
	progress atomic.Pointer[Progress]
}

func newBase(kind string, opts Options, impl stepper, swept bool) *Base {
	b := &Base{
		opts:  opts,
		kind:  kind,
		swept: swept,
		clock: timeutil.Or(opts.Clock),
		impl:  impl,
		wake:  make(chan struct{}, 1),
	}
	b.progress.Store(&Progress{State: Ready})
	return b
}

func validateOptions(opts Options, swept ...instrument.Parameter) error {
	if opts.InterDelay < 0 {
		return invalidf("negative inter-sample delay %s", opts.InterDelay)
	}
	seen := make(map[instrument.Ref]bool)
	for _, p := range swept {
		if p == nil {
			return invalidf("swept parameter is nil")
		}
		seen[instrument.RefOf(p)] = true
	}
	followed := make(map[instrument.Ref]bool)
	for _, p := range opts.Followed {
		if p == nil {
			return invalidf("followed parameter is nil")
		}
		ref := instrument.RefOf(p)
		if seen[ref] {
			return invalidf("swept parameter %s cannot also be followed", ref)
		}
		if followed[ref] {
			return invalidf("parameter %s followed twice", ref)
		}
		followed[ref] = true
	}
	if opts.SaveData && opts.Store == nil {
		return invalidf("save_data requires a store")
	}
	return nil
}

func checkFinite(name string, vs ...float64) error {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return invalidf("%s must be finite, got %g", name, v)
		}
	}
	return nil
}

// Label returns the display label.
func (b *Base) Label() string { return b.opts.Label }

// Kind returns the variant name used in exported records.
func (b *Base) Kind() string { return b.kind }

// State returns the current lifecycle state.
func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Progress returns the latest published snapshot.
func (b *Base) Progress() Progress {
	return *b.progress.Load()
}

// Status returns the fields delivered to update observers.
func (b *Base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statusLocked()
}

func (b *Base) statusLocked() Status {
	return Status{
		Label:        b.opts.Label,
		Setpoint:     b.setpoint,
		Direction:    b.direction,
		Running:      b.state.IsActive(),
		State:        b.state,
		ErrorMessage: b.errMsg,
		ErrorCount:   b.errCount,
	}
}

// OnComplete registers f to run once per run on every terminal transition.
func (b *Base) OnComplete(f func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onComplete = append(b.onComplete, f)
}

// OnUpdate registers f to run after every sample.
func (b *Base) OnUpdate(f func(Status)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onUpdate = append(b.onUpdate, f)
}

// SetParent links (or with nil, severs) the sweep's parent.
func (b *Base) SetParent(p Parent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.parent = p
}

func (b *Base) addChild(c *Base) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.children = append(b.children, c)
}

func (b *Base) removeChild(c *Base) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, x := range b.children {
		if x == c {
			b.children = append(b.children[:i], b.children[i+1:]...)
			return
		}
	}
}

func (b *Base) setPersistent(entries []Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.persistent = append([]Entry(nil), entries...)
}

func (b *Base) usePersister(p Persister) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shared = p
}

func (b *Base) noteSetpoint(v float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setpoint = v
}

func (b *Base) setDirection(d Direction) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.direction = d
}

// Start launches a new run. It returns false without changing anything when
// the sweep is already Running or Ramping. A paused run is abandoned first.
func (b *Base) Start(ramp bool) (time.Time, bool) {
	b.mu.Lock()
	if b.state.IsActive() {
		b.mu.Unlock()
		return time.Time{}, false
	}
	paused := b.state == Paused
	prev := b.runnerDone
	b.mu.Unlock()

	if paused {
		b.KillWith(false, true)
	}
	if prev != nil {
		<-prev
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.IsActive() || b.state == Paused || b.runnerDone != prev {
		return time.Time{}, false
	}

	b.impl.reset()
	now := b.clock.Now()
	b.startedAt, b.resumedAt = now, now
	b.accumulated = 0
	b.samples = 0
	b.errMsg = ""
	b.completed = false
	b.direction = Forward
	b.state = Running
	if ramp && len(b.impl.rampTargets()) > 0 {
		b.state = Ramping
	}
	b.remaining = nil
	_, b.estimable = b.impl.estimate(true)
	b.publishLocked()

	done := make(chan struct{})
	b.runnerDone = done
	go b.run(done)
	return now, true
}

// Pause pauses the sweep and its active children, then notifies the parent.
func (b *Base) Pause() bool { return b.PauseWith(true, true) }

// PauseWith is a no-op returning false unless the sweep is Running or
// Ramping. With requireChildPause every active child must pause first.
func (b *Base) PauseWith(propagateToParent, requireChildPause bool) bool {
	b.mu.Lock()
	if !b.state.IsActive() {
		b.mu.Unlock()
		return false
	}
	children := append([]*Base(nil), b.children...)
	b.mu.Unlock()

	if requireChildPause {
		for _, c := range children {
			if c.State().IsActive() && !c.PauseWith(false, true) {
				return false
			}
		}
	}

	b.mu.Lock()
	if !b.state.IsActive() {
		b.mu.Unlock()
		return false
	}
	b.accumulateLocked()
	b.prePause = b.state
	b.state = Paused
	b.publishLocked()
	parent := b.parent
	b.mu.Unlock()
	b.signal()

	if propagateToParent && parent != nil {
		parent.PauseFromChild()
	}
	return true
}

// Resume resumes the sweep and its paused children, then notifies the parent.
func (b *Base) Resume() bool { return b.ResumeWith(true, true) }

// ResumeWith is a no-op returning false unless the sweep is Paused. The state
// held at pause time is restored; accumulated run time is kept.
func (b *Base) ResumeWith(propagateToParent, requireChildResume bool) bool {
	b.mu.Lock()
	if b.state != Paused {
		b.mu.Unlock()
		return false
	}
	b.state = b.prePause
	b.resumedAt = b.clock.Now()
	b.publishLocked()
	children := append([]*Base(nil), b.children...)
	parent := b.parent
	b.mu.Unlock()
	b.signal()

	if requireChildResume {
		for _, c := range children {
			if c.State() == Paused {
				c.ResumeWith(false, true)
			}
		}
	}
	if propagateToParent && parent != nil {
		parent.ResumeFromChild()
	}
	return true
}

// Kill stops the sweep from any state and propagates both ways.
func (b *Base) Kill() { b.KillWith(true, true) }

// KillWith is safe from any goroutine, never blocks on the Runner and may be
// called repeatedly. Kill does not always end in Killed: a sweep already Done
// or in Error deliberately keeps that state, and its completion observers do
// not fire again.
func (b *Base) KillWith(propagateToParent, propagateToChild bool) {
	b.mu.Lock()
	var fire []func()
	if !b.state.IsTerminal() {
		b.accumulateLocked()
		b.state = Killed
		b.publishLocked()
		fire = b.finishLocked()
	}
	children := append([]*Base(nil), b.children...)
	parent := b.parent
	b.mu.Unlock()
	b.signal()

	runAll(fire)
	if propagateToChild {
		for _, c := range children {
			c.KillWith(false, true)
		}
	}
	if propagateToParent && parent != nil {
		parent.KillFromChild()
	}
}

// MarkError moves the sweep to Error. The first error wins; a sweep that is
// already Done, Killed or in Error is left untouched. Only state changes: the
// Runner observes it and unwinds.
func (b *Base) MarkError(msg string) {
	b.mu.Lock()
	if b.state.IsTerminal() {
		b.mu.Unlock()
		return
	}
	if msg == "" {
		msg = "unknown error"
	}
	b.accumulateLocked()
	b.state = Error
	b.errMsg = msg
	b.errCount++
	b.publishLocked()
	fire := b.finishLocked()
	label := b.opts.Label
	b.mu.Unlock()
	b.signal()

	monitoring.Logf("[sweep] %s: error: %s", label, msg)
	runAll(fire)
}

// MarkDone moves the sweep to Done under the same idempotence rule as MarkError.
func (b *Base) MarkDone() {
	b.mu.Lock()
	if b.state.IsTerminal() {
		b.mu.Unlock()
		return
	}
	b.accumulateLocked()
	b.state = Done
	if b.remaining != nil || b.estimable {
		zero := time.Duration(0)
		b.remaining = &zero
	}
	b.publishLocked()
	fire := b.finishLocked()
	b.mu.Unlock()
	b.signal()

	runAll(fire)
}

// PauseFromChild pauses this sweep on behalf of a child that already paused.
func (b *Base) PauseFromChild() bool { return b.PauseWith(true, false) }

// ResumeFromChild resumes this sweep on behalf of a child that already resumed.
func (b *Base) ResumeFromChild() bool { return b.ResumeWith(true, false) }

// KillFromChild kills this sweep on behalf of a killed child.
func (b *Base) KillFromChild() { b.KillWith(true, false) }

// Terminal reports whether the sweep is Done, Killed or in Error.
func (b *Base) Terminal() bool { return b.State().IsTerminal() }

// Wait blocks until the current Runner has exited or ctx is done.
func (b *Base) Wait(ctx context.Context) error {
	select {
	case <-b.doneChan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

func (b *Base) doneChan() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.runnerDone == nil {
		return closedChan
	}
	return b.runnerDone
}

// EstimateTime returns the expected remaining run time. ok is false when it
// cannot be estimated.
func (b *Base) EstimateTime(verbose bool) (time.Duration, bool) {
	b.mu.Lock()
	st, rem := b.state, b.remaining
	b.mu.Unlock()

	var d time.Duration
	ok := true
	switch {
	case st.IsTerminal():
	case st == Ready, rem == nil:
		d, ok = b.impl.estimate(true)
	default:
		d = *rem
	}
	if verbose {
		if ok {
			monitoring.Logf("[sweep] %s: estimated %s remaining", b.opts.Label, d.Round(time.Second))
		} else {
			monitoring.Logf("[sweep] %s: remaining time cannot be estimated", b.opts.Label)
		}
	}
	return d, ok
}

// RunTime returns the accumulated active time of the current run.
func (b *Base) RunTime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.elapsedLocked()
}

func (b *Base) startTime() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startedAt
}

// perSample is the expected time per sample. Fresh estimates use InterDelay;
// otherwise the observed mean, never less than InterDelay. Fresh estimates do
// not lock, so Start may compute them under the Base lock.
func (b *Base) perSample(fresh bool) time.Duration {
	if fresh {
		return b.opts.InterDelay
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	per := b.opts.InterDelay
	if b.samples > 0 {
		if mean := b.elapsedLocked() / time.Duration(b.samples); mean > per {
			per = mean
		}
	}
	return per
}

func (b *Base) accumulateLocked() {
	if b.state.IsActive() {
		now := b.clock.Now()
		b.accumulated += now.Sub(b.resumedAt)
		b.resumedAt = now
	}
}

func (b *Base) elapsedLocked() time.Duration {
	e := b.accumulated
	if b.state.IsActive() {
		e += b.clock.Since(b.resumedAt)
	}
	return e
}

func (b *Base) publishLocked() {
	p := &Progress{State: b.state, ErrorCount: b.errCount}
	if b.state == Error {
		p.ErrorMessage = b.errMsg
	}
	e := b.elapsedLocked()
	p.Elapsed = &e
	if b.remaining != nil {
		r := *b.remaining
		p.Remaining = &r
		var f float64
		switch {
		case e+r > 0:
			f = float64(e) / float64(e+r)
		case b.state == Done:
			f = 1
		}
		p.Fraction = &f
	} else if b.estimable {
		var f float64
		p.Fraction = &f
	}
	b.progress.Store(p)
}

func (b *Base) finishLocked() []func() {
	if b.completed {
		return nil
	}
	b.completed = true
	return append([]func(){}, b.onComplete...)
}

func (b *Base) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Base) parentTerminal() bool {
	b.mu.Lock()
	p := b.parent
	b.mu.Unlock()
	return p != nil && p.Terminal()
}

func runAll(fs []func()) {
	for _, f := range fs {
		f()
	}
}

// newSample starts a sample with the time entry followed by swept entries.
func (b *Base) newSample(now time.Time, swept ...Entry) Sample {
	s := make(Sample, 0, 1+len(swept)+len(b.opts.Followed)+1)
	origin := b
	if b.origin != nil {
		origin = b.origin
	}
	s = append(s, Entry{Ref: TimeRef, Value: now.Sub(origin.startTime()).Seconds()})
	return append(s, swept...)
}

// readFollowed appends a fresh reading of every followed parameter.
func (b *Base) readFollowed(s Sample) (Sample, bool, error) {
	for _, p := range b.opts.Followed {
		v, err := p.Get()
		if err != nil {
			return nil, false, fmt.Errorf("get %s: %w", instrument.RefOf(p), err)
		}
		s = append(s, Entry{Ref: instrument.RefOf(p), Value: v})
	}
	return s, false, nil
}

func (b *Base) followedColumns() []Column {
	cols := make([]Column, 0, len(b.opts.Followed))
	for _, p := range b.opts.Followed {
		cols = append(cols, columnOf(p, false))
	}
	return cols
}

// endReached reports whether setpoint is within half a step of end.
func endReached(setpoint, end, step float64) bool {
	s := math.Abs(step)
	return math.Abs(setpoint-end)-s/2 <= s*1e-4
}
