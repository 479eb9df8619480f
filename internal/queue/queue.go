// Package queue sequences sweeps, database switches and callables into one
// unattended campaign. A single loop goroutine owns all advancing; sweep
// completion callbacks and a periodic monitor tick only signal it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/labsweep/internal/monitoring"
	"github.com/banshee-data/labsweep/internal/sweep"
	"github.com/banshee-data/labsweep/internal/timeutil"
)

const (
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultSwitchRetries = 5
	defaultSwitchBackoff = 100 * time.Millisecond
	maxSwitchBackoff     = 5 * time.Second
)

// Dispatcher runs fn on the owning event loop and returns once fn has
// returned.
type Dispatcher func(fn func())

// Options configures a Queue.
type Options struct {
	InterDelay      time.Duration // before each sweep except the first activation after Start
	PostSwitchDelay time.Duration // after each database switch
	PollInterval    time.Duration // monitor tick
	SwitchRetries   int           // attempts when the store is locked
	SwitchBackoff   time.Duration // first retry wait, doubled per attempt
	Switcher        Switcher
	Dispatcher      Dispatcher // nil runs callables on the queue goroutine
	Clock           timeutil.Clock
}

// Queue runs its actions one at a time and halts on the first failure.
type Queue struct {
	opts  Options
	clock timeutil.Clock

	mu         sync.Mutex
	state      sweep.State
	errMsg     string
	errCount   int
	future     []Action
	current    Action
	past       []Action // most recent first
	startedAt  time.Time
	fresh      bool // the next sweep activation skips InterDelay
	completed  bool
	onComplete []func()
	loopDone   chan struct{}

	pending chan struct{}
}

// New returns an empty queue in the Ready state.
func New(opts Options) *Queue {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.SwitchRetries <= 0 {
		opts.SwitchRetries = DefaultSwitchRetries
	}
	if opts.SwitchBackoff <= 0 {
		opts.SwitchBackoff = defaultSwitchBackoff
	}
	return &Queue{
		opts:    opts,
		clock:   timeutil.Or(opts.Clock),
		state:   sweep.Ready,
		pending: make(chan struct{}, 1),
	}
}

// Append enqueues actions at the tail.
func (q *Queue) Append(actions ...Action) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.future = append(q.future, actions...)
}

// SetDelays replaces the inter-sweep and post-switch delays. It takes effect
// from the next activation.
func (q *Queue) SetDelays(inter, postSwitch time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.opts.InterDelay = inter
	q.opts.PostSwitchDelay = postSwitch
}

// OnComplete registers f to run once each time the queue finishes, halts or
// is killed.
func (q *Queue) OnComplete(f func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onComplete = append(q.onComplete, f)
}

// Start activates the first pending action. It is a no-op returning false
// while the queue is running or paused, or still has a current action.
func (q *Queue) Start(ctx context.Context) bool {
	q.mu.Lock()
	if q.busyLocked() {
		q.mu.Unlock()
		return false
	}
	prev := q.loopDone
	q.mu.Unlock()
	if prev != nil {
		<-prev
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.busyLocked() || q.loopDone != prev {
		return false
	}
	q.state = sweep.Running
	q.errMsg = ""
	q.completed = false
	q.fresh = true
	q.startedAt = q.clock.Now()
	done := make(chan struct{})
	q.loopDone = done
	go q.loop(ctx, done)
	q.poke()
	monitoring.Logf("[queue] started with %d pending actions", len(q.future))
	return true
}

func (q *Queue) busyLocked() bool {
	return q.state == sweep.Running || q.state == sweep.Paused || q.current != nil
}

// Pause pauses the queue and its current sweep.
func (q *Queue) Pause() bool {
	q.mu.Lock()
	if q.state != sweep.Running {
		q.mu.Unlock()
		return false
	}
	q.state = sweep.Paused
	cur := q.current
	q.mu.Unlock()

	if sa, ok := cur.(*SweepAction); ok {
		sa.Sweep.PauseWith(false, true)
	}
	q.poke()
	monitoring.Logf("[queue] paused")
	return true
}

// Resume resumes the queue and its current sweep.
func (q *Queue) Resume() bool {
	q.mu.Lock()
	if q.state != sweep.Paused {
		q.mu.Unlock()
		return false
	}
	q.state = sweep.Running
	cur := q.current
	q.mu.Unlock()

	if sa, ok := cur.(*SweepAction); ok && sa.Sweep.State() == sweep.Paused {
		sa.Sweep.ResumeWith(false, true)
	}
	q.poke()
	monitoring.Logf("[queue] resumed")
	return true
}

// Kill stops the queue and its current sweep. Pending actions are kept.
func (q *Queue) Kill() {
	q.mu.Lock()
	if q.state.IsTerminal() {
		q.mu.Unlock()
		return
	}
	q.state = sweep.Killed
	fire := q.finishLocked()
	cur := q.current
	q.mu.Unlock()

	if sa, ok := cur.(*SweepAction); ok {
		sa.Sweep.KillWith(false, true)
	}
	q.poke()
	monitoring.Logf("[queue] killed")
	runAll(fire)
}

// PauseFromChild pauses the queue on behalf of a sweep that already paused.
func (q *Queue) PauseFromChild() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != sweep.Running {
		return false
	}
	q.state = sweep.Paused
	return true
}

// ResumeFromChild resumes the queue on behalf of a sweep that already resumed.
func (q *Queue) ResumeFromChild() bool {
	q.mu.Lock()
	if q.state != sweep.Paused {
		q.mu.Unlock()
		return false
	}
	q.state = sweep.Running
	q.mu.Unlock()
	q.poke()
	return true
}

// KillFromChild kills the queue on behalf of a killed sweep.
func (q *Queue) KillFromChild() {
	q.mu.Lock()
	if q.state.IsTerminal() {
		q.mu.Unlock()
		return
	}
	q.state = sweep.Killed
	fire := q.finishLocked()
	q.mu.Unlock()
	q.poke()
	monitoring.Logf("[queue] killed by current sweep")
	runAll(fire)
}

// Terminal reports whether the queue is Done, Killed or in Error.
func (q *Queue) Terminal() bool { return q.State().IsTerminal() }

// State returns the queue's own lifecycle state.
func (q *Queue) State() sweep.State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Current returns the action being executed, or nil.
func (q *Queue) Current() Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current
}

// Future returns the pending actions in execution order.
func (q *Queue) Future() []Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Action(nil), q.future...)
}

// Past returns the finished actions, most recent first.
func (q *Queue) Past() []Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Action(nil), q.past...)
}

// Wait blocks until the queue goroutine has exited or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	done := q.loopDone
	q.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EstimateTime sums the estimates of the current and pending sweeps plus the
// configured delays. ok is false when any sweep cannot be estimated.
func (q *Queue) EstimateTime() (time.Duration, bool) {
	q.mu.Lock()
	actions := append([]Action(nil), q.future...)
	if q.current != nil {
		actions = append([]Action{q.current}, actions...)
	}
	inter, post := q.opts.InterDelay, q.opts.PostSwitchDelay
	q.mu.Unlock()

	var total time.Duration
	for i, a := range actions {
		switch a := a.(type) {
		case *SweepAction:
			d, ok := a.Sweep.EstimateTime(false)
			if !ok {
				return 0, false
			}
			total += d
			if i > 0 {
				total += inter
			}
		case *DatabaseSwitch:
			total += post
		}
	}
	return total, true
}

// Progress returns the queue's own progress snapshot.
func (q *Queue) Progress() sweep.Progress {
	q.mu.Lock()
	st, msg, n, started := q.state, q.errMsg, q.errCount, q.startedAt
	q.mu.Unlock()

	p := sweep.Progress{State: st, ErrorCount: n}
	if st == sweep.Error {
		p.ErrorMessage = msg
	}
	if started.IsZero() {
		return p
	}
	e := q.clock.Since(started)
	p.Elapsed = &e
	if st == sweep.Running || st == sweep.Paused {
		if r, ok := q.EstimateTime(); ok {
			p.Remaining = &r
			var f float64
			if e+r > 0 {
				f = float64(e) / float64(e+r)
			}
			p.Fraction = &f
		}
	}
	return p
}

func (q *Queue) poke() {
	select {
	case q.pending <- struct{}{}:
	default:
	}
}

func (q *Queue) finishLocked() []func() {
	if q.completed {
		return nil
	}
	q.completed = true
	return append([]func(){}, q.onComplete...)
}

func runAll(fs []func()) {
	for _, f := range fs {
		f()
	}
}

// loop is the only goroutine that advances the queue.
func (q *Queue) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := q.clock.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.Kill()
		case <-q.pending:
		case <-ticker.C():
		}
		q.beginNext(ctx)
		if q.Terminal() {
			q.retireCurrent()
			return
		}
	}
}

// beginNext retires a finished sweep and activates the next action. Signals
// that arrive while the current sweep is still active are ignored.
func (q *Queue) beginNext(ctx context.Context) {
	if q.State() != sweep.Running {
		return
	}
	if cur := q.Current(); cur != nil {
		sa, ok := cur.(*SweepAction)
		if !ok {
			return
		}
		st := sa.Sweep.State()
		if !st.IsTerminal() {
			return
		}
		if err := sa.Sweep.Wait(ctx); err != nil {
			return
		}
		q.retire(sa)
		if st == sweep.Killed {
			q.KillFromChild()
			return
		}
		if st == sweep.Error {
			q.halt(fmt.Sprintf("%s failed: %s", sa.Describe(), sa.Sweep.Progress().ErrorMessage))
			return
		}
		monitoring.Logf("[queue] %s finished (%s)", sa.Describe(), st)
	}
	q.activateNext(ctx)
}

func (q *Queue) activateNext(ctx context.Context) {
	for {
		q.mu.Lock()
		if q.state != sweep.Running {
			q.mu.Unlock()
			return
		}
		if len(q.future) == 0 {
			q.state = sweep.Done
			fire := q.finishLocked()
			q.mu.Unlock()
			monitoring.Logf("[queue] all actions finished")
			runAll(fire)
			return
		}
		next := q.future[0]
		q.future = q.future[1:]
		fresh, inter, post := q.fresh, q.opts.InterDelay, q.opts.PostSwitchDelay
		q.mu.Unlock()

		switch a := next.(type) {
		case *SweepAction:
			if !fresh && !q.delay(ctx, inter) {
				q.requeue(a)
				return
			}
			q.activateSweep(a)
			return
		case *DatabaseSwitch:
			q.setCurrent(a)
			err := q.runSwitch(ctx, a)
			q.retire(a)
			if err != nil {
				q.halt(err.Error())
				return
			}
			monitoring.Logf("[queue] %s done", a.Describe())
			if !q.delay(ctx, post) {
				return
			}
		case *Func:
			q.setCurrent(a)
			err := q.dispatch(a)
			q.retire(a)
			if err != nil {
				q.halt(fmt.Sprintf("%s: %v", a.Describe(), err))
				return
			}
		default:
			q.retire(next)
			q.halt(fmt.Sprintf("unsupported action %T", next))
			return
		}
	}
}

func (q *Queue) activateSweep(a *SweepAction) {
	ramp := a.Ramp && !a.activated
	a.activated = true
	a.Sweep.SetParent(q)
	if !a.hooked {
		a.hooked = true
		a.Sweep.OnComplete(q.poke)
	}
	q.mu.Lock()
	q.current = a
	q.fresh = false
	q.mu.Unlock()

	monitoring.Logf("[queue] starting %s", a.Describe())
	if _, ok := a.Sweep.Start(ramp); !ok {
		q.retire(a)
		q.halt(fmt.Sprintf("%s could not be started", a.Describe()))
		return
	}
	// A pause that raced the start is applied now.
	if q.State() == sweep.Paused {
		a.Sweep.PauseWith(false, true)
	}
}

// delay waits d, returning false early when the queue stops running.
func (q *Queue) delay(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return q.State() == sweep.Running
	}
	timer := q.clock.After(d)
	for {
		select {
		case <-timer:
			return q.State() == sweep.Running
		case <-ctx.Done():
			return false
		case <-q.pending:
			if q.State() != sweep.Running {
				q.poke()
				return false
			}
		}
	}
}

func (q *Queue) runSwitch(ctx context.Context, a *DatabaseSwitch) error {
	if q.opts.Switcher == nil {
		return fmt.Errorf("%s: no database switcher configured", a.Describe())
	}
	for attempt := 1; ; attempt++ {
		err := q.opts.Switcher.Switch(ctx, a.Target)
		if err == nil {
			break
		}
		if !errors.Is(err, sweep.ErrStoreLocked) || attempt >= q.opts.SwitchRetries {
			return fmt.Errorf("%s: %w", a.Describe(), err)
		}
		wait := backoff(q.opts.SwitchBackoff, attempt)
		monitoring.Logf("[queue] %s: store locked, retry %d in %s", a.Describe(), attempt, wait)
		select {
		case <-q.clock.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if a.Callback != nil {
		a.Callback(a.Target)
	}
	return nil
}

// backoff returns base·2^(attempt-1), capped.
func backoff(base time.Duration, attempt int) time.Duration {
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if d > float64(maxSwitchBackoff) {
		return maxSwitchBackoff
	}
	return time.Duration(d)
}

func (q *Queue) dispatch(a *Func) error {
	if q.opts.Dispatcher == nil {
		return a.invoke()
	}
	var err error
	q.opts.Dispatcher(func() { err = a.invoke() })
	return err
}

func (q *Queue) setCurrent(a Action) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.current = a
}

func (q *Queue) requeue(a Action) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.future = append([]Action{a}, q.future...)
}

// retire moves a from current to the head of past. A sweep is detached from
// the queue and killed to release its resources.
func (q *Queue) retire(a Action) {
	if sa, ok := a.(*SweepAction); ok {
		sa.Sweep.SetParent(nil)
		sa.Sweep.KillWith(false, true)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == a {
		q.current = nil
	}
	q.past = append([]Action{a}, q.past...)
}

// retireCurrent retires a sweep left current when the queue stopped.
func (q *Queue) retireCurrent() {
	sa, ok := q.Current().(*SweepAction)
	if !ok {
		return
	}
	sa.Sweep.KillWith(false, true)
	sa.Sweep.Wait(context.Background())
	q.retire(sa)
}

func (q *Queue) halt(msg string) {
	q.mu.Lock()
	if q.state.IsTerminal() {
		q.mu.Unlock()
		return
	}
	q.state = sweep.Error
	q.errMsg = msg
	q.errCount++
	fire := q.finishLocked()
	pending := len(q.future)
	q.mu.Unlock()

	monitoring.Logf("[queue] halted: %s (%d actions left pending)", msg, pending)
	runAll(fire)
}
