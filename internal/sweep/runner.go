package sweep

import (
	"fmt"
	"time"

	"github.com/banshee-data/labsweep/internal/monitoring"
)

// run is the Runner: the single goroutine that advances one run of a sweep.
// It exits once the sweep is terminal or its parent is, flushing (and, when
// it owns it, closing) the persistence context on the way out.
func (b *Base) run(done chan struct{}) {
	defer close(done)

	var (
		persister Persister
		owned     bool
	)
	defer func() { b.release(persister, owned) }()

	if b.State() == Ramping && !b.rampToStart() {
		return
	}

	var err error
	persister, owned, err = b.openPersister()
	if err != nil {
		b.MarkError(err.Error())
		return
	}
	if sh, ok := b.impl.(sharer); ok {
		sh.share(persister)
	}
	if cs, ok := b.opts.Plotter.(ColumnSetter); ok && b.opts.PlotData {
		cs.SetColumns(b.impl.columns())
	}

	emitter := &emitter{b: b, persister: persister}
	flushedPause := false
	for {
		iterStart := b.clock.Now()
		if b.parentTerminal() {
			b.KillWith(false, false)
		}

		st := b.State()
		if st.IsTerminal() {
			return
		}
		if st == Paused {
			if !flushedPause && persister != nil {
				if err := persister.Flush(); err != nil {
					monitoring.Logf("[sweep] %s: flush on pause: %v", b.opts.Label, err)
				}
				flushedPause = true
			}
			<-b.wake
			continue
		}
		flushedPause = false

		sample, finished, err := b.impl.step(iterStart)
		switch {
		case err != nil:
			b.MarkError(err.Error())
			continue
		case finished:
			b.MarkDone()
			continue
		case sample != nil:
			if err := emitter.emit(sample); err != nil {
				b.MarkError(err.Error())
				continue
			}
		}
		b.sleepUntil(iterStart.Add(b.opts.InterDelay))
	}
}

// sleepUntil waits for deadline. State changes wake it early only when the
// sweep stops running, so samples are never closer than InterDelay.
func (b *Base) sleepUntil(deadline time.Time) {
	for {
		d := deadline.Sub(b.clock.Now())
		if d <= 0 {
			return
		}
		select {
		case <-b.clock.After(d):
			return
		case <-b.wake:
			if b.State() != Running || b.parentTerminal() {
				// Leave a token so the loop re-evaluates promptly.
				b.signal()
				return
			}
		}
	}
}

// sleep waits for d on the sweep clock, returning early when the sweep stops
// running. It reports whether the full duration elapsed.
func (b *Base) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	deadline := b.clock.Now().Add(d)
	b.sleepUntil(deadline)
	return !b.clock.Now().Before(deadline)
}

func (b *Base) openPersister() (Persister, bool, error) {
	b.mu.Lock()
	shared := b.shared
	b.mu.Unlock()
	if shared != nil {
		return shared, false, nil
	}
	if !b.opts.SaveData || b.opts.Store == nil {
		return nil, false, nil
	}
	p, err := b.opts.Store.Begin(RunMeta{Label: b.opts.Label, Kind: b.kind})
	if err != nil {
		return nil, false, fmt.Errorf("open persistence context: %w", err)
	}
	if err := p.Register(b.impl.columns()); err != nil {
		p.Close()
		return nil, false, fmt.Errorf("register columns: %w", err)
	}
	return p, true, nil
}

func (b *Base) release(p Persister, owned bool) {
	if f, ok := b.impl.(finisher); ok {
		f.finish()
	}
	if p != nil {
		if err := p.Flush(); err != nil {
			monitoring.Logf("[sweep] %s: final flush: %v", b.opts.Label, err)
		}
		if owned {
			st := b.Status()
			if err := p.Finish(st.State, st.ErrorMessage); err != nil {
				monitoring.Logf("[sweep] %s: record final state: %v", b.opts.Label, err)
			}
			if err := p.Close(); err != nil {
				monitoring.Logf("[sweep] %s: close persistence context: %v", b.opts.Label, err)
			}
		}
	}
	monitoring.Logf("[sweep] %s: runner exited (%s)", b.opts.Label, b.State())
}

// emitter forwards samples to persistence, plotting, progress and observers
// in production order.
type emitter struct {
	b         *Base
	persister Persister
	plotted   bool
	lastDir   Direction
}

func (e *emitter) emit(s Sample) error {
	b := e.b
	b.mu.Lock()
	if len(b.persistent) > 0 {
		s = append(s[:len(s):len(s)], b.persistent...)
	}
	dir := b.direction
	b.samples++
	if b.swept && len(s) > 1 {
		b.setpoint = s[1].Value
	}
	b.mu.Unlock()

	if e.persister != nil {
		if err := e.persister.AddRow(s); err != nil {
			return fmt.Errorf("persist sample: %w", err)
		}
	}
	if b.opts.PlotData && b.opts.Plotter != nil {
		if e.plotted && dir != e.lastDir {
			b.opts.Plotter.AddBreak(dir)
		}
		b.opts.Plotter.AddSample(s, dir)
		e.plotted, e.lastDir = true, dir
	}

	b.updateProgress()

	b.mu.Lock()
	st := b.statusLocked()
	observers := append([]func(Status){}, b.onUpdate...)
	b.mu.Unlock()
	for _, f := range observers {
		f(st)
	}
	return nil
}

func (b *Base) updateProgress() {
	r, ok := b.impl.estimate(false)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remaining = nil
	if ok {
		b.remaining = &r
	}
	b.publishLocked()
}
