// Package plot holds the plotting sinks sweeps write to: a live trace sink
// with a single owner goroutine and a heatmap sink for 2-D sweeps.
package plot

import (
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/labsweep/internal/sweep"
)

// ErrClosed is returned by queries made after Close.
var ErrClosed = errors.New("plot sink is closed")

var (
	_ sweep.Plotter      = (*Live)(nil)
	_ sweep.ColumnSetter = (*Live)(nil)
)

type point struct {
	s   sweep.Sample
	dir sweep.Direction
}

// layout maps sample positions to the x axis and to followed traces.
type layout struct {
	x      int
	ys     []int // nil until columns are known: every entry after x
	xLabel string
	labels []string
}

func layoutOf(cols []sweep.Column) layout {
	l := layout{x: 0, xLabel: "Time (s)"}
	for i := 1; i < len(cols); i++ {
		if cols[i].Independent {
			l.x = i
			break
		}
	}
	if len(cols) > 0 {
		l.xLabel = columnLabel(cols[l.x])
	}
	for i, c := range cols {
		if i == 0 || c.Independent {
			continue
		}
		l.ys = append(l.ys, i)
		l.labels = append(l.labels, columnLabel(c))
	}
	return l
}

func columnLabel(c sweep.Column) string {
	name := c.Label
	if name == "" {
		name = c.Ref.String()
	}
	if c.Unit != "" {
		return fmt.Sprintf("%s (%s)", name, c.Unit)
	}
	return name
}

// state is owned by the loop goroutine.
type state struct {
	layout layout
	points []point
	breaks []int // indices into points where a new segment starts
}

// yIndex maps a followed-parameter index to its sample position. Without
// columns the width of the first sample decides, so an empty sink has none.
func (st *state) yIndex(i int) (int, bool) {
	if i < 0 {
		return 0, false
	}
	if st.layout.ys != nil {
		if i >= len(st.layout.ys) {
			return 0, false
		}
		return st.layout.ys[i], true
	}
	col := st.layout.x + 1 + i
	if len(st.points) == 0 || col >= len(st.points[0].s) {
		return 0, false
	}
	return col, true
}

func (st *state) trace(i int) (sweep.Trace, error) {
	col, ok := st.yIndex(i)
	if !ok {
		return sweep.Trace{}, fmt.Errorf("no followed parameter %d", i)
	}
	var tr sweep.Trace
	for _, p := range st.points {
		if col >= len(p.s) || st.layout.x >= len(p.s) {
			return sweep.Trace{}, fmt.Errorf("no followed parameter %d", i)
		}
		xy := &tr.Forward
		if p.dir == sweep.Backward {
			xy = &tr.Backward
		}
		xy.X = append(xy.X, p.s[st.layout.x].Value)
		xy.Y = append(xy.Y, p.s[col].Value)
	}
	return tr, nil
}

// Snapshot is a copy of the live data for rendering.
type Snapshot struct {
	Title  string      `json:"title"`
	XLabel string      `json:"x_label"`
	Labels []string    `json:"labels"`
	Series [][]Segment `json:"series"` // per followed parameter
}

// Segment is one unbroken run of points in one direction.
type Segment struct {
	Direction sweep.Direction `json:"direction"`
	X         []float64       `json:"x"`
	Y         []float64       `json:"y"`
}

func (st *state) snapshot(title string) Snapshot {
	snap := Snapshot{Title: title, XLabel: st.layout.xLabel}
	n := len(st.layout.ys)
	if st.layout.ys == nil && len(st.points) > 0 {
		n = len(st.points[0].s) - st.layout.x - 1
	}
	isBreak := make(map[int]bool, len(st.breaks))
	for _, b := range st.breaks {
		isBreak[b] = true
	}
	for i := 0; i < n; i++ {
		label := fmt.Sprintf("y%d", i)
		if i < len(st.layout.labels) {
			label = st.layout.labels[i]
		}
		col, _ := st.yIndex(i)
		var segs []Segment
		for j, p := range st.points {
			if col >= len(p.s) {
				continue
			}
			if len(segs) == 0 || isBreak[j] {
				segs = append(segs, Segment{Direction: p.dir})
			}
			seg := &segs[len(segs)-1]
			seg.X = append(seg.X, p.s[st.layout.x].Value)
			seg.Y = append(seg.Y, p.s[col].Value)
		}
		snap.Labels = append(snap.Labels, label)
		snap.Series = append(snap.Series, segs)
	}
	return snap
}

// Live is the plotting sink for one sweep at a time. Every call is queued and
// applied in order by a single owner goroutine, so AddSample never blocks on
// rendering and CurrentData sees every sample added before it.
type Live struct {
	title string

	mu      sync.Mutex
	pending []func(*state)
	closed  bool
	wake    chan struct{}
	done    chan struct{}

	st state
}

// NewLive starts a sink. Close must be called to stop its goroutine.
func NewLive(title string) *Live {
	l := &Live{
		title: title,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		st:    state{layout: layout{x: 1, xLabel: "Setpoint"}},
	}
	go l.loop()
	return l
}

func (l *Live) loop() {
	defer close(l.done)
	for range l.wake {
		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		closed := l.closed
		l.mu.Unlock()

		for _, fn := range batch {
			fn(&l.st)
		}
		if closed {
			return
		}
	}
}

func (l *Live) post(fn func(*state)) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()
	l.signal()
	return true
}

func (l *Live) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Close applies the queued calls and stops the owner goroutine.
func (l *Live) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	l.mu.Unlock()
	l.signal()
	<-l.done
}

func (l *Live) SetColumns(cols []sweep.Column) {
	lay := layoutOf(cols)
	l.post(func(st *state) { st.layout = lay })
}

func (l *Live) AddSample(s sweep.Sample, dir sweep.Direction) {
	l.post(func(st *state) { st.points = append(st.points, point{s: s, dir: dir}) })
}

func (l *Live) AddBreak(dir sweep.Direction) {
	l.post(func(st *state) { st.breaks = append(st.breaks, len(st.points)) })
}

func (l *Live) Reset() {
	l.post(func(st *state) {
		st.points = nil
		st.breaks = nil
	})
}

func (l *Live) CurrentData(index int) (sweep.Trace, error) {
	type result struct {
		tr  sweep.Trace
		err error
	}
	reply := make(chan result, 1)
	if !l.post(func(st *state) {
		tr, err := st.trace(index)
		reply <- result{tr, err}
	}) {
		return sweep.Trace{}, ErrClosed
	}
	r := <-reply
	return r.tr, r.err
}

// Snapshot returns a copy of the current data once every earlier call has
// been applied.
func (l *Live) Snapshot() (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if !l.post(func(st *state) { reply <- st.snapshot(l.title) }) {
		return Snapshot{}, ErrClosed
	}
	return <-reply, nil
}
