package instrument

import (
	"math"
	"sync"
	"time"

	"github.com/banshee-data/labsweep/internal/timeutil"
)

// Sim is an in-memory parameter used in development mode and tests. Set stores
// the value; Get returns it, optionally through a readback transform.
type Sim struct {
	mu         sync.Mutex
	name       string
	instrument string
	label      string
	unit       string
	value      float64
	readback   func(set float64) float64
	getFn      func() (float64, error)
	latency    time.Duration
	clock      timeutil.Clock
	getErr     error
	setErr     error
	failNext   int
	failErr    error
	readOnly   bool
	sets       []float64
	gets       int
}

// SimOption configures a Sim.
type SimOption func(*Sim)

func WithLabel(label string) SimOption { return func(s *Sim) { s.label = label } }
func WithUnit(unit string) SimOption   { return func(s *Sim) { s.unit = unit } }
func WithValue(v float64) SimOption    { return func(s *Sim) { s.value = v } }

// WithReadback makes Get return f(last set value).
func WithReadback(f func(set float64) float64) SimOption {
	return func(s *Sim) { s.readback = f }
}

// WithGetFunc makes Get delegate to f entirely, e.g. to derive a reading from
// other parameters.
func WithGetFunc(f func() (float64, error)) SimOption {
	return func(s *Sim) { s.getFn = f }
}

// WithLatency delays every Get and Set by d on clock.
func WithLatency(d time.Duration, clock timeutil.Clock) SimOption {
	return func(s *Sim) {
		s.latency = d
		s.clock = clock
	}
}

// ReadOnly makes Set fail with ErrReadOnly.
func ReadOnly() SimOption { return func(s *Sim) { s.readOnly = true } }

// NewSim returns a simulated parameter called name on instrument.
func NewSim(instrument, name string, opts ...SimOption) *Sim {
	s := &Sim{name: name, instrument: instrument, label: name}
	for _, o := range opts {
		o(s)
	}
	s.clock = timeutil.Or(s.clock)
	return s
}

func (s *Sim) Name() string       { return s.name }
func (s *Sim) Label() string      { return s.label }
func (s *Sim) Unit() string       { return s.unit }
func (s *Sim) Instrument() string { return s.instrument }

func (s *Sim) Get() (float64, error) {
	s.delay()
	s.mu.Lock()
	s.gets++
	if s.failNext > 0 {
		s.failNext--
		err := s.failErr
		s.mu.Unlock()
		return 0, err
	}
	if s.getErr != nil {
		err := s.getErr
		s.mu.Unlock()
		return 0, err
	}
	getFn, v, rb := s.getFn, s.value, s.readback
	s.mu.Unlock()

	if getFn != nil {
		return getFn()
	}
	if rb != nil {
		return rb(v), nil
	}
	return v, nil
}

func (s *Sim) Set(v float64) error {
	s.delay()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readOnly {
		return ErrReadOnly
	}
	if s.setErr != nil {
		return s.setErr
	}
	s.value = v
	s.sets = append(s.sets, v)
	return nil
}

func (s *Sim) delay() {
	if s.latency > 0 {
		s.clock.Sleep(s.latency)
	}
}

// FailGet makes every subsequent Get return err; nil clears it.
func (s *Sim) FailGet(err error) {
	s.mu.Lock()
	s.getErr = err
	s.mu.Unlock()
}

// FailSet makes every subsequent Set return err; nil clears it.
func (s *Sim) FailSet(err error) {
	s.mu.Lock()
	s.setErr = err
	s.mu.Unlock()
}

// FailNextGets makes the next n Gets return err.
func (s *Sim) FailNextGets(n int, err error) {
	s.mu.Lock()
	s.failNext = n
	s.failErr = err
	s.mu.Unlock()
}

// Value returns the last stored value without counting as a Get.
func (s *Sim) Value() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Sets returns every value passed to a successful Set.
func (s *Sim) Sets() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(s.sets))
	copy(out, s.sets)
	return out
}

// Gets returns how many times Get was called.
func (s *Sim) Gets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

// SimMagnet is a field parameter that moves toward its setpoint at a fixed
// ramp rate. Set returns immediately; Get reports the live field.
type SimMagnet struct {
	mu       sync.Mutex
	name     string
	inst     string
	rate     float64
	clock    timeutil.Clock
	from     float64
	target   float64
	setAt    time.Time
	failNext int
	failErr  error
	targets  []float64
}

// NewSimMagnet returns a magnet field parameter ramping at rate units/second.
func NewSimMagnet(instrument, name string, rate float64, clock timeutil.Clock) *SimMagnet {
	clock = timeutil.Or(clock)
	return &SimMagnet{name: name, inst: instrument, rate: math.Abs(rate), clock: clock, setAt: clock.Now()}
}

func (m *SimMagnet) Name() string       { return m.name }
func (m *SimMagnet) Label() string      { return "Magnetic field" }
func (m *SimMagnet) Unit() string       { return "T" }
func (m *SimMagnet) Instrument() string { return m.inst }

func (m *SimMagnet) Get() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext > 0 {
		m.failNext--
		return 0, m.failErr
	}
	return m.position(), nil
}

// position must be called with mu held.
func (m *SimMagnet) position() float64 {
	span := m.target - m.from
	moved := m.rate * m.clock.Since(m.setAt).Seconds()
	if moved >= math.Abs(span) {
		return m.target
	}
	return m.from + math.Copysign(moved, span)
}

func (m *SimMagnet) Set(v float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.from = m.position()
	m.target = v
	m.setAt = m.clock.Now()
	m.targets = append(m.targets, v)
	return nil
}

// FailNextGets makes the next n Gets return err.
func (m *SimMagnet) FailNextGets(n int, err error) {
	m.mu.Lock()
	m.failNext = n
	m.failErr = err
	m.mu.Unlock()
}

// Targets returns every setpoint written.
func (m *SimMagnet) Targets() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]float64, len(m.targets))
	copy(out, m.targets)
	return out
}
