package instrument

import (
	"fmt"
	"strconv"
	"strings"
)

// Bus carries SCPI text to addressed instruments. serialmux.SerialMux
// implements it.
type Bus interface {
	Command(addr int, cmd string) error
	Query(addr int, cmd string) (string, error)
}

// InstrumentSpec describes one instrument on the bus.
type InstrumentSpec struct {
	Name       string          `json:"name"`
	Kind       string          `json:"kind,omitempty"`
	Address    int             `json:"address"`
	Init       []string        `json:"init,omitempty"`
	Parameters []ParameterSpec `json:"parameters"`
}

// ParameterSpec maps one parameter onto SCPI text. Get is a query; Set is a
// format string taking the value as its single verb, e.g. "SOUR:VOLT %g".
// An empty Set makes the parameter read-only.
type ParameterSpec struct {
	Name  string   `json:"name"`
	Label string   `json:"label,omitempty"`
	Unit  string   `json:"unit,omitempty"`
	Get   string   `json:"get"`
	Set   string   `json:"set,omitempty"`
	Scale *float64 `json:"scale,omitempty"`
}

// Validate reports the first problem with s.
func (s InstrumentSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("instrument name is required")
	}
	if s.Address < 0 || s.Address > 30 {
		return fmt.Errorf("instrument %s: GPIB address %d out of range 0-30", s.Name, s.Address)
	}
	if len(s.Parameters) == 0 {
		return fmt.Errorf("instrument %s: no parameters", s.Name)
	}
	for _, p := range s.Parameters {
		if p.Name == "" {
			return fmt.Errorf("instrument %s: parameter name is required", s.Name)
		}
		if p.Get == "" {
			return fmt.Errorf("instrument %s: parameter %s has no get query", s.Name, p.Name)
		}
		if p.Set != "" && strings.Count(p.Set, "%") != 1 {
			return fmt.Errorf("instrument %s: parameter %s set format must contain exactly one verb", s.Name, p.Name)
		}
		if p.Scale != nil && *p.Scale == 0 {
			return fmt.Errorf("instrument %s: parameter %s has zero scale", s.Name, p.Name)
		}
	}
	return nil
}

// SCPI is a parameter backed by a text query and command on a Bus.
type SCPI struct {
	bus        Bus
	addr       int
	instrument string
	spec       ParameterSpec
	scale      float64
}

// NewSCPI returns a parameter for spec on the instrument at addr.
func NewSCPI(bus Bus, instrument string, addr int, spec ParameterSpec) *SCPI {
	scale := 1.0
	if spec.Scale != nil {
		scale = *spec.Scale
	}
	return &SCPI{bus: bus, addr: addr, instrument: instrument, spec: spec, scale: scale}
}

func (p *SCPI) Name() string       { return p.spec.Name }
func (p *SCPI) Unit() string       { return p.spec.Unit }
func (p *SCPI) Instrument() string { return p.instrument }

func (p *SCPI) Label() string {
	if p.spec.Label == "" {
		return p.spec.Name
	}
	return p.spec.Label
}

// Get queries the instrument and parses the first field of the reply.
func (p *SCPI) Get() (float64, error) {
	reply, err := p.bus.Query(p.addr, p.spec.Get)
	if err != nil {
		return 0, fmt.Errorf("%s.%s get: %w", p.instrument, p.spec.Name, err)
	}
	v, err := ParseReading(reply)
	if err != nil {
		return 0, fmt.Errorf("%s.%s get: %w", p.instrument, p.spec.Name, err)
	}
	return v * p.scale, nil
}

// Set writes v (divided by the scale) through the set format.
func (p *SCPI) Set(v float64) error {
	if p.spec.Set == "" {
		return fmt.Errorf("%s.%s: %w", p.instrument, p.spec.Name, ErrReadOnly)
	}
	if err := p.bus.Command(p.addr, fmt.Sprintf(p.spec.Set, v/p.scale)); err != nil {
		return fmt.Errorf("%s.%s set %g: %w", p.instrument, p.spec.Name, v, err)
	}
	return nil
}

// ParseReading extracts a number from an instrument reply such as
// "+1.234E-03", "1.5,0,0" or "VOLT 2.0".
func ParseReading(reply string) (float64, error) {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return 0, fmt.Errorf("empty reply")
	}
	fields := strings.FieldsFunc(reply, func(r rune) bool { return r == ',' || r == ';' })
	if len(fields) == 0 {
		return 0, fmt.Errorf("unparseable reply %q", reply)
	}
	parts := strings.Fields(fields[0])
	if len(parts) == 0 {
		return 0, fmt.Errorf("unparseable reply %q", reply)
	}
	v, err := strconv.ParseFloat(parts[len(parts)-1], 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable reply %q", reply)
	}
	return v, nil
}

// Build validates specs, sends each instrument's init commands and registers
// every parameter.
func Build(bus Bus, specs []InstrumentSpec) (*Registry, error) {
	reg := NewRegistry()
	for _, s := range specs {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		for _, cmd := range s.Init {
			if err := bus.Command(s.Address, cmd); err != nil {
				return nil, fmt.Errorf("instrument %s init %q: %w", s.Name, cmd, err)
			}
		}
		for _, ps := range s.Parameters {
			if err := reg.Add(NewSCPI(bus, s.Name, s.Address, ps)); err != nil {
				return nil, err
			}
		}
		if s.Kind != "" {
			reg.SetKind(s.Name, s.Kind)
		}
	}
	return reg, nil
}
