package instrument

import (
	"math"

	"github.com/banshee-data/labsweep/internal/timeutil"
)

// DevRegistry returns a small simulated station: a two-channel DAC, a lock-in
// whose reading depends on the DAC outputs, a gate leakage monitor, a magnet
// and a fridge thermometer.
func DevRegistry(clock timeutil.Clock) *Registry {
	gate := NewSim("dac", "gate", WithLabel("Gate voltage"), WithUnit("V"))
	bias := NewSim("dac", "bias", WithLabel("Bias voltage"), WithUnit("V"), WithValue(0.01))

	x := NewSim("lockin", "x", WithLabel("Lock-in X"), WithUnit("V"), ReadOnly(),
		WithGetFunc(func() (float64, error) {
			g, b := gate.Value(), bias.Value()
			return b * (1 + 0.5*math.Sin(3*g)) * 1e-3, nil
		}))
	y := NewSim("lockin", "y", WithLabel("Lock-in Y"), WithUnit("V"), ReadOnly(),
		WithGetFunc(func() (float64, error) {
			return bias.Value() * 0.1 * math.Cos(gate.Value()) * 1e-3, nil
		}))
	leak := NewSim("smu", "leak", WithLabel("Gate leakage"), WithUnit("A"), ReadOnly(),
		WithGetFunc(func() (float64, error) {
			return 1e-10 * math.Expm1(math.Abs(gate.Value())), nil
		}))
	temp := NewSim("fridge", "temperature", WithLabel("Mixing chamber"), WithUnit("K"), WithValue(0.02), ReadOnly())
	field := NewSimMagnet("magnet", "field", 0.01, clock)

	reg := NewRegistry()
	// Refs are distinct so Add cannot fail.
	_ = reg.Add(gate, bias, x, y, leak, temp, field)
	reg.SetKind("magnet", KindMagnet)
	return reg
}
