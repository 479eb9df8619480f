package instrument

import (
	"fmt"
	"sync"
)

// Kinds recognised by the sweep engine when selecting retry behaviour.
const (
	KindGeneric = "generic"
	KindMagnet  = "magnet"
)

// Registry resolves parameters by Ref. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	params map[Ref]Parameter
	order  []Ref
	kinds  map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		params: make(map[Ref]Parameter),
		kinds:  make(map[string]string),
	}
}

// Add registers params. Registering the same Ref twice is an error.
func (r *Registry) Add(params ...Parameter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range params {
		ref := RefOf(p)
		if _, ok := r.params[ref]; ok {
			return fmt.Errorf("parameter %s already registered", ref)
		}
		r.params[ref] = p
		r.order = append(r.order, ref)
	}
	return nil
}

// Lookup returns the parameter identified by ref.
func (r *Registry) Lookup(ref Ref) (Parameter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.params[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParameter, ref)
	}
	return p, nil
}

// LookupAll resolves refs in order.
func (r *Registry) LookupAll(refs []Ref) ([]Parameter, error) {
	out := make([]Parameter, 0, len(refs))
	for _, ref := range refs {
		p, err := r.Lookup(ref)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Parameters returns every registered parameter in registration order.
func (r *Registry) Parameters() []Parameter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Parameter, len(r.order))
	for i, ref := range r.order {
		out[i] = r.params[ref]
	}
	return out
}

// SetKind records the kind of an instrument.
func (r *Registry) SetKind(instrument, kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[instrument] = kind
}

// Kind returns the recorded kind of instrument, or KindGeneric.
func (r *Registry) Kind(instrument string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if k, ok := r.kinds[instrument]; ok {
		return k
	}
	return KindGeneric
}
