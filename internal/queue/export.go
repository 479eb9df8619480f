package queue

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/labsweep/internal/instrument"
	"github.com/banshee-data/labsweep/internal/sweep"
)

const (
	typeSweep  = "sweep"
	typeSwitch = "switch"
	typeFunc   = "func"

	// FileVersion is the queue file format written by WriteYAML.
	FileVersion = 1
)

// ActionRecord is the serialisable form of one action. Callables are stored
// by name and resolved against a registry on import.
type ActionRecord struct {
	Type   string        `json:"type" yaml:"type"`
	ID     string        `json:"id,omitempty" yaml:"id,omitempty"`
	Sweep  *sweep.Record `json:"sweep,omitempty" yaml:"sweep,omitempty"`
	Ramp   bool          `json:"ramp,omitempty" yaml:"ramp,omitempty"`
	Target *sweep.Target `json:"target,omitempty" yaml:"target,omitempty"`
	Name   string        `json:"name,omitempty" yaml:"name,omitempty"`
}

// File is a queue document.
type File struct {
	Version         int            `yaml:"version"`
	InterDelay      float64        `yaml:"inter_delay,omitempty"`       // seconds
	PostSwitchDelay float64        `yaml:"post_switch_delay,omitempty"` // seconds
	Actions         []ActionRecord `yaml:"actions"`
}

// Export returns the records of the current and pending actions in
// execution order.
func (q *Queue) Export() []ActionRecord {
	q.mu.Lock()
	actions := append([]Action(nil), q.future...)
	if q.current != nil {
		actions = append([]Action{q.current}, actions...)
	}
	q.mu.Unlock()

	out := make([]ActionRecord, 0, len(actions))
	for _, a := range actions {
		out = append(out, ExportAction(a))
	}
	return out
}

// ExportAction returns the record of a single action.
func ExportAction(a Action) ActionRecord {
	rec := ActionRecord{ID: a.ID().String()}
	switch a := a.(type) {
	case *SweepAction:
		r := a.Sweep.Export()
		rec.Type, rec.Sweep, rec.Ramp = typeSweep, &r, a.Ramp
	case *DatabaseSwitch:
		t := a.Target
		rec.Type, rec.Target = typeSwitch, &t
	case *Func:
		rec.Type, rec.Name = typeFunc, a.Name
	}
	return rec
}

// Import rebuilds actions from records. funcs resolves callables by name;
// onSwitch, if non-nil, becomes the callback of every database switch.
func Import(records []ActionRecord, reg *instrument.Registry, env sweep.Env, funcs map[string]func() error, onSwitch func(sweep.Target)) ([]Action, error) {
	out := make([]Action, 0, len(records))
	for i, rec := range records {
		a, err := importAction(rec, reg, env, funcs, onSwitch)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func importAction(rec ActionRecord, reg *instrument.Registry, env sweep.Env, funcs map[string]func() error, onSwitch func(sweep.Target)) (Action, error) {
	switch rec.Type {
	case typeSweep:
		if rec.Sweep == nil {
			return nil, fmt.Errorf("sweep action without a sweep")
		}
		s, err := sweep.Import(*rec.Sweep, reg, env)
		if err != nil {
			return nil, err
		}
		if rec.Ramp {
			return Ramped(s), nil
		}
		return Run(s), nil
	case typeSwitch:
		if rec.Target == nil || rec.Target.Path == "" {
			return nil, fmt.Errorf("database switch without a target path")
		}
		return Switch(*rec.Target, onSwitch), nil
	case typeFunc:
		fn, ok := funcs[rec.Name]
		if !ok {
			return nil, fmt.Errorf("unknown callable %q", rec.Name)
		}
		return Call(rec.Name, fn), nil
	default:
		return nil, fmt.Errorf("unknown action type %q", rec.Type)
	}
}

// ReadYAML decodes a queue document.
func ReadYAML(r io.Reader) (*File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode queue file: %w", err)
	}
	if f.Version != FileVersion {
		return nil, fmt.Errorf("unsupported queue file version %d", f.Version)
	}
	return &f, nil
}

// LoadFile reads a queue document from path.
func LoadFile(path string) (*File, error) {
	fh, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return ReadYAML(fh)
}

// WriteYAML encodes the queue's pending actions and delays.
func (q *Queue) WriteYAML(w io.Writer) error {
	q.mu.Lock()
	inter, post := q.opts.InterDelay, q.opts.PostSwitchDelay
	q.mu.Unlock()

	f := File{
		Version:         FileVersion,
		InterDelay:      inter.Seconds(),
		PostSwitchDelay: post.Seconds(),
		Actions:         q.Export(),
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&f); err != nil {
		return fmt.Errorf("encode queue file: %w", err)
	}
	return enc.Close()
}
