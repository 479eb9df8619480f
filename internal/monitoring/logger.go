package monitoring

import (
	"fmt"
	"log"
	"strings"
	"sync"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Components prefix their messages with a bracketed
// tag such as "[sweep]" or "[queue]".
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Recorder collects formatted log lines. Use Capture to install one.
type Recorder struct {
	mu    sync.Mutex
	lines []string
}

// Lines returns every line recorded so far.
func (r *Recorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

// Contains reports whether any recorded line contains substr.
func (r *Recorder) Contains(substr string) bool {
	for _, l := range r.Lines() {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

// Capture routes Logf into a Recorder and returns it with a restore func.
// Lines are still forwarded to the previous logger.
func Capture() (*Recorder, func()) {
	prev := Logf
	rec := &Recorder{}
	Logf = func(format string, v ...interface{}) {
		rec.mu.Lock()
		rec.lines = append(rec.lines, fmt.Sprintf(format, v...))
		rec.mu.Unlock()
		prev(format, v...)
	}
	return rec, func() { Logf = prev }
}
