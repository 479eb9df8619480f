package serialmux

import (
	"bytes"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Responder answers a query sent to the instrument at addr. Returning false
// simulates an instrument that stays silent.
type Responder func(addr int, cmd string) (string, bool)

// FakeController implements SerialPorter by emulating a Prologix controller
// with instruments behind it. It records every line written and answers
// ++read requests through its Responder.
type FakeController struct {
	mu sync.Mutex

	respond Responder
	addr    int
	lastCmd string
	partial []byte
	lines   []string
	replies bytes.Buffer
	closed  bool

	// WriteError is returned by every Write while set.
	WriteError error
	// ReadLatency delays each Read call.
	ReadLatency time.Duration
}

// NewFakeController returns a controller whose instruments answer with respond.
func NewFakeController(respond Responder) *FakeController {
	return &FakeController{respond: respond, addr: -1}
}

func (f *FakeController) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, io.ErrClosedPipe
	}
	if f.WriteError != nil {
		return 0, f.WriteError
	}
	f.partial = append(f.partial, p...)
	for {
		i := bytes.IndexByte(f.partial, '\n')
		if i < 0 {
			break
		}
		f.handle(string(f.partial[:i]))
		f.partial = f.partial[i+1:]
	}
	return len(p), nil
}

func (f *FakeController) handle(line string) {
	f.lines = append(f.lines, line)
	switch {
	case strings.HasPrefix(line, "++addr "):
		if n, err := strconv.Atoi(strings.TrimPrefix(line, "++addr ")); err == nil {
			f.addr = n
		}
	case strings.HasPrefix(line, "++read"):
		if f.respond == nil {
			return
		}
		if reply, ok := f.respond(f.addr, f.lastCmd); ok {
			f.replies.WriteString(reply + "\n")
		}
	case strings.HasPrefix(line, "++"):
	default:
		f.lastCmd = line
	}
}

// Read returns pending reply bytes, or (0, nil) like a port whose read timed out.
func (f *FakeController) Read(p []byte) (int, error) {
	if f.ReadLatency > 0 {
		time.Sleep(f.ReadLatency)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, io.EOF
	}
	if f.replies.Len() == 0 {
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
		f.mu.Lock()
		return 0, nil
	}
	return f.replies.Read(p)
}

func (f *FakeController) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// SetReadTimeout satisfies TimeoutSerialPorter.
func (f *FakeController) SetReadTimeout(time.Duration) error { return nil }

// Lines returns every complete line written to the controller.
func (f *FakeController) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.lines))
	copy(out, f.lines)
	return out
}

// SetWriteError installs (or clears, with nil) a write failure.
func (f *FakeController) SetWriteError(err error) {
	f.mu.Lock()
	f.WriteError = err
	f.mu.Unlock()
}

// Closed reports whether Close has been called.
func (f *FakeController) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
