// Package serialmux shares one Prologix-style GPIB controller between every
// instrument on the bus. Each exchange addresses its instrument with ++addr
// before the SCPI text is written, and exchanges are serialised so that replies
// from different instruments can never interleave.
package serialmux

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"tailscale.com/tsweb"

	"github.com/banshee-data/labsweep/internal/monitoring"
)

var ErrWriteFailed = fmt.Errorf("failed to write to serial port")

var (
	// ErrNoResponse is returned when an instrument does not answer a query
	// before the read timeout.
	ErrNoResponse = errors.New("no response from instrument")
	// ErrClosed is returned for exchanges attempted after Close.
	ErrClosed = errors.New("serial mux closed")
)

//go:embed templates/*
var adminTemplateFS embed.FS

var consoleTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/gpib-console.html.tmpl"))

const (
	DefaultReadTimeout = time.Second
	defaultHistory     = 64
	pollTimeout        = 50 * time.Millisecond
)

// Exchange is one command (and optional reply) recorded for the debug console.
type Exchange struct {
	Time     time.Time `json:"time"`
	Addr     int       `json:"addr"`
	Command  string    `json:"command"`
	Response string    `json:"response,omitempty"`
	Err      string    `json:"error,omitempty"`
}

// SerialMux is a GPIB bus multiplexer over a single serial controller.
type SerialMux[T SerialPorter] struct {
	port        T
	commandMu   sync.Mutex
	addr        int
	pending     []byte
	readTimeout time.Duration
	breaker     *gobreaker.CircuitBreaker

	historyMu  sync.Mutex
	history    []Exchange
	historyCap int

	closingMu sync.Mutex
	closing   bool
}

type settings struct {
	readTimeout time.Duration
	maxFailures uint32
	cooldown    time.Duration
	history     int
}

// Option configures a SerialMux.
type Option func(*settings)

// WithReadTimeout bounds how long a query waits for its reply line.
func WithReadTimeout(d time.Duration) Option {
	return func(s *settings) { s.readTimeout = d }
}

// WithBreaker trips the bus circuit breaker after maxFailures consecutive
// failed exchanges and keeps it open for cooldown.
func WithBreaker(maxFailures uint32, cooldown time.Duration) Option {
	return func(s *settings) {
		s.maxFailures = maxFailures
		s.cooldown = cooldown
	}
}

// WithHistory sets how many exchanges the debug console retains.
func WithHistory(n int) Option {
	return func(s *settings) { s.history = n }
}

// NewSerialMux creates a SerialMux on top of port.
func NewSerialMux[T SerialPorter](port T, opts ...Option) *SerialMux[T] {
	st := settings{
		readTimeout: DefaultReadTimeout,
		maxFailures: 5,
		cooldown:    10 * time.Second,
		history:     defaultHistory,
	}
	for _, o := range opts {
		o(&st)
	}

	// Short port-level timeouts let readLine enforce its own deadline.
	if tp, ok := any(port).(TimeoutSerialPorter); ok {
		if err := tp.SetReadTimeout(pollTimeout); err != nil {
			monitoring.Logf("[serialmux] set read timeout: %v", err)
		}
	}

	return &SerialMux[T]{
		port:        port,
		addr:        -1,
		readTimeout: st.readTimeout,
		historyCap:  st.history,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "gpib",
			MaxRequests: 1,
			Timeout:     st.cooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= st.maxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				monitoring.Logf("[serialmux] breaker %s: %s -> %s", name, from, to)
			},
		}),
	}
}

// Initialize puts the controller in controller mode with manual read-after-write
// so that only queries produce replies.
func (s *SerialMux[T]) Initialize() error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	for _, command := range []string{
		"++mode 1", // controller
		"++auto 0", // talk only when asked with ++read
		"++eoi 1",  // assert EOI with the last byte
		"++eos 2",  // LF terminator
	} {
		if err := s.writeLine(command); err != nil {
			return fmt.Errorf("failed to send controller setup %q: %w", command, err)
		}
	}
	s.addr = -1
	return nil
}

// Command writes cmd to the instrument at addr.
func (s *SerialMux[T]) Command(addr int, cmd string) error {
	_, err := s.execute(addr, cmd, false)
	return err
}

// Query writes cmd to the instrument at addr and reads one reply line.
func (s *SerialMux[T]) Query(addr int, cmd string) (string, error) {
	return s.execute(addr, cmd, true)
}

func (s *SerialMux[T]) execute(addr int, cmd string, query bool) (string, error) {
	if s.isClosing() {
		return "", ErrClosed
	}
	res, err := s.breaker.Execute(func() (interface{}, error) {
		return s.exchange(addr, cmd, query)
	})
	reply, _ := res.(string)
	s.record(Exchange{Time: time.Now(), Addr: addr, Command: cmd, Response: reply, Err: errString(err)})
	if err != nil {
		return "", fmt.Errorf("gpib %d %q: %w", addr, cmd, err)
	}
	return reply, nil
}

func (s *SerialMux[T]) exchange(addr int, cmd string, query bool) (string, error) {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()

	if addr != s.addr {
		if err := s.writeLine(fmt.Sprintf("++addr %d", addr)); err != nil {
			s.addr = -1
			return "", err
		}
		s.addr = addr
	}
	if err := s.writeLine(cmd); err != nil {
		return "", err
	}
	if !query {
		return "", nil
	}
	if err := s.writeLine("++read eoi"); err != nil {
		return "", err
	}
	return s.readLine()
}

// writeLine must be called with commandMu held.
func (s *SerialMux[T]) writeLine(command string) error {
	if !bytes.HasSuffix([]byte(command), []byte("\n")) {
		command += "\n"
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// readLine must be called with commandMu held.
func (s *SerialMux[T]) readLine() (string, error) {
	deadline := time.Now().Add(s.readTimeout)
	buf := make([]byte, 256)
	for {
		if i := bytes.IndexByte(s.pending, '\n'); i >= 0 {
			line := string(s.pending[:i])
			s.pending = s.pending[i+1:]
			return strings.TrimRight(line, "\r"), nil
		}
		n, err := s.port.Read(buf)
		if n > 0 {
			s.pending = append(s.pending, buf[:n]...)
			continue
		}
		if err != nil {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", ErrNoResponse
		}
	}
}

func (s *SerialMux[T]) record(e Exchange) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	if s.historyCap <= 0 {
		return
	}
	s.history = append(s.history, e)
	if over := len(s.history) - s.historyCap; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}
}

// History returns recorded exchanges, oldest first.
func (s *SerialMux[T]) History() []Exchange {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	out := make([]Exchange, len(s.history))
	copy(out, s.history)
	return out
}

// BreakerState reports the bus circuit breaker state.
func (s *SerialMux[T]) BreakerState() string {
	return s.breaker.State().String()
}

func (s *SerialMux[T]) isClosing() bool {
	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	return s.closing
}

func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	s.closing = true
	s.closingMu.Unlock()
	return s.port.Close()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// AttachAdminRoutes registers the bus console under /debug/.
func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("gpib", "GPIB bus console", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		data := struct {
			Breaker string
			History []Exchange
		}{s.BreakerState(), s.History()}
		if err := consoleTemplate.Execute(buf, data); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	debug.HandleSilentFunc("gpib-send", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		addr, err := strconv.Atoi(strings.TrimSpace(r.FormValue("addr")))
		if err != nil || addr < 0 || addr > 30 {
			http.Error(w, "Invalid GPIB address", http.StatusBadRequest)
			return
		}
		if r.FormValue("query") != "" {
			reply, err := s.Query(addr, command)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
			io.WriteString(w, reply)
			return
		}
		if err := s.Command(addr, command); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to address %d", command, addr))
	})
}
