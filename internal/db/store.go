package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/labsweep/internal/monitoring"
	"github.com/banshee-data/labsweep/internal/sweep"
	"github.com/banshee-data/labsweep/internal/timeutil"
)

// DefaultFlushEvery is the number of buffered rows that triggers a write.
const DefaultFlushEvery = 64

// handle is one open database shared by the runs writing to it. It is closed
// once it has been switched away from and its last run has closed.
type handle struct {
	db      *DB
	refs    int
	retired bool
}

// Store opens run writers on the current target and implements the queue's
// database switch.
type Store struct {
	clock      timeutil.Clock
	flushEvery int

	mu     sync.Mutex
	cur    *handle
	target sweep.Target
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock sets the clock used for run timestamps.
func WithClock(c timeutil.Clock) StoreOption { return func(s *Store) { s.clock = c } }

// WithFlushEvery sets how many rows are buffered before a write.
func WithFlushEvery(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.flushEvery = n
		}
	}
}

// NewStore opens (and migrates) the database named by target.
func NewStore(target sweep.Target, opts ...StoreOption) (*Store, error) {
	s := &Store{clock: timeutil.RealClock{}, flushEvery: DefaultFlushEvery}
	for _, o := range opts {
		o(s)
	}
	db, err := openTarget(context.Background(), target)
	if err != nil {
		return nil, err
	}
	s.cur, s.target = &handle{db: db}, target
	return s, nil
}

// openTarget opens and migrates the target and proves it can take the write
// lock. Lock contention is reported as sweep.ErrStoreLocked.
func openTarget(ctx context.Context, target sweep.Target) (*DB, error) {
	if target.Path == "" {
		return nil, errors.New("empty database path")
	}
	db, err := OpenDB(target.Path)
	if err != nil {
		return nil, lockErr(err)
	}
	if err := db.MigrateUp(Migrations()); err != nil {
		db.Close()
		return nil, lockErr(err)
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, lockErr(err)
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		db.Close()
		return nil, lockErr(err)
	}
	if _, err := conn.ExecContext(ctx, "ROLLBACK"); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func lockErr(err error) error {
	if IsBusy(err) {
		return fmt.Errorf("%w: %v", sweep.ErrStoreLocked, err)
	}
	return err
}

// Target returns the current target.
func (s *Store) Target() sweep.Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// DB returns the current database.
func (s *Store) DB() *DB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.db
}

// Switch points subsequent runs at target. Runs already open keep writing to
// the previous database, which is closed after the last of them.
func (s *Store) Switch(ctx context.Context, target sweep.Target) error {
	s.mu.Lock()
	same := s.cur != nil && s.target.Path == target.Path
	if same {
		s.target = target
		s.mu.Unlock()
		monitoring.Logf("[db] now writing %s/%s to %s", target.Experiment, target.Sample, target.Path)
		return nil
	}
	s.mu.Unlock()

	db, err := openTarget(ctx, target)
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := s.cur
	s.cur, s.target = &handle{db: db}, target
	closeOld := old != nil && s.retireLocked(old)
	s.mu.Unlock()

	if closeOld {
		if err := old.db.Close(); err != nil {
			monitoring.Logf("[db] closing %s: %v", old.db.Path(), err)
		}
	}
	monitoring.Logf("[db] switched to %s (%s/%s)", target.Path, target.Experiment, target.Sample)
	return nil
}

func (s *Store) retireLocked(h *handle) bool {
	h.retired = true
	return h.refs == 0
}

func (s *Store) release(h *handle) {
	s.mu.Lock()
	h.refs--
	closeIt := h.retired && h.refs == 0
	s.mu.Unlock()
	if closeIt {
		if err := h.db.Close(); err != nil {
			monitoring.Logf("[db] closing %s: %v", h.db.Path(), err)
		}
	}
}

// Close closes the current database. Open runs keep it alive until they close.
func (s *Store) Close() error {
	s.mu.Lock()
	h := s.cur
	s.cur = nil
	closeIt := h != nil && s.retireLocked(h)
	s.mu.Unlock()
	if closeIt {
		return h.db.Close()
	}
	return nil
}

// Begin records a new run and returns its writer.
func (s *Store) Begin(meta sweep.RunMeta) (sweep.Persister, error) {
	s.mu.Lock()
	h, target := s.cur, s.target
	if h == nil {
		s.mu.Unlock()
		return nil, errors.New("store is closed")
	}
	h.refs++
	s.mu.Unlock()

	id := uuid.NewString()
	_, err := h.db.Exec(`INSERT INTO runs (run_id, experiment, sample, label, kind, started_unix) VALUES (?, ?, ?, ?, ?, ?)`,
		id, target.Experiment, target.Sample, meta.Label, meta.Kind, unixSeconds(s.clock.Now()))
	if err != nil {
		s.release(h)
		return nil, fmt.Errorf("begin run: %w", err)
	}
	monitoring.Logf("[db] run %s (%s %q) started in %s", id, meta.Kind, meta.Label, h.db.Path())
	return &RunWriter{store: s, h: h, id: id, flushEvery: s.flushEvery}, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// RunWriter buffers a run's rows and writes them in transactions.
type RunWriter struct {
	store      *Store
	h          *handle
	id         string
	flushEvery int

	mu      sync.Mutex
	ncols   int
	pending [][]float64
	seq     int
	closed  bool
}

// ID returns the run's identifier.
func (w *RunWriter) ID() string { return w.id }

func (w *RunWriter) Register(cols []sweep.Column) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ncols != 0 {
		return fmt.Errorf("run %s: columns already registered", w.id)
	}
	if len(cols) == 0 {
		return fmt.Errorf("run %s: no columns", w.id)
	}
	tx, err := w.h.db.Begin()
	if err != nil {
		return lockErr(err)
	}
	defer tx.Rollback()
	for i, c := range cols {
		if _, err := tx.Exec(`INSERT INTO run_columns (run_id, idx, name, instrument, label, unit, independent) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			w.id, i, c.Ref.Name, c.Ref.Instrument, c.Label, c.Unit, c.Independent); err != nil {
			return fmt.Errorf("register column %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return lockErr(err)
	}
	w.ncols = len(cols)
	return nil
}

func (w *RunWriter) AddRow(s sweep.Sample) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("run %s is closed", w.id)
	}
	if len(s) != w.ncols {
		return fmt.Errorf("run %s: row has %d entries, run has %d columns", w.id, len(s), w.ncols)
	}
	w.pending = append(w.pending, s.Values())
	if len(w.pending) >= w.flushEvery {
		return w.flushLocked()
	}
	return nil
}

func (w *RunWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *RunWriter) flushLocked() error {
	if len(w.pending) == 0 {
		return nil
	}
	tx, err := w.h.db.Begin()
	if err != nil {
		return lockErr(err)
	}
	defer tx.Rollback()
	stmt, err := tx.Prepare(`INSERT INTO run_values (run_id, seq, idx, value) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	seq := w.seq
	for _, row := range w.pending {
		for i, v := range row {
			if _, err := stmt.Exec(w.id, seq, i, nullable(v)); err != nil {
				return fmt.Errorf("write row %d: %w", seq, err)
			}
		}
		seq++
	}
	if _, err := tx.Exec(`UPDATE runs SET row_count = ? WHERE run_id = ?`, seq, w.id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return lockErr(err)
	}
	w.seq = seq
	w.pending = w.pending[:0]
	return nil
}

// nullable stores NaN as NULL.
func nullable(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: !math.IsNaN(v)}
}

// Finish records the run's terminal state and error message.
func (w *RunWriter) Finish(state sweep.State, message string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("run %s is closed", w.id)
	}
	_, err := w.h.db.Exec(`UPDATE runs SET state = ?, error_message = ? WHERE run_id = ?`, state.String(), message, w.id)
	return err
}

// Close flushes, stamps the finish time and releases the database.
func (w *RunWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	err := w.flushLocked()
	if _, uerr := w.h.db.Exec(`UPDATE runs SET finished_unix = ? WHERE run_id = ?`, unixSeconds(w.store.clock.Now()), w.id); err == nil {
		err = uerr
	}
	w.closed = true
	rows := w.seq
	w.mu.Unlock()

	w.store.release(w.h)
	monitoring.Logf("[db] run %s closed with %d rows", w.id, rows)
	return err
}
