package db

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/banshee-data/labsweep/internal/sweep"
)

// RunInfo summarises a stored run.
type RunInfo struct {
	ID         string     `json:"run_id"`
	Experiment string     `json:"experiment"`
	Sample     string     `json:"sample"`
	Label      string     `json:"label"`
	Kind       string     `json:"kind"`
	Started    time.Time  `json:"started"`
	Finished   *time.Time `json:"finished,omitempty"`
	Rows       int        `json:"rows"`
	// State is the terminal state the run ended in, empty while it is open.
	State        string `json:"state,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func fromUnix(s float64) time.Time {
	return time.Unix(0, int64(s*1e9)).UTC()
}

// ListRuns returns the most recent runs first.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]RunInfo, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `SELECT run_id, experiment, sample, label, kind, started_unix, finished_unix, row_count, state, error_message
		FROM runs ORDER BY started_unix DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunInfo
	for rows.Next() {
		var (
			r        RunInfo
			started  float64
			finished sql.NullFloat64
		)
		if err := rows.Scan(&r.ID, &r.Experiment, &r.Sample, &r.Label, &r.Kind, &started, &finished, &r.Rows, &r.State, &r.ErrorMessage); err != nil {
			return nil, err
		}
		r.Started = fromUnix(started)
		if finished.Valid {
			f := fromUnix(finished.Float64)
			r.Finished = &f
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RunColumns returns a run's registered columns in order.
func (db *DB) RunColumns(ctx context.Context, runID string) ([]sweep.Column, error) {
	rows, err := db.QueryContext(ctx, `SELECT name, instrument, label, unit, independent FROM run_columns WHERE run_id = ? ORDER BY idx`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []sweep.Column
	for rows.Next() {
		var c sweep.Column
		if err := rows.Scan(&c.Ref.Name, &c.Ref.Instrument, &c.Label, &c.Unit, &c.Independent); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	return cols, nil
}

// ExportCSV writes a run as CSV: a header of column labels, then one line
// per row. Missing readings are written as empty fields.
func (db *DB) ExportCSV(ctx context.Context, w io.Writer, runID string) error {
	cols, err := db.RunColumns(ctx, runID)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	header := make([]string, len(cols))
	for i, c := range cols {
		header[i] = columnHeader(c)
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	rows, err := db.QueryContext(ctx, `SELECT seq, idx, value FROM run_values WHERE run_id = ? ORDER BY seq, idx`, runID)
	if err != nil {
		return err
	}
	defer rows.Close()

	record := make([]string, len(cols))
	cur := -1
	flush := func() error {
		if cur < 0 {
			return nil
		}
		err := cw.Write(record)
		record = make([]string, len(cols))
		return err
	}
	for rows.Next() {
		var (
			seq, idx int
			v        sql.NullFloat64
		)
		if err := rows.Scan(&seq, &idx, &v); err != nil {
			return err
		}
		if seq != cur {
			if err := flush(); err != nil {
				return err
			}
			cur = seq
		}
		if idx < len(record) && v.Valid {
			record[idx] = strconv.FormatFloat(v.Float64, 'g', -1, 64)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func columnHeader(c sweep.Column) string {
	name := c.Ref.String()
	if c.Unit != "" {
		return fmt.Sprintf("%s (%s)", name, c.Unit)
	}
	return name
}
