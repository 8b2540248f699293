package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Run is one Running period of the control session.
type Run struct {
	RunID       string     `json:"run_id"`
	ControlMode string     `json:"control_mode"`
	StartedAt   time.Time  `json:"started_at"`
	StoppedAt   *time.Time `json:"stopped_at,omitempty"`
	StopReason  string     `json:"stop_reason,omitempty"`
}

// Fault is an alert-worthy error reported by the hardware layer.
type Fault struct {
	ID        int64     `json:"id"`
	FaultSeq  uint64    `json:"fault_seq"`
	RunID     string    `json:"run_id,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

func (db *DB) StartRun(runID, mode string, at time.Time) error {
	_, err := db.Exec(
		`INSERT INTO runs (run_id, control_mode, started_at_ms) VALUES (?, ?, ?)`,
		runID, mode, nowMillis(at),
	)
	if err != nil {
		return fmt.Errorf("start run %s: %w", runID, err)
	}
	return nil
}

// EndRun closes an open run. Ending an unknown or already ended run is a
// no-op.
func (db *DB) EndRun(runID, reason string, at time.Time) error {
	_, err := db.Exec(
		`UPDATE runs SET stopped_at_ms = ?, stop_reason = ? WHERE run_id = ? AND stopped_at_ms IS NULL`,
		nowMillis(at), reason, runID,
	)
	if err != nil {
		return fmt.Errorf("end run %s: %w", runID, err)
	}
	return nil
}

// Runs returns the most recent runs, newest first.
func (db *DB) Runs(limit int) ([]Run, error) {
	rows, err := db.Query(`
		SELECT run_id, control_mode, started_at_ms, stopped_at_ms, COALESCE(stop_reason, '')
		FROM runs ORDER BY started_at_ms DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started int64
		var stopped sql.NullInt64
		if err := rows.Scan(&r.RunID, &r.ControlMode, &started, &stopped, &r.StopReason); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(started).UTC()
		if stopped.Valid {
			t := time.UnixMilli(stopped.Int64).UTC()
			r.StoppedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (db *DB) RecordFault(seq uint64, runID, message string, at time.Time) error {
	_, err := db.Exec(
		`INSERT INTO faults (fault_seq, run_id, message, created_at_ms) VALUES (?, NULLIF(?, ''), ?, ?)`,
		int64(seq), runID, message, nowMillis(at),
	)
	if err != nil {
		return fmt.Errorf("record fault: %w", err)
	}
	return nil
}

// Faults returns the most recent faults, newest first.
func (db *DB) Faults(limit int) ([]Fault, error) {
	rows, err := db.Query(`
		SELECT fault_id, fault_seq, COALESCE(run_id, ''), message, created_at_ms
		FROM faults ORDER BY fault_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	faults := []Fault{}
	for rows.Next() {
		var f Fault
		var seq, created int64
		if err := rows.Scan(&f.ID, &seq, &f.RunID, &f.Message, &created); err != nil {
			return nil, err
		}
		f.FaultSeq = uint64(seq)
		f.CreatedAt = time.UnixMilli(created).UTC()
		faults = append(faults, f)
	}
	return faults, rows.Err()
}
