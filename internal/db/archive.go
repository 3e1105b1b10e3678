package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/metalagman/planrun/internal/errs"
	"github.com/metalagman/planrun/internal/model"
)

// Archive stores terminal run snapshots and their log events.
type Archive struct {
	db *sql.DB
}

// NewArchive creates an archive on top of an opened database.
func NewArchive(db *sql.DB) *Archive {
	return &Archive{db: db}
}

// DB returns the underlying database handle.
func (a *Archive) DB() *sql.DB {
	return a.db
}

// Summary is one row of the runs table.
type Summary struct {
	ID         string
	Owner      string
	Status     model.Status
	CreatedAt  time.Time
	FinishedAt time.Time
	ErrorCode  errs.Code
	Steps      int
	Cost       float64
}

// Archive writes run and its retained log events in one transaction.
// Archiving the same run again replaces the previous snapshot.
func (a *Archive) Archive(ctx context.Context, run *model.Run) error {
	snapshot, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", run.ID, err)
	}
	var code any
	if run.Error != nil {
		code = string(run.Error.Code)
	}
	cost := run.Metrics.CostEstimate.Committed + run.Metrics.CostEstimate.Failed + run.Metrics.CostEstimate.Running

	tx, err := a.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin archive run: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE run_id=?`, run.ID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO runs(run_id, owner, status, created_at, finished_at, error_code, steps, cost, snapshot)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Owner, string(run.Status), formatTime(run.CreatedAt), nullableTime(run.FinishedAt),
		code, run.Metrics.StepsExecutedTotal, cost, string(snapshot)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert run: %w", err)
	}
	for _, ev := range run.Logs {
		if err := insertEvent(ctx, tx, run.ID, ev); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive run: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, runID string, ev model.LogEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO events(run_id, seq, ts, level, task, type, message, code)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, ev.Seq, formatTime(ev.At), ev.Level, nullableString(ev.Task), ev.Type, ev.Message, nullableString(string(ev.Code)))
	if err != nil {
		return fmt.Errorf("insert event %d: %w", ev.Seq, err)
	}
	return nil
}

// Load returns the archived snapshot of a run.
func (a *Archive) Load(ctx context.Context, id string) (*model.Run, error) {
	var snapshot string
	err := a.db.QueryRowContext(ctx, `SELECT snapshot FROM runs WHERE run_id=?`, id).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Newf(errs.RunNotFound, "run %s is not archived", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", id, err)
	}
	var run model.Run
	if err := json.Unmarshal([]byte(snapshot), &run); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", id, err)
	}
	return &run, nil
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	Owner  string
	Status model.Status
	Limit  int
}

// List returns archived runs, newest first.
func (a *Archive) List(ctx context.Context, f ListFilter) ([]Summary, error) {
	query := `SELECT run_id, owner, status, created_at, finished_at, error_code, steps, cost FROM runs WHERE 1=1`
	var args []any
	if f.Owner != "" {
		query += ` AND owner=?`
		args = append(args, f.Owner)
	}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Summary
	for rows.Next() {
		var (
			s                   Summary
			status, createdAt   string
			finishedAt, errCode sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.Owner, &status, &createdAt, &finishedAt, &errCode, &s.Steps, &s.Cost); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		s.Status = model.Status(status)
		s.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if finishedAt.Valid {
			s.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedAt.String)
		}
		s.ErrorCode = errs.Code(errCode.String)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// Events returns the archived log events of a run in sequence order.
func (a *Archive) Events(ctx context.Context, id string) ([]model.LogEntry, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT seq, ts, level, task, type, message, code FROM events WHERE run_id=? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.LogEntry
	for rows.Next() {
		var (
			ev         model.LogEntry
			ts         string
			task, code sql.NullString
		)
		if err := rows.Scan(&ev.Seq, &ts, &ev.Level, &task, &ev.Type, &ev.Message, &code); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.At, _ = time.Parse(time.RFC3339Nano, ts)
		ev.Task = task.String
		ev.Code = errs.Code(code.String)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
