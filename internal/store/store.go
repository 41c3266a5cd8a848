// Package store keeps the history of tasks in a SQLite database, so task
// outcomes survive the retention sweep and restarts of the control plane.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/CZERTAINLY/Fabsim/internal/model"

	_ "modernc.org/sqlite"
)

var ErrAlreadyFinished = errors.New("already finished")

const timeLayout = time.RFC3339Nano

type Record struct {
	TaskID        string          `json:"taskId"`
	SimulatorID   string          `json:"simulatorId"`
	Flow          string          `json:"flow,omitempty"`
	InProgress    bool            `json:"inProgress"`
	State         model.TaskState `json:"state"`
	Steps         int             `json:"steps"`
	Started       time.Time       `json:"started"`
	Finished      *time.Time      `json:"finished,omitempty"`
	FailureReason *string         `json:"failureReason,omitempty"`
}

type RecordRow struct {
	Record
	ID int `json:"-"`
}

func (r RecordRow) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "task_id: %q, simulator_id: %q, in_progress: %t, state: %s", r.TaskID, r.SimulatorID, r.InProgress, r.State)
	if r.FailureReason != nil {
		fmt.Fprintf(&sb, ", failure_reason: %q", *r.FailureReason)
	} else {
		sb.WriteString(", failure_reason: nil")
	}
	return sb.String()
}

func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL UNIQUE,
			simulator_id TEXT NOT NULL,
			flow TEXT NOT NULL DEFAULT '',
			in_progress BOOLEAN NOT NULL,
			state TEXT NOT NULL,
			steps INTEGER NOT NULL DEFAULT 0,
			started TEXT NOT NULL,
			finished TEXT DEFAULT NULL,
			failure_reason TEXT DEFAULT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func rollback(ctx context.Context, tx *sql.Tx, taskID string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "rolling back transaction failed", slog.String("task_id", taskID), slog.Any("error", err))
	}
}

// Start persists that a task is running. Starting a task which is still in
// progress is a no-op, ErrAlreadyFinished is returned for finished ones.
func Start(ctx context.Context, db *sql.DB, status model.TaskStatus) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, status.ID)

	var inProgress bool
	err = tx.QueryRowContext(ctx,
		`SELECT in_progress FROM tasks WHERE task_id=?`, status.ID,
	).Scan(&inProgress)
	switch {
	case err == nil && inProgress:
		return nil
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	started := status.Started
	if started.IsZero() {
		started = status.Created
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks (task_id, simulator_id, flow, in_progress, state, steps, started) VALUES (?,?,?,?,?,?,?);`,
		status.ID, status.SimulatorID, status.Flow, true, string(status.State), status.Progress.Steps,
		started.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Finish stores the terminal state of a task. A task cancelled while queued
// has never been started, its record is created here.
func Finish(ctx context.Context, db *sql.DB, status model.TaskStatus) error {
	if !status.State.Terminal() {
		return fmt.Errorf("task %s is not finished: %s", status.ID, status.State)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, status.ID)

	var inProgress bool
	err = tx.QueryRowContext(ctx,
		`SELECT in_progress FROM tasks WHERE task_id=?`, status.ID,
	).Scan(&inProgress)
	var reason *string
	if status.Error != "" {
		reason = &status.Error
	}
	finished := status.Finished.UTC().Format(timeLayout)

	switch {
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case errors.Is(err, sql.ErrNoRows):
		started := status.Started
		if started.IsZero() {
			started = status.Created
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO tasks (task_id, simulator_id, flow, in_progress, state, steps, started, finished, failure_reason)
			 VALUES (?,?,?,?,?,?,?,?,?);`,
			status.ID, status.SimulatorID, status.Flow, false, string(status.State), status.Progress.Steps,
			started.UTC().Format(timeLayout), finished, reason,
		)
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE tasks
			 SET
				in_progress = false,
				state = ?,
				finished = ?,
				failure_reason = ?
			WHERE task_id = ?;
			`, string(status.State), finished, reason, status.ID,
		)
	}
	if err != nil {
		return fmt.Errorf("executing sql statement failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Get returns the record of a task or an error wrapping model.ErrNotFound.
func Get(ctx context.Context, db *sql.DB, taskID string) (RecordRow, error) {
	var row RecordRow
	var state, started string
	var finished sql.NullString
	err := db.QueryRowContext(ctx,
		`SELECT id, task_id, simulator_id, flow, in_progress, state, steps, started, finished, failure_reason
		 FROM tasks WHERE task_id=?`, taskID,
	).Scan(
		&row.ID,
		&row.TaskID,
		&row.SimulatorID,
		&row.Flow,
		&row.InProgress,
		&state,
		&row.Steps,
		&started,
		&finished,
		&row.FailureReason,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return RecordRow{}, model.NotFound("history", taskID)
	case err != nil:
		return RecordRow{}, fmt.Errorf("executing sql query failed: %w", err)
	}

	row.State = model.TaskState(state)
	if row.Started, err = time.Parse(timeLayout, started); err != nil {
		return RecordRow{}, fmt.Errorf("parsing started: %w", err)
	}
	if finished.Valid {
		t, err := time.Parse(timeLayout, finished.String)
		if err != nil {
			return RecordRow{}, fmt.Errorf("parsing finished: %w", err)
		}
		row.Finished = &t
	}
	return row, nil
}

func Delete(ctx context.Context, db *sql.DB, taskID string) error {
	result, err := db.ExecContext(ctx,
		`DELETE FROM tasks WHERE task_id=?`, taskID,
	)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		return model.NotFound("history", taskID)
	}
	return nil
}

// History records task lifecycle in the database.
type History struct {
	db *sql.DB
}

func NewHistory(db *sql.DB) *History {
	return &History{db: db}
}

// Open initializes the database at path.
func Open(ctx context.Context, path string) (*History, error) {
	db, err := InitDB(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("opening task history %s: %w", path, err)
	}
	return NewHistory(db), nil
}

func (h *History) Started(ctx context.Context, status model.TaskStatus) error {
	return Start(ctx, h.db, status)
}

func (h *History) Finished(ctx context.Context, status model.TaskStatus) error {
	return Finish(ctx, h.db, status)
}

func (h *History) Get(ctx context.Context, taskID string) (Record, error) {
	row, err := Get(ctx, h.db, taskID)
	return row.Record, err
}

func (h *History) Close() error {
	return h.db.Close()
}
