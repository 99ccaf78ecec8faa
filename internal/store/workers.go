package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Worker statuses.
const (
	WorkerRunning = "running"
	WorkerExited  = "exited"
	WorkerCrashed = "crashed"
	WorkerReaped  = "reaped"
)

// Worker records one sandboxed process across its lifetime.
type Worker struct {
	ID        string     `json:"id"`
	AppID     string     `json:"app_id"`
	InstallID string     `json:"install_id"`
	WorkerID  string     `json:"worker_id"`
	PID       int        `json:"pid"`
	WorkDir   string     `json:"work_dir"`
	Status    string     `json:"status"`
	ExitError string     `json:"exit_error,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	ExitedAt  *time.Time `json:"exited_at,omitempty"`
}

const workerColumns = `id, app_id, install_id, worker_id, pid, work_dir, status, exit_error, started_at, exited_at`

func (s *Store) CreateWorker(w *Worker) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO workers (`+workerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
			w.ID, w.AppID, w.InstallID, w.WorkerID, w.PID, w.WorkDir, w.Status, w.ExitError, w.StartedAt.UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting worker: %w", err)
	}
	return nil
}

// GetWorker returns nil, nil when no such worker exists.
func (s *Store) GetWorker(id string) (*Worker, error) {
	row := s.db.QueryRow(`SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	return scanWorker(row)
}

func (s *Store) ListWorkers() ([]*Worker, error) {
	rows, err := s.db.Query(`SELECT ` + workerColumns + ` FROM workers ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing workers: %w", err)
	}
	defer rows.Close()
	return scanWorkers(rows)
}

func (s *Store) ListRunningWorkers() ([]*Worker, error) {
	rows, err := s.db.Query(`SELECT `+workerColumns+` FROM workers WHERE status = ?`, WorkerRunning)
	if err != nil {
		return nil, fmt.Errorf("listing running workers: %w", err)
	}
	defer rows.Close()
	return scanWorkers(rows)
}

// FinishWorker moves a worker out of the running state.
func (s *Store) FinishWorker(id, status, exitError string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE workers SET status = ?, exit_error = ?, exited_at = ? WHERE id = ?`,
			status, exitError, time.Now().UTC(), id,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("updating worker status: %w", err)
	}
	return checkRowAffected(result, "worker", id)
}

// PruneWorkers deletes finished worker records that exited before cutoff.
func (s *Store) PruneWorkers(cutoff time.Time) (int64, error) {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`DELETE FROM workers WHERE status != ? AND exited_at IS NOT NULL AND exited_at < ?`,
			WorkerRunning, cutoff.UTC(),
		)
		return e
	})
	if err != nil {
		return 0, fmt.Errorf("pruning workers: %w", err)
	}
	return result.RowsAffected()
}

func scanWorker(row scannable) (*Worker, error) {
	var w Worker
	var exitedAt sql.NullTime
	err := row.Scan(
		&w.ID, &w.AppID, &w.InstallID, &w.WorkerID, &w.PID, &w.WorkDir,
		&w.Status, &w.ExitError, &w.StartedAt, &exitedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning worker: %w", err)
	}
	if exitedAt.Valid {
		t := exitedAt.Time
		w.ExitedAt = &t
	}
	return &w, nil
}

func scanWorkers(rows *sql.Rows) ([]*Worker, error) {
	var workers []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating workers: %w", err)
	}
	return workers, nil
}
