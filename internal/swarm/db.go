// Package swarm implements the Swarm Database, Task Runner, and Wave
// Engine (spec.md §4.11–§4.13): a SQLite-backed multi-wave task queue with
// atomic lease-based claiming, a polling task runner with dependency and
// file-ownership conflict checks, and a stateless fail-forward wave
// executor. Grounded in internal/persistence/tasks.go's claim-via-
// conditional-UPDATE pattern (simplified here to a single UPDATE ... WHERE
// status = ? per spec.md §4.11, since the swarm table's claim is a single-
// statement compare-and-set rather than the teacher's full lease/heartbeat
// lifecycle) and internal/coordinator/{executor,waiter}.go (wave/topo-sort
// and wait-for-completion shape).
package swarm

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/agentcore/internal/shared"
)

// Status is a swarm task's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Task is one persisted swarm task row (spec.md §3 "Swarm task").
type Task struct {
	ID          string
	SessionID   string
	Description string
	Category    string // also used as agent-id
	Wave        int
	Priority    int
	Status      Status
	ClaimedBy   string
	ClaimedAt   *time.Time
	CompletedAt *time.Time
	FilesOwned  []string
	DependsOn   []string
	RetryCount  int
	Result      string
}

// CreateParams are the inputs to CreateTask.
type CreateParams struct {
	SessionID   string
	Description string
	Category    string
	Wave        int
	Priority    int
	FilesOwned  []string
	DependsOn   []string
}

// DB wraps a SQLite connection holding the swarm_tasks table.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the swarm database at path and ensures the schema
// exists.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("swarm: open db: %w", err)
	}
	d := &DB{conn: conn}
	if err := d.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error { return d.conn.Close() }

func (d *DB) migrate() error {
	_, err := d.conn.Exec(`
		CREATE TABLE IF NOT EXISTS swarm_tasks (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			description TEXT NOT NULL,
			category TEXT NOT NULL,
			wave INTEGER NOT NULL DEFAULT 0,
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			claimed_by TEXT,
			claimed_at DATETIME,
			completed_at DATETIME,
			files_owned TEXT NOT NULL DEFAULT '[]',
			depends_on TEXT NOT NULL DEFAULT '[]',
			retry_count INTEGER NOT NULL DEFAULT 0,
			result TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_swarm_tasks_session ON swarm_tasks(session_id);
		CREATE INDEX IF NOT EXISTS idx_swarm_tasks_status ON swarm_tasks(status);
		CREATE INDEX IF NOT EXISTS idx_swarm_tasks_wave ON swarm_tasks(wave);
	`)
	if err != nil {
		return fmt.Errorf("swarm: migrate: %w", err)
	}
	return nil
}

// CreateTask implements createTask(params).
func (d *DB) CreateTask(ctx context.Context, p CreateParams) (string, error) {
	id := shared.NewSwarmTaskID()
	files, err := json.Marshal(nonNil(p.FilesOwned))
	if err != nil {
		return "", fmt.Errorf("swarm: marshal files_owned: %w", err)
	}
	deps, err := json.Marshal(nonNil(p.DependsOn))
	if err != nil {
		return "", fmt.Errorf("swarm: marshal depends_on: %w", err)
	}
	_, err = d.conn.ExecContext(ctx, `
		INSERT INTO swarm_tasks (id, session_id, description, category, wave, priority, status, files_owned, depends_on)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?);
	`, id, p.SessionID, p.Description, p.Category, p.Wave, p.Priority, string(files), string(deps))
	if err != nil {
		return "", fmt.Errorf("swarm: create task: %w", err)
	}
	return id, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// ClaimTask implements claimTask(id, claimer): atomic compare-and-set.
// Returns whether exactly one row changed.
func (d *DB) ClaimTask(ctx context.Context, id, claimer string) (bool, error) {
	res, err := d.conn.ExecContext(ctx, `
		UPDATE swarm_tasks SET status = 'claimed', claimed_by = ?, claimed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'pending';
	`, claimer, id)
	if err != nil {
		return false, fmt.Errorf("swarm: claim task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CompleteTask implements completeTask(id, result?).
func (d *DB) CompleteTask(ctx context.Context, id, result string) error {
	_, err := d.conn.ExecContext(ctx, `
		UPDATE swarm_tasks SET status = 'completed', result = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, result, id)
	if err != nil {
		return fmt.Errorf("swarm: complete task %s: %w", id, err)
	}
	return nil
}

// FailTask implements failTask(id, result?).
func (d *DB) FailTask(ctx context.Context, id, result string) error {
	_, err := d.conn.ExecContext(ctx, `
		UPDATE swarm_tasks SET status = 'failed', result = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, result, id)
	if err != nil {
		return fmt.Errorf("swarm: fail task %s: %w", id, err)
	}
	return nil
}

// DeferTask implements deferTask(id): only when currently claimed, reset to
// pending without incrementing retry_count.
func (d *DB) DeferTask(ctx context.Context, id string) (bool, error) {
	res, err := d.conn.ExecContext(ctx, `
		UPDATE swarm_tasks SET status = 'pending', claimed_by = NULL, claimed_at = NULL
		WHERE id = ? AND status = 'claimed';
	`, id)
	if err != nil {
		return false, fmt.Errorf("swarm: defer task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RetryTask implements retryTask(id): from claimed or failed, reset to
// pending and increment retry_count.
func (d *DB) RetryTask(ctx context.Context, id string) (bool, error) {
	res, err := d.conn.ExecContext(ctx, `
		UPDATE swarm_tasks
		SET status = 'pending', claimed_by = NULL, claimed_at = NULL, retry_count = retry_count + 1
		WHERE id = ? AND status IN ('claimed', 'failed');
	`, id)
	if err != nil {
		return false, fmt.Errorf("swarm: retry task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// GetTasksBySession implements getTasksBySession(session), ordered by
// wave ASC, priority DESC.
func (d *DB) GetTasksBySession(ctx context.Context, sessionID string) ([]Task, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT id, session_id, description, category, wave, priority, status,
			COALESCE(claimed_by, ''), claimed_at, completed_at, files_owned, depends_on,
			retry_count, COALESCE(result, '')
		FROM swarm_tasks WHERE session_id = ? ORDER BY wave ASC, priority DESC;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("swarm: get tasks by session: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetPendingTasks implements getPendingTasks(session, wave?). Pass wave < 0
// for no wave filter.
func (d *DB) GetPendingTasks(ctx context.Context, sessionID string, wave int) ([]Task, error) {
	var rows *sql.Rows
	var err error
	if wave >= 0 {
		rows, err = d.conn.QueryContext(ctx, `
			SELECT id, session_id, description, category, wave, priority, status,
				COALESCE(claimed_by, ''), claimed_at, completed_at, files_owned, depends_on,
				retry_count, COALESCE(result, '')
			FROM swarm_tasks WHERE session_id = ? AND status = 'pending' AND wave = ?
			ORDER BY wave ASC, priority DESC;
		`, sessionID, wave)
	} else {
		rows, err = d.conn.QueryContext(ctx, `
			SELECT id, session_id, description, category, wave, priority, status,
				COALESCE(claimed_by, ''), claimed_at, completed_at, files_owned, depends_on,
				retry_count, COALESCE(result, '')
			FROM swarm_tasks WHERE session_id = ? AND status = 'pending'
			ORDER BY wave ASC, priority DESC;
		`, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("swarm: get pending tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetAllTasks returns every task across every session, ordered by session
// then wave. Intended for operator-facing observability (cmd/agentcoretui),
// not for the runner's per-session hot path.
func (d *DB) GetAllTasks(ctx context.Context) ([]Task, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT id, session_id, description, category, wave, priority, status,
			COALESCE(claimed_by, ''), claimed_at, completed_at, files_owned, depends_on,
			retry_count, COALESCE(result, '')
		FROM swarm_tasks ORDER BY session_id, wave ASC, priority DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("swarm: get all tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetClaimedTasks returns every currently-claimed task for a session, used
// by the runner's file-conflict check.
func (d *DB) GetClaimedTasks(ctx context.Context, sessionID string) ([]Task, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT id, session_id, description, category, wave, priority, status,
			COALESCE(claimed_by, ''), claimed_at, completed_at, files_owned, depends_on,
			retry_count, COALESCE(result, '')
		FROM swarm_tasks WHERE session_id = ? AND status = 'claimed';
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("swarm: get claimed tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetTask fetches a single task by id.
func (d *DB) GetTask(ctx context.Context, id string) (Task, error) {
	row := d.conn.QueryRowContext(ctx, `
		SELECT id, session_id, description, category, wave, priority, status,
			COALESCE(claimed_by, ''), claimed_at, completed_at, files_owned, depends_on,
			retry_count, COALESCE(result, '')
		FROM swarm_tasks WHERE id = ?;
	`, id)
	return scanTask(row)
}

// ExpireStaleLeases implements expireStaleLeases(maxAgeMs): reclaims every
// claimed task whose claim is older than maxAge back to pending. Returns
// the count reclaimed.
func (d *DB) ExpireStaleLeases(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).UTC().Format("2006-01-02 15:04:05")
	res, err := d.conn.ExecContext(ctx, `
		UPDATE swarm_tasks SET status = 'pending', claimed_by = NULL, claimed_at = NULL
		WHERE status = 'claimed' AND claimed_at < ?;
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("swarm: expire stale leases: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanTasks(rows *sql.Rows) ([]Task, error) {
	var out []Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTask(row *sql.Row) (Task, error) {
	t, err := scanTaskRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Task{}, err
		}
		return Task{}, fmt.Errorf("swarm: scan task: %w", err)
	}
	return t, nil
}

func scanTaskRow(row scannable) (Task, error) {
	var t Task
	var claimedAt, completedAt sql.NullTime
	var filesJSON, depsJSON string
	err := row.Scan(&t.ID, &t.SessionID, &t.Description, &t.Category, &t.Wave, &t.Priority,
		&t.Status, &t.ClaimedBy, &claimedAt, &completedAt, &filesJSON, &depsJSON, &t.RetryCount, &t.Result)
	if err != nil {
		return Task{}, err
	}
	if claimedAt.Valid {
		t.ClaimedAt = &claimedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	_ = json.Unmarshal([]byte(filesJSON), &t.FilesOwned)
	_ = json.Unmarshal([]byte(depsJSON), &t.DependsOn)
	return t, nil
}
