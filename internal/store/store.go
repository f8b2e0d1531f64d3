// Package store is the task queue: per-project insert, lease, complete,
// cancel and status-count operations backed by SQLite.
//
// SQLite has no row-level FOR UPDATE SKIP LOCKED primitive, so leasing a
// batch runs inside a BEGIN IMMEDIATE transaction: it takes the database
// write lock before reading any rows, so only one lease transaction can
// be selecting+updating queued tasks for a given project at a time. A
// second caller's BEGIN IMMEDIATE blocks behind busy_timeout instead of
// double-leasing the same row. FIFO ordering is by id, oldest first.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/antithesishq/antithesis-sdk-go/assert"

	"github.com/shardmesh/scheduler/internal/apierr"
	"github.com/shardmesh/scheduler/internal/dbutil"
	"github.com/shardmesh/scheduler/internal/domain"
)

// DefaultLeaseTTL is how long a running task can go without being
// completed before the reaper requeues it as orphaned.
const DefaultLeaseTTL = 10 * time.Minute

// Store is the task queue store bound to a database.
type Store struct {
	db       *dbutil.DB
	leaseTTL time.Duration
}

// New builds a Store over db with the default lease TTL.
func New(db *dbutil.DB) *Store {
	return &Store{db: db, leaseTTL: DefaultLeaseTTL}
}

// WithLeaseTTL overrides the lease TTL used by the reaper, returning the
// same Store for chaining.
func (s *Store) WithLeaseTTL(ttl time.Duration) *Store {
	s.leaseTTL = ttl
	return s
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}

// Insert queues a new task for a project and returns its assigned id.
// t.Status sets the initial_status; a zero value defaults to queued, so
// existing callers that never set it behave exactly as before. Callers
// creating a fan-out parent row should set Status to domain.TaskGroup:
// a group row is never leased, it only exists for its children to
// reference via parent_task_id and for aggregate() to total.
func (s *Store) Insert(ctx context.Context, t domain.Task) (int64, error) {
	status := t.Status
	if status == "" {
		status = domain.TaskQueued
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (project_id, task_type, source, payload, script_url, script_hash, status, group_id, parent_task_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ProjectID, t.TaskType, string(t.Source), t.Payload, t.ScriptURL, t.ScriptHash, string(status), nullString(t.GroupID), nullInt64(t.ParentTaskID), now, now)
	if err != nil {
		return 0, apierr.Wrap(apierr.DBError, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, apierr.Wrap(apierr.DBError, err)
	}
	return id, nil
}

// LeaseBatch leases up to limit queued tasks for projectID to agentID,
// oldest-first, and marks them running. At most one goroutine (process-
// wide or cross-process) ever observes a given task id as leased: the
// BEGIN IMMEDIATE transaction serializes concurrent lease attempts for
// the same project.
func (s *Store) LeaseBatch(ctx context.Context, projectID, agentID string, limit int, taskType string) ([]domain.Task, error) {
	if limit <= 0 {
		return nil, nil
	}

	var leased []domain.Task
	err := s.db.WithImmediateTx(ctx, func(conn *sql.Conn) error {
		var rows *sql.Rows
		var err error
		if taskType == "" {
			rows, err = conn.QueryContext(ctx, `
				SELECT id, project_id, task_type, source, payload, script_url, script_hash, status, created_at, updated_at
				FROM tasks
				WHERE project_id = ? AND status = 'queued'
				ORDER BY id
				LIMIT ?
			`, projectID, limit)
		} else {
			rows, err = conn.QueryContext(ctx, `
				SELECT id, project_id, task_type, source, payload, script_url, script_hash, status, created_at, updated_at
				FROM tasks
				WHERE project_id = ? AND status = 'queued' AND task_type = ?
				ORDER BY id
				LIMIT ?
			`, projectID, taskType, limit)
		}
		if err != nil {
			return fmt.Errorf("select queued tasks: %w", err)
		}

		var ids []int64
		for rows.Next() {
			var t domain.Task
			var source string
			if err := rows.Scan(&t.ID, &t.ProjectID, &t.TaskType, &source, &t.Payload, &t.ScriptURL, &t.ScriptHash, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
				rows.Close()
				return fmt.Errorf("scan queued task: %w", err)
			}
			t.Source = domain.ProposalSource(source)
			leased = append(leased, t)
			ids = append(ids, t.ID)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate queued tasks: %w", err)
		}
		rows.Close()

		now := time.Now().UTC()
		for i := range leased {
			if _, err := conn.ExecContext(ctx, `
				UPDATE tasks SET status = 'running', leased_by = ?, leased_at = ?, updated_at = ?
				WHERE id = ?
			`, agentID, now, now, ids[i]); err != nil {
				return fmt.Errorf("lease task %d: %w", ids[i], err)
			}
			leased[i].Status = domain.TaskRunning
			leased[i].LeasedBy = agentID
			leased[i].LeasedAt = &now
			leased[i].UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.DBError, err)
	}

	assert.Always(leasedByAtMostOneAgent(leased), "leased batch assigns each task to exactly one agent", nil)
	return leased, nil
}

func leasedByAtMostOneAgent(tasks []domain.Task) bool {
	for _, t := range tasks {
		if t.LeasedBy == "" {
			return false
		}
	}
	return true
}

// Complete records the result of a task and marks it completed or failed
// depending on exit code. Completing an already-completed task is a
// no-op: the second caller's write is idempotent.
func (s *Store) Complete(ctx context.Context, result domain.TaskResult) error {
	return s.db.WithTx(func(tx *sql.Tx) error {
		var status string
		if err := tx.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id = ?", result.TaskID).Scan(&status); err != nil {
			if err == sql.ErrNoRows {
				return apierr.New(apierr.TaskNotFound)
			}
			return apierr.Wrap(apierr.DBError, err)
		}
		if status == string(domain.TaskCompleted) || status == string(domain.TaskFailed) {
			log.Printf("[STORE] task %d already completed, ignoring duplicate submit", result.TaskID)
			return nil
		}

		newStatus := domain.TaskCompleted
		if result.ExitCode != 0 {
			newStatus = domain.TaskFailed
		}
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?
		`, string(newStatus), now, result.TaskID); err != nil {
			return fmt.Errorf("update task status: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_results (task_id, agent_id, exit_code, stdout, stderr, stdout_hash, duration_ms, reported_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_id) DO UPDATE SET
				agent_id=excluded.agent_id, exit_code=excluded.exit_code, stdout=excluded.stdout,
				stderr=excluded.stderr, stdout_hash=excluded.stdout_hash, duration_ms=excluded.duration_ms,
				reported_at=excluded.reported_at
		`, result.TaskID, result.AgentID, result.ExitCode, result.Stdout, result.Stderr, result.StdoutHash, result.DurationMS, result.ReportedAt); err != nil {
			return fmt.Errorf("insert task result: %w", err)
		}
		return nil
	})
}

// CancelInFlight cancels every queued or running task for a project,
// used when a project is torn down mid-flight.
func (s *Store) CancelInFlight(ctx context.Context, projectID string) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'cancelled', updated_at = ?
		WHERE project_id = ? AND status IN ('queued', 'running')
	`, now, projectID)
	if err != nil {
		return 0, apierr.Wrap(apierr.DBError, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// StatusCounts returns the count of tasks in each status for a project.
func (s *Store) StatusCounts(ctx context.Context, projectID string) (map[domain.TaskStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM tasks WHERE project_id = ? GROUP BY status
	`, projectID)
	if err != nil {
		return nil, apierr.Wrap(apierr.DBError, err)
	}
	defer rows.Close()

	counts := make(map[domain.TaskStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, apierr.Wrap(apierr.DBError, err)
		}
		counts[domain.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

// Recent returns the most recently updated tasks for a project, newest
// first, capped at limit.
func (s *Store) Recent(ctx context.Context, projectID string, limit int) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, task_type, source, payload, script_url, script_hash, status, created_at, updated_at
		FROM tasks WHERE project_id = ? ORDER BY updated_at DESC LIMIT ?
	`, projectID, limit)
	if err != nil {
		return nil, apierr.Wrap(apierr.DBError, err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		var t domain.Task
		var source string
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.TaskType, &source, &t.Payload, &t.ScriptURL, &t.ScriptHash, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, apierr.Wrap(apierr.DBError, err)
		}
		t.Source = domain.ProposalSource(source)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ReapOrphaned requeues any running task whose updated_at is older than
// the store's lease TTL, the chosen policy for recovering tasks whose
// agent died mid-run without reporting a result.
func (s *Store) ReapOrphaned(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.leaseTTL)
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'queued', leased_by = NULL, leased_at = NULL, updated_at = ?
		WHERE status = 'running' AND updated_at < ?
	`, time.Now().UTC(), cutoff)
	if err != nil {
		return 0, apierr.Wrap(apierr.DBError, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Printf("[STORE] reaped %d orphaned running tasks older than %s", n, s.leaseTTL)
	}
	return n, nil
}

// EnsureProject creates projectID with status active if it does not
// already exist, and is a no-op otherwise. Used to materialize the
// default/demo project on first contact.
func (s *Store) EnsureProject(ctx context.Context, projectID, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, status, created_at) VALUES (?, ?, 'active', ?)
		ON CONFLICT(id) DO NOTHING
	`, projectID, name, time.Now().UTC())
	if err != nil {
		return apierr.Wrap(apierr.DBError, err)
	}
	return nil
}

// ProjectStatus returns a project's current lifecycle status.
func (s *Store) ProjectStatus(ctx context.Context, projectID string) (domain.ProjectStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, "SELECT status FROM projects WHERE id = ?", projectID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", apierr.New(apierr.ProjectNotFound)
	}
	if err != nil {
		return "", apierr.Wrap(apierr.DBError, err)
	}
	return domain.ProjectStatus(status), nil
}

// SetProjectStatus sets a project's lifecycle status unconditionally.
// Callers that need a compare-and-swap on the prior status (pause,
// resume, stop) read ProjectStatus first and check it themselves; this
// method only ever writes.
func (s *Store) SetProjectStatus(ctx context.Context, projectID string, status domain.ProjectStatus) error {
	res, err := s.db.ExecContext(ctx, "UPDATE projects SET status = ? WHERE id = ?", string(status), projectID)
	if err != nil {
		return apierr.Wrap(apierr.DBError, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apierr.Wrap(apierr.DBError, err)
	}
	if n == 0 {
		return apierr.New(apierr.ProjectNotFound)
	}
	return nil
}

// GetTask fetches a single task by id.
func (s *Store) GetTask(ctx context.Context, taskID int64) (domain.Task, error) {
	var t domain.Task
	var source string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, task_type, source, payload, script_url, script_hash, status, created_at, updated_at
		FROM tasks WHERE id = ?
	`, taskID).Scan(&t.ID, &t.ProjectID, &t.TaskType, &source, &t.Payload, &t.ScriptURL, &t.ScriptHash, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, apierr.New(apierr.TaskNotFound)
	}
	if err != nil {
		return t, apierr.Wrap(apierr.DBError, err)
	}
	t.Source = domain.ProposalSource(source)
	return t, nil
}

// LatestResult fetches the stored result for a task, if one has been
// submitted.
func (s *Store) LatestResult(ctx context.Context, taskID int64) (domain.TaskResult, bool, error) {
	var r domain.TaskResult
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, agent_id, exit_code, stdout, stderr, stdout_hash, duration_ms, reported_at
		FROM task_results WHERE task_id = ?
	`, taskID).Scan(&r.TaskID, &r.AgentID, &r.ExitCode, &r.Stdout, &r.Stderr, &r.StdoutHash, &r.DurationMS, &r.ReportedAt)
	if err == sql.ErrNoRows {
		return r, false, nil
	}
	if err != nil {
		return r, false, apierr.Wrap(apierr.DBError, err)
	}
	return r, true, nil
}

// Aggregate is a pure projection over a group of related task shards:
// total shards inserted under groupID and how many have reached a
// terminal completed/failed state.
func (s *Store) Aggregate(ctx context.Context, projectID, groupID string) (total, completed int64, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status IN ('completed', 'failed') THEN 1 ELSE 0 END), 0)
		FROM tasks WHERE project_id = ? AND group_id = ?
	`, projectID, groupID).Scan(&total, &completed)
	if err != nil {
		return 0, 0, apierr.Wrap(apierr.DBError, err)
	}
	return total, completed, nil
}

// ListProjects returns every known project, used to assemble the
// dashboard snapshot without requiring callers to already know which
// projects exist.
func (s *Store) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, status, created_at FROM projects ORDER BY created_at")
	if err != nil {
		return nil, apierr.Wrap(apierr.DBError, err)
	}
	defer rows.Close()

	var projects []domain.Project
	for rows.Next() {
		var p domain.Project
		var status string
		if err := rows.Scan(&p.ID, &p.Name, &status, &p.CreatedAt); err != nil {
			return nil, apierr.Wrap(apierr.DBError, err)
		}
		p.Status = domain.ProjectStatus(status)
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// RunReaper runs ReapOrphaned on interval until ctx is cancelled.
func (s *Store) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ReapOrphaned(ctx); err != nil {
				log.Printf("[STORE] reaper pass failed: %v", err)
			}
		}
	}
}
