// Package registry is the agent registry: upsert-on-heartbeat, hardware
// and preference updates, metrics ingestion, and the operator-set
// block/unblock state (the reputation ledger only raises flags).
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/shardmesh/scheduler/internal/apierr"
	"github.com/shardmesh/scheduler/internal/dbutil"
	"github.com/shardmesh/scheduler/internal/domain"
)

// Registry is the agent registry bound to a database.
type Registry struct {
	db *dbutil.DB
}

// New builds a Registry over db.
func New(db *dbutil.DB) *Registry {
	return &Registry{db: db}
}

// canonicalUUIDLen is the length of a UUID in its canonical
// 8-4-4-4-12 hex string form.
const canonicalUUIDLen = 36

// CanonicalID resolves the stable agent id for a caller-supplied
// node_id/agent_uid. A value that already parses as a UUID is treated
// as the canonical key and passed through unchanged. A value that is
// UUID-shaped (36 characters) but fails to parse is rejected outright
// rather than silently rehashed into a different identity. Anything
// else — empty or a legacy free-form node_id — is deterministically
// hashed into a UUID, so an agent that re-registers with the same
// node_id always maps to the same id regardless of which process
// assigned it first.
func CanonicalID(nodeID string) (string, error) {
	if parsed, err := uuid.Parse(nodeID); err == nil {
		return parsed.String(), nil
	}
	if len(nodeID) == canonicalUUIDLen {
		return "", apierr.New(apierr.InvalidAgentUID)
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(nodeID)).String(), nil
}

// Upsert registers an agent or, if node_id already exists, updates only
// the fields that were supplied (empty string / zero value fields keep
// their prior stored value — the Go analogue of the SQL upsert's
// COALESCE(EXCLUDED.x, agents.x) behavior). Returns the canonical agent
// id and whether the agent is currently blocked.
func (r *Registry) Upsert(ctx context.Context, a domain.Agent) (id string, blocked bool, err error) {
	if a.NodeID == "" {
		return "", false, apierr.New(apierr.InvalidAgentUID)
	}
	id, err = CanonicalID(a.NodeID)
	if err != nil {
		return "", false, err
	}
	now := time.Now().UTC()

	err = r.db.WithTx(func(tx *sql.Tx) error {
		var existingProject sql.NullString
		var existingOS, existingVersion, existingGPU sql.NullString
		var existingCores sql.NullInt64
		var existingRAM sql.NullInt64
		scanErr := tx.QueryRowContext(ctx, `
			SELECT project_id, cpu_cores, ram_mb, gpu, os, version, blocked
			FROM agents WHERE id = ?
		`, id).Scan(&existingProject, &existingCores, &existingRAM, &existingGPU, &existingOS, &existingVersion, &blocked)

		if scanErr == sql.ErrNoRows {
			_, execErr := tx.ExecContext(ctx, `
				INSERT INTO agents (id, node_id, project_id, cpu_cores, ram_mb, gpu, os, version, reputation, blocked, registered_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?)
			`, id, a.NodeID, a.ProjectID, a.Hardware.CPUCores, a.Hardware.RAMMB, a.Hardware.GPU, a.Hardware.OS, a.Hardware.Version, now)
			return execErr
		}
		if scanErr != nil {
			return scanErr
		}

		projectID := coalesceStr(a.ProjectID, existingProject.String)
		cores := coalesceInt(int64(a.Hardware.CPUCores), existingCores.Int64)
		ram := coalesceInt(a.Hardware.RAMMB, existingRAM.Int64)
		gpu := coalesceStr(a.Hardware.GPU, existingGPU.String)
		osName := coalesceStr(a.Hardware.OS, existingOS.String)
		version := coalesceStr(a.Hardware.Version, existingVersion.String)

		_, execErr := tx.ExecContext(ctx, `
			UPDATE agents SET project_id = ?, cpu_cores = ?, ram_mb = ?, gpu = ?, os = ?, version = ?
			WHERE id = ?
		`, projectID, cores, ram, gpu, osName, version, id)
		return execErr
	})
	if err != nil {
		return "", false, apierr.Wrap(apierr.DBError, err)
	}
	return id, blocked, nil
}

func coalesceStr(preferred, fallback string) string {
	if preferred != "" {
		return preferred
	}
	return fallback
}

func coalesceInt(preferred, fallback int64) int64 {
	if preferred != 0 {
		return preferred
	}
	return fallback
}

// SetPreferences stores an agent's allowed task types and resource caps.
func (r *Registry) SetPreferences(ctx context.Context, agentID string, prefs domain.AgentPreferences) error {
	allowed, err := json.Marshal(prefs.AllowedTaskType)
	if err != nil {
		return apierr.Wrap(apierr.DBError, err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE agents SET allowed_task_types = ?, cpu_limit_percent = ?, ram_limit_percent = ?, gpu_limit_percent = ?
		WHERE id = ?
	`, string(allowed), prefs.CPULimitPercent, prefs.RAMLimitPercent, prefs.GPULimitPercent, agentID)
	if err != nil {
		return apierr.Wrap(apierr.DBError, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.New(apierr.AgentNotRegistered)
	}
	return nil
}

// Preferences loads an agent's stored preferences.
func (r *Registry) Preferences(ctx context.Context, agentID string) (domain.AgentPreferences, error) {
	var prefs domain.AgentPreferences
	var allowed sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT allowed_task_types, cpu_limit_percent, ram_limit_percent, gpu_limit_percent FROM agents WHERE id = ?
	`, agentID).Scan(&allowed, &prefs.CPULimitPercent, &prefs.RAMLimitPercent, &prefs.GPULimitPercent)
	if err == sql.ErrNoRows {
		return prefs, apierr.New(apierr.AgentNotRegistered)
	}
	if err != nil {
		return prefs, apierr.Wrap(apierr.DBError, err)
	}
	prefs.AgentID = agentID
	if allowed.Valid && allowed.String != "" {
		_ = json.Unmarshal([]byte(allowed.String), &prefs.AllowedTaskType)
	}
	return prefs, nil
}

// AppendMetrics records one resource-usage sample for an agent.
func (r *Registry) AppendMetrics(ctx context.Context, m domain.AgentMetrics) error {
	if m.SampledAt.IsZero() {
		m.SampledAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO agent_metrics (agent_id, cpu_percent, ram_percent, gpu_percent, tasks_running, sampled_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.AgentID, m.CPUPercent, m.RAMPercent, m.GPUPercent, m.TasksRunning, m.SampledAt)
	if err != nil {
		return apierr.Wrap(apierr.DBError, err)
	}
	return nil
}

// LatestMetrics returns an agent's most recent metrics sample, if any.
func (r *Registry) LatestMetrics(ctx context.Context, agentID string) (domain.AgentMetrics, bool, error) {
	var m domain.AgentMetrics
	err := r.db.QueryRowContext(ctx, `
		SELECT agent_id, cpu_percent, ram_percent, gpu_percent, tasks_running, sampled_at
		FROM agent_metrics WHERE agent_id = ? ORDER BY sampled_at DESC LIMIT 1
	`, agentID).Scan(&m.AgentID, &m.CPUPercent, &m.RAMPercent, &m.GPUPercent, &m.TasksRunning, &m.SampledAt)
	if err == sql.ErrNoRows {
		return m, false, nil
	}
	if err != nil {
		return m, false, apierr.Wrap(apierr.DBError, err)
	}
	return m, true, nil
}

// Blocked reports whether an agent is currently blocked.
func (r *Registry) Blocked(ctx context.Context, agentID string) (bool, error) {
	var blocked bool
	err := r.db.QueryRowContext(ctx, "SELECT blocked FROM agents WHERE id = ?", agentID).Scan(&blocked)
	if err == sql.ErrNoRows {
		return false, apierr.New(apierr.AgentNotRegistered)
	}
	if err != nil {
		return false, apierr.Wrap(apierr.DBError, err)
	}
	return blocked, nil
}

// SetBlocked updates an agent's blocked flag. The reputation ledger never
// calls this itself: crossing the low-reputation threshold only raises a
// flag. Blocking is always operator-initiated, via this method.
func (r *Registry) SetBlocked(ctx context.Context, agentID string, blocked bool) error {
	res, err := r.db.ExecContext(ctx, "UPDATE agents SET blocked = ? WHERE id = ?", blocked, agentID)
	if err != nil {
		return apierr.Wrap(apierr.DBError, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.New(apierr.AgentNotRegistered)
	}
	return nil
}

// FindBlocked returns the ids of every blocked agent in a project.
func (r *Registry) FindBlocked(ctx context.Context, projectID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id FROM agents WHERE project_id = ? AND blocked = 1", projectID)
	if err != nil {
		return nil, apierr.Wrap(apierr.DBError, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apierr.Wrap(apierr.DBError, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListByProject returns every agent registered against projectID, used
// to assemble the dashboard agent list.
func (r *Registry) ListByProject(ctx context.Context, projectID string) ([]domain.Agent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, node_id, project_id, cpu_cores, ram_mb, gpu, os, version, reputation, blocked, registered_at
		FROM agents WHERE project_id = ? ORDER BY registered_at
	`, projectID)
	if err != nil {
		return nil, apierr.Wrap(apierr.DBError, err)
	}
	defer rows.Close()

	var agents []domain.Agent
	for rows.Next() {
		var a domain.Agent
		var gpu sql.NullString
		if err := rows.Scan(&a.ID, &a.NodeID, &a.ProjectID, &a.Hardware.CPUCores, &a.Hardware.RAMMB, &gpu,
			&a.Hardware.OS, &a.Hardware.Version, &a.Reputation, &a.Blocked, &a.RegisteredAt); err != nil {
			return nil, apierr.Wrap(apierr.DBError, err)
		}
		a.Hardware.GPU = gpu.String
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// Reputation returns an agent's current accumulated reputation score.
func (r *Registry) Reputation(ctx context.Context, agentID string) (float64, error) {
	var score float64
	err := r.db.QueryRowContext(ctx, "SELECT reputation FROM agents WHERE id = ?", agentID).Scan(&score)
	if err == sql.ErrNoRows {
		return 0, apierr.New(apierr.AgentNotRegistered)
	}
	if err != nil {
		return 0, apierr.Wrap(apierr.DBError, err)
	}
	return score, nil
}
