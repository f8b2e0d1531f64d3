// Package domain holds the shared data model for the scheduler, agent, and
// validator subsystems: projects, tasks, agents, and the reputation ledger.
package domain

import "time"

// TaskStatus is the lifecycle state of a queued unit of work.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"

	// TaskGroup marks a fan-out parent row: it exists so children can
	// reference it via parent_task_id and aggregate() can total a group,
	// but it is never itself dispatched to an agent.
	TaskGroup TaskStatus = "group"
)

// AiMode controls whether AI-proposed tasks are admitted by the policy
// evaluator.
type AiMode string

const (
	AiModeOff  AiMode = "off"
	AiModeOn   AiMode = "on"
	AiModeOnly AiMode = "only"
)

// ProposalSource identifies who proposed a task for admission.
type ProposalSource string

const (
	ProposalHuman ProposalSource = "human"
	ProposalAI    ProposalSource = "ai"
)

// ProjectStatus is a project's lifecycle state. A project is created
// active; an operator may pause it (no new leases, in-flight tasks keep
// running) or stop it (no new leases, in-flight tasks are cancelled).
// Both paused and stopped can resume to active; stopped is otherwise
// terminal for the project's queue.
type ProjectStatus string

const (
	ProjectActive  ProjectStatus = "active"
	ProjectPaused  ProjectStatus = "paused"
	ProjectStopped ProjectStatus = "stopped"
)

// DefaultProjectID is used when a caller does not supply an explicit
// project_id, the demo/default project every fresh deployment starts
// with.
const DefaultProjectID = "default"

// Project is a tenant boundary: tasks, agents and reputation are all scoped
// to a project_id column rather than a per-tenant schema.
type Project struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Status    ProjectStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// Task is one bounded shard of work queued against a project.
type Task struct {
	ID          int64          `json:"id"`
	ProjectID   string         `json:"project_id"`
	TaskType    string         `json:"task_type"`
	Source      ProposalSource `json:"source"`
	Payload     string         `json:"payload"`
	ScriptURL   string         `json:"script_url,omitempty"`
	ScriptHash  string         `json:"script_hash,omitempty"`
	Status      TaskStatus     `json:"status"`
	LeasedBy    string         `json:"leased_by,omitempty"`
	LeasedAt    *time.Time     `json:"leased_at,omitempty"`
	GroupID     string         `json:"group_id,omitempty"`
	ParentTaskID int64         `json:"parent_task_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// TaskResult is what an agent reports back after running a task.
type TaskResult struct {
	TaskID     int64     `json:"task_id"`
	AgentID    string    `json:"agent_id"`
	ExitCode   int       `json:"exit_code"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	StdoutHash string    `json:"stdout_hash"`
	DurationMS int64     `json:"duration_ms"`
	ReportedAt time.Time `json:"reported_at"`
}

// AgentHardware is the self-reported capability snapshot an agent submits
// at registration time.
type AgentHardware struct {
	CPUCores int     `json:"cpu_cores"`
	RAMMB    int64   `json:"ram_mb"`
	GPU      string  `json:"gpu,omitempty"`
	OS       string  `json:"os"`
	Version  string  `json:"version"`
}

// AgentMetrics is one periodic resource-usage sample from a running agent.
type AgentMetrics struct {
	AgentID       string    `json:"agent_id"`
	CPUPercent    float64   `json:"cpu_percent"`
	RAMPercent    float64   `json:"ram_percent"`
	GPUPercent    float64   `json:"gpu_percent,omitempty"`
	TasksRunning  int       `json:"tasks_running"`
	SampledAt     time.Time `json:"sampled_at"`
}

// AgentPreferences are the operator-set constraints on what an agent will
// accept: allowed task types and resource ceilings.
type AgentPreferences struct {
	AgentID         string   `json:"agent_id"`
	AllowedTaskType []string `json:"allowed_task_types,omitempty"`
	CPULimitPercent float64  `json:"cpu_limit_percent"`
	RAMLimitPercent float64  `json:"ram_limit_percent"`
	GPULimitPercent float64  `json:"gpu_limit_percent"`
}

// Agent is a registered compute contributor, identified canonically by a
// UUID derived from its legacy node_id.
type Agent struct {
	ID          string           `json:"id"`
	NodeID      string           `json:"node_id"`
	ProjectID   string           `json:"project_id"`
	Hardware    AgentHardware    `json:"hardware"`
	Preferences AgentPreferences `json:"preferences"`
	Reputation  float64          `json:"reputation"`
	Blocked     bool             `json:"blocked"`
	RegisteredAt time.Time       `json:"registered_at"`
}

// FlagReason enumerates the taxonomy of flags the validator and reputation
// ledger can raise against an agent.
type FlagReason string

const (
	FlagLowReputation   FlagReason = "low_reputation"
	FlagSuspiciousResult FlagReason = "suspicious_result"
	FlagSandboxRecheck  FlagReason = "sandbox_recheck"
)

// Flag is a durable audit record raised against an agent.
type Flag struct {
	ID        int64      `json:"id"`
	AgentID   string     `json:"agent_id"`
	Reason    FlagReason `json:"reason"`
	Detail    string     `json:"detail,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// ReputationEntry is one append-only delta applied to an agent's score.
type ReputationEntry struct {
	ID        int64     `json:"id"`
	AgentID   string    `json:"agent_id"`
	Delta     float64   `json:"delta"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Reputation deltas, per the validator's decision outcome.
const (
	ReputationDeltaOK             = 1.0
	ReputationDeltaNeedsRecheck   = -1.0
	ReputationDeltaSuspicious     = -5.0
	LowReputationThreshold        = -10.0
)

// ScriptArtifact is the content-addressed script body a task points to,
// either inline or fetched from script_url and verified against
// script_hash before execution.
type ScriptArtifact struct {
	Hash string `json:"hash"`
	Body []byte `json:"-"`
}
