package server

import "github.com/shardmesh/scheduler/internal/domain"

// Wire types mirror the scheduler's JSON-over-HTTP contract exactly:
// field names here are normative, not cosmetic, because the agent and
// dashboard clients are bit-compatible across independent deploys.

type heartbeatRequest struct {
	NodeID string `json:"node_id"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type preferencesEntry struct {
	ProjectID        string   `json:"project_id,omitempty"`
	AllowedTaskTypes []string `json:"allowed_task_types,omitempty"`
}

type limitsPayload struct {
	CPULimitPercent float64 `json:"cpu_limit_percent"`
	RAMLimitPercent float64 `json:"ram_limit_percent"`
	GPULimitPercent float64 `json:"gpu_limit_percent"`
}

type registerRequest struct {
	AgentUID    string               `json:"agent_uid"`
	DisplayName string               `json:"display_name,omitempty"`
	Hardware    domain.AgentHardware `json:"hardware"`
	Limits      *limitsPayload       `json:"limits,omitempty"`
	Preferences []preferencesEntry   `json:"preferences,omitempty"`
}

type registerResponse struct {
	Status        string `json:"status"`
	Blocked       bool   `json:"blocked"`
	BlockedReason string `json:"blocked_reason,omitempty"`
}

type metricsPayload struct {
	CPULoad        float64 `json:"cpu_load"`
	RAMUsedMB      int64   `json:"ram_used_mb"`
	RAMTotalMB     int64   `json:"ram_total_mb"`
	GPULoad        float64 `json:"gpu_load,omitempty"`
	GPUMemUsedMB   int64   `json:"gpu_mem_used_mb,omitempty"`
	NetRxBytes     int64   `json:"net_rx_bytes,omitempty"`
	NetTxBytes     int64   `json:"net_tx_bytes,omitempty"`
	DiskReadBytes  int64   `json:"disk_read_bytes,omitempty"`
	DiskWriteBytes int64   `json:"disk_write_bytes,omitempty"`
}

type metricsRequest struct {
	AgentUID string                `json:"agent_uid"`
	Metrics  metricsPayload        `json:"metrics"`
	Hardware *domain.AgentHardware `json:"hardware,omitempty"`
}

type agentsPreferencesRequest struct {
	AgentUID    string             `json:"agent_uid"`
	Preferences []preferencesEntry `json:"preferences"`
}

type requestBatchRequest struct {
	AgentUID         string   `json:"agent_uid"`
	RequestedTasks   int      `json:"requested_tasks,omitempty"`
	ProposalSource   string   `json:"proposal_source,omitempty"`
	ProjectID        string   `json:"project_id,omitempty"`
	AllowedTaskTypes []string `json:"allowed_task_types,omitempty"`
}

type leasedTask struct {
	TaskID    int64  `json:"task_id"`
	Payload   string `json:"payload"`
	ProjectID string `json:"project_id"`
	TaskType  string `json:"task_type,omitempty"`
}

type requestBatchResponse struct {
	Status         string       `json:"status"`
	PolicyDecision string       `json:"policy_decision,omitempty"`
	GrantedTasks   int          `json:"granted_tasks"`
	Reasons        []string     `json:"reasons,omitempty"`
	Tasks          []leasedTask `json:"tasks"`
	Blocked        bool         `json:"blocked"`
	BlockedReason  string       `json:"blocked_reason,omitempty"`
}

// taskResultPayload is the agent-reported result JSON, normative field
// names per the external interface contract.
type taskResultPayload struct {
	Status         string `json:"status"`
	Stdout         string `json:"stdout"`
	Stderr         string `json:"stderr"`
	DurationMS     int64  `json:"duration_ms"`
	StartedAtMS    int64  `json:"started_at_ms"`
	EndedAtMS      int64  `json:"ended_at_ms"`
	ExitCode       *int   `json:"exit_code,omitempty"`
	Error          string `json:"error,omitempty"`
	StdoutBytes    int    `json:"stdout_bytes"`
	StderrBytes    int    `json:"stderr_bytes"`
	StdoutSHA256   string `json:"stdout_sha256"`
	ScriptSHA256   string `json:"script_sha256,omitempty"`
	WorkspaceBytes int64  `json:"workspace_bytes"`
	FilesWritten   int    `json:"files_written"`
	Engine         string `json:"engine"`
	NodeID         string `json:"node_id"`
	TaskID         int64  `json:"task_id"`
}

type submitRequest struct {
	TaskID    int64             `json:"task_id"`
	Result    taskResultPayload `json:"result"`
	ProjectID string            `json:"project_id"`
	DeviceID  string            `json:"device_id,omitempty"`
}

type validateRequest struct {
	TaskID     int64  `json:"task_id"`
	DeviceID   string `json:"device_id"`
	ResultHash string `json:"result_hash,omitempty"`
	Outcome    string `json:"outcome,omitempty"`
}

type validateResponse struct {
	Status          string  `json:"status"`
	Decision        string  `json:"decision"`
	ReputationScore float64 `json:"reputation_score"`
}

type recheckRequest struct {
	ProjectID string `json:"project_id"`
	TaskID    int64  `json:"task_id"`
	DeviceID  string `json:"device_id,omitempty"`
}

type recheckResponse struct {
	Status       string      `json:"status"`
	Decision     string      `json:"decision"`
	AIFlag       string      `json:"ai_flag,omitempty"`
	ServerResult interface{} `json:"server_result"`
	AgentResult  interface{} `json:"agent_result,omitempty"`
}

type aggregateRequest struct {
	ProjectID string `json:"project_id"`
	GroupID   string `json:"group_id"`
}

type aggregateResponse struct {
	Status     string `json:"status"`
	GroupID    string `json:"group_id"`
	Total      int64  `json:"total"`
	Completed  int64  `json:"completed"`
	Aggregated bool   `json:"aggregated"`
}

type projectLifecycleRequest struct {
	ProjectID string `json:"project_id"`
}

type projectLifecycleResponse struct {
	Status    string `json:"status"`
	Cancelled int64  `json:"cancelled,omitempty"`
}
