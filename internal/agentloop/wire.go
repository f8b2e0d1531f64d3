package agentloop

// Wire types mirror the scheduler's JSON-over-HTTP contract exactly:
// field names here are normative, not cosmetic, because the dispatch
// service and the agent must stay bit-compatible across independent
// deploys.

type heartbeatRequest struct {
	NodeID string `json:"node_id"`
}

type heartbeatResponse struct {
	Status string `json:"status"`
}

type hardwarePayload struct {
	CPUCores int    `json:"cpu_cores"`
	RAMMB    int64  `json:"ram_mb"`
	GPU      string `json:"gpu,omitempty"`
	OS       string `json:"os"`
	Version  string `json:"version"`
}

type registerRequest struct {
	AgentUID    string           `json:"agent_uid"`
	DisplayName string           `json:"display_name,omitempty"`
	Hardware    hardwarePayload  `json:"hardware"`
}

type registerResponse struct {
	Status        string `json:"status"`
	Blocked       bool   `json:"blocked"`
	BlockedReason string `json:"blocked_reason,omitempty"`
}

type metricsPayload struct {
	CPULoad       float64 `json:"cpu_load"`
	RAMUsedMB     int64   `json:"ram_used_mb"`
	RAMTotalMB    int64   `json:"ram_total_mb"`
	GPULoad       float64 `json:"gpu_load,omitempty"`
	GPUMemUsedMB  int64   `json:"gpu_mem_used_mb,omitempty"`
}

type metricsRequest struct {
	AgentUID string           `json:"agent_uid"`
	Metrics  metricsPayload   `json:"metrics"`
	Hardware *hardwarePayload `json:"hardware,omitempty"`
}

type metricsResponse struct {
	Status string `json:"status"`
}

type requestBatchRequest struct {
	AgentUID          string   `json:"agent_uid"`
	RequestedTasks    int      `json:"requested_tasks,omitempty"`
	ProposalSource    string   `json:"proposal_source,omitempty"`
	ProjectID         string   `json:"project_id,omitempty"`
	AllowedTaskTypes  []string `json:"allowed_task_types,omitempty"`
}

type leasedTask struct {
	TaskID    int64  `json:"task_id"`
	Payload   string `json:"payload"`
	ProjectID string `json:"project_id"`
	TaskType  string `json:"task_type,omitempty"`
}

type requestBatchResponse struct {
	Status         string       `json:"status"`
	PolicyDecision string       `json:"policy_decision"`
	GrantedTasks   int          `json:"granted_tasks"`
	Reasons        []string     `json:"reasons,omitempty"`
	Tasks          []leasedTask `json:"tasks"`
	Blocked        bool         `json:"blocked"`
	BlockedReason  string       `json:"blocked_reason,omitempty"`
}

// taskResultPayload is the agent-reported result JSON, normative field
// names per the external interface contract.
type taskResultPayload struct {
	Status        string `json:"status"`
	Stdout        string `json:"stdout"`
	Stderr        string `json:"stderr"`
	DurationMS    int64  `json:"duration_ms"`
	StartedAtMS   int64  `json:"started_at_ms"`
	EndedAtMS     int64  `json:"ended_at_ms"`
	ExitCode      *int   `json:"exit_code,omitempty"`
	Error         string `json:"error,omitempty"`
	StdoutBytes   int    `json:"stdout_bytes"`
	StderrBytes   int    `json:"stderr_bytes"`
	StdoutSHA256  string `json:"stdout_sha256"`
	ScriptSHA256  string `json:"script_sha256,omitempty"`
	WorkspaceBytes int64 `json:"workspace_bytes"`
	FilesWritten  int    `json:"files_written"`
	Engine        string `json:"engine"`
	NodeID        string `json:"node_id"`
	TaskID        int64  `json:"task_id"`
}

type submitRequest struct {
	TaskID    int64             `json:"task_id"`
	Result    taskResultPayload `json:"result"`
	ProjectID string            `json:"project_id"`
	DeviceID  string            `json:"device_id,omitempty"`
}

type submitResponse struct {
	Status string `json:"status"`
}
