package nats

import "time"

// Subject constants for the scheduler's NATS messaging. These are
// separate from the HTTP wire contract in internal/server: NATS carries
// fan-out side effects (validator sampling, operator notification),
// never the request/response path an agent depends on for its own task
// flow.
const (
	// SubjectTaskCompleted is published for the fraction of submitted
	// task results sampled by the policy's recheck threshold.
	SubjectTaskCompleted = "tasks.completed"

	// SubjectFlagRaised is published whenever the reputation ledger
	// raises a flag (low_reputation, suspicious_result, sandbox_recheck).
	SubjectFlagRaised = "agents.flagged"

	// SubjectRecheckRequest is used internally to hand a sampled task
	// off to a recheck worker via a queue group, decoupling the
	// publishing side (dispatch.Submit) from whichever process runs
	// the validator.
	SubjectRecheckRequest = "validators.recheck"
)

// TaskCompletedMessage is published after a task result is recorded,
// carrying enough identity for a recheck worker to re-fetch the task
// and its result from the store.
type TaskCompletedMessage struct {
	TaskID    int64     `json:"task_id"`
	ProjectID string    `json:"project_id"`
	AgentID   string    `json:"agent_id"`
	ExitCode  int       `json:"exit_code"`
	Timestamp time.Time `json:"timestamp"`
}

// FlagRaisedMessage is published whenever the reputation ledger raises
// a flag against an agent, so an operator-facing process can notify
// without the ledger itself depending on a notification transport.
type FlagRaisedMessage struct {
	AgentID   string    `json:"agent_id"`
	Reason    string    `json:"reason"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientInfo represents a connected NATS client.
type ClientInfo struct {
	ClientID    string    `json:"client_id"`
	ConnectedAt time.Time `json:"connected_at"`
}
