// Package dispatch composes the policy evaluator, task store, agent
// registry, and liveness tracker into the operations the scheduler
// exposes over HTTP: request_batch, submit, heartbeat, live_summary, and
// the project pause, resume and stop transitions.
package dispatch

import (
	"context"
	"math/rand"
	"time"

	"github.com/shardmesh/scheduler/internal/apierr"
	"github.com/shardmesh/scheduler/internal/domain"
	"github.com/shardmesh/scheduler/internal/hub"
	"github.com/shardmesh/scheduler/internal/liveness"
	"github.com/shardmesh/scheduler/internal/metrics"
	"github.com/shardmesh/scheduler/internal/nats"
	"github.com/shardmesh/scheduler/internal/policy"
	"github.com/shardmesh/scheduler/internal/registry"
	"github.com/shardmesh/scheduler/internal/store"
)

// Status values a request_batch response can carry in its status field.
// Blocked and the project lifecycle states are not errors: they are
// reported as status with an empty task list.
const (
	StatusOK      = "ok"
	StatusBlocked = "blocked"
)

// Service wires the policy, store, registry, liveness and broadcast hub
// together. It holds no state of its own beyond references to those
// collaborators.
type Service struct {
	Store    *store.Store
	Registry *registry.Registry
	Policy   *policy.Evaluator
	Liveness *liveness.Tracker
	Hub      *hub.Hub

	// Publisher is optional: when set, a sample of completed tasks is
	// fanned out over NATS at the policy's recheck_threshold rate so a
	// validator worker can re-run them independently of the submitting
	// agent's own request/response cycle.
	Publisher *nats.Client

	// Metrics is optional: when set, every submitted result updates its
	// rolling per-agent throughput and failure-streak counters, and
	// LiveSummary includes the alerts they trip.
	Metrics *metrics.Collector
	Alerts  *metrics.AlertChecker
}

// New builds a Service from its collaborators.
func New(st *store.Store, reg *registry.Registry, pol *policy.Evaluator, live *liveness.Tracker, h *hub.Hub) *Service {
	return &Service{Store: st, Registry: reg, Policy: pol, Liveness: live, Hub: h}
}

// TaskRef is the slice of a leased task an agent needs to run it: the
// payload plus the script artifact references, never the full row.
type TaskRef struct {
	TaskID     int64  `json:"task_id"`
	ProjectID  string `json:"project_id"`
	TaskType   string `json:"task_type,omitempty"`
	Payload    string `json:"payload"`
	ScriptURL  string `json:"script_url,omitempty"`
	ScriptHash string `json:"script_hash,omitempty"`
}

// RequestBatchRequest is the caller-supplied side of a batch pull.
type RequestBatchRequest struct {
	AgentUID       string
	RequestedTasks int
	ProposalSource domain.ProposalSource
	ProjectID      string
	TaskTypeFilter string
	Hardware       domain.AgentHardware
}

// RequestBatchResult is what request_batch returns to the caller.
type RequestBatchResult struct {
	Status        string
	PolicyDecision policy.Verdict
	GrantedTasks  int
	Reasons       []string
	Tasks         []TaskRef
	Blocked       bool
	BlockedReason string
}

// RequestBatch runs the full admission-and-lease pipeline: resolve the
// agent and its block state, run the policy evaluator, resolve the
// project and its lifecycle, resolve the effective task_type filter,
// lease tasks, and broadcast a dashboard-update signal.
func (s *Service) RequestBatch(ctx context.Context, req RequestBatchRequest) (RequestBatchResult, error) {
	if req.AgentUID == "" {
		return RequestBatchResult{}, apierr.New(apierr.InvalidAgentUID)
	}

	projectID := req.ProjectID
	if projectID == "" {
		projectID = domain.DefaultProjectID
	}

	agentID, blocked, err := s.Registry.Upsert(ctx, domain.Agent{
		NodeID:    req.AgentUID,
		ProjectID: projectID,
		Hardware:  req.Hardware,
	})
	if err != nil {
		return RequestBatchResult{}, err
	}
	if blocked {
		return RequestBatchResult{
			Status:        StatusBlocked,
			Blocked:       true,
			BlockedReason: "agent is blocked",
		}, nil
	}

	decision := s.Policy.Evaluate(policy.Request{
		RequestedTasks: req.RequestedTasks,
		Source:         req.ProposalSource,
	})
	if decision.Verdict == policy.VerdictDeny {
		return RequestBatchResult{}, apierr.Wrapf(apierr.PolicyDenied, "%v", decision.Reasons)
	}

	if err := s.Store.EnsureProject(ctx, projectID, projectID); err != nil {
		return RequestBatchResult{}, err
	}
	projectStatus, err := s.Store.ProjectStatus(ctx, projectID)
	if err != nil {
		return RequestBatchResult{}, err
	}
	if projectStatus != domain.ProjectActive {
		return RequestBatchResult{
			Status:  string(projectStatus),
			Reasons: []string{"project_not_active"},
		}, nil
	}

	taskType := req.TaskTypeFilter
	if taskType == "" {
		if prefs, err := s.Registry.Preferences(ctx, agentID); err == nil && len(prefs.AllowedTaskType) == 1 {
			taskType = prefs.AllowedTaskType[0]
		}
	}

	leased, err := s.Store.LeaseBatch(ctx, projectID, agentID, decision.GrantedTasks, taskType)
	if err != nil {
		return RequestBatchResult{}, err
	}

	tasks := make([]TaskRef, 0, len(leased))
	for _, t := range leased {
		tasks = append(tasks, TaskRef{
			TaskID:     t.ID,
			ProjectID:  t.ProjectID,
			TaskType:   t.TaskType,
			Payload:    t.Payload,
			ScriptURL:  t.ScriptURL,
			ScriptHash: t.ScriptHash,
		})
	}

	s.broadcast("tasks_leased", projectID, map[string]any{
		"agent_id": agentID,
		"count":    len(tasks),
	})

	return RequestBatchResult{
		Status:        StatusOK,
		PolicyDecision: decision.Verdict,
		GrantedTasks:  decision.GrantedTasks,
		Reasons:       decision.Reasons,
		Tasks:         tasks,
	}, nil
}

// SubmitRequest is the caller-supplied side of a task result submission.
type SubmitRequest struct {
	TaskID    int64
	ProjectID string
	Result    domain.TaskResult
}

// Submit writes a task result via the store and broadcasts the update.
// It never touches project status: a late result from a task leased
// before a pause or stop must not silently reactivate the project.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) error {
	if req.ProjectID == "" {
		return apierr.New(apierr.MissingProject)
	}
	if req.Result.TaskID == 0 {
		req.Result.TaskID = req.TaskID
	}
	if req.Result.ReportedAt.IsZero() {
		req.Result.ReportedAt = time.Now().UTC()
	}

	if err := s.Store.Complete(ctx, req.Result); err != nil {
		return err
	}

	s.broadcast("task_submitted", req.ProjectID, map[string]any{
		"task_id":   req.Result.TaskID,
		"exit_code": req.Result.ExitCode,
	})
	s.sampleForRecheck(req)
	if s.Metrics != nil {
		s.Metrics.RecordTaskCompleted(req.Result.AgentID, req.Result.ExitCode == 0)
	}
	return nil
}

// sampleForRecheck publishes a TaskCompletedMessage for a fraction of
// submissions, governed by policy.Config.RecheckThreshold. A threshold
// of 0 publishes nothing; 1.0 publishes every submission. Publish
// failures are not propagated to the caller: a dropped sample just
// means that particular task never gets independently re-run, it does
// not affect the submission itself.
func (s *Service) sampleForRecheck(req SubmitRequest) {
	if s.Publisher == nil {
		return
	}
	threshold := s.Policy.Config().RecheckThreshold
	if threshold <= 0 || rand.Float64() >= threshold {
		return
	}
	_ = s.Publisher.PublishJSON(nats.SubjectTaskCompleted, nats.TaskCompletedMessage{
		TaskID:    req.Result.TaskID,
		ProjectID: req.ProjectID,
		AgentID:   req.Result.AgentID,
		ExitCode:  req.Result.ExitCode,
		Timestamp: time.Now().UTC(),
	})
}

// transitionProject reads a project's current status and, if it matches
// one of the allowed "from" states, writes "to"; otherwise it returns
// InvalidProjectTransition without touching the row.
func (s *Service) transitionProject(ctx context.Context, projectID string, allowedFrom []domain.ProjectStatus, to domain.ProjectStatus) error {
	current, err := s.Store.ProjectStatus(ctx, projectID)
	if err != nil {
		return err
	}
	ok := false
	for _, from := range allowedFrom {
		if current == from {
			ok = true
			break
		}
	}
	if !ok {
		return apierr.Wrapf(apierr.InvalidProjectTransition, "cannot move project %s from %s to %s", projectID, current, to)
	}
	return s.Store.SetProjectStatus(ctx, projectID, to)
}

// PauseProject stops new leases from being granted against projectID
// without disturbing tasks already leased; they keep running to
// completion. Only an active project can be paused.
func (s *Service) PauseProject(ctx context.Context, projectID string) error {
	if err := s.transitionProject(ctx, projectID, []domain.ProjectStatus{domain.ProjectActive}, domain.ProjectPaused); err != nil {
		return err
	}
	s.broadcast("project_paused", projectID, nil)
	return nil
}

// ResumeProject moves a paused or stopped project back to active so
// request_batch starts granting leases again.
func (s *Service) ResumeProject(ctx context.Context, projectID string) error {
	if err := s.transitionProject(ctx, projectID, []domain.ProjectStatus{domain.ProjectPaused, domain.ProjectStopped}, domain.ProjectActive); err != nil {
		return err
	}
	s.broadcast("project_resumed", projectID, nil)
	return nil
}

// StopProject stops new leases and cancels every queued or running task
// for projectID. The project row itself survives in the stopped state;
// only its in-flight queue is torn down.
func (s *Service) StopProject(ctx context.Context, projectID string) (int64, error) {
	if err := s.transitionProject(ctx, projectID, []domain.ProjectStatus{domain.ProjectActive, domain.ProjectPaused}, domain.ProjectStopped); err != nil {
		return 0, err
	}
	cancelled, err := s.Store.CancelInFlight(ctx, projectID)
	if err != nil {
		return 0, err
	}
	s.broadcast("project_stopped", projectID, map[string]any{"cancelled": cancelled})
	return cancelled, nil
}

// Heartbeat records that an agent is alive, upserts its registry row
// on first contact, and broadcasts the liveness change.
func (s *Service) Heartbeat(ctx context.Context, nodeID string) error {
	if nodeID == "" {
		return apierr.New(apierr.InvalidAgentUID)
	}
	agentID, _, err := s.Registry.Upsert(ctx, domain.Agent{NodeID: nodeID})
	if err != nil {
		return err
	}
	s.Liveness.Touch(agentID)
	s.broadcast("heartbeat", "", map[string]any{"agent_id": agentID})
	return nil
}

// ProjectSnapshot is one project's slice of the live summary.
type ProjectSnapshot struct {
	Project     domain.Project                  `json:"project"`
	QueueCounts map[domain.TaskStatus]int64      `json:"queue_counts"`
	Recent      []domain.Task                    `json:"recent_tasks"`
}

// AgentSnapshot is one agent's slice of the live summary.
type AgentSnapshot struct {
	Agent    domain.Agent `json:"agent"`
	Online   bool         `json:"online"`
	LastSeen time.Time    `json:"last_seen"`
}

// LiveSummary is the assembled dashboard snapshot: policy mode, agents,
// per-project queue state, and recent task samples. It is rebuilt fresh
// on every call from independent read-only queries, never inside one
// long-held lock, so it can never stall the lease path.
type LiveSummary struct {
	PolicyMode       domain.AiMode     `json:"policy_mode"`
	Projects         []ProjectSnapshot `json:"projects"`
	Agents           []AgentSnapshot   `json:"agents"`
	ThroughputPerMin float64           `json:"throughput_per_min,omitempty"`
	Alerts           []metrics.Alert   `json:"alerts,omitempty"`
}

// LiveSummary assembles the dashboard snapshot on demand.
func (s *Service) LiveSummary(ctx context.Context) (LiveSummary, error) {
	projects, err := s.Store.ListProjects(ctx)
	if err != nil {
		return LiveSummary{}, err
	}

	summary := LiveSummary{PolicyMode: s.Policy.Config().AiMode}
	var stats map[string]metrics.AgentStats
	if s.Metrics != nil {
		snap := s.Metrics.Snapshot()
		summary.ThroughputPerMin = snap.ThroughputPerMin
		stats = snap.Agents
	}

	var allAgents []domain.Agent
	for _, p := range projects {
		counts, err := s.Store.StatusCounts(ctx, p.ID)
		if err != nil {
			return LiveSummary{}, err
		}
		recent, err := s.Store.Recent(ctx, p.ID, 20)
		if err != nil {
			return LiveSummary{}, err
		}
		summary.Projects = append(summary.Projects, ProjectSnapshot{
			Project:     p,
			QueueCounts: counts,
			Recent:      recent,
		})

		if s.Alerts != nil {
			if alert := s.Alerts.CheckQueueBacklog(p.ID, int(counts[domain.TaskQueued]), s.Policy.Config().QueueBacklogMax); alert != nil {
				summary.Alerts = append(summary.Alerts, *alert)
			}
		}

		agents, err := s.Registry.ListByProject(ctx, p.ID)
		if err != nil {
			return LiveSummary{}, err
		}
		for _, a := range agents {
			lastSeen, _ := s.Liveness.LastSeen(a.ID)
			summary.Agents = append(summary.Agents, AgentSnapshot{
				Agent:    a,
				Online:   !s.Liveness.IsStale(a.ID),
				LastSeen: lastSeen,
			})
		}
		allAgents = append(allAgents, agents...)
	}

	if s.Alerts != nil {
		summary.Alerts = append(summary.Alerts, s.Alerts.CheckAgentsWithLastSeen(allAgents, stats, func(id string) bool {
			return s.Liveness.IsStale(id)
		}, func(id string) (time.Time, bool) {
			t, ok := s.Liveness.LastSeen(id)
			return t, ok
		})...)
	}
	return summary, nil
}

func (s *Service) broadcast(kind, projectID string, payload map[string]any) {
	if s.Hub == nil {
		return
	}
	msg := map[string]any{"type": kind, "at": time.Now().UTC()}
	if projectID != "" {
		msg["project_id"] = projectID
	}
	for k, v := range payload {
		msg[k] = v
	}
	s.Hub.BroadcastJSON(msg)
}
