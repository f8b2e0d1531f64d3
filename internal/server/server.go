// Package server is the scheduler's JSON-over-HTTP surface: a thin
// gorilla/mux router that decodes requests, calls into the dispatch
// service, registry, store, and validator, and maps tagged errors to
// HTTP status codes. It owns no business logic of its own.
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/shardmesh/scheduler/internal/apierr"
	"github.com/shardmesh/scheduler/internal/dispatch"
	"github.com/shardmesh/scheduler/internal/domain"
	"github.com/shardmesh/scheduler/internal/hub"
	"github.com/shardmesh/scheduler/internal/registry"
	"github.com/shardmesh/scheduler/internal/store"
	"github.com/shardmesh/scheduler/internal/validator"
)

// Server composes the collaborators the HTTP surface needs.
type Server struct {
	Dispatch  *dispatch.Service
	Registry  *registry.Registry
	Store     *store.Store
	Validator *validator.Validator
	Hub       *hub.Hub

	// ShutdownRequested is closed exactly once, the first time
	// /admin/shutdown is called. It backs the single-instance conflict
	// resolver's graceful-shutdown path (instance.SendShutdownRequest):
	// a process that wants to take over this port asks nicely first.
	// Nil is fine; the endpoint then just acknowledges without the
	// caller having anything to wait on.
	ShutdownRequested chan struct{}
	shutdownOnce      sync.Once
}

// New builds a Server.
func New(d *dispatch.Service, reg *registry.Registry, st *store.Store, v *validator.Validator, h *hub.Hub) *Server {
	return &Server{Dispatch: d, Registry: reg, Store: st, Validator: v, Hub: h, ShutdownRequested: make(chan struct{})}
}

// Router builds the full HTTP handler tree.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/agents/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/agents/metrics", s.handleMetrics).Methods(http.MethodPost)
	r.HandleFunc("/agents/preferences", s.handlePreferences).Methods(http.MethodPost)
	r.HandleFunc("/tasks/request_batch", s.handleRequestBatch).Methods(http.MethodPost)
	r.HandleFunc("/tasks/submit", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/summary", s.handleSummary).Methods(http.MethodGet)
	r.HandleFunc("/stream", s.Hub.ServeSSE).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.Hub.ServeWS).Methods(http.MethodGet)
	r.HandleFunc("/validate", s.handleValidate).Methods(http.MethodPost)
	r.HandleFunc("/sandbox/recheck", s.handleRecheck).Methods(http.MethodPost)
	r.HandleFunc("/sandbox/aggregate", s.handleAggregate).Methods(http.MethodPost)
	r.HandleFunc("/projects/pause", s.handleProjectPause).Methods(http.MethodPost)
	r.HandleFunc("/projects/resume", s.handleProjectResume).Methods(http.MethodPost)
	r.HandleFunc("/projects/stop", s.handleProjectStop).Methods(http.MethodPost)
	r.HandleFunc("/admin/shutdown", s.handleAdminShutdown).Methods(http.MethodPost)
	return r
}

func (s *Server) handleProjectPause(w http.ResponseWriter, r *http.Request) {
	var req projectLifecycleRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w)
		return
	}
	if req.ProjectID == "" {
		writeError(w, apierr.New(apierr.MissingProject))
		return
	}
	if err := s.Dispatch.PauseProject(r.Context(), req.ProjectID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projectLifecycleResponse{Status: string(domain.ProjectPaused)})
}

func (s *Server) handleProjectResume(w http.ResponseWriter, r *http.Request) {
	var req projectLifecycleRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w)
		return
	}
	if req.ProjectID == "" {
		writeError(w, apierr.New(apierr.MissingProject))
		return
	}
	if err := s.Dispatch.ResumeProject(r.Context(), req.ProjectID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projectLifecycleResponse{Status: string(domain.ProjectActive)})
}

func (s *Server) handleProjectStop(w http.ResponseWriter, r *http.Request) {
	var req projectLifecycleRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w)
		return
	}
	if req.ProjectID == "" {
		writeError(w, apierr.New(apierr.MissingProject))
		return
	}
	cancelled, err := s.Dispatch.StopProject(r.Context(), req.ProjectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projectLifecycleResponse{Status: string(domain.ProjectStopped), Cancelled: cancelled})
}

func (s *Server) handleAdminShutdown(w http.ResponseWriter, r *http.Request) {
	s.shutdownOnce.Do(func() {
		if s.ShutdownRequested != nil {
			close(s.ShutdownRequested)
		}
	})
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[SERVER] encode response: %v", err)
	}
}

func badRequest(w http.ResponseWriter) {
	writeJSON(w, http.StatusBadRequest, errorBody{Code: "bad_request", Message: "malformed json"})
}

// errorBody is the structured error response every boundary uses:
// {code, message, reasons[]}.
type errorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Reasons []string `json:"reasons,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	tag, ok := apierr.TagOf(err)
	if !ok {
		log.Printf("[SERVER] untagged error: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Code: "internal_error", Message: "internal error"})
		return
	}

	body := errorBody{Code: string(tag), Message: err.Error()}
	if tag == apierr.PolicyDenied {
		body.Reasons = []string{err.Error()}
	}
	if tag == apierr.DBError {
		log.Printf("[SERVER] storage error: %v", err)
		body.Message = "storage error"
	}
	writeJSON(w, statusForTag(tag), body)
}

func statusForTag(tag apierr.Tag) int {
	switch tag {
	case apierr.DBError:
		return http.StatusInternalServerError
	case apierr.PolicyDenied:
		return http.StatusForbidden
	case apierr.ProjectNotFound, apierr.TaskNotFound:
		return http.StatusNotFound
	case apierr.AlreadyLeased, apierr.InvalidProjectTransition:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w)
		return
	}
	if err := s.Dispatch.Heartbeat(r.Context(), req.NodeID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w)
		return
	}

	agentID, blocked, err := s.Registry.Upsert(r.Context(), domain.Agent{
		NodeID:    req.AgentUID,
		ProjectID: domain.DefaultProjectID,
		Hardware:  req.Hardware,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	// display_name has no dedicated column: the registry keys agents by
	// node_id and canonical UUID only, so it is accepted and dropped.
	if len(req.Preferences) > 0 || req.Limits != nil {
		prefs := domain.AgentPreferences{AgentID: agentID}
		if len(req.Preferences) > 0 {
			// Preferences are stored one row per agent, not per
			// project, so only the first entry of a multi-project
			// submission takes effect.
			prefs.AllowedTaskType = req.Preferences[0].AllowedTaskTypes
		}
		if req.Limits != nil {
			prefs.CPULimitPercent = req.Limits.CPULimitPercent
			prefs.RAMLimitPercent = req.Limits.RAMLimitPercent
			prefs.GPULimitPercent = req.Limits.GPULimitPercent
		}
		if err := s.Registry.SetPreferences(r.Context(), agentID, prefs); err != nil {
			writeError(w, err)
			return
		}
	}

	resp := registerResponse{Status: "ok", Blocked: blocked}
	if blocked {
		resp.BlockedReason = "agent is blocked"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var req metricsRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w)
		return
	}
	if req.AgentUID == "" {
		writeError(w, apierr.New(apierr.InvalidAgentUID))
		return
	}
	agentID, err := registry.CanonicalID(req.AgentUID)
	if err != nil {
		writeError(w, err)
		return
	}

	if req.Hardware != nil {
		if _, _, err := s.Registry.Upsert(r.Context(), domain.Agent{NodeID: req.AgentUID, Hardware: *req.Hardware}); err != nil {
			writeError(w, err)
			return
		}
	}

	var ramPercent float64
	if req.Metrics.RAMTotalMB > 0 {
		ramPercent = float64(req.Metrics.RAMUsedMB) / float64(req.Metrics.RAMTotalMB) * 100
	}

	if err := s.Registry.AppendMetrics(r.Context(), domain.AgentMetrics{
		AgentID:    agentID,
		CPUPercent: req.Metrics.CPULoad,
		RAMPercent: ramPercent,
		GPUPercent: req.Metrics.GPULoad,
		SampledAt:  time.Now().UTC(),
	}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	var req agentsPreferencesRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w)
		return
	}
	if req.AgentUID == "" {
		writeError(w, apierr.New(apierr.InvalidAgentUID))
		return
	}
	agentID, err := registry.CanonicalID(req.AgentUID)
	if err != nil {
		writeError(w, err)
		return
	}

	prefs := domain.AgentPreferences{AgentID: agentID}
	if len(req.Preferences) > 0 {
		prefs.AllowedTaskType = req.Preferences[0].AllowedTaskTypes
	}
	if err := s.Registry.SetPreferences(r.Context(), agentID, prefs); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func (s *Server) handleRequestBatch(w http.ResponseWriter, r *http.Request) {
	var req requestBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w)
		return
	}

	// A filter list is accepted per the wire contract, but lease_batch
	// only ever filters on one task_type: the first entry wins.
	var taskType string
	if len(req.AllowedTaskTypes) > 0 {
		taskType = req.AllowedTaskTypes[0]
	}

	result, err := s.Dispatch.RequestBatch(r.Context(), dispatch.RequestBatchRequest{
		AgentUID:       req.AgentUID,
		RequestedTasks: req.RequestedTasks,
		ProposalSource: domain.ProposalSource(req.ProposalSource),
		ProjectID:      req.ProjectID,
		TaskTypeFilter: taskType,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	tasks := make([]leasedTask, 0, len(result.Tasks))
	for _, t := range result.Tasks {
		tasks = append(tasks, leasedTask{TaskID: t.TaskID, Payload: t.Payload, ProjectID: t.ProjectID, TaskType: t.TaskType})
	}

	writeJSON(w, http.StatusOK, requestBatchResponse{
		Status:         result.Status,
		PolicyDecision: string(result.PolicyDecision),
		GrantedTasks:   result.GrantedTasks,
		Reasons:        result.Reasons,
		Tasks:          tasks,
		Blocked:        result.Blocked,
		BlockedReason:  result.BlockedReason,
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w)
		return
	}
	if req.ProjectID == "" {
		writeError(w, apierr.New(apierr.MissingProject))
		return
	}

	nodeID := req.DeviceID
	if nodeID == "" {
		nodeID = req.Result.NodeID
	}
	if nodeID == "" {
		writeError(w, apierr.New(apierr.UnknownDevice))
		return
	}
	agentID, err := registry.CanonicalID(nodeID)
	if err != nil {
		writeError(w, err)
		return
	}

	var exitCode int
	if req.Result.ExitCode != nil {
		exitCode = *req.Result.ExitCode
	}

	err = s.Dispatch.Submit(r.Context(), dispatch.SubmitRequest{
		TaskID:    req.TaskID,
		ProjectID: req.ProjectID,
		Result: domain.TaskResult{
			TaskID:     req.TaskID,
			AgentID:    agentID,
			ExitCode:   exitCode,
			Stdout:     req.Result.Stdout,
			Stderr:     req.Result.Stderr,
			StdoutHash: req.Result.StdoutSHA256,
			DurationMS: req.Result.DurationMS,
		},
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.Dispatch.LiveSummary(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w)
		return
	}
	if req.DeviceID == "" {
		writeError(w, apierr.New(apierr.UnknownDevice))
		return
	}
	agentID, err := registry.CanonicalID(req.DeviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	decision := validator.ParseDecision(req.Outcome, req.ResultHash)

	res, err := s.Validator.Validate(r.Context(), validator.ValidateRequest{
		AgentID:  agentID,
		Decision: decision,
		Detail:   "validate:" + req.Outcome,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, validateResponse{
		Status:          "ok",
		Decision:        string(decision),
		ReputationScore: res.NewScore,
	})
}

// taskPayload is the minimal slice of a task's stored payload the
// recheck path needs: just the inline script body.
type taskPayload struct {
	Script string `json:"script"`
}

func parseTaskPayload(raw string) (taskPayload, error) {
	var p taskPayload
	if raw == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, apierr.Wrap(apierr.DBError, err)
	}
	return p, nil
}

func (s *Server) handleRecheck(w http.ResponseWriter, r *http.Request) {
	var req recheckRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w)
		return
	}
	if req.ProjectID == "" {
		writeError(w, apierr.New(apierr.MissingProject))
		return
	}

	res, err := RunRecheck(r.Context(), s.Store, s.Validator, req.TaskID, req.DeviceID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, recheckResponse{
		Status:       "ok",
		Decision:     string(res.Decision),
		AIFlag:       string(res.AIFlagReason),
		ServerResult: res.ServerResult,
		AgentResult:  res.AgentResult,
	})
}

// RunRecheck fetches a task and its latest agent-reported result and
// re-runs it through the validator. It is exported so both the HTTP
// /sandbox/recheck handler and the NATS-sampled recheck path (wired in
// cmd/scheduler) share one code path instead of duplicating the
// fetch-then-recheck sequence.
func RunRecheck(ctx context.Context, st *store.Store, v *validator.Validator, taskID int64, deviceID string) (validator.RecheckResult, error) {
	task, err := st.GetTask(ctx, taskID)
	if err != nil {
		return validator.RecheckResult{}, err
	}
	agentResult, found, err := st.LatestResult(ctx, taskID)
	if err != nil {
		return validator.RecheckResult{}, err
	}
	if !found {
		return validator.RecheckResult{}, apierr.New(apierr.MissingResult)
	}

	agentID := agentResult.AgentID
	if deviceID != "" {
		canonical, err := registry.CanonicalID(deviceID)
		if err != nil {
			return validator.RecheckResult{}, err
		}
		agentID = canonical
	}

	payload, err := parseTaskPayload(task.Payload)
	if err != nil {
		return validator.RecheckResult{}, err
	}

	return v.Recheck(ctx, validator.RecheckRequest{
		AgentID:     agentID,
		Script:      []byte(payload.Script),
		AgentResult: agentResult,
	})
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	var req aggregateRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w)
		return
	}
	if req.ProjectID == "" {
		writeError(w, apierr.New(apierr.MissingProject))
		return
	}

	total, completed, err := s.Store.Aggregate(r.Context(), req.ProjectID, req.GroupID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, aggregateResponse{
		Status:     "ok",
		GroupID:    req.GroupID,
		Total:      total,
		Completed:  completed,
		Aggregated: total > 0 && completed == total,
	})
}
