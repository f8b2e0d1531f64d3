package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/shardmesh/scheduler/internal/dbutil"
	"github.com/shardmesh/scheduler/internal/dispatch"
	"github.com/shardmesh/scheduler/internal/domain"
	"github.com/shardmesh/scheduler/internal/hub"
	"github.com/shardmesh/scheduler/internal/liveness"
	"github.com/shardmesh/scheduler/internal/policy"
	"github.com/shardmesh/scheduler/internal/registry"
	"github.com/shardmesh/scheduler/internal/reputation"
	"github.com/shardmesh/scheduler/internal/sandbox"
	"github.com/shardmesh/scheduler/internal/store"
	"github.com/shardmesh/scheduler/internal/validator"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server_test.db")
	db, err := dbutil.Open(path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	st := store.New(db)
	reg := registry.New(db)
	pol := policy.NewEvaluator(policy.DefaultConfig())
	live := liveness.New()
	h := hub.New()
	go h.Run()

	disp := dispatch.New(st, reg, pol, live, h)
	v := validator.New(sandbox.New(sandbox.DefaultConfig()), reputation.New(db))

	return New(disp, reg, st, v, h)
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleHeartbeat_ReturnsOK(t *testing.T) {
	s := newTestServer(t)
	rec := postJSON(t, s.Router(), "/heartbeat", heartbeatRequest{NodeID: "node-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" {
		t.Fatalf("expected status ok, got %q", resp.Status)
	}
}

func TestHandleRegister_StoresPreferencesAndLimits(t *testing.T) {
	s := newTestServer(t)
	rec := postJSON(t, s.Router(), "/agents/register", registerRequest{
		AgentUID: "node-2",
		Hardware: domain.AgentHardware{CPUCores: 8, RAMMB: 16000, OS: "linux"},
		Limits:   &limitsPayload{CPULimitPercent: 50},
		Preferences: []preferencesEntry{
			{ProjectID: "p1", AllowedTaskTypes: []string{"render"}},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	agentID, err := registry.CanonicalID("node-2")
	if err != nil {
		t.Fatalf("canonical id: %v", err)
	}
	prefs, err := s.Registry.Preferences(context.Background(), agentID)
	if err != nil {
		t.Fatalf("preferences: %v", err)
	}
	if len(prefs.AllowedTaskType) != 1 || prefs.AllowedTaskType[0] != "render" {
		t.Fatalf("expected stored preference render, got %+v", prefs.AllowedTaskType)
	}
	if prefs.CPULimitPercent != 50 {
		t.Fatalf("expected cpu limit 50, got %v", prefs.CPULimitPercent)
	}
}

func TestHandleRequestBatch_LeasesTask(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	if err := s.Store.EnsureProject(ctx, domain.DefaultProjectID, "default"); err != nil {
		t.Fatalf("ensure project: %v", err)
	}
	if _, err := s.Store.Insert(ctx, domain.Task{
		ProjectID: domain.DefaultProjectID,
		TaskType:  "render",
		Source:    domain.ProposalHuman,
		Payload:   `{"kind":"sleep","sleep_seconds":0}`,
	}); err != nil {
		t.Fatalf("insert task: %v", err)
	}

	rec := postJSON(t, s.Router(), "/tasks/request_batch", requestBatchRequest{
		AgentUID:       "node-3",
		RequestedTasks: 1,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp requestBatchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != dispatch.StatusOK {
		t.Fatalf("expected status ok, got %q", resp.Status)
	}
	if len(resp.Tasks) != 1 {
		t.Fatalf("expected 1 leased task, got %d", len(resp.Tasks))
	}
}

func TestHandleAggregate_ProjectsGroupCounts(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	if err := s.Store.EnsureProject(ctx, "p1", "p1"); err != nil {
		t.Fatalf("ensure project: %v", err)
	}
	id, err := s.Store.Insert(ctx, domain.Task{ProjectID: "p1", TaskType: "render", Source: domain.ProposalHuman, GroupID: "batch-1"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.Store.LeaseBatch(ctx, "p1", "agent-a", 1, ""); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := s.Store.Complete(ctx, domain.TaskResult{TaskID: id, AgentID: "agent-a", ExitCode: 0}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	rec := postJSON(t, s.Router(), "/sandbox/aggregate", aggregateRequest{ProjectID: "p1", GroupID: "batch-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp aggregateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 1 || resp.Completed != 1 || !resp.Aggregated {
		t.Fatalf("unexpected aggregate response: %+v", resp)
	}
}

func TestHandleProjectLifecycle_PauseStopResume(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	if err := s.Store.EnsureProject(ctx, "p1", "p1"); err != nil {
		t.Fatalf("ensure project: %v", err)
	}

	rec := postJSON(t, s.Router(), "/projects/pause", projectLifecycleRequest{ProjectID: "p1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var paused projectLifecycleResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &paused); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if paused.Status != string(domain.ProjectPaused) {
		t.Fatalf("expected paused, got %q", paused.Status)
	}

	rec = postJSON(t, s.Router(), "/projects/pause", projectLifecycleRequest{ProjectID: "p1"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 re-pausing an already paused project, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = postJSON(t, s.Router(), "/projects/stop", projectLifecycleRequest{ProjectID: "p1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var stopped projectLifecycleResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &stopped); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stopped.Status != string(domain.ProjectStopped) {
		t.Fatalf("expected stopped, got %q", stopped.Status)
	}

	rec = postJSON(t, s.Router(), "/projects/resume", projectLifecycleRequest{ProjectID: "p1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 resuming a stopped project, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleValidate_MissingDeviceIDIsUnknownDevice(t *testing.T) {
	s := newTestServer(t)
	rec := postJSON(t, s.Router(), "/validate", validateRequest{TaskID: 1})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != "unknown_device" {
		t.Fatalf("expected unknown_device code, got %q", body.Code)
	}
}
