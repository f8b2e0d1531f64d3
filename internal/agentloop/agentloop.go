// Package agentloop is the agent process's control loop: a small state
// machine running three cooperating activities (heartbeat, metrics,
// task runner) over a single cancelable-sleep primitive, so shutdown
// never has to wait out an uncancelable timer.
package agentloop

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shardmesh/scheduler/internal/apierr"
	"github.com/shardmesh/scheduler/internal/sandbox"
)

// State is the agent process's lifecycle state.
type State string

const (
	StateStarting    State = "starting"
	StateRegistering State = "registering"
	StateRunning     State = "running"
	StatePaused      State = "paused"
	StateStopping    State = "stopping"
	StateStopped     State = "stopped"
	StateBlocked     State = "blocked"
)

// Agent runs the control loop described in the external interface
// contract: register, then heartbeat/metrics/run concurrently until
// stopped or blocked by the scheduler.
type Agent struct {
	cfg      Config
	client   apiClient
	sandbox  *sandbox.Sandbox
	sampler  ResourceSampler
	httpDoer *http.Client

	mu      sync.Mutex
	state   State
	queue   []leasedTask
	hardwareSent bool

	blocked  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New builds an Agent against the real scheduler HTTP API.
func New(cfg Config, sb *sandbox.Sandbox, sampler ResourceSampler) *Agent {
	return newAgent(cfg, sb, sampler, newHTTPClient(cfg.SchedulerURL))
}

func newAgent(cfg Config, sb *sandbox.Sandbox, sampler ResourceSampler, client apiClient) *Agent {
	return &Agent{
		cfg:      cfg,
		client:   client,
		sandbox:  sb,
		sampler:  sampler,
		httpDoer: &http.Client{Timeout: 30 * time.Second},
		state:    StateStarting,
		stopCh:   make(chan struct{}),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// State returns the agent's current lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Stop requests a clean shutdown; every cancelable sleep in the three
// loops wakes immediately rather than running out its timer.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		a.setState(StateStopping)
		close(a.stopCh)
	})
}

// Run registers the agent, then drives the heartbeat, metrics and task
// loops until ctx is cancelled or Stop is called. It returns once every
// loop has exited.
func (a *Agent) Run(ctx context.Context) error {
	if !a.cfg.EULAAccepted {
		return apierr.Wrapf(apierr.PolicyDenied, "EULA_ACCEPTED must be set before the agent will run")
	}

	a.setState(StateRegistering)
	if _, err := a.client.Register(ctx, registerRequest{
		AgentUID: a.cfg.NodeID,
		Hardware: hardwarePayload{
			CPUCores: a.cfg.Hardware.CPUCores,
			RAMMB:    a.cfg.Hardware.RAMMB,
			GPU:      a.cfg.Hardware.GPU,
			OS:       a.cfg.Hardware.OS,
			Version:  a.cfg.Hardware.Version,
		},
	}); err != nil {
		log.Printf("[AGENT] registration failed, will retry via heartbeat: %v", err)
	}
	a.setState(StateRunning)

	// Cancelling ctx stops the loops the same way Stop does.
	go func() {
		select {
		case <-ctx.Done():
			a.Stop()
		case <-a.stopCh:
		}
	}()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); a.heartbeatLoop(ctx) }()
	go func() { defer wg.Done(); a.metricsLoop(ctx) }()
	go func() { defer wg.Done(); a.runLoop(ctx) }()
	wg.Wait()

	a.setState(StateStopped)
	return nil
}

// cancelableSleep blocks for d unless ctx is cancelled or the agent is
// stopped, in which case it returns immediately. It reports whether it
// was woken early (true) or ran out the full duration (false).
func cancelableSleep(ctx context.Context, stopCh <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-stopCh:
		return true
	case <-timer.C:
		return false
	}
}

func (a *Agent) isStopping() bool {
	select {
	case <-a.stopCh:
		return true
	default:
		return false
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	for !a.isStopping() {
		if _, err := a.client.Heartbeat(ctx, heartbeatRequest{NodeID: a.cfg.NodeID}); err != nil {
			log.Printf("[AGENT] heartbeat failed, will retry: %v", err)
		}
		if cancelableSleep(ctx, a.stopCh, a.cfg.HeartbeatInterval) && a.isStopping() {
			return
		}
	}
}

func (a *Agent) metricsLoop(ctx context.Context) {
	for !a.isStopping() {
		a.reportMetrics(ctx)
		if cancelableSleep(ctx, a.stopCh, a.cfg.MetricsInterval) && a.isStopping() {
			return
		}
	}
}

func (a *Agent) reportMetrics(ctx context.Context) {
	usage, err := a.sampler.Sample(ctx)
	if err != nil {
		log.Printf("[AGENT] resource sample failed: %v", err)
		return
	}

	req := metricsRequest{
		AgentUID: a.cfg.NodeID,
		Metrics: metricsPayload{
			CPULoad:    usage.CPUPercent,
			RAMUsedMB:  usage.RAMUsedMB,
			RAMTotalMB: usage.RAMTotalMB,
			GPULoad:    usage.GPUPercent,
		},
	}

	a.mu.Lock()
	firstUpload := !a.hardwareSent
	a.mu.Unlock()

	if firstUpload {
		req.Hardware = &hardwarePayload{
			CPUCores: a.cfg.Hardware.CPUCores,
			RAMMB:    a.cfg.Hardware.RAMMB,
			GPU:      a.cfg.Hardware.GPU,
			OS:       a.cfg.Hardware.OS,
			Version:  a.cfg.Hardware.Version,
		}
	}

	if _, err := a.client.ReportMetrics(ctx, req); err != nil {
		log.Printf("[AGENT] metrics upload failed: %v", err)
		return
	}

	if firstUpload {
		a.mu.Lock()
		a.hardwareSent = true
		a.mu.Unlock()
	}
}

// runLoop maintains a prefetched queue of leases; when it runs dry, it
// asks for a randomized batch in [batch_min, batch_max], then runs and
// submits each task, throttling against local resource caps before each
// run and smearing load with a randomized delay between drains.
func (a *Agent) runLoop(ctx context.Context) {
	for !a.isStopping() {
		if a.blocked.Load() {
			a.setState(StateBlocked)
			return
		}

		if len(a.queue) == 0 {
			if !a.fetchBatch(ctx) {
				if cancelableSleep(ctx, a.stopCh, a.cfg.PollInterval) && a.isStopping() {
					return
				}
				continue
			}
		}

		task := a.queue[0]
		a.queue = a.queue[1:]

		if !a.throttleUntilWithinLimits(ctx) {
			return
		}

		result := a.runTask(ctx, task)
		if err := a.submit(ctx, task, result); err != nil {
			log.Printf("[AGENT] submit failed for task %d: %v", task.TaskID, err)
		}

		if len(a.queue) == 0 {
			delay := a.randomDuration(a.cfg.BatchDelayMin, a.cfg.BatchDelayMax)
			if cancelableSleep(ctx, a.stopCh, delay) && a.isStopping() {
				return
			}
		}
	}
}

func (a *Agent) fetchBatch(ctx context.Context) bool {
	count := a.randomBatchSize()

	resp, err := a.client.RequestBatch(ctx, requestBatchRequest{
		AgentUID:         a.cfg.NodeID,
		RequestedTasks:   count,
		ProposalSource:   "human",
		ProjectID:        a.cfg.ProjectID,
		AllowedTaskTypes: a.cfg.AllowedTaskTypes,
	})
	if err != nil {
		log.Printf("[AGENT] request_batch failed: %v", err)
		return false
	}

	if resp.Blocked {
		a.blocked.Store(true)
		log.Printf("[AGENT] scheduler reports agent blocked: %s", resp.BlockedReason)
		return false
	}
	if resp.Status != "" && resp.Status != "ok" {
		log.Printf("[AGENT] project not accepting work (status=%s), backing off", resp.Status)
		return false
	}

	a.queue = append(a.queue, resp.Tasks...)
	return len(resp.Tasks) > 0
}

// throttleUntilWithinLimits blocks until local resource usage is under
// the configured caps, or returns false if the agent is stopping first.
// A zero-valued cap means "no cap" and always passes immediately.
func (a *Agent) throttleUntilWithinLimits(ctx context.Context) bool {
	for {
		if a.cfg.CPULimitPercent <= 0 && a.cfg.RAMLimitPercent <= 0 && a.cfg.GPULimitPercent <= 0 {
			return true
		}
		usage, err := a.sampler.Sample(ctx)
		if err != nil {
			return true
		}
		withinCPU := a.cfg.CPULimitPercent <= 0 || usage.CPUPercent <= a.cfg.CPULimitPercent
		withinRAM := a.cfg.RAMLimitPercent <= 0 || usage.RAMPercent <= a.cfg.RAMLimitPercent
		withinGPU := a.cfg.GPULimitPercent <= 0 || usage.GPUPercent <= a.cfg.GPULimitPercent
		if withinCPU && withinRAM && withinGPU {
			return true
		}
		if cancelableSleep(ctx, a.stopCh, 1*time.Second) && a.isStopping() {
			return false
		}
	}
}

func (a *Agent) runTask(ctx context.Context, task leasedTask) taskResultPayload {
	startedAt := time.Now()
	payload, err := parsePayload(task.Payload)
	if err != nil {
		return a.errorResult(task, startedAt, "", err)
	}

	switch payload.Kind {
	case kindSleep:
		cancelableSleep(ctx, a.stopCh, payload.sleepDuration(a.cfg.RunnerSleep))
		return taskResultPayload{
			Status:       "ok",
			Stdout:       "slept",
			StdoutSHA256: hashString("slept"),
			DurationMS:   time.Since(startedAt).Milliseconds(),
			StartedAtMS:  startedAt.UnixMilli(),
			EndedAtMS:    time.Now().UnixMilli(),
			Engine:       "sleep",
			NodeID:       a.cfg.NodeID,
			TaskID:       task.TaskID,
		}
	case kindFollowupReport, kindGroup:
		return taskResultPayload{
			Status:      "error",
			Error:       "unsupported_task_kind",
			StartedAtMS: startedAt.UnixMilli(),
			EndedAtMS:   time.Now().UnixMilli(),
			Engine:      "none",
			NodeID:      a.cfg.NodeID,
			TaskID:      task.TaskID,
		}
	default: // kindPythonScript, kindScriptRef, and any unrecognized kind
		script, err := resolveScript(ctx, a.httpDoer, payload)
		if err != nil {
			return a.errorResult(task, startedAt, payload.ScriptSHA256, err)
		}
		result := a.sandbox.Run(ctx, script, inputBytes(payload.Inputs))
		return toResultPayload(task, startedAt, result)
	}
}

func (a *Agent) errorResult(task leasedTask, startedAt time.Time, scriptHash string, err error) taskResultPayload {
	return taskResultPayload{
		Status:       "error",
		Error:        err.Error(),
		ScriptSHA256: scriptHash,
		StartedAtMS:  startedAt.UnixMilli(),
		EndedAtMS:    time.Now().UnixMilli(),
		Engine:       "python",
		NodeID:       a.cfg.NodeID,
		TaskID:       task.TaskID,
	}
}

func toResultPayload(task leasedTask, startedAt time.Time, r sandbox.Result) taskResultPayload {
	status := "ok"
	switch r.State {
	case sandbox.StateKilledTimeout:
		status = "timeout"
	case sandbox.StateKilledThrottled:
		status = "throttled"
	case sandbox.StateExitedErr, sandbox.StateKilledResourceBreach:
		status = "error"
	}

	var exitCode *int
	if r.State == sandbox.StateExitedOK || r.State == sandbox.StateExitedErr {
		code := r.ExitCode
		exitCode = &code
	}

	var errMsg string
	if r.Err != nil {
		errMsg = r.Err.Error()
	}

	return taskResultPayload{
		Status:         status,
		Stdout:         r.Stdout,
		Stderr:         r.Stderr,
		DurationMS:     r.DurationMS,
		StartedAtMS:    startedAt.UnixMilli(),
		EndedAtMS:      startedAt.Add(time.Duration(r.DurationMS) * time.Millisecond).UnixMilli(),
		ExitCode:       exitCode,
		Error:          errMsg,
		StdoutBytes:    len(r.Stdout),
		StderrBytes:    len(r.Stderr),
		StdoutSHA256:   r.StdoutHash,
		ScriptSHA256:   r.ScriptHash,
		WorkspaceBytes: r.WorkspaceBytes,
		FilesWritten:   r.FilesWritten,
		Engine:         "python",
		NodeID:         "",
		TaskID:         task.TaskID,
	}
}

func (a *Agent) submit(ctx context.Context, task leasedTask, result taskResultPayload) error {
	result.NodeID = a.cfg.NodeID
	_, err := a.client.Submit(ctx, submitRequest{
		TaskID:    task.TaskID,
		Result:    result,
		ProjectID: task.ProjectID,
		DeviceID:  a.cfg.NodeID,
	})
	return err
}

func (a *Agent) randomDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	a.rngMu.Lock()
	defer a.rngMu.Unlock()
	return min + time.Duration(a.rng.Int63n(int64(max-min)))
}

// randomBatchSize picks a count in [batch_min, batch_max] to smear how
// large a pull each agent asks for, rather than every agent requesting
// an identical, predictable batch size.
func (a *Agent) randomBatchSize() int {
	if a.cfg.BatchMax <= a.cfg.BatchMin {
		if a.cfg.BatchMin > 0 {
			return a.cfg.BatchMin
		}
		return 1
	}
	a.rngMu.Lock()
	defer a.rngMu.Unlock()
	return a.cfg.BatchMin + a.rng.Intn(a.cfg.BatchMax-a.cfg.BatchMin+1)
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
