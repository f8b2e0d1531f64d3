// Package sandbox runs one task's script in an isolated workspace under
// resource caps: output is captured with hard size limits, the
// workspace directory is polled for size, the child is killed on
// timeout, and its stdout is trimmed and hashed (stderr is trimmed only
// on a zero exit) by the same rule the agent-side and validator-side
// sandboxes both use, so their results are directly comparable.
package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/shardmesh/scheduler/internal/apierr"
)

// workspacePollInterval is the polling cadence for the in-run workspace
// size monitor, per the ~1 Hz requirement.
const workspacePollInterval = time.Second

// throttleSampleHz is the sampling cadence for the in-run resource
// throttle monitor.
const throttleSampleHz = 0.5

// throttleBreachSamples is the number of consecutive over-limit samples
// required before the throttle monitor kills the child.
const throttleBreachSamples = 3

// State is the sandbox run's terminal state.
type State string

const (
	StateCreated              State = "created"
	StateRunning              State = "running"
	StateExitedOK             State = "exited_ok"
	StateExitedErr            State = "exited_err"
	StateKilledTimeout        State = "killed_timeout"
	StateKilledThrottled      State = "killed_throttled"
	StateKilledResourceBreach State = "killed_resource_breach"
)

// ResourceUsage is one sample of local system load, as read by a
// ResourceSampler during a sandbox run.
type ResourceUsage struct {
	CPUPercent float64
	RAMPercent float64
	GPUPercent float64
}

// ResourceSampler reads the current local resource load. Implementations
// typically wrap gopsutil or an equivalent OS-level reader.
type ResourceSampler interface {
	Sample(ctx context.Context) (ResourceUsage, error)
}

// Config bounds one sandbox run.
type Config struct {
	Interpreter         string        // e.g. "python3"
	Timeout             time.Duration
	WorkspaceLimitBytes int64
	StdoutLimitBytes    int64
	StderrLimitBytes    int64
	WorkDir             string // parent dir for workspace creation; os.TempDir() if empty

	// CPULimitPercent, RAMLimitPercent and GPULimitPercent are the
	// per-agent resource caps enforced during the run. Zero disables the
	// corresponding check. Sampler must be set for any check to run.
	CPULimitPercent float64
	RAMLimitPercent float64
	GPULimitPercent float64
	Sampler         ResourceSampler
}

// DefaultConfig returns conservative defaults for an untrusted task.
func DefaultConfig() Config {
	return Config{
		Interpreter:         "python3",
		Timeout:             30 * time.Second,
		WorkspaceLimitBytes: 64 * 1024 * 1024,
		StdoutLimitBytes:    1 * 1024 * 1024,
		StderrLimitBytes:    1 * 1024 * 1024,
	}
}

// Result is what a sandbox run reports back.
type Result struct {
	State          State
	ExitCode       int
	Stdout         string
	Stderr         string
	StdoutHash     string
	ScriptHash     string
	DurationMS     int64
	WorkspaceBytes int64
	FilesWritten   int
	Err            error
}

var safeFilename = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// isSafeFilename rejects traversal and separators outright before
// checking the allowed character set, matching the original sandbox's
// explicit contains-checks ahead of its character class test.
func isSafeFilename(name string) bool {
	if strings.Contains(name, "..") || strings.Contains(name, "/") || strings.Contains(name, "\\") {
		return false
	}
	return safeFilename.MatchString(name)
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func dirSize(path string) int64 {
	var size int64
	entries, err := os.ReadDir(path)
	if err != nil {
		return 0
	}
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if entry.IsDir() {
			size += dirSize(filepath.Join(path, entry.Name()))
		} else {
			size += info.Size()
		}
	}
	return size
}

// Sandbox runs scripts against a bound Config.
type Sandbox struct {
	cfg Config
}

// New builds a Sandbox bound to cfg.
func New(cfg Config) *Sandbox {
	return &Sandbox{cfg: cfg}
}

// Run materializes script and inputs into a fresh workspace, executes
// the interpreter against it, and returns the trimmed/hashed result.
// inputs is a filename-to-content map; every filename is validated
// against path traversal before anything is written to disk.
func (s *Sandbox) Run(ctx context.Context, script []byte, inputs map[string][]byte) Result {
	for name := range inputs {
		if !isSafeFilename(name) {
			return Result{State: StateExitedErr, Err: apierr.New(apierr.InvalidInputFilename)}
		}
	}

	workspace, err := s.createWorkspace()
	if err != nil {
		return Result{State: StateExitedErr, Err: apierr.Wrap(apierr.DBError, err)}
	}
	defer os.RemoveAll(workspace)

	for name, content := range inputs {
		if err := os.WriteFile(filepath.Join(workspace, name), content, 0644); err != nil {
			return Result{State: StateExitedErr, Err: apierr.Wrapf(apierr.DBError, "write input %s: %w", name, err)}
		}
	}

	scriptPath := filepath.Join(workspace, "task.py")
	if err := os.WriteFile(scriptPath, script, 0644); err != nil {
		return Result{State: StateExitedErr, Err: apierr.Wrapf(apierr.DBError, "write script: %w", err)}
	}
	scriptHash := hashBytes(script)

	if dirSize(workspace) > s.cfg.WorkspaceLimitBytes {
		return Result{State: StateKilledResourceBreach, ScriptHash: scriptHash, Err: apierr.New(apierr.WorkspaceTooLarge)}
	}

	result := s.execute(ctx, workspace)
	result.ScriptHash = scriptHash
	result.WorkspaceBytes = dirSize(workspace)
	result.FilesWritten = fileCount(workspace)

	finalExit := result.State == StateExitedOK || result.State == StateExitedErr
	if finalExit && result.WorkspaceBytes > s.cfg.WorkspaceLimitBytes {
		result.State = StateKilledResourceBreach
		result.Err = apierr.New(apierr.WorkspaceTooLarge)
	}

	return result
}

func fileCount(path string) int {
	var n int
	entries, err := os.ReadDir(path)
	if err != nil {
		return 0
	}
	for _, entry := range entries {
		if entry.IsDir() {
			n += fileCount(filepath.Join(path, entry.Name()))
		} else {
			n++
		}
	}
	return n
}

func (s *Sandbox) createWorkspace() (string, error) {
	base := s.cfg.WorkDir
	if base == "" {
		base = os.TempDir()
	}
	name := fmt.Sprintf("shardmesh_sandbox_%d", time.Now().UnixNano())
	workspace := filepath.Join(base, name)
	if err := os.MkdirAll(workspace, 0755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return workspace, nil
}

// breachSignal lets the concurrent monitors race to kill the child.
// Only the first to fire wins; the rest must see fired==true and abort
// cleanly without touching State or Err.
type breachSignal struct {
	mu    sync.Mutex
	fired bool
	state State
	err   error
}

// trigger kills cmd's process and records state/err, but only on the
// first call. Later callers are no-ops.
func (b *breachSignal) trigger(cmd *exec.Cmd, state State, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fired {
		return
	}
	b.fired = true
	b.state = state
	b.err = err
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func (b *breachSignal) result() (State, error, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.err, b.fired
}

func (s *Sandbox) execute(ctx context.Context, workspace string) Result {
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.cfg.Interpreter, "-I", "task.py")
	cmd.Dir = workspace

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{State: StateExitedErr, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{State: StateExitedErr, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{State: StateExitedErr, Err: fmt.Errorf("spawn: %w", err)}
	}
	lowerPriority(cmd.Process.Pid)

	breach := &breachSignal{}
	done := make(chan struct{})

	stdoutCh := make(chan readResult, 1)
	stderrCh := make(chan readResult, 1)
	go func() { stdoutCh <- readLimited(stdoutPipe, s.cfg.StdoutLimitBytes, cmd, breach) }()
	go func() { stderrCh <- readLimited(stderrPipe, s.cfg.StderrLimitBytes, cmd, breach) }()
	go s.monitorWorkspace(workspace, cmd, breach, done)
	go s.monitorThrottle(runCtx, cmd, breach, done)

	waitErr := cmd.Wait()
	close(done)
	duration := time.Since(started)

	stdoutRes := <-stdoutCh
	stderrRes := <-stderrCh

	if runCtx.Err() == context.DeadlineExceeded {
		log.Printf("[SANDBOX] task timed out after %s", s.cfg.Timeout)
		return Result{
			State:      StateKilledTimeout,
			DurationMS: duration.Milliseconds(),
			Err:        apierr.New(apierr.SandboxTimeout),
		}
	}

	if state, breachErr, fired := breach.result(); fired {
		return Result{State: state, DurationMS: duration.Milliseconds(), Err: breachErr}
	}

	exitCode := 0
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if waitErr != nil {
		return Result{State: StateExitedErr, DurationMS: duration.Milliseconds(), Err: fmt.Errorf("wait: %w", waitErr)}
	}

	stdoutText := string(stdoutRes.data)
	stderrText := string(stderrRes.data)

	if exitCode != 0 {
		// Only stdout is trimmed on a non-zero exit; stderr is kept raw
		// so the original failure text survives for diagnosis.
		return Result{
			State:      StateExitedErr,
			ExitCode:   exitCode,
			Stdout:     strings.TrimSpace(stdoutText),
			Stderr:     stderrText,
			DurationMS: duration.Milliseconds(),
		}
	}

	trimmedStdout := strings.TrimSpace(stdoutText)
	return Result{
		State:      StateExitedOK,
		ExitCode:   0,
		Stdout:     trimmedStdout,
		Stderr:     strings.TrimSpace(stderrText),
		StdoutHash: hashBytes([]byte(trimmedStdout)),
		DurationMS: duration.Milliseconds(),
	}
}

type readResult struct {
	data     []byte
	exceeded bool
}

// readLimited reads r in 8KiB chunks and stops as soon as the running
// total exceeds limit, rather than buffering an unbounded amount of
// output from a runaway script before noticing the cap was blown. A
// breach kills cmd immediately instead of merely flagging it, so
// execute's subsequent cmd.Wait() returns promptly.
func readLimited(r io.Reader, limit int64, cmd *exec.Cmd, breach *breachSignal) readResult {
	var buf bytes.Buffer
	chunk := make([]byte, 8192)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if int64(buf.Len()) > limit {
				breach.trigger(cmd, StateKilledResourceBreach, apierr.New(apierr.OutputTooLarge))
				io.Copy(io.Discard, r) // drain so the child doesn't block on a full pipe
				return readResult{data: buf.Bytes(), exceeded: true}
			}
		}
		if err != nil {
			break
		}
	}
	return readResult{data: buf.Bytes()}
}

// monitorWorkspace polls the workspace directory size at ~1 Hz for the
// duration of the run and kills the child on the first breach.
func (s *Sandbox) monitorWorkspace(workspace string, cmd *exec.Cmd, breach *breachSignal, done <-chan struct{}) {
	if s.cfg.WorkspaceLimitBytes <= 0 {
		return
	}
	ticker := time.NewTicker(workspacePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if dirSize(workspace) > s.cfg.WorkspaceLimitBytes {
				breach.trigger(cmd, StateKilledResourceBreach, apierr.New(apierr.WorkspaceTooLarge))
				return
			}
		}
	}
}

// monitorThrottle samples local CPU/RAM/GPU load at the configured
// cadence and kills the child once any cap has been exceeded for
// throttleBreachSamples consecutive samples. It is a no-op when no
// sampler or no limit is configured.
func (s *Sandbox) monitorThrottle(ctx context.Context, cmd *exec.Cmd, breach *breachSignal, done <-chan struct{}) {
	if s.cfg.Sampler == nil {
		return
	}
	if s.cfg.CPULimitPercent <= 0 && s.cfg.RAMLimitPercent <= 0 && s.cfg.GPULimitPercent <= 0 {
		return
	}

	gate := NewThrottleSampler(throttleSampleHz)
	consecutive := 0
	for {
		if err := gate.Wait(ctx); err != nil {
			return
		}
		select {
		case <-done:
			return
		default:
		}

		usage, err := s.cfg.Sampler.Sample(ctx)
		if err != nil {
			continue
		}
		over := (s.cfg.CPULimitPercent > 0 && usage.CPUPercent > s.cfg.CPULimitPercent) ||
			(s.cfg.RAMLimitPercent > 0 && usage.RAMPercent > s.cfg.RAMLimitPercent) ||
			(s.cfg.GPULimitPercent > 0 && usage.GPUPercent > s.cfg.GPULimitPercent)

		if !over {
			consecutive = 0
			continue
		}
		consecutive++
		if consecutive >= throttleBreachSamples {
			breach.trigger(cmd, StateKilledThrottled, apierr.New(apierr.Throttled))
			return
		}
	}
}

// ThrottleSampler gates the cadence of resource-usage polling during a
// sandbox run so the monitor loop doesn't burn CPU busy-sampling.
type ThrottleSampler struct {
	limiter *rate.Limiter
}

// NewThrottleSampler builds a sampler at the given rate (samples per
// second), ~0.5 Hz by default for the resource-throttle check.
func NewThrottleSampler(hz float64) *ThrottleSampler {
	return &ThrottleSampler{limiter: rate.NewLimiter(rate.Limit(hz), 1)}
}

// Allow reports whether a sample may be taken right now.
func (t *ThrottleSampler) Allow() bool {
	return t.limiter.Allow()
}

// Wait blocks until the next sample may be taken or ctx is done.
func (t *ThrottleSampler) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}
