package agentloop

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shardmesh/scheduler/internal/apierr"
)

// TaskPayload is the task payload JSON recognized by the agent, decoded
// from the leased task's opaque payload string.
type TaskPayload struct {
	Kind         string            `json:"kind"`
	Script       string            `json:"script,omitempty"`
	ScriptURL    string            `json:"script_url,omitempty"`
	ScriptSHA256 string            `json:"script_sha256,omitempty"`
	Args         []string          `json:"args,omitempty"`
	Inputs       map[string]string `json:"inputs,omitempty"`
	TaskType     string            `json:"task_type,omitempty"`
	GroupID      string            `json:"group_id,omitempty"`
	ParentTaskID int64             `json:"parent_task_id,omitempty"`
	SleepSeconds float64           `json:"sleep_seconds,omitempty"`
}

const (
	kindSleep          = "sleep"
	kindPythonScript   = "python_script"
	kindScriptRef      = "script_ref"
	kindFollowupReport = "followup_report"
	kindGroup          = "group"
)

func parsePayload(raw string) (TaskPayload, error) {
	var p TaskPayload
	if raw == "" {
		return p, fmt.Errorf("empty task payload")
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, fmt.Errorf("parse task payload: %w", err)
	}
	return p, nil
}

// resolveScript materializes the runnable script bytes: inline wins
// over script_url, and a fetched script's content must hash to the
// declared script_sha256 before it is trusted.
func resolveScript(ctx context.Context, httpClient *http.Client, p TaskPayload) ([]byte, error) {
	if p.Script != "" {
		return []byte(p.Script), nil
	}
	if p.ScriptURL == "" {
		return nil, apierr.New(apierr.MissingScript)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.ScriptURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build script fetch request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch script: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read fetched script: %w", err)
	}

	if p.ScriptSHA256 != "" {
		sum := sha256.Sum256(body)
		if hex.EncodeToString(sum[:]) != p.ScriptSHA256 {
			return nil, apierr.New(apierr.ScriptHashMismatch)
		}
	}
	return body, nil
}

func inputBytes(inputs map[string]string) map[string][]byte {
	if len(inputs) == 0 {
		return nil
	}
	out := make(map[string][]byte, len(inputs))
	for k, v := range inputs {
		out[k] = []byte(v)
	}
	return out
}

// sleepDuration returns the duration a sleep-kind task should block for,
// falling back to the agent's configured default.
func (p TaskPayload) sleepDuration(fallback time.Duration) time.Duration {
	if p.SleepSeconds > 0 {
		return time.Duration(p.SleepSeconds * float64(time.Second))
	}
	return fallback
}
