package agentloop

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/shardmesh/scheduler/internal/domain"
	"github.com/shardmesh/scheduler/internal/sandbox"
)

// Config is the agent process's full set of tunables, resolved from
// (in increasing precedence) defaults, an optional TOML file at
// AGENT_CONFIG_PATH, and environment variables.
type Config struct {
	NodeID           string
	SchedulerURL     string
	HeartbeatInterval time.Duration
	PollInterval     time.Duration
	BatchMin         int
	BatchMax         int
	BatchDelayMin    time.Duration
	BatchDelayMax    time.Duration
	MetricsInterval  time.Duration
	RunnerSleep      time.Duration
	EULAAccepted     bool
	ProjectID        string
	AllowedTaskTypes []string
	CPULimitPercent  float64
	GPULimitPercent  float64
	RAMLimitPercent  float64
	Hardware         domain.AgentHardware
	Sandbox          sandbox.Config
}

// fileConfig mirrors the subset of Config an operator may pin in a TOML
// file, every field optional so env vars can still override it.
type fileConfig struct {
	NodeID                  *string  `toml:"node_id"`
	SchedulerURL            *string  `toml:"scheduler_url"`
	HeartbeatIntervalSecs   *int64   `toml:"heartbeat_interval_secs"`
	PollIntervalSecs        *int64   `toml:"poll_interval_secs"`
	RunnerSleepSecs         *int64   `toml:"runner_sleep_secs"`
	BatchMin                *int     `toml:"batch_min"`
	BatchMax                *int     `toml:"batch_max"`
	BatchDelayMinSecs       *int64   `toml:"batch_delay_min_secs"`
	BatchDelayMaxSecs       *int64   `toml:"batch_delay_max_secs"`
	MetricsIntervalSecs     *int64   `toml:"metrics_interval_secs"`
	ProjectID               *string  `toml:"project_id"`
	AllowedTaskTypes        []string `toml:"allowed_task_types"`
}

// DefaultConfig returns the MVP agent defaults, matching the original
// client's hardcoded fallbacks.
func DefaultConfig() Config {
	return Config{
		NodeID:            "dev-node",
		SchedulerURL:      "http://localhost:8082",
		HeartbeatInterval: 10 * time.Second,
		PollInterval:      5 * time.Second,
		BatchMin:          1,
		BatchMax:          1,
		BatchDelayMin:     1 * time.Second,
		BatchDelayMax:     3 * time.Second,
		MetricsInterval:   15 * time.Second,
		RunnerSleep:       2 * time.Second,
		ProjectID:         domain.DefaultProjectID,
		Sandbox:           sandbox.DefaultConfig(),
	}
}

// LoadConfig resolves a Config from file then environment, env wins.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("AGENT_CONFIG_PATH"); path != "" {
		if data, err := os.ReadFile(path); err == nil {
			var fc fileConfig
			if err := toml.Unmarshal(data, &fc); err != nil {
				return cfg, err
			}
			applyFileConfig(&cfg, fc)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyFileConfig(cfg *Config, fc fileConfig) {
	if fc.NodeID != nil {
		cfg.NodeID = *fc.NodeID
	}
	if fc.SchedulerURL != nil {
		cfg.SchedulerURL = *fc.SchedulerURL
	}
	if fc.HeartbeatIntervalSecs != nil {
		cfg.HeartbeatInterval = time.Duration(*fc.HeartbeatIntervalSecs) * time.Second
	}
	if fc.PollIntervalSecs != nil {
		cfg.PollInterval = time.Duration(*fc.PollIntervalSecs) * time.Second
	}
	if fc.RunnerSleepSecs != nil {
		cfg.RunnerSleep = time.Duration(*fc.RunnerSleepSecs) * time.Second
	}
	if fc.BatchMin != nil {
		cfg.BatchMin = *fc.BatchMin
	}
	if fc.BatchMax != nil {
		cfg.BatchMax = *fc.BatchMax
	}
	if fc.BatchDelayMinSecs != nil {
		cfg.BatchDelayMin = time.Duration(*fc.BatchDelayMinSecs) * time.Second
	}
	if fc.BatchDelayMaxSecs != nil {
		cfg.BatchDelayMax = time.Duration(*fc.BatchDelayMaxSecs) * time.Second
	}
	if fc.MetricsIntervalSecs != nil {
		cfg.MetricsInterval = time.Duration(*fc.MetricsIntervalSecs) * time.Second
	}
	if fc.ProjectID != nil {
		cfg.ProjectID = *fc.ProjectID
	}
	if len(fc.AllowedTaskTypes) > 0 {
		cfg.AllowedTaskTypes = fc.AllowedTaskTypes
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("SCHEDULER_URL"); v != "" {
		cfg.SchedulerURL = v
	}
	if v := envSeconds("HEARTBEAT_INTERVAL_SECS"); v > 0 {
		cfg.HeartbeatInterval = v
	}
	if v := envSeconds("POLL_INTERVAL_SECS"); v > 0 {
		cfg.PollInterval = v
	}
	if v := envSeconds("RUNNER_SLEEP_SECS"); v > 0 {
		cfg.RunnerSleep = v
	}
	if v := envInt("BATCH_MIN"); v > 0 {
		cfg.BatchMin = v
	}
	if v := envInt("BATCH_MAX"); v > 0 {
		cfg.BatchMax = v
	}
	if v := envSeconds("BATCH_DELAY_MIN_SECS"); v > 0 {
		cfg.BatchDelayMin = v
	}
	if v := envSeconds("BATCH_DELAY_MAX_SECS"); v > 0 {
		cfg.BatchDelayMax = v
	}
	if v := envSeconds("METRICS_INTERVAL_SECS"); v > 0 {
		cfg.MetricsInterval = v
	}
	if v := envSeconds("SANDBOX_TIMEOUT_SECS"); v > 0 {
		cfg.Sandbox.Timeout = v
	}
	if v := envMB("SANDBOX_WORKSPACE_LIMIT_MB"); v > 0 {
		cfg.Sandbox.WorkspaceLimitBytes = v
	}
	if v := envMB("SANDBOX_STDOUT_LIMIT_MB"); v > 0 {
		cfg.Sandbox.StdoutLimitBytes = v
	}
	if v := envMB("SANDBOX_STDERR_LIMIT_MB"); v > 0 {
		cfg.Sandbox.StderrLimitBytes = v
	}
	if v := os.Getenv("EULA_ACCEPTED"); v != "" {
		cfg.EULAAccepted = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("PROJECT_ID"); v != "" {
		cfg.ProjectID = v
	}
	if v := os.Getenv("ALLOWED_TASK_TYPES"); v != "" {
		cfg.AllowedTaskTypes = strings.Split(v, ",")
	}
	if v := envFloat("CPU_LIMIT_PERCENT"); v > 0 {
		cfg.CPULimitPercent = v
	}
	if v := envFloat("GPU_LIMIT_PERCENT"); v > 0 {
		cfg.GPULimitPercent = v
	}
	if v := envFloat("RAM_LIMIT_PERCENT"); v > 0 {
		cfg.RAMLimitPercent = v
	}
}

func envSeconds(name string) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return time.Duration(n) * time.Second
}

func envInt(name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envFloat(name string) float64 {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}

func envMB(name string) int64 {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n * 1024 * 1024
}
