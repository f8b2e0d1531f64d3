package policy

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/shardmesh/scheduler/internal/domain"
)

// fileConfig mirrors the subset of Config an operator may pin in a YAML
// policy file, every field optional so ConfigFromEnv can still override it.
type fileConfig struct {
	AiMode             string   `yaml:"ai_mode"`
	MaxConcurrentTasks *int     `yaml:"max_concurrent_tasks"`
	MaxDailyBudget     *float64 `yaml:"max_daily_budget"`
	RecheckThreshold   *float64 `yaml:"recheck_threshold"`
	QueueBacklogMax    *int     `yaml:"queue_backlog_max"`
}

// LoadConfig resolves a Config from (in increasing precedence) defaults,
// an optional YAML file at SCHEDULER_POLICY_CONFIG_PATH, and environment
// variables, matching the layering the agent process uses for its own
// TOML config.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("SCHEDULER_POLICY_CONFIG_PATH"); path != "" {
		fc, err := readFileConfig(path)
		if err != nil {
			return cfg, err
		}
		applyFileConfig(&cfg, fc)
	}

	return ConfigFromEnvOverlay(cfg), nil
}

func readFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fc, nil
		}
		return fc, err
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

func applyFileConfig(cfg *Config, fc fileConfig) {
	switch fc.AiMode {
	case "on":
		cfg.AiMode = domain.AiModeOn
	case "only":
		cfg.AiMode = domain.AiModeOnly
	case "off":
		cfg.AiMode = domain.AiModeOff
	}
	if fc.MaxConcurrentTasks != nil {
		cfg.MaxConcurrentTasks = *fc.MaxConcurrentTasks
	}
	if fc.MaxDailyBudget != nil {
		cfg.MaxDailyBudget = *fc.MaxDailyBudget
	}
	if fc.RecheckThreshold != nil {
		cfg.RecheckThreshold = *fc.RecheckThreshold
	}
	if fc.QueueBacklogMax != nil {
		cfg.QueueBacklogMax = *fc.QueueBacklogMax
	}
}
