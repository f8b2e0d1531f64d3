// Package policy implements the admission check every task request passes
// through before it reaches the task store: AI proposals can be turned off
// entirely, and any request is clamped to the configured concurrency cap.
package policy

import (
	"fmt"
	"os"
	"strconv"

	"github.com/shardmesh/scheduler/internal/domain"
)

// Config holds the evaluator's tunables. Defaults mirror the original
// scheduler service so an unconfigured deployment behaves the same way.
type Config struct {
	AiMode             domain.AiMode
	MaxConcurrentTasks int
	MaxDailyBudget     float64
	RecheckThreshold   float64

	// QueueBacklogMax is the queued-task count per project above which
	// the dashboard's alert checker raises a queue_backlog alert. Zero
	// disables the check.
	QueueBacklogMax int
}

// DefaultConfig returns the MVP defaults: AI proposals off, 10 concurrent
// tasks per agent request, a $100 daily budget, 20% recheck sampling.
func DefaultConfig() Config {
	return Config{
		AiMode:             domain.AiModeOff,
		MaxConcurrentTasks: 10,
		MaxDailyBudget:     100.0,
		RecheckThreshold:   0.2,
		QueueBacklogMax:    200,
	}
}

// ConfigFromEnv loads Config from environment variables, falling back to
// DefaultConfig for anything unset or unparsable.
func ConfigFromEnv() Config {
	return ConfigFromEnvOverlay(DefaultConfig())
}

// ConfigFromEnvOverlay applies environment variable overrides on top of
// an already-resolved Config (e.g. one seeded from a YAML file by
// LoadConfig), env winning over whatever base was passed in.
func ConfigFromEnvOverlay(cfg Config) Config {
	if v := os.Getenv("AI_MODE"); v != "" {
		switch v {
		case "on":
			cfg.AiMode = domain.AiModeOn
		case "only":
			cfg.AiMode = domain.AiModeOnly
		case "off":
			cfg.AiMode = domain.AiModeOff
		}
	}
	if v := os.Getenv("POLICY_MAX_CONCURRENT_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentTasks = n
		}
	}
	if v := os.Getenv("POLICY_MAX_DAILY_BUDGET"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.MaxDailyBudget = f
		}
	}
	if v := os.Getenv("POLICY_RECHECK_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RecheckThreshold = f
		}
	}
	if v := os.Getenv("POLICY_QUEUE_BACKLOG_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueBacklogMax = n
		}
	}
	return cfg
}

// Verdict is the outcome tag of a Decision.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictLimit Verdict = "limit"
	VerdictDeny  Verdict = "deny"
)

// Decision is the result of evaluating a task request against policy.
type Decision struct {
	Verdict       Verdict
	GrantedTasks  int
	Reasons       []string
}

// Request describes one batch pull an agent (or the dispatch service on
// its behalf) wants evaluated.
type Request struct {
	RequestedTasks int
	Source         domain.ProposalSource
}

// Evaluator is the pure, stateless policy check: same Config and Request
// always produce the same Decision.
type Evaluator struct {
	config Config
}

// NewEvaluator builds an Evaluator bound to config.
func NewEvaluator(config Config) *Evaluator {
	return &Evaluator{config: config}
}

// Config returns the evaluator's bound configuration.
func (e *Evaluator) Config() Config {
	return e.config
}

// Evaluate applies the admission rules in order: AI-off denies AI
// proposals outright, then any request above the concurrency cap is
// clamped to that cap, otherwise the request is allowed as-is.
func (e *Evaluator) Evaluate(req Request) Decision {
	if req.Source == domain.ProposalAI && e.config.AiMode == domain.AiModeOff {
		return Decision{
			Verdict: VerdictDeny,
			Reasons: []string{"ai_off: ai proposals disabled"},
		}
	}

	if req.RequestedTasks > e.config.MaxConcurrentTasks {
		return Decision{
			Verdict:      VerdictLimit,
			GrantedTasks: e.config.MaxConcurrentTasks,
			Reasons: []string{
				fmt.Sprintf("requested_tasks %d exceeds max %d", req.RequestedTasks, e.config.MaxConcurrentTasks),
			},
		}
	}

	return Decision{
		Verdict:      VerdictAllow,
		GrantedTasks: req.RequestedTasks,
	}
}
