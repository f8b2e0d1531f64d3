// Package validator re-runs a sampled task server-side to independently
// check an agent's reported result: a tighter sandbox re-executes the
// task, the decision compares the re-run against what the agent
// submitted, and a pattern screener can override that decision to
// suspicious regardless of whether the bits matched.
package validator

import (
	"context"
	"strings"

	"github.com/shardmesh/scheduler/internal/domain"
	"github.com/shardmesh/scheduler/internal/reputation"
	"github.com/shardmesh/scheduler/internal/sandbox"
)

// riskyTokens is the deny-list the pattern screener checks a script
// against.
var riskyTokens = []string{
	"import os",
	"import subprocess",
	"socket",
	"requests",
	"open(",
	"shutil",
	"pathlib",
	"__import__",
	"eval(",
}

const stdoutSuspiciousLength = 10000

// AIFlagReason is the pattern screener's verdict, if any, reported
// alongside a recheck decision but never overriding it on its own
// except for the risky_code_pattern case.
type AIFlagReason string

const (
	AIFlagNone            AIFlagReason = ""
	AIFlagMissingScript   AIFlagReason = "missing_script"
	AIFlagRiskyCodePattern AIFlagReason = "risky_code_pattern"
	AIFlagExecutionError  AIFlagReason = "execution_error"
	AIFlagStdoutTooLarge  AIFlagReason = "stdout_too_large"
)

// Screen inspects a script and its re-run result for signs the task is
// unsafe or the re-run itself misbehaved.
func Screen(script []byte, result sandbox.Result) AIFlagReason {
	if len(script) == 0 {
		return AIFlagMissingScript
	}
	body := string(script)

	for _, token := range riskyTokens {
		if strings.Contains(body, token) {
			return AIFlagRiskyCodePattern
		}
	}

	if result.State != sandbox.StateExitedOK {
		return AIFlagExecutionError
	}
	if len(result.Stdout) > stdoutSuspiciousLength {
		return AIFlagStdoutTooLarge
	}
	return AIFlagNone
}

// Validator re-runs tasks server-side and raises flags on the
// reputation ledger.
type Validator struct {
	sandbox *sandbox.Sandbox
	ledger  *reputation.Ledger
}

// New builds a Validator with its own sandbox config (tighter limits
// than the agent-side default are expected) and a reputation ledger to
// raise flags against.
func New(sb *sandbox.Sandbox, ledger *reputation.Ledger) *Validator {
	return &Validator{sandbox: sb, ledger: ledger}
}

// RecheckRequest describes a server-side re-run request for one task.
// Only inline scripts are supported for re-run: the server sandbox does
// not honor agent-side caps and does not consult script_url, so
// determinism can be guaranteed.
type RecheckRequest struct {
	AgentID     string
	Script      []byte
	AgentResult domain.TaskResult
	Inputs      map[string][]byte
}

// RecheckResult is what a recheck reports back.
type RecheckResult struct {
	Decision     reputation.Decision
	AIFlagReason AIFlagReason
	ServerResult sandbox.Result
	AgentResult  domain.TaskResult
}

// Recheck re-runs a task server-side, compares it against the agent's
// reported result, and screens the script — but never mutates
// reputation itself: it only ever writes a sandbox_recheck flag,
// matching the narrower original behavior where /validate is the sole
// path that updates an agent's score.
func (v *Validator) Recheck(ctx context.Context, req RecheckRequest) (RecheckResult, error) {
	if len(req.Script) == 0 {
		result := RecheckResult{Decision: reputation.DecisionNeedsRecheck, AIFlagReason: AIFlagMissingScript}
		if err := v.raiseFlag(ctx, req.AgentID, "remote_script"); err != nil {
			return result, err
		}
		return result, nil
	}

	serverResult := v.sandbox.Run(ctx, req.Script, req.Inputs)

	decision := compareResults(req.AgentResult, serverResult)
	aiFlag := Screen(req.Script, serverResult)
	if aiFlag == AIFlagRiskyCodePattern {
		decision = reputation.DecisionSuspicious
	}

	result := RecheckResult{
		Decision:     decision,
		AIFlagReason: aiFlag,
		ServerResult: serverResult,
		AgentResult:  req.AgentResult,
	}

	detail := string(decision)
	if aiFlag != AIFlagNone {
		detail = detail + ":" + string(aiFlag)
	}
	if err := v.raiseFlag(ctx, req.AgentID, detail); err != nil {
		return result, err
	}
	return result, nil
}

func (v *Validator) raiseFlag(ctx context.Context, agentID, detail string) error {
	return v.ledger.RaiseFlag(ctx, agentID, domain.FlagSandboxRecheck, detail)
}

// compareResults decides ok vs needs_recheck by comparing the agent's
// reported outcome against the server re-run's outcome: status must
// match (both exited ok, or both a non-zero exit) and, when both
// succeeded, the stdout hashes must match.
func compareResults(agent domain.TaskResult, server sandbox.Result) reputation.Decision {
	agentOK := agent.ExitCode == 0
	serverOK := server.State == sandbox.StateExitedOK
	if agentOK != serverOK {
		return reputation.DecisionNeedsRecheck
	}
	if agentOK && agent.StdoutHash != server.StdoutHash {
		return reputation.DecisionNeedsRecheck
	}
	return reputation.DecisionOK
}

// ValidateRequest is an explicit outcome submission for one task/agent
// pair, the only path that mutates reputation.
type ValidateRequest struct {
	AgentID  string
	Decision reputation.Decision
	Detail   string
}

// Validate applies a decision to the reputation ledger and returns the
// resulting score and any flags raised alongside it.
func (v *Validator) Validate(ctx context.Context, req ValidateRequest) (reputation.Result, error) {
	return v.ledger.Apply(ctx, req.AgentID, req.Decision, req.Detail)
}

// AggregateCounts is the total/completed projection returned for a
// group of related task shards.
type AggregateCounts struct {
	Total     int
	Completed int
}

// ParseDecision resolves a /validate submission into a reputation
// decision: an explicit outcome string wins when present (defaulting
// unparsable values to needs_recheck rather than silently granting ok),
// otherwise a result_hash hint is consulted, defaulting to ok when
// neither is given.
func ParseDecision(outcome, resultHash string) reputation.Decision {
	if outcome != "" {
		switch strings.ToLower(outcome) {
		case "ok":
			return reputation.DecisionOK
		case "needs_recheck":
			return reputation.DecisionNeedsRecheck
		case "suspicious":
			return reputation.DecisionSuspicious
		default:
			return reputation.DecisionNeedsRecheck
		}
	}

	switch resultHash {
	case "recheck":
		return reputation.DecisionNeedsRecheck
	case "suspicious":
		return reputation.DecisionSuspicious
	default:
		return reputation.DecisionOK
	}
}
