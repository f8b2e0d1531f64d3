package policy

import (
	"testing"

	"github.com/shardmesh/scheduler/internal/domain"
)

func TestEvaluate_AiOffDeniesAiProposals(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AiMode = domain.AiModeOff
	e := NewEvaluator(cfg)

	d := e.Evaluate(Request{RequestedTasks: 1, Source: domain.ProposalAI})

	if d.Verdict != VerdictDeny {
		t.Fatalf("expected deny, got %s", d.Verdict)
	}
	if len(d.Reasons) == 0 {
		t.Fatal("expected a reason for denial")
	}
}

func TestEvaluate_ClampsRequestedTasks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentTasks = 2
	e := NewEvaluator(cfg)

	d := e.Evaluate(Request{RequestedTasks: 5, Source: domain.ProposalHuman})

	if d.Verdict != VerdictLimit {
		t.Fatalf("expected limit, got %s", d.Verdict)
	}
	if d.GrantedTasks != 2 {
		t.Fatalf("expected granted_tasks 2, got %d", d.GrantedTasks)
	}
}

func TestEvaluate_AllowsWithinLimit(t *testing.T) {
	cfg := DefaultConfig()
	e := NewEvaluator(cfg)

	d := e.Evaluate(Request{RequestedTasks: 3, Source: domain.ProposalHuman})

	if d.Verdict != VerdictAllow {
		t.Fatalf("expected allow, got %s", d.Verdict)
	}
	if d.GrantedTasks != 3 {
		t.Fatalf("expected granted_tasks 3, got %d", d.GrantedTasks)
	}
}

func TestEvaluate_AiOnAllowsAiProposals(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AiMode = domain.AiModeOn
	e := NewEvaluator(cfg)

	d := e.Evaluate(Request{RequestedTasks: 1, Source: domain.ProposalAI})

	if d.Verdict != VerdictAllow {
		t.Fatalf("expected allow, got %s", d.Verdict)
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	cfg := DefaultConfig()
	e := NewEvaluator(cfg)
	req := Request{RequestedTasks: 4, Source: domain.ProposalHuman}

	first := e.Evaluate(req)
	for i := 0; i < 10; i++ {
		got := e.Evaluate(req)
		if got.Verdict != first.Verdict || got.GrantedTasks != first.GrantedTasks {
			t.Fatalf("evaluate is not deterministic: %+v vs %+v", first, got)
		}
	}
}
