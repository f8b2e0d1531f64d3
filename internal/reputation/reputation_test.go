package reputation

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shardmesh/scheduler/internal/dbutil"
	"github.com/shardmesh/scheduler/internal/domain"
	"github.com/shardmesh/scheduler/internal/registry"
)

func newTestLedger(t *testing.T) (*Ledger, *registry.Registry, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reputation_test.db")
	db, err := dbutil.Open(path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	reg := registry.New(db)
	id, _, err := reg.Upsert(context.Background(), domain.Agent{NodeID: "node-1", ProjectID: "p1"})
	if err != nil {
		t.Fatalf("upsert agent: %v", err)
	}
	return New(db), reg, id
}

func TestApply_OKIncreasesScore(t *testing.T) {
	ctx := context.Background()
	l, reg, id := newTestLedger(t)

	res, err := l.Apply(ctx, id, DecisionOK, "")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.NewScore != domain.ReputationDeltaOK {
		t.Fatalf("expected score %v, got %v", domain.ReputationDeltaOK, res.NewScore)
	}
	if len(res.FlagsRaised) != 0 {
		t.Fatalf("expected no flags on ok decision, got %v", res.FlagsRaised)
	}

	score, err := reg.Reputation(ctx, id)
	if err != nil {
		t.Fatalf("reputation: %v", err)
	}
	if score != domain.ReputationDeltaOK {
		t.Fatalf("registry disagrees with ledger: %v", score)
	}
}

func TestApply_SuspiciousAlwaysRaisesFlag(t *testing.T) {
	ctx := context.Background()
	l, _, id := newTestLedger(t)

	res, err := l.Apply(ctx, id, DecisionSuspicious, "pattern match: import os")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(res.FlagsRaised) != 1 || res.FlagsRaised[0] != domain.FlagSuspiciousResult {
		t.Fatalf("expected suspicious_result flag, got %v", res.FlagsRaised)
	}
}

func TestApply_CrossingThresholdRaisesFlagButDoesNotAutoBlock(t *testing.T) {
	ctx := context.Background()
	l, reg, id := newTestLedger(t)

	var lastFlags []domain.FlagReason
	for i := 0; i < 10; i++ {
		res, err := l.Apply(ctx, id, DecisionSuspicious, "repeated offense")
		if err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
		lastFlags = res.FlagsRaised
	}

	score, err := reg.Reputation(ctx, id)
	if err != nil {
		t.Fatalf("reputation: %v", err)
	}
	if score > domain.LowReputationThreshold {
		t.Fatalf("expected score at or below threshold, got %v", score)
	}

	var sawLowReputation bool
	for _, f := range lastFlags {
		if f == domain.FlagLowReputation {
			sawLowReputation = true
		}
	}
	if !sawLowReputation {
		t.Fatal("expected low_reputation flag once threshold crossed")
	}

	blocked, err := reg.Blocked(ctx, id)
	if err != nil {
		t.Fatalf("blocked: %v", err)
	}
	if blocked {
		t.Fatal("ledger must not auto-block; blocking is operator-initiated")
	}
}

func TestRaiseFlag_DoesNotMutateReputation(t *testing.T) {
	ctx := context.Background()
	l, reg, id := newTestLedger(t)

	before, err := reg.Reputation(ctx, id)
	if err != nil {
		t.Fatalf("reputation before: %v", err)
	}

	if err := l.RaiseFlag(ctx, id, domain.FlagSandboxRecheck, "recheck requested"); err != nil {
		t.Fatalf("raise flag: %v", err)
	}

	after, err := reg.Reputation(ctx, id)
	if err != nil {
		t.Fatalf("reputation after: %v", err)
	}
	if before != after {
		t.Fatalf("expected reputation unchanged by sandbox_recheck flag, got %v -> %v", before, after)
	}
}

func TestApply_MonotoneDeltaAccumulates(t *testing.T) {
	ctx := context.Background()
	l, reg, id := newTestLedger(t)

	if _, err := l.Apply(ctx, id, DecisionOK, ""); err != nil {
		t.Fatalf("apply ok: %v", err)
	}
	if _, err := l.Apply(ctx, id, DecisionNeedsRecheck, ""); err != nil {
		t.Fatalf("apply needs_recheck: %v", err)
	}

	want := domain.ReputationDeltaOK + domain.ReputationDeltaNeedsRecheck
	got, err := reg.Reputation(ctx, id)
	if err != nil {
		t.Fatalf("reputation: %v", err)
	}
	if got != want {
		t.Fatalf("expected accumulated score %v, got %v", want, got)
	}
}
