package liveness

import (
	"testing"
	"time"
)

func TestIsStale_NeverSeenIsStale(t *testing.T) {
	tr := New()
	if !tr.IsStale("agent-1") {
		t.Fatal("never-seen agent should be stale")
	}
}

func TestIsStale_RecentlyTouchedIsNotStale(t *testing.T) {
	tr := New()
	tr.Touch("agent-1")
	if tr.IsStale("agent-1") {
		t.Fatal("just-touched agent should not be stale")
	}
}

func TestIsStale_PastThresholdIsStale(t *testing.T) {
	tr := New().WithStaleAfter(5 * time.Millisecond)
	tr.Touch("agent-1")
	time.Sleep(20 * time.Millisecond)
	if !tr.IsStale("agent-1") {
		t.Fatal("agent past staleness threshold should be stale")
	}
}

func TestLive_ExcludesStaleAndForgotten(t *testing.T) {
	tr := New().WithStaleAfter(5 * time.Millisecond)
	tr.Touch("agent-1")
	tr.Touch("agent-2")
	time.Sleep(20 * time.Millisecond)
	tr.Touch("agent-2")

	live := tr.Live()
	if len(live) != 1 || live[0] != "agent-2" {
		t.Fatalf("expected only agent-2 live, got %v", live)
	}

	tr.Forget("agent-2")
	if tr.Count() != 0 {
		t.Fatalf("expected 0 live after forget, got %d", tr.Count())
	}
}

func TestConcurrentTouchIsSafe(t *testing.T) {
	tr := New()
	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func(n int) {
			tr.Touch("agent")
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 20; i++ {
		<-done
	}
	if tr.IsStale("agent") {
		t.Fatal("expected agent to be live after concurrent touches")
	}
}
