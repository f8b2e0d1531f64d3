package metrics

import (
	"testing"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	if c.stats == nil {
		t.Error("stats map should be initialized")
	}
	if c.maxHistory != 1000 {
		t.Errorf("maxHistory = %d, want 1000", c.maxHistory)
	}
}

func TestRecordTaskCompleted_Success(t *testing.T) {
	c := NewCollector()
	c.RecordTaskCompleted("agent-1", true)
	c.RecordTaskCompleted("agent-1", true)

	s, ok := c.AgentStats("agent-1")
	if !ok {
		t.Fatal("expected stats for agent-1")
	}
	if s.TasksCompleted != 2 {
		t.Errorf("TasksCompleted = %d, want 2", s.TasksCompleted)
	}
	if s.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", s.ConsecutiveFailures)
	}
}

func TestRecordTaskCompleted_FailureStreak(t *testing.T) {
	c := NewCollector()
	c.RecordTaskCompleted("agent-1", false)
	c.RecordTaskCompleted("agent-1", false)
	c.RecordTaskCompleted("agent-1", true)

	s, _ := c.AgentStats("agent-1")
	if s.TasksFailed != 2 {
		t.Errorf("TasksFailed = %d, want 2", s.TasksFailed)
	}
	if s.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0 after a success resets the streak", s.ConsecutiveFailures)
	}
}

func TestAgentStats_UnknownAgent(t *testing.T) {
	c := NewCollector()
	if _, ok := c.AgentStats("ghost"); ok {
		t.Error("expected no stats for an agent that never completed a task")
	}
}

func TestRemoveAgent(t *testing.T) {
	c := NewCollector()
	c.RecordTaskCompleted("agent-1", true)
	c.RemoveAgent("agent-1")

	if _, ok := c.AgentStats("agent-1"); ok {
		t.Error("expected stats to be gone after RemoveAgent")
	}
}

func TestSnapshot_IncludesThroughputAndHistory(t *testing.T) {
	c := NewCollector()
	c.RecordTaskCompleted("agent-1", true)
	c.RecordTaskCompleted("agent-2", true)

	snap := c.Snapshot()
	if len(snap.Agents) != 2 {
		t.Errorf("len(Agents) = %d, want 2", len(snap.Agents))
	}
	if snap.ThroughputPerMin <= 0 {
		t.Errorf("ThroughputPerMin = %f, want > 0 right after two completions", snap.ThroughputPerMin)
	}

	hist := c.History()
	if len(hist) != 1 {
		t.Fatalf("len(History) = %d, want 1", len(hist))
	}
}

func TestSnapshot_HistoryBounded(t *testing.T) {
	c := NewCollector()
	c.maxHistory = 3
	for i := 0; i < 5; i++ {
		c.Snapshot()
	}

	if len(c.History()) != 3 {
		t.Errorf("len(History) = %d, want 3 (bounded)", len(c.History()))
	}
}
