// Package metrics tracks per-agent task throughput and feeds the alert
// checker that flags agents worth an operator's attention: high failure
// rates, staleness, and low reputation. It never blocks the dispatch or
// reputation paths it instruments; every write here is best-effort
// bookkeeping, not a gate on task submission.
package metrics

import (
	"sync"
	"time"
)

// AgentStats is the rolling counters kept for one agent.
type AgentStats struct {
	AgentID             string    `json:"agent_id"`
	TasksCompleted       int       `json:"tasks_completed"`
	TasksFailed          int       `json:"tasks_failed"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	LastCompletedAt      time.Time `json:"last_completed_at"`
}

// Snapshot is a point-in-time capture of every tracked agent's stats plus
// the process-wide completion throughput.
type Snapshot struct {
	Timestamp       time.Time             `json:"timestamp"`
	Agents          map[string]AgentStats `json:"agents"`
	ThroughputPerMin float64              `json:"throughput_per_min"`
}

// Collector aggregates per-agent task outcomes. A single instance is
// shared by the dispatch service (recording completions) and whatever
// reads it back for the dashboard or alert checker.
type Collector struct {
	mu    sync.RWMutex
	stats map[string]*AgentStats

	// completions is a ring of recent completion timestamps, used to
	// compute a rolling per-minute throughput without keeping every
	// completion ever recorded.
	completions []time.Time
	window      time.Duration
	maxSamples  int

	history    []Snapshot
	maxHistory int
}

// NewCollector creates a Collector with a 5 minute throughput window.
func NewCollector() *Collector {
	return &Collector{
		stats:      make(map[string]*AgentStats),
		window:     5 * time.Minute,
		maxSamples: 10000,
		maxHistory: 1000,
	}
}

// RecordTaskCompleted registers one finished task for agentID, updating
// its consecutive-failure streak and the process-wide throughput window.
func (c *Collector) RecordTaskCompleted(agentID string, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	s, ok := c.stats[agentID]
	if !ok {
		s = &AgentStats{AgentID: agentID}
		c.stats[agentID] = s
	}

	if success {
		s.TasksCompleted++
		s.ConsecutiveFailures = 0
	} else {
		s.TasksFailed++
		s.ConsecutiveFailures++
	}
	s.LastCompletedAt = now

	c.completions = append(c.completions, now)
	if len(c.completions) > c.maxSamples {
		c.completions = c.completions[len(c.completions)-c.maxSamples:]
	}
}

// AgentStats returns a copy of one agent's counters.
func (c *Collector) AgentStats(agentID string) (AgentStats, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.stats[agentID]
	if !ok {
		return AgentStats{}, false
	}
	return *s, true
}

// RemoveAgent drops a deregistered agent's counters.
func (c *Collector) RemoveAgent(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stats, agentID)
}

// throughputPerMin counts completions within the rolling window and
// scales them to a per-minute rate. It prunes c.completions and takes no
// lock itself, so the caller must hold the write lock.
func (c *Collector) throughputPerMin() float64 {
	cutoff := time.Now().Add(-c.window)
	kept := c.completions[:0:0]
	for _, t := range c.completions {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.completions = kept
	if len(kept) == 0 {
		return 0
	}
	return float64(len(kept)) / c.window.Minutes()
}

// Snapshot captures the current state of every tracked agent and appends
// it to a bounded in-memory history.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Timestamp:        time.Now(),
		Agents:           make(map[string]AgentStats, len(c.stats)),
		ThroughputPerMin: c.throughputPerMin(),
	}
	for id, s := range c.stats {
		snap.Agents[id] = *s
	}

	c.history = append(c.history, snap)
	if len(c.history) > c.maxHistory {
		c.history = c.history[len(c.history)-c.maxHistory:]
	}
	return snap
}

// History returns the bounded snapshot history taken so far.
func (c *Collector) History() []Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Snapshot, len(c.history))
	copy(out, c.history)
	return out
}
