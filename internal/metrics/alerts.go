package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/shardmesh/scheduler/internal/domain"
)

// Thresholds configures when CheckAgents should raise an alert.
type Thresholds struct {
	ConsecutiveFailuresMax int
	StaleAfter             time.Duration
	LowReputationThreshold float64
}

// DefaultThresholds mirrors the reputation ledger's own low-reputation
// cutoff so the two don't disagree about what "low" means.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ConsecutiveFailuresMax: 3,
		StaleAfter:             2 * time.Minute,
		LowReputationThreshold: domain.LowReputationThreshold,
	}
}

// Alert is one operator-facing notice raised by the checker.
type Alert struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	AgentID   string    `json:"agent_id,omitempty"`
	Message   string    `json:"message"`
	Severity  string    `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
}

// AlertChecker evaluates collected stats and live agent state against
// Thresholds, deduplicating so a persistently failing agent doesn't spam
// the same alert every time the dashboard polls.
type AlertChecker struct {
	mu         sync.Mutex
	thresholds Thresholds
	recent     map[string]time.Time
}

// NewAlertChecker builds a checker with the given thresholds.
func NewAlertChecker(t Thresholds) *AlertChecker {
	return &AlertChecker{
		thresholds: t,
		recent:     make(map[string]time.Time),
	}
}

func (a *AlertChecker) shouldAlert(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	for k, t := range a.recent {
		if now.Sub(t) > 5*time.Minute {
			delete(a.recent, k)
		}
	}
	if _, exists := a.recent[key]; exists {
		return false
	}
	a.recent[key] = now
	return true
}

// CheckAgents examines stale-task and reputation state for every agent
// and returns the alerts worth surfacing right now.
func (a *AlertChecker) CheckAgents(agents []domain.Agent, stats map[string]AgentStats, isStale func(agentID string) bool) []Alert {
	return a.CheckAgentsWithLastSeen(agents, stats, isStale, nil)
}

// CheckAgentsWithLastSeen is CheckAgents plus an optional lastSeen lookup,
// used to render the stale-heartbeat alert with a human-relative time
// ("3 minutes ago") instead of just the agent ID.
func (a *AlertChecker) CheckAgentsWithLastSeen(agents []domain.Agent, stats map[string]AgentStats, isStale func(agentID string) bool, lastSeen func(agentID string) (time.Time, bool)) []Alert {
	var alerts []Alert

	for _, ag := range agents {
		if s, ok := stats[ag.ID]; ok && a.thresholds.ConsecutiveFailuresMax > 0 &&
			s.ConsecutiveFailures >= a.thresholds.ConsecutiveFailuresMax {
			key := fmt.Sprintf("failures_%s", ag.ID)
			if a.shouldAlert(key) {
				alerts = append(alerts, Alert{
					ID:        uuid.New().String(),
					Type:      "consecutive_failures",
					AgentID:   ag.ID,
					Message:   fmt.Sprintf("agent %s has failed %d tasks in a row", ag.ID, s.ConsecutiveFailures),
					Severity:  "warning",
					CreatedAt: time.Now(),
				})
			}
		}

		if isStale != nil && isStale(ag.ID) {
			key := fmt.Sprintf("stale_%s", ag.ID)
			if a.shouldAlert(key) {
				msg := fmt.Sprintf("agent %s has not sent a heartbeat recently", ag.ID)
				if lastSeen != nil {
					if t, ok := lastSeen(ag.ID); ok {
						msg = fmt.Sprintf("agent %s last seen %s", ag.ID, humanize.Time(t))
					}
				}
				alerts = append(alerts, Alert{
					ID:        uuid.New().String(),
					Type:      "agent_stale",
					AgentID:   ag.ID,
					Message:   msg,
					Severity:  "warning",
					CreatedAt: time.Now(),
				})
			}
		}

		if ag.Reputation <= a.thresholds.LowReputationThreshold {
			key := fmt.Sprintf("low_reputation_%s", ag.ID)
			if a.shouldAlert(key) {
				alerts = append(alerts, Alert{
					ID:        uuid.New().String(),
					Type:      "low_reputation",
					AgentID:   ag.ID,
					Message:   fmt.Sprintf("agent %s reputation is %.1f (threshold %.1f)", ag.ID, ag.Reputation, a.thresholds.LowReputationThreshold),
					Severity:  "critical",
					CreatedAt: time.Now(),
				})
			}
		}
	}

	return alerts
}

// CheckQueueBacklog raises a single alert when a project's queued-task
// count crosses max. Returns nil if backlog is within bounds or the
// alert was already raised recently.
func (a *AlertChecker) CheckQueueBacklog(projectID string, queued, max int) *Alert {
	if max <= 0 || queued < max {
		return nil
	}
	key := fmt.Sprintf("backlog_%s", projectID)
	if !a.shouldAlert(key) {
		return nil
	}
	return &Alert{
		ID:        uuid.New().String(),
		Type:      "queue_backlog",
		Message:   fmt.Sprintf("project %s has %s queued tasks (threshold %s)", projectID, humanize.Comma(int64(queued)), humanize.Comma(int64(max))),
		Severity:  "warning",
		CreatedAt: time.Now(),
	}
}
