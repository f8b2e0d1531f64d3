// Package reputation applies validator decisions to an agent's
// reputation score and raises flags, all inside one transaction so a
// score update and its accompanying flag either both land or neither
// does.
package reputation

import (
	"context"
	"database/sql"
	"time"

	"github.com/shardmesh/scheduler/internal/apierr"
	"github.com/shardmesh/scheduler/internal/dbutil"
	"github.com/shardmesh/scheduler/internal/domain"
	"github.com/shardmesh/scheduler/internal/nats"
)

// Decision is the validator's outcome for one re-run.
type Decision string

const (
	DecisionOK            Decision = "ok"
	DecisionNeedsRecheck  Decision = "needs_recheck"
	DecisionSuspicious    Decision = "suspicious"
)

// Delta returns the reputation delta for a decision.
func Delta(d Decision) float64 {
	switch d {
	case DecisionOK:
		return domain.ReputationDeltaOK
	case DecisionNeedsRecheck:
		return domain.ReputationDeltaNeedsRecheck
	case DecisionSuspicious:
		return domain.ReputationDeltaSuspicious
	default:
		return 0
	}
}

// Ledger is the reputation ledger bound to a database.
type Ledger struct {
	db *dbutil.DB

	// Publisher is optional: when set, every flag the ledger raises is
	// also published so an operator-facing process can notify without
	// this package depending on a notification transport directly.
	Publisher *nats.Client
}

// New builds a Ledger over db.
func New(db *dbutil.DB) *Ledger {
	return &Ledger{db: db}
}

// Result is what Apply reports back: the new score and which flags were
// raised alongside it.
type Result struct {
	NewScore     float64
	FlagsRaised  []domain.FlagReason
}

// Apply records a reputation delta for a decision, inserting the
// low_reputation flag whenever the updated score is at or below the
// threshold and
// the suspicious_result flag on every suspicious decision, all in one
// transaction that rolls back together on any failure.
func (l *Ledger) Apply(ctx context.Context, agentID string, decision Decision, detail string) (Result, error) {
	delta := Delta(decision)
	var result Result

	err := l.db.WithTx(func(tx *sql.Tx) error {
		now := time.Now().UTC()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reputation_ledger (agent_id, delta, reason, created_at) VALUES (?, ?, ?, ?)
		`, agentID, delta, string(decision), now); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE agents SET reputation = reputation + ? WHERE id = ?
		`, delta, agentID); err != nil {
			return err
		}

		var score float64
		if err := tx.QueryRowContext(ctx, "SELECT reputation FROM agents WHERE id = ?", agentID).Scan(&score); err != nil {
			if err == sql.ErrNoRows {
				return apierr.New(apierr.AgentNotRegistered)
			}
			return err
		}
		result.NewScore = score

		if decision == DecisionSuspicious {
			if err := l.insertFlag(ctx, tx, agentID, domain.FlagSuspiciousResult, detail, now); err != nil {
				return err
			}
			result.FlagsRaised = append(result.FlagsRaised, domain.FlagSuspiciousResult)
		}

		// The ledger itself never auto-blocks on a low score: the
		// low_reputation flag is the intended trigger, and blocking
		// stays an operator-initiated action via registry.SetBlocked.
		if score <= domain.LowReputationThreshold {
			if err := l.insertFlag(ctx, tx, agentID, domain.FlagLowReputation, detail, now); err != nil {
				return err
			}
			result.FlagsRaised = append(result.FlagsRaised, domain.FlagLowReputation)
		}

		return nil
	})
	if err != nil {
		return Result{}, apierr.Wrap(apierr.DBError, err)
	}
	for _, reason := range result.FlagsRaised {
		l.publishFlag(agentID, reason, detail)
	}
	return result, nil
}

func (l *Ledger) publishFlag(agentID string, reason domain.FlagReason, detail string) {
	if l.Publisher == nil {
		return
	}
	_ = l.Publisher.PublishJSON(nats.SubjectFlagRaised, nats.FlagRaisedMessage{
		AgentID:   agentID,
		Reason:    string(reason),
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	})
}

func (l *Ledger) insertFlag(ctx context.Context, tx *sql.Tx, agentID string, reason domain.FlagReason, detail string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO flags (agent_id, reason, detail, created_at) VALUES (?, ?, ?, ?)
	`, agentID, string(reason), detail, at)
	return err
}

// RaiseFlag inserts a standalone flag with no reputation mutation, used
// by the validator's recheck endpoint which only ever writes a
// sandbox_recheck flag and never touches the score.
func (l *Ledger) RaiseFlag(ctx context.Context, agentID string, reason domain.FlagReason, detail string) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO flags (agent_id, reason, detail, created_at) VALUES (?, ?, ?, ?)
	`, agentID, string(reason), detail, time.Now().UTC())
	if err != nil {
		return apierr.Wrap(apierr.DBError, err)
	}
	l.publishFlag(agentID, reason, detail)
	return nil
}

// History returns an agent's reputation ledger entries, newest first.
func (l *Ledger) History(ctx context.Context, agentID string, limit int) ([]domain.ReputationEntry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, agent_id, delta, reason, created_at FROM reputation_ledger
		WHERE agent_id = ? ORDER BY created_at DESC LIMIT ?
	`, agentID, limit)
	if err != nil {
		return nil, apierr.Wrap(apierr.DBError, err)
	}
	defer rows.Close()

	var entries []domain.ReputationEntry
	for rows.Next() {
		var e domain.ReputationEntry
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Delta, &e.Reason, &e.CreatedAt); err != nil {
			return nil, apierr.Wrap(apierr.DBError, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
