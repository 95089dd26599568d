// Package approval runs the human sign-off queue: agents file requests, a
// human approves or denies exactly once, and stale requests expire instead of
// lingering as implicit permission.
package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jaydubya818/missionctl/internal/audit"
	"github.com/jaydubya818/missionctl/internal/bus"
	"github.com/jaydubya818/missionctl/internal/lifecycle"
	"github.com/jaydubya818/missionctl/internal/persistence"
	"github.com/jaydubya818/missionctl/internal/safety"
)

// DefaultTTL is how long a request stays decidable.
const DefaultTTL = 15 * time.Minute

var (
	// ErrAlreadyDecided is returned when a decision lands on a request that
	// has already been resolved.
	ErrAlreadyDecided = errors.New("approval already decided")
	// ErrExpired is returned when a decision lands after the request's TTL.
	ErrExpired = errors.New("approval expired")
)

// Request is what an agent files when policy demands sign-off.
type Request struct {
	RequestorAgentID string
	TaskID           string
	ActionType       string
	ActionSummary    string
	RiskLevel        lifecycle.RiskLevel
	Justification    string
	EstimatedCost    float64
	TTL              time.Duration // DefaultTTL when zero
}

// Gate owns the approval queue.
type Gate struct {
	store  *persistence.Store
	events *bus.Bus
	logger *slog.Logger

	// TTL is applied to requests that don't carry their own.
	TTL time.Duration

	Now func() time.Time
}

func NewGate(store *persistence.Store, events *bus.Bus, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		store:  store,
		events: events,
		logger: logger.With("component", "approval"),
		TTL:    DefaultTTL,
		Now:    time.Now,
	}
}

// Submit files a new pending request and returns it.
func (g *Gate) Submit(ctx context.Context, req Request) (*persistence.Approval, error) {
	if req.RequestorAgentID == "" {
		return nil, fmt.Errorf("approval request requires a requestor agent")
	}
	if req.ActionType == "" {
		return nil, fmt.Errorf("approval request requires an action type")
	}
	if !req.RiskLevel.Valid() {
		return nil, fmt.Errorf("invalid risk level %q", req.RiskLevel)
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = g.TTL
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	for _, field := range []*string{&req.ActionSummary, &req.Justification} {
		scrubbed, leaks := safety.Redact(*field)
		*field = scrubbed
		for _, leak := range leaks {
			g.logger.Warn("secret redacted from approval request",
				"agent_id", req.RequestorAgentID, "pattern", leak.Pattern)
		}
	}

	record := &persistence.Approval{
		ID:               uuid.NewString(),
		RequestorAgentID: req.RequestorAgentID,
		TaskID:           req.TaskID,
		ActionType:       req.ActionType,
		ActionSummary:    req.ActionSummary,
		RiskLevel:        req.RiskLevel,
		Justification:    req.Justification,
		EstimatedCost:    req.EstimatedCost,
		Status:           persistence.ApprovalPending,
		ExpiresAt:        g.Now().Add(ttl).UTC(),
	}
	err := g.store.WithTx(ctx, func(tx *sql.Tx) error {
		return persistence.InsertApprovalTx(ctx, tx, record)
	})
	if err != nil {
		return nil, err
	}

	g.logger.Info("approval requested",
		"approval_id", record.ID, "agent_id", req.RequestorAgentID,
		"action_type", req.ActionType, "risk", string(req.RiskLevel))
	audit.Record("PENDING", "approval.request", req.ActionSummary, "", req.RequestorAgentID)
	if g.events != nil {
		g.events.Publish(bus.TopicApprovalRequested, bus.ApprovalEvent{
			ApprovalID: record.ID,
			AgentID:    req.RequestorAgentID,
			TaskID:     req.TaskID,
			ActionType: req.ActionType,
			Status:     string(record.Status),
		})
	}
	return record, nil
}

// Decide resolves a pending request. Exactly one decision wins; later callers
// get ErrAlreadyDecided, and a decision on a request past its TTL gets
// ErrExpired (marking it EXPIRED as a side effect). A denial stamps the
// associated task's blocked reason so the agent sees why it cannot proceed.
func (g *Gate) Decide(ctx context.Context, approvalID string, approve bool, decidedBy, reason string) (*persistence.Approval, error) {
	to := persistence.ApprovalDenied
	if approve {
		to = persistence.ApprovalApproved
	}

	var decided *persistence.Approval
	err := g.store.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := persistence.GetApprovalTx(ctx, tx, approvalID)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			if current.Status == persistence.ApprovalExpired {
				return ErrExpired
			}
			return fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, approvalID, current.Status)
		}
		if !current.ExpiresAt.After(g.Now()) {
			// TTL passed before the sweep got to it; treat the decision
			// attempt as the discovery point.
			if _, err := persistence.DecideApprovalTx(ctx, tx, approvalID, persistence.ApprovalExpired, "", "expired before decision"); err != nil {
				return err
			}
			return ErrExpired
		}

		won, err := persistence.DecideApprovalTx(ctx, tx, approvalID, to, decidedBy, reason)
		if err != nil {
			return err
		}
		if !won {
			return fmt.Errorf("%w: %s", ErrAlreadyDecided, approvalID)
		}
		if !approve && current.TaskID != "" {
			blocked := fmt.Sprintf("approval denied by %s: %s", decidedBy, reason)
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET blocked_reason = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
			`, blocked, current.TaskID); err != nil {
				return fmt.Errorf("stamp blocked reason: %w", err)
			}
		}
		decided, err = persistence.GetApprovalTx(ctx, tx, approvalID)
		return err
	})
	if err != nil {
		return nil, err
	}

	g.logger.Info("approval decided",
		"approval_id", approvalID, "decision", string(to), "decided_by", decidedBy)
	audit.Record(string(to), "approval.decide", reason, "", decidedBy)
	if g.events != nil {
		g.events.Publish(bus.TopicApprovalDecided, bus.ApprovalEvent{
			ApprovalID: decided.ID,
			AgentID:    decided.RequestorAgentID,
			TaskID:     decided.TaskID,
			ActionType: decided.ActionType,
			Status:     string(decided.Status),
		})
	}
	return decided, nil
}

// ExpireStale marks every pending request past its deadline EXPIRED and
// returns how many it swept. Safe to run on any cadence; a request is only
// expired once.
func (g *Gate) ExpireStale(ctx context.Context) (int, error) {
	var swept []*persistence.Approval
	err := g.store.WithTx(ctx, func(tx *sql.Tx) error {
		stale, err := persistence.ListExpiredPendingTx(ctx, tx, g.Now())
		if err != nil {
			return err
		}
		for _, a := range stale {
			won, err := persistence.DecideApprovalTx(ctx, tx, a.ID, persistence.ApprovalExpired, "", "expired by sweep")
			if err != nil {
				return err
			}
			if won {
				swept = append(swept, a)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, a := range swept {
		g.logger.Info("approval expired", "approval_id", a.ID, "agent_id", a.RequestorAgentID)
		audit.Record("EXPIRED", "approval.expire", "ttl elapsed", "", a.RequestorAgentID)
		if g.events != nil {
			g.events.Publish(bus.TopicApprovalExpired, bus.ApprovalEvent{
				ApprovalID: a.ID,
				AgentID:    a.RequestorAgentID,
				TaskID:     a.TaskID,
				ActionType: a.ActionType,
				Status:     string(persistence.ApprovalExpired),
			})
		}
	}
	return len(swept), nil
}
