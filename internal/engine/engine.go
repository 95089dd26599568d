// Package engine orchestrates task transitions: it layers the policy gate,
// budget guard, and quarantine veto on top of the pure lifecycle rules and
// commits the surviving attempts to the ledger atomically.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jaydubya818/missionctl/internal/approval"
	"github.com/jaydubya818/missionctl/internal/audit"
	"github.com/jaydubya818/missionctl/internal/budget"
	"github.com/jaydubya818/missionctl/internal/bus"
	"github.com/jaydubya818/missionctl/internal/lifecycle"
	"github.com/jaydubya818/missionctl/internal/persistence"
	"github.com/jaydubya818/missionctl/internal/policy"
	"github.com/jaydubya818/missionctl/internal/safety"
	"github.com/jaydubya818/missionctl/internal/shared"
)

// TransitionRequest is one attempt to move a task.
type TransitionRequest struct {
	TaskID         string
	To             lifecycle.Status
	ActorType      lifecycle.ActorType
	ActorID        string
	Reason         string
	Artifacts      lifecycle.Artifacts
	IdempotencyKey string
	AssigneeIDs    []string

	// Policy/budget inputs for agent-driven attempts. ActionType defaults to
	// the transition name; risk defaults to GREEN.
	ActionType    string
	RiskLevel     lifecycle.RiskLevel
	EstimatedCost float64
}

// Result reports what a transition attempt produced. Exactly one of three
// shapes: a committed transition, a replay of an earlier commit, or a
// deferral behind a pending approval.
type Result struct {
	Task       *persistence.Task
	Transition *persistence.TaskTransition
	Replayed   bool
	Deferred   bool
	Approval   *persistence.Approval
}

// Engine wires the governance layers together.
type Engine struct {
	store     *persistence.Store
	events    *bus.Bus
	policies  *policy.Evaluator
	budgets   *budget.Guard
	approvals *approval.Gate
	logger    *slog.Logger

	Now func() time.Time
}

func New(store *persistence.Store, events *bus.Bus, policies *policy.Evaluator, budgets *budget.Guard, approvals *approval.Gate, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     store,
		events:    events,
		policies:  policies,
		budgets:   budgets,
		approvals: approvals,
		logger:    logger.With("component", "engine"),
		Now:       time.Now,
	}
}

func (e *Engine) Store() *persistence.Store   { return e.store }
func (e *Engine) Approvals() *approval.Gate   { return e.approvals }
func (e *Engine) Budgets() *budget.Guard      { return e.budgets }
func (e *Engine) Policies() *policy.Evaluator { return e.policies }

func (req *TransitionRequest) actionType() string {
	if req.ActionType != "" {
		return req.ActionType
	}
	return "task.transition." + strings.ToLower(string(req.To))
}

// AttemptTransition validates, gates, and commits one transition attempt.
//
// Order matters and is observable: a replayed idempotency key short-circuits
// before any gate runs; structural and actor validation precede the policy
// gate; the policy gate precedes the budget guard; and only an attempt that
// clears everything reaches the compare-and-swap commit.
func (e *Engine) AttemptTransition(ctx context.Context, req TransitionRequest) (*Result, error) {
	if req.TaskID == "" || req.IdempotencyKey == "" {
		return nil, fmt.Errorf("transition request requires task id and idempotency key")
	}
	if !req.To.Valid() {
		return nil, fmt.Errorf("%w: unknown target status %q", ErrInvalidTransition, req.To)
	}
	if _, err := lifecycle.ParseActorType(string(req.ActorType)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActorNotAllowed, err)
	}
	if req.RiskLevel == "" {
		req.RiskLevel = lifecycle.RiskGreen
	}

	// Reasons end up in the transition log and blocked_reason column; scrub
	// pasted credentials before anything persists them.
	if scrubbed, leaks := safety.Redact(req.Reason); len(leaks) > 0 {
		req.Reason = scrubbed
		for _, leak := range leaks {
			e.logger.Warn("secret redacted from transition reason",
				"task_id", req.TaskID, "pattern", leak.Pattern)
		}
	}

	// Replay check first: a key that already committed returns the recorded
	// outcome no matter what the gates would say today.
	if replayed, err := e.findReplay(ctx, req); err != nil || replayed != nil {
		return replayed, err
	}

	task, err := e.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	if err := e.validate(task, req); err != nil {
		return nil, err
	}

	if req.ActorType == lifecycle.ActorAgent {
		if err := e.vetoQuarantined(ctx, req.ActorID); err != nil {
			return nil, err
		}
		deferred, err := e.applyPolicyGate(ctx, task, req)
		if err != nil {
			return nil, err
		}
		if deferred != nil {
			return deferred, nil
		}
		if req.EstimatedCost > 0 {
			if _, err := e.budgets.Authorize(ctx, req.ActorID, req.TaskID, req.EstimatedCost); err != nil {
				return nil, err
			}
		}
	}

	return e.commit(ctx, task, req)
}

func (e *Engine) findReplay(ctx context.Context, req TransitionRequest) (*Result, error) {
	var recorded *persistence.TaskTransition
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		recorded, err = persistence.FindTransitionByKeyTx(ctx, tx, req.IdempotencyKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	if recorded == nil {
		return nil, nil
	}
	if recorded.TaskID != req.TaskID {
		return nil, fmt.Errorf("idempotency key %q already used for task %s", req.IdempotencyKey, recorded.TaskID)
	}
	task, err := e.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	return &Result{Task: task, Transition: recorded, Replayed: true}, nil
}

func (e *Engine) validate(task *persistence.Task, req TransitionRequest) error {
	if err := lifecycle.ValidateTransition(task.Status, req.To, req.ActorType, req.Artifacts); err != nil {
		return err
	}
	if lifecycle.RequiresAssignees(task.Status, req.To) &&
		len(req.AssigneeIDs) == 0 && len(task.AssigneeIDs) == 0 {
		return fmt.Errorf("%w: %s -> %s requires at least one assignee", ErrInvalidTransition, task.Status, req.To)
	}
	return nil
}

func (e *Engine) vetoQuarantined(ctx context.Context, agentID string) error {
	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.Status == persistence.AgentStatusQuarantined {
		audit.Record("DENY", "task.transition", "agent quarantined", "", agentID)
		return fmt.Errorf("%w: %s", ErrAgentQuarantined, agentID)
	}
	return nil
}

// applyPolicyGate runs the policy decision for an agent-driven attempt. A
// non-nil Result means the attempt is deferred behind a pending approval.
func (e *Engine) applyPolicyGate(ctx context.Context, task *persistence.Task, req TransitionRequest) (*Result, error) {
	res, err := e.policies.Evaluate(ctx, policy.Action{
		AgentID:       req.ActorID,
		ProjectID:     task.ProjectID,
		TaskID:        task.ID,
		ActionType:    req.actionType(),
		RiskLevel:     req.RiskLevel,
		EstimatedCost: req.EstimatedCost,
	})
	if err != nil {
		return nil, err
	}

	switch res.Decision {
	case policy.DecisionAllow:
		return nil, nil

	case policy.DecisionDeny:
		reason := fmt.Sprintf("policy %s v%d: %s", res.PolicyID, res.PolicyVersion, res.Reason)
		err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				UPDATE tasks SET blocked_reason = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
			`, reason, task.ID)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("stamp blocked reason: %w", err)
		}
		audit.Record("DENY", req.actionType(), res.Reason, fmt.Sprintf("%d", res.PolicyVersion), req.ActorID)
		return nil, fmt.Errorf("%w: %s", ErrPolicyBlocked, res.Reason)

	default: // REQUIRE_APPROVAL
		// A recorded human approval carried as an artifact satisfies the
		// gate without a second round-trip.
		if req.Artifacts.Has(lifecycle.ArtifactApprovalRecord) {
			return nil, nil
		}
		pending, err := e.store.FindPendingApproval(ctx, req.ActorID, task.ID, req.actionType())
		if err != nil {
			return nil, err
		}
		if pending == nil {
			pending, err = e.approvals.Submit(ctx, approval.Request{
				RequestorAgentID: req.ActorID,
				TaskID:           task.ID,
				ActionType:       req.actionType(),
				ActionSummary:    req.Reason,
				RiskLevel:        req.RiskLevel,
				Justification:    res.Reason,
				EstimatedCost:    req.EstimatedCost,
			})
			if err != nil {
				return nil, err
			}
		}
		e.logger.Info("transition deferred pending approval",
			"task_id", task.ID, "agent_id", req.ActorID, "approval_id", pending.ID)
		return &Result{Task: task, Deferred: true, Approval: pending}, nil
	}
}

func (e *Engine) commit(ctx context.Context, task *persistence.Task, req TransitionRequest) (*Result, error) {
	artifacts := "{}"
	if len(req.Artifacts) > 0 {
		encoded, err := json.Marshal(req.Artifacts)
		if err != nil {
			return nil, fmt.Errorf("marshal artifacts: %w", err)
		}
		artifacts = string(encoded)
	}
	row := &persistence.TaskTransition{
		TaskID:         task.ID,
		FromStatus:     task.Status,
		ToStatus:       req.To,
		ActorType:      req.ActorType,
		ActorID:        req.ActorID,
		Reason:         req.Reason,
		Artifacts:      artifacts,
		IdempotencyKey: req.IdempotencyKey,
	}

	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := persistence.InsertTransitionTx(ctx, tx, row); err != nil {
			return err
		}
		blockedReason := req.Reason
		if req.To != lifecycle.StatusBlocked {
			blockedReason = ""
		}
		stampStarted := req.To == lifecycle.StatusInProgress
		if err := persistence.UpdateTaskStatusTx(ctx, tx, task.ID, task.Status, req.To, blockedReason, stampStarted); err != nil {
			return err
		}
		if len(req.AssigneeIDs) > 0 {
			if err := persistence.UpdateTaskAssigneesTx(ctx, tx, task.ID, req.AssigneeIDs); err != nil {
				return err
			}
		}
		return nil
	})
	switch {
	case errors.Is(err, persistence.ErrDuplicateIdempotencyKey):
		// A concurrent attempt with the same key won the race; hand back
		// its recorded outcome.
		return e.findReplay(ctx, req)
	case errors.Is(err, persistence.ErrStaleStatus):
		return nil, fmt.Errorf("%w: task %s left %s concurrently", ErrInvalidTransition, task.ID, task.Status)
	case err != nil:
		return nil, err
	}

	updated, err := e.store.GetTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}

	e.logger.Info("task transitioned",
		"trace_id", shared.TraceID(ctx),
		"task_id", task.ID,
		"from", string(task.Status), "to", string(req.To),
		"actor_type", string(req.ActorType), "actor_id", req.ActorID)
	audit.Record("ALLOW", req.actionType(), req.Reason, "", req.ActorID)

	if e.events != nil {
		e.events.Publish(bus.TopicTaskTransition, bus.TaskTransitionEvent{
			TaskID:     task.ID,
			ProjectID:  task.ProjectID,
			FromStatus: string(task.Status),
			ToStatus:   string(req.To),
			ActorType:  string(req.ActorType),
			ActorID:    req.ActorID,
			Reason:     req.Reason,
			OccurredAt: e.Now().UTC(),
		})
		if req.To == lifecycle.StatusInProgress && len(updated.AssigneeIDs) > 0 {
			e.events.Publish(bus.TopicExecutorReady, bus.ExecutorReadyEvent{
				TaskID:    updated.ID,
				ProjectID: updated.ProjectID,
				TaskType:  updated.Type,
				AgentIDs:  updated.AssigneeIDs,
			})
		}
	}
	return &Result{Task: updated, Transition: row}, nil
}
