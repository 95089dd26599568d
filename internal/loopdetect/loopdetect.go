// Package loopdetect finds runaway agent behavior: comment storms on a task,
// review ping-pong between the same two states, and repeated identical tool
// failures. Detection is conservative and one-way: it blocks tasks and
// quarantines agents, and only a human undoes either.
package loopdetect

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
	"github.com/jaydubya818/missionctl/internal/engine"
	"github.com/jaydubya818/missionctl/internal/lifecycle"
	"github.com/jaydubya818/missionctl/internal/persistence"
)

// Alert kinds.
const (
	KindCommentStorm = "comment_storm"
	KindReviewLoop   = "review_loop"
	KindToolFailure  = "tool_failure"
)

// Config holds the detection thresholds.
type Config struct {
	CommentStormLimit  int           // comments per task per window
	CommentStormWindow time.Duration
	ReviewLoopLimit    int           // full REVIEW round trips per window
	ReviewLoopWindow   time.Duration
	FailureStreakLimit int           // identical consecutive tool failures
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		CommentStormLimit:  20,
		CommentStormWindow: 10 * time.Minute,
		ReviewLoopLimit:    3,
		ReviewLoopWindow:   60 * time.Minute,
		FailureStreakLimit: 5,
	}
}

// Detector runs the checks and applies their corrections through the engine
// so every forced transition lands in the same audited ledger.
type Detector struct {
	store  *persistence.Store
	engine *engine.Engine
	events *bus.Bus
	cfg    Config
	logger *slog.Logger

	Now func() time.Time
}

func New(store *persistence.Store, eng *engine.Engine, events *bus.Bus, cfg Config, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CommentStormLimit <= 0 {
		cfg = DefaultConfig()
	}
	return &Detector{
		store:  store,
		engine: eng,
		events: events,
		cfg:    cfg,
		logger: logger.With("component", "loopdetect"),
		Now:    time.Now,
	}
}

// DetectLoops runs the comment-storm and review-loop checks over their
// windows. Re-running is a no-op: the alert fingerprint dedupes within a
// window, and blocked tasks drop out of the candidate set entirely. Returns
// the number of new alerts raised.
func (d *Detector) DetectLoops(ctx context.Context) (int, error) {
	raised := 0
	n, err := d.detectCommentStorms(ctx)
	if err != nil {
		return raised, err
	}
	raised += n
	n, err = d.detectReviewLoops(ctx)
	if err != nil {
		return raised, err
	}
	return raised + n, nil
}

func (d *Detector) detectCommentStorms(ctx context.Context) (int, error) {
	now := d.Now()
	since := now.Add(-d.cfg.CommentStormWindow)
	taskIDs, err := d.store.ListActiveTaskIDsWithMessagesSince(ctx, since)
	if err != nil {
		return 0, err
	}

	raised := 0
	for _, taskID := range taskIDs {
		count, err := d.store.CountTaskMessagesSince(ctx, taskID, since)
		if err != nil {
			return raised, err
		}
		// The limit itself is allowed; one past it is a storm.
		if count <= d.cfg.CommentStormLimit {
			continue
		}
		fingerprint := fmt.Sprintf("%s:%s", taskID, now.UTC().Truncate(d.cfg.CommentStormWindow).Format(time.RFC3339))
		detail := fmt.Sprintf("%d comments in %s", count, d.cfg.CommentStormWindow)
		created, err := d.raiseAlert(ctx, KindCommentStorm, "task", taskID, fingerprint, detail)
		if err != nil {
			return raised, err
		}
		if created {
			raised++
			d.blockTask(ctx, taskID, KindCommentStorm, fingerprint, detail)
		}
	}
	return raised, nil
}

func (d *Detector) detectReviewLoops(ctx context.Context) (int, error) {
	now := d.Now()
	since := now.Add(-d.cfg.ReviewLoopWindow)
	taskIDs, err := d.store.ListTaskIDsWithTransitionsSince(ctx, since)
	if err != nil {
		return 0, err
	}

	raised := 0
	for _, taskID := range taskIDs {
		// Both directions of the REVIEW <-> IN_PROGRESS edge; a full round
		// trip is two traversals.
		traversals, err := d.store.CountTransitionsBetween(ctx, taskID, lifecycle.StatusReview, lifecycle.StatusInProgress, since)
		if err != nil {
			return raised, err
		}
		if traversals < 2*d.cfg.ReviewLoopLimit {
			continue
		}
		fingerprint := fmt.Sprintf("%s:%s", taskID, now.UTC().Truncate(d.cfg.ReviewLoopWindow).Format(time.RFC3339))
		detail := fmt.Sprintf("%d review round trips in %s", traversals/2, d.cfg.ReviewLoopWindow)
		created, err := d.raiseAlert(ctx, KindReviewLoop, "task", taskID, fingerprint, detail)
		if err != nil {
			return raised, err
		}
		if created {
			raised++
			d.blockTask(ctx, taskID, KindReviewLoop, fingerprint, detail)
		}
	}
	return raised, nil
}

// RecordToolFailure logs one failed tool call and bumps the agent's
// consecutive-failure streak when the signature repeats. Hitting the limit
// quarantines the agent and blocks its running tasks.
func (d *Detector) RecordToolFailure(ctx context.Context, agentID, taskID, toolName, signature string) error {
	var streak int
	var quarantine bool
	var projectID string
	err := d.store.WithTx(ctx, func(tx *sql.Tx) error {
		agent, err := persistence.GetAgentTx(ctx, tx, agentID)
		if err != nil {
			return err
		}
		projectID = agent.ProjectID
		if err := persistence.AddToolFailureTx(ctx, tx, &persistence.ToolFailure{
			AgentID: agentID, TaskID: taskID, ToolName: toolName, Signature: signature,
		}); err != nil {
			return err
		}
		sigs, err := persistence.LastFailureSignaturesTx(ctx, tx, agentID, 2)
		if err != nil {
			return err
		}
		streak = 1
		if len(sigs) == 2 && sigs[1] == signature {
			streak = agent.ErrorStreak + 1
		}
		if err := persistence.SetAgentErrorStreakTx(ctx, tx, agentID, streak); err != nil {
			return err
		}
		if streak >= d.cfg.FailureStreakLimit && agent.Status != persistence.AgentStatusQuarantined {
			quarantine = true
			return persistence.UpdateAgentStatusTx(ctx, tx, agentID, persistence.AgentStatusQuarantined)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !quarantine {
		return nil
	}

	d.logger.Warn("agent quarantined after repeated identical failures",
		"agent_id", agentID, "signature", signature, "streak", streak)
	audit.Record("DENY", "agent.quarantine", fmt.Sprintf("%d identical failures: %s", streak, signature), "", agentID)
	if _, err := d.raiseAlert(ctx, KindToolFailure, "agent", agentID, signature,
		fmt.Sprintf("%d consecutive failures of %s", streak, toolName)); err != nil {
		return err
	}
	if d.events != nil {
		d.events.Publish(bus.TopicAgentQuarantined, bus.AgentQuarantinedEvent{
			AgentID:     agentID,
			ErrorStreak: streak,
			Signature:   signature,
		})
	}
	d.blockAgentTasks(ctx, agentID, projectID, signature)
	return nil
}

// RecordToolSuccess resets the agent's streak; only identical consecutive
// failures count.
func (d *Detector) RecordToolSuccess(ctx context.Context, agentID string) error {
	return d.store.WithTx(ctx, func(tx *sql.Tx) error {
		return persistence.SetAgentErrorStreakTx(ctx, tx, agentID, 0)
	})
}

func (d *Detector) raiseAlert(ctx context.Context, kind, subjectType, subjectID, fingerprint, detail string) (bool, error) {
	alert := &persistence.Alert{
		ID:          uuid.NewString(),
		Kind:        kind,
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Fingerprint: fingerprint,
		Detail:      detail,
	}
	created, err := d.store.InsertAlert(ctx, alert)
	if err != nil || !created {
		return created, err
	}
	d.logger.Warn("loop detected",
		"kind", kind, "subject_type", subjectType, "subject_id", subjectID, "detail", detail)
	audit.Record("ALERT", "loop."+kind, detail, "", subjectID)
	if d.events != nil {
		d.events.Publish(bus.TopicLoopDetected, bus.LoopDetectedEvent{
			Kind:    kind,
			TaskID:  subjectID,
			AlertID: alert.ID,
			Detail:  detail,
		})
	}
	return true, nil
}

// blockTask forces a task to BLOCKED through the normal engine path. The
// idempotency key derives from the alert fingerprint, so a crashed sweep that
// reruns cannot append twice. Tasks in states with no system-blockable edge
// are left alone.
func (d *Detector) blockTask(ctx context.Context, taskID, kind, fingerprint, detail string) {
	_, err := d.engine.AttemptTransition(ctx, engine.TransitionRequest{
		TaskID:         taskID,
		To:             lifecycle.StatusBlocked,
		ActorType:      lifecycle.ActorSystem,
		ActorID:        "loopdetect",
		Reason:         fmt.Sprintf("%s: %s", kind, detail),
		IdempotencyKey: fmt.Sprintf("loop:%s:%s", kind, fingerprint),
	})
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrInvalidTransition),
		errors.Is(err, engine.ErrActorNotAllowed),
		errors.Is(err, engine.ErrAlreadyTerminal):
		d.logger.Debug("task not in a blockable state", "task_id", taskID, "error", err.Error())
	default:
		d.logger.Error("failed to block looping task", "task_id", taskID, "error", err.Error())
	}
}

// blockAgentTasks blocks every task the quarantined agent is assigned to that
// still has a system-blockable edge: IN_PROGRESS, REVIEW, and NEEDS_APPROVAL.
func (d *Detector) blockAgentTasks(ctx context.Context, agentID, projectID, signature string) {
	tasks, err := d.store.ListTasks(ctx, projectID,
		lifecycle.StatusInProgress, lifecycle.StatusReview, lifecycle.StatusNeedsApproval)
	if err != nil {
		d.logger.Error("failed to list quarantined agent's tasks", "agent_id", agentID, "error", err.Error())
		return
	}
	for _, task := range tasks {
		assigned := false
		for _, id := range task.AssigneeIDs {
			if id == agentID {
				assigned = true
				break
			}
		}
		if !assigned {
			continue
		}
		d.blockTask(ctx, task.ID, KindToolFailure,
			fmt.Sprintf("%s:%s:%s", agentID, signature, task.ID),
			fmt.Sprintf("assignee %s quarantined", agentID))
	}
}
