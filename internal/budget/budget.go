// Package budget enforces spend caps before work runs and keeps the spend
// ledger consistent after it runs. Authorization is advisory ("may this run
// start"), recording is at-most-once per run id.
package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jaydubya818/missionctl/internal/bus"
	"github.com/jaydubya818/missionctl/internal/persistence"
)

// ErrExceeded is returned when a requested run would break a cap. Inspect it
// with errors.Is; the wrapped message names which cap.
var ErrExceeded = errors.New("budget exceeded")

// Authorization is the answer to a pre-run check.
type Authorization struct {
	Allowed        bool    `json:"allowed"`
	Reason         string  `json:"reason,omitempty"`
	DailyRemaining float64 `json:"daily_remaining"`
	PerRunLimit    float64 `json:"per_run_limit"`
	TaskRemaining  float64 `json:"task_remaining"`
	TaskUnbudgeted bool    `json:"task_unbudgeted,omitempty"`
}

// SpendReport is one completed run's actual cost.
type SpendReport struct {
	RunID   string  `json:"run_id"`
	AgentID string  `json:"agent_id"`
	TaskID  string  `json:"task_id,omitempty"`
	Amount  float64 `json:"amount"`
}

// Guard answers authorization questions and applies spend reports.
type Guard struct {
	store  *persistence.Store
	events *bus.Bus
	logger *slog.Logger

	// Now is swappable so tests can pin the UTC day boundary.
	Now func() time.Time
}

func NewGuard(store *persistence.Store, events *bus.Bus, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		store:  store,
		events: events,
		logger: logger.With("component", "budget"),
		Now:    time.Now,
	}
}

// effectiveDailySpend applies the lazy UTC day reset in memory: a counter
// from an earlier day counts as zero without requiring a midnight job.
func effectiveDailySpend(agent *persistence.Agent, today string) float64 {
	if agent.SpendDay != today {
		return 0
	}
	return agent.SpendToday
}

// Authorize checks a proposed run against the per-run cap, the daily cap, and
// the task allocation. All three must pass; the first violated cap names the
// denial.
func (g *Guard) Authorize(ctx context.Context, agentID, taskID string, estimatedCost float64) (*Authorization, error) {
	if estimatedCost < 0 {
		return nil, fmt.Errorf("estimated cost must not be negative: %f", estimatedCost)
	}

	var auth *Authorization
	err := g.store.WithTx(ctx, func(tx *sql.Tx) error {
		agent, err := persistence.GetAgentTx(ctx, tx, agentID)
		if err != nil {
			return err
		}
		today := persistence.UTCDay(g.Now())
		spentToday := effectiveDailySpend(agent, today)

		auth = &Authorization{
			Allowed:     true,
			PerRunLimit: agent.BudgetPerRun,
		}
		if agent.BudgetDaily > 0 {
			auth.DailyRemaining = agent.BudgetDaily - spentToday
			if auth.DailyRemaining < 0 {
				auth.DailyRemaining = 0
			}
		}

		deny := func(reason string) {
			auth.Allowed = false
			auth.Reason = reason
		}
		switch {
		case agent.BudgetPerRun > 0 && estimatedCost > agent.BudgetPerRun:
			deny(fmt.Sprintf("estimated cost %.4f exceeds per-run cap %.4f", estimatedCost, agent.BudgetPerRun))
		case agent.BudgetDaily > 0 && spentToday+estimatedCost > agent.BudgetDaily:
			deny(fmt.Sprintf("estimated cost %.4f would exceed daily cap %.4f (spent %.4f today)", estimatedCost, agent.BudgetDaily, spentToday))
		}

		if taskID != "" {
			task, err := persistence.GetTaskTx(ctx, tx, taskID)
			if err != nil {
				return err
			}
			if task.BudgetAllocated > 0 {
				auth.TaskRemaining = task.BudgetRemaining()
				if auth.Allowed && estimatedCost > auth.TaskRemaining {
					deny(fmt.Sprintf("estimated cost %.4f exceeds task allocation remainder %.4f", estimatedCost, auth.TaskRemaining))
				}
			} else {
				auth.TaskUnbudgeted = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !auth.Allowed {
		g.logger.Warn("run denied by budget guard",
			"agent_id", agentID, "task_id", taskID,
			"estimated_cost", estimatedCost, "reason", auth.Reason)
		if g.events != nil {
			g.events.Publish(bus.TopicBudgetDenied, bus.BudgetDeniedEvent{
				AgentID:       agentID,
				TaskID:        taskID,
				EstimatedCost: estimatedCost,
				Reason:        auth.Reason,
			})
		}
		return auth, fmt.Errorf("%w: %s", ErrExceeded, auth.Reason)
	}
	return auth, nil
}

// RecordSpend applies one actual-cost report. The run id dedupes retries: a
// replayed report returns successfully without moving any counter. Spend is
// recorded even when it blows past a cap; the caps gate future runs, they do
// not falsify history.
func (g *Guard) RecordSpend(ctx context.Context, report SpendReport) error {
	if report.RunID == "" {
		return fmt.Errorf("spend report requires a run id")
	}
	if report.Amount < 0 {
		return fmt.Errorf("spend amount must not be negative: %f", report.Amount)
	}

	today := persistence.UTCDay(g.Now())
	err := g.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := persistence.InsertSpendEntryTx(ctx, tx, &persistence.SpendEntry{
			RunID:   report.RunID,
			AgentID: report.AgentID,
			TaskID:  report.TaskID,
			Amount:  report.Amount,
		}); err != nil {
			return err
		}
		if err := persistence.AddAgentSpendTx(ctx, tx, report.AgentID, report.Amount, today); err != nil {
			return err
		}
		if report.TaskID != "" {
			if err := persistence.AddTaskCostTx(ctx, tx, report.TaskID, report.Amount); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, persistence.ErrDuplicateRunID) {
		g.logger.Debug("spend report replayed, ignoring", "run_id", report.RunID)
		return nil
	}
	return err
}
