package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// ErrDuplicateRunID is returned when a spend entry with the same run id was
// already recorded. Callers treat the report as an at-most-once replay.
var ErrDuplicateRunID = fmt.Errorf("spend run id already recorded")

// InsertSpendEntryTx appends one ledger row keyed by run id.
func InsertSpendEntryTx(ctx context.Context, tx *sql.Tx, entry *SpendEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO spend_entries (run_id, agent_id, task_id, amount)
		VALUES (?, ?, ?, ?);
	`, entry.RunID, entry.AgentID, entry.TaskID, entry.Amount)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") ||
			strings.Contains(err.Error(), "PRIMARY KEY constraint failed") {
			return ErrDuplicateRunID
		}
		return fmt.Errorf("insert spend entry: %w", err)
	}
	return nil
}

// AddAgentSpendTx adds amount to the agent's daily counter, rolling the
// counter to zero first when the stored day is not the given UTC day. The
// additive UPDATE keeps concurrent reports from losing increments.
func AddAgentSpendTx(ctx context.Context, tx *sql.Tx, agentID string, amount float64, day string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE agents SET spend_today = 0.0, spend_day = ?
		WHERE agent_id = ? AND spend_day != ?;
	`, day, agentID, day)
	if err != nil {
		return fmt.Errorf("roll spend day: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE agents SET spend_today = spend_today + ?, updated_at = CURRENT_TIMESTAMP
		WHERE agent_id = ?;
	`, amount, agentID)
	if err != nil {
		return fmt.Errorf("add agent spend: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("agent %s not found", agentID)
	}
	return nil
}

// AddTaskCostTx adds amount to the task's running actual cost.
func AddTaskCostTx(ctx context.Context, tx *sql.Tx, taskID string, amount float64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET actual_cost = actual_cost + ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, amount, taskID)
	if err != nil {
		return fmt.Errorf("add task cost: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s not found", taskID)
	}
	return nil
}

// UTCDay formats the calendar day the daily budget counter belongs to.
func UTCDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
