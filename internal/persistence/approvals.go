package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jaydubya818/missionctl/internal/lifecycle"
)

func InsertApprovalTx(ctx context.Context, tx *sql.Tx, a *Approval) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO approvals (id, requestor_agent_id, task_id, action_type, action_summary,
			risk_level, justification, estimated_cost, status, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, a.ID, a.RequestorAgentID, a.TaskID, a.ActionType, a.ActionSummary,
		string(a.RiskLevel), a.Justification, a.EstimatedCost, string(a.Status), a.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

const approvalColumns = `id, requestor_agent_id, COALESCE(task_id, ''), action_type, action_summary,
	risk_level, justification, estimated_cost, status, expires_at,
	COALESCE(decided_by, ''), decided_at, COALESCE(reason, ''), created_at`

func scanApproval(row interface{ Scan(...any) error }) (*Approval, error) {
	var a Approval
	var risk, status string
	var decidedAt sql.NullTime
	if err := row.Scan(&a.ID, &a.RequestorAgentID, &a.TaskID, &a.ActionType, &a.ActionSummary,
		&risk, &a.Justification, &a.EstimatedCost, &status, &a.ExpiresAt,
		&a.DecidedBy, &decidedAt, &a.Reason, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.RiskLevel = lifecycle.RiskLevel(risk)
	a.Status = ApprovalStatus(status)
	if decidedAt.Valid {
		a.DecidedAt = &decidedAt.Time
	}
	return &a, nil
}

func (s *Store) GetApproval(ctx context.Context, id string) (*Approval, error) {
	var approval *Approval
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		approval, err = GetApprovalTx(ctx, tx, id)
		return err
	})
	return approval, err
}

func GetApprovalTx(ctx context.Context, tx *sql.Tx, id string) (*Approval, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = ?;`, id)
	a, err := scanApproval(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("approval %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("scan approval: %w", err)
	}
	return a, nil
}

func (s *Store) ListApprovals(ctx context.Context, statuses ...ApprovalStatus) ([]*Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN (`
		for i, st := range statuses {
			if i > 0 {
				query += `, `
			}
			query += `?`
			args = append(args, string(st))
		}
		query += `)`
	}
	query += ` ORDER BY created_at ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var out []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DecideApprovalTx writes a decision with a CAS guard on PENDING so only one
// decider wins.
func DecideApprovalTx(ctx context.Context, tx *sql.Tx, id string, to ApprovalStatus, decidedBy, reason string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE approvals SET status = ?, decided_by = ?, decided_at = CURRENT_TIMESTAMP, reason = ?
		WHERE id = ? AND status = 'PENDING';
	`, string(to), decidedBy, reason, id)
	if err != nil {
		return false, fmt.Errorf("decide approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// ListExpiredPendingTx returns PENDING approvals whose deadline passed as of
// the given instant.
func ListExpiredPendingTx(ctx context.Context, tx *sql.Tx, now time.Time) ([]*Approval, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE status = 'PENDING' AND expires_at <= ?
		ORDER BY expires_at ASC;
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("list expired approvals: %w", err)
	}
	defer rows.Close()

	var out []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// FindPendingApproval returns an open request matching the same agent, task,
// and action, so a retried deferred transition reuses it instead of filing a
// duplicate.
func (s *Store) FindPendingApproval(ctx context.Context, agentID, taskID, actionType string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE status = 'PENDING' AND requestor_agent_id = ? AND COALESCE(task_id, '') = ? AND action_type = ?
		ORDER BY created_at DESC LIMIT 1;
	`, agentID, taskID, actionType)
	a, err := scanApproval(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan approval: %w", err)
	}
	return a, nil
}
