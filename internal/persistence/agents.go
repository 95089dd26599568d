package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

func (s *Store) CreateAgent(ctx context.Context, agent *Agent) error {
	if agent.Status == "" {
		agent.Status = AgentStatusActive
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agents (agent_id, project_id, status, role, budget_daily, budget_per_run, spend_day)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, agent.AgentID, agent.ProjectID, string(agent.Status), agent.Role,
			agent.BudgetDaily, agent.BudgetPerRun, agent.SpendDay)
		if err != nil {
			return fmt.Errorf("insert agent: %w", err)
		}
		return nil
	})
}

const agentColumns = `agent_id, project_id, status, role, budget_daily, budget_per_run,
	spend_today, spend_day, error_streak, last_heartbeat_at, created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (*Agent, error) {
	var a Agent
	var status string
	var heartbeat sql.NullTime
	if err := row.Scan(&a.AgentID, &a.ProjectID, &status, &a.Role, &a.BudgetDaily, &a.BudgetPerRun,
		&a.SpendToday, &a.SpendDay, &a.ErrorStreak, &heartbeat, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Status = AgentStatus(status)
	if heartbeat.Valid {
		a.LastHeartbeatAt = &heartbeat.Time
	}
	return &a, nil
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var agent *Agent
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		agent, err = GetAgentTx(ctx, tx, agentID)
		return err
	})
	return agent, err
}

func GetAgentTx(ctx context.Context, tx *sql.Tx, agentID string) (*Agent, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = ?;`, agentID)
	agent, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
		}
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	return agent, nil
}

func (s *Store) ListAgents(ctx context.Context, projectID string) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE project_id = ? ORDER BY agent_id ASC;
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent row: %w", err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

func (s *Store) UpdateAgentStatus(ctx context.Context, agentID string, status AgentStatus) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return UpdateAgentStatusTx(ctx, tx, agentID, status)
	})
}

func UpdateAgentStatusTx(ctx context.Context, tx *sql.Tx, agentID string, status AgentStatus) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE agents SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE agent_id = ?;
	`, string(status), agentID)
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
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

func (s *Store) TouchAgentHeartbeat(ctx context.Context, agentID string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE agents SET last_heartbeat_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE agent_id = ?;
		`, agentID)
		if err != nil {
			return fmt.Errorf("touch heartbeat: %w", err)
		}
		return nil
	})
}

// SetAgentErrorStreakTx stores the current consecutive-failure count so the
// detector's threshold survives restarts.
func SetAgentErrorStreakTx(ctx context.Context, tx *sql.Tx, agentID string, streak int) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE agents SET error_streak = ?, updated_at = CURRENT_TIMESTAMP WHERE agent_id = ?;
	`, streak, agentID)
	if err != nil {
		return fmt.Errorf("set error streak: %w", err)
	}
	return nil
}
