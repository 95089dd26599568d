package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jaydubya818/missionctl/internal/lifecycle"
)

// AddTaskMessage appends one comment to a task's thread.
func (s *Store) AddTaskMessage(ctx context.Context, m *TaskMessage) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_messages (task_id, author_type, author_id, body)
			VALUES (?, ?, ?, ?);
		`, m.TaskID, m.AuthorType, m.AuthorID, m.Body)
		if err != nil {
			return fmt.Errorf("insert task message: %w", err)
		}
		return nil
	})
}

// CountTaskMessagesSince counts comments on a task in the storm window.
func (s *Store) CountTaskMessagesSince(ctx context.Context, taskID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM task_messages WHERE task_id = ? AND created_at >= ?;
	`, taskID, since.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count task messages: %w", err)
	}
	return count, nil
}

// ListActiveTaskIDsWithMessagesSince returns distinct tasks that received any
// comment in the window. Blocked and terminal tasks are excluded: a task the
// detector already forced to BLOCKED must not be re-detected on a later sweep.
func (s *Store) ListActiveTaskIDsWithMessagesSince(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT m.task_id FROM task_messages m
		JOIN tasks t ON t.id = m.task_id
		WHERE m.created_at >= ? AND t.status NOT IN (?, ?, ?);
	`, since.UTC(), string(lifecycle.StatusBlocked), string(lifecycle.StatusDone), string(lifecycle.StatusCanceled))
	if err != nil {
		return nil, fmt.Errorf("list storm candidates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListTaskIDsWithTransitionsSince returns distinct tasks with any transition
// in the window, the candidate set for the review ping-pong check. Excludes
// blocked and terminal tasks for the same reason as the storm candidates.
func (s *Store) ListTaskIDsWithTransitionsSince(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT tr.task_id FROM task_transitions tr
		JOIN tasks t ON t.id = tr.task_id
		WHERE tr.created_at >= ? AND t.status NOT IN (?, ?, ?);
	`, since.UTC(), string(lifecycle.StatusBlocked), string(lifecycle.StatusDone), string(lifecycle.StatusCanceled))
	if err != nil {
		return nil, fmt.Errorf("list transition candidates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddToolFailure records one failed tool call inside the caller's tx so the
// streak counter update rides along atomically.
func AddToolFailureTx(ctx context.Context, tx *sql.Tx, f *ToolFailure) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tool_failures (agent_id, task_id, tool_name, signature)
		VALUES (?, ?, ?, ?);
	`, f.AgentID, f.TaskID, f.ToolName, f.Signature)
	if err != nil {
		return fmt.Errorf("insert tool failure: %w", err)
	}
	return nil
}

// LastFailureSignaturesTx returns the newest n failure signatures for an
// agent, newest first.
func LastFailureSignaturesTx(ctx context.Context, tx *sql.Tx, agentID string, n int) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT signature FROM tool_failures WHERE agent_id = ? ORDER BY id DESC LIMIT ?;
	`, agentID, n)
	if err != nil {
		return nil, fmt.Errorf("list failure signatures: %w", err)
	}
	defer rows.Close()

	var sigs []string
	for rows.Next() {
		var sig string
		if err := rows.Scan(&sig); err != nil {
			return nil, fmt.Errorf("scan signature: %w", err)
		}
		sigs = append(sigs, sig)
	}
	return sigs, rows.Err()
}

// InsertAlert records a detector finding. Returns false without error when an
// alert with the same (kind, subject, fingerprint) already exists, which is
// how repeated sweeps over the same window stay idempotent.
func (s *Store) InsertAlert(ctx context.Context, a *Alert) (bool, error) {
	created := false
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO alerts (id, kind, subject_type, subject_id, fingerprint, detail)
			VALUES (?, ?, ?, ?, ?, ?);
		`, a.ID, a.Kind, a.SubjectType, a.SubjectID, a.Fingerprint, a.Detail)
		if err != nil {
			return fmt.Errorf("insert alert: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		created = n > 0
		return nil
	})
	return created, err
}

func (s *Store) ListAlerts(ctx context.Context, kinds ...string) ([]*Alert, error) {
	query := `SELECT id, kind, subject_type, subject_id, fingerprint, detail, created_at FROM alerts`
	var args []any
	if len(kinds) > 0 {
		placeholders := make([]string, len(kinds))
		for i, k := range kinds {
			placeholders[i] = "?"
			args = append(args, k)
		}
		query += ` WHERE kind IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at DESC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []*Alert
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.Kind, &a.SubjectType, &a.SubjectID, &a.Fingerprint, &a.Detail, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert row: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
