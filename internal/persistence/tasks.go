package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jaydubya818/missionctl/internal/lifecycle"
)

// ErrNotFound is returned when a lookup by id matches no row.
var ErrNotFound = errors.New("not found")

// ErrStaleStatus is returned when a compare-and-swap status update finds the
// task no longer in the expected status. Callers treat it as a lost race.
var ErrStaleStatus = errors.New("task status changed concurrently")

// ErrDuplicateIdempotencyKey is returned when a transition insert collides
// with an existing idempotency key. The engine resolves it into a replay.
var ErrDuplicateIdempotencyKey = errors.New("idempotency key already recorded")

func (s *Store) CreateProject(ctx context.Context, id, name string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO projects (id, name) VALUES (?, ?);`, id, name)
		if err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		return nil
	})
}

func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM projects WHERE id = ?;`, id)
	var p Project
	if err := row.Scan(&p.ID, &p.Name, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("scan project: %w", err)
	}
	return &p, nil
}

func (s *Store) CreateTask(ctx context.Context, task *Task) error {
	if !task.Status.Valid() {
		task.Status = lifecycle.StatusInbox
	}
	if task.Priority == 0 {
		task.Priority = 3
	}
	assignees, err := json.Marshal(task.AssigneeIDs)
	if err != nil {
		return fmt.Errorf("marshal assignees: %w", err)
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, project_id, status, type, priority, assignee_ids, budget_allocated)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, task.ID, task.ProjectID, string(task.Status), task.Type, task.Priority, string(assignees), task.BudgetAllocated)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return nil
	})
}

const taskColumns = `id, project_id, status, type, priority, assignee_ids,
	budget_allocated, actual_cost, COALESCE(blocked_reason, ''),
	created_at, started_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var status string
	var assignees string
	var startedAt sql.NullTime
	if err := row.Scan(&t.ID, &t.ProjectID, &status, &t.Type, &t.Priority, &assignees,
		&t.BudgetAllocated, &t.ActualCost, &t.BlockedReason,
		&t.CreatedAt, &startedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = lifecycle.Status(status)
	if err := json.Unmarshal([]byte(assignees), &t.AssigneeIDs); err != nil {
		return nil, fmt.Errorf("unmarshal assignees for task %s: %w", t.ID, err)
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	return &t, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	var task *Task
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		task, err = GetTaskTx(ctx, tx, id)
		return err
	})
	return task, err
}

// GetTaskTx fetches a task inside the caller's transaction so validation and
// the subsequent CAS update see the same snapshot.
func GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (*Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return task, nil
}

func (s *Store) ListTasks(ctx context.Context, projectID string, statuses ...lifecycle.Status) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE project_id = ?`
	args := []any{projectID}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` AND status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY priority ASC, created_at ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// UpdateTaskStatusTx performs the compare-and-swap status write. The WHERE
// clause carries the expected status so a concurrent writer loses cleanly
// instead of clobbering.
func UpdateTaskStatusTx(ctx context.Context, tx *sql.Tx, taskID string, from, to lifecycle.Status, blockedReason string, stampStarted bool) error {
	set := `status = ?, updated_at = CURRENT_TIMESTAMP`
	args := []any{string(to)}
	if to == lifecycle.StatusBlocked {
		set += `, blocked_reason = ?`
		args = append(args, blockedReason)
	} else {
		set += `, blocked_reason = NULL`
	}
	if stampStarted {
		set += `, started_at = COALESCE(started_at, CURRENT_TIMESTAMP)`
	}
	args = append(args, taskID, string(from))

	res, err := tx.ExecContext(ctx, `UPDATE tasks SET `+set+` WHERE id = ? AND status = ?;`, args...)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrStaleStatus
	}
	return nil
}

// UpdateTaskAssigneesTx replaces the assignee set as part of a transition tx.
func UpdateTaskAssigneesTx(ctx context.Context, tx *sql.Tx, taskID string, assigneeIDs []string) error {
	encoded, err := json.Marshal(assigneeIDs)
	if err != nil {
		return fmt.Errorf("marshal assignees: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET assignee_ids = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, string(encoded), taskID)
	if err != nil {
		return fmt.Errorf("update assignees: %w", err)
	}
	return nil
}

// InsertTransitionTx appends one ledger row. A unique-key collision means the
// same logical attempt was already committed.
func InsertTransitionTx(ctx context.Context, tx *sql.Tx, tr *TaskTransition) error {
	if tr.Artifacts == "" {
		tr.Artifacts = "{}"
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_transitions (task_id, from_status, to_status, actor_type, actor_id, reason, artifacts_json, idempotency_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, tr.TaskID, string(tr.FromStatus), string(tr.ToStatus), string(tr.ActorType), tr.ActorID, tr.Reason, tr.Artifacts, tr.IdempotencyKey)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: task_transitions.idempotency_key") {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

const transitionColumns = `id, task_id, from_status, to_status, actor_type, actor_id, reason, artifacts_json, idempotency_key, created_at`

func scanTransition(row interface{ Scan(...any) error }) (*TaskTransition, error) {
	var tr TaskTransition
	var from, to, actor string
	if err := row.Scan(&tr.ID, &tr.TaskID, &from, &to, &actor, &tr.ActorID,
		&tr.Reason, &tr.Artifacts, &tr.IdempotencyKey, &tr.CreatedAt); err != nil {
		return nil, err
	}
	tr.FromStatus = lifecycle.Status(from)
	tr.ToStatus = lifecycle.Status(to)
	tr.ActorType = lifecycle.ActorType(actor)
	return &tr, nil
}

// FindTransitionByKeyTx looks up a previously recorded transition for replay.
func FindTransitionByKeyTx(ctx context.Context, tx *sql.Tx, idempotencyKey string) (*TaskTransition, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+transitionColumns+` FROM task_transitions WHERE idempotency_key = ?;`, idempotencyKey)
	tr, err := scanTransition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan transition: %w", err)
	}
	return tr, nil
}

// ListTransitions returns a task's full history, oldest first.
func (s *Store) ListTransitions(ctx context.Context, taskID string) ([]*TaskTransition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transitionColumns+` FROM task_transitions WHERE task_id = ? ORDER BY id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []*TaskTransition
	for rows.Next() {
		tr, err := scanTransition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transition row: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// CountTransitionsBetween counts edge traversals between two statuses on one
// task inside the window. The loop detector uses it for review ping-pong.
func (s *Store) CountTransitionsBetween(ctx context.Context, taskID string, a, b lifecycle.Status, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM task_transitions
		WHERE task_id = ?
		  AND ((from_status = ? AND to_status = ?) OR (from_status = ? AND to_status = ?))
		  AND created_at >= ?;
	`, taskID, string(a), string(b), string(b), string(a), since.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count transitions: %w", err)
	}
	return count, nil
}
