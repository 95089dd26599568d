// Package persistence is the durable ledger behind the governance engine:
// tasks, agents, approvals, policies, the append-only transition log, spend
// entries, and alerts, all in one SQLite database. Every logical operation
// runs inside a single transaction so concurrent callers are linearized by
// the store, not by application locks.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jaydubya818/missionctl/internal/bus"
	"github.com/jaydubya818/missionctl/internal/lifecycle"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "mc-v1-2026-08-task-governance"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// AgentStatus is the closed set of agent states.
type AgentStatus string

const (
	AgentStatusActive      AgentStatus = "ACTIVE"
	AgentStatusPaused      AgentStatus = "PAUSED"
	AgentStatusDrained     AgentStatus = "DRAINED"
	AgentStatusQuarantined AgentStatus = "QUARANTINED"
	AgentStatusOffline     AgentStatus = "OFFLINE"
)

// ApprovalStatus is the closed set of approval states.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalDenied   ApprovalStatus = "DENIED"
	ApprovalExpired  ApprovalStatus = "EXPIRED"
	ApprovalCanceled ApprovalStatus = "CANCELED"
)

// Terminal reports whether the approval can no longer be decided.
func (s ApprovalStatus) Terminal() bool {
	return s != ApprovalPending
}

// Project owns tasks and agents.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is one governed unit of work.
type Task struct {
	ID              string           `json:"id"`
	ProjectID       string           `json:"project_id"`
	Status          lifecycle.Status `json:"status"`
	Type            string           `json:"type"`
	Priority        int              `json:"priority"` // 1..4, 1 = critical
	AssigneeIDs     []string         `json:"assignee_ids"`
	BudgetAllocated float64          `json:"budget_allocated"`
	ActualCost      float64          `json:"actual_cost"`
	BlockedReason   string           `json:"blocked_reason,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// BudgetRemaining derives the unspent task allocation (0 when no cap is set).
func (t Task) BudgetRemaining() float64 {
	if t.BudgetAllocated <= 0 {
		return 0
	}
	remaining := t.BudgetAllocated - t.ActualCost
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Agent is an autonomous worker subject to budget caps and quarantine.
type Agent struct {
	AgentID         string      `json:"agent_id"`
	ProjectID       string      `json:"project_id"`
	Status          AgentStatus `json:"status"`
	Role            string      `json:"role"`
	BudgetDaily     float64     `json:"budget_daily"`
	BudgetPerRun    float64     `json:"budget_per_run"`
	SpendToday      float64     `json:"spend_today"`
	SpendDay        string      `json:"spend_day"` // UTC calendar day the counter belongs to
	ErrorStreak     int         `json:"error_streak"`
	LastHeartbeatAt *time.Time  `json:"last_heartbeat_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Approval is a pending or resolved human decision.
type Approval struct {
	ID               string              `json:"id"`
	RequestorAgentID string              `json:"requestor_agent_id"`
	TaskID           string              `json:"task_id,omitempty"`
	ActionType       string              `json:"action_type"`
	ActionSummary    string              `json:"action_summary"`
	RiskLevel        lifecycle.RiskLevel `json:"risk_level"`
	Justification    string              `json:"justification"`
	EstimatedCost    float64             `json:"estimated_cost"`
	Status           ApprovalStatus      `json:"status"`
	ExpiresAt        time.Time           `json:"expires_at"`
	DecidedBy        string              `json:"decided_by,omitempty"`
	DecidedAt        *time.Time          `json:"decided_at,omitempty"`
	Reason           string              `json:"reason,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
}

// Policy is one versioned rule document bound to a scope.
type Policy struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	ScopeType string    `json:"scope_type"` // GLOBAL, PROJECT, AGENT
	ScopeID   string    `json:"scope_id"`   // empty for GLOBAL
	Rules     string    `json:"rules"`      // YAML rule document
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskTransition is one row of the append-only audit log. Never mutated.
type TaskTransition struct {
	ID             int64               `json:"id"`
	TaskID         string              `json:"task_id"`
	FromStatus     lifecycle.Status    `json:"from_status"`
	ToStatus       lifecycle.Status    `json:"to_status"`
	ActorType      lifecycle.ActorType `json:"actor_type"`
	ActorID        string              `json:"actor_id"`
	Reason         string              `json:"reason,omitempty"`
	Artifacts      string              `json:"artifacts,omitempty"` // JSON snapshot
	IdempotencyKey string              `json:"idempotency_key"`
	CreatedAt      time.Time           `json:"created_at"`
}

// Alert is one loop-detector finding. The (kind, subject, fingerprint)
// uniqueness is what makes re-detection a no-op.
type Alert struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"` // comment_storm, review_loop, tool_failure
	SubjectType string    `json:"subject_type"` // task or agent
	SubjectID   string    `json:"subject_id"`
	Fingerprint string    `json:"fingerprint"`
	Detail      string    `json:"detail"`
	CreatedAt   time.Time `json:"created_at"`
}

// TaskMessage is a comment posted on a task; input to the comment-storm check.
type TaskMessage struct {
	ID         int64     `json:"id"`
	TaskID     string    `json:"task_id"`
	AuthorType string    `json:"author_type"`
	AuthorID   string    `json:"author_id"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

// ToolFailure is one recorded tool error; input to the failure-streak check.
type ToolFailure struct {
	ID        int64     `json:"id"`
	AgentID   string    `json:"agent_id"`
	TaskID    string    `json:"task_id,omitempty"`
	ToolName  string    `json:"tool_name"`
	Signature string    `json:"signature"`
	CreatedAt time.Time `json:"created_at"`
}

// SpendEntry is the at-most-once spend ledger row keyed by run id.
type SpendEntry struct {
	RunID     string    `json:"run_id"`
	AgentID   string    `json:"agent_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Amount    float64   `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".mctl", "mctl.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Bus returns the event bus the store publishes on; nil in tests.
func (s *Store) Bus() *bus.Bus {
	return s.bus
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Add jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

// WithTx runs f inside one transaction, retrying transient lock errors.
// The engine composes read-validate-write sequences through this so each
// logical operation is a single atomic unit.
func (s *Store) WithTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := f(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id),
			status TEXT NOT NULL CHECK(status IN ('INBOX', 'ASSIGNED', 'IN_PROGRESS', 'REVIEW', 'NEEDS_APPROVAL', 'BLOCKED', 'DONE', 'CANCELED')),
			type TEXT NOT NULL DEFAULT 'technical',
			priority INTEGER NOT NULL DEFAULT 3 CHECK(priority BETWEEN 1 AND 4),
			assignee_ids TEXT NOT NULL DEFAULT '[]',
			budget_allocated REAL NOT NULL DEFAULT 0.0,
			actual_cost REAL NOT NULL DEFAULT 0.0,
			blocked_reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at DATETIME,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id),
			status TEXT NOT NULL DEFAULT 'ACTIVE' CHECK(status IN ('ACTIVE', 'PAUSED', 'DRAINED', 'QUARANTINED', 'OFFLINE')),
			role TEXT NOT NULL DEFAULT '',
			budget_daily REAL NOT NULL DEFAULT 0.0,
			budget_per_run REAL NOT NULL DEFAULT 0.0,
			spend_today REAL NOT NULL DEFAULT 0.0,
			spend_day TEXT NOT NULL DEFAULT '',
			error_streak INTEGER NOT NULL DEFAULT 0,
			last_heartbeat_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			requestor_agent_id TEXT NOT NULL,
			task_id TEXT,
			action_type TEXT NOT NULL,
			action_summary TEXT NOT NULL DEFAULT '',
			risk_level TEXT NOT NULL CHECK(risk_level IN ('GREEN', 'YELLOW', 'RED')),
			justification TEXT NOT NULL DEFAULT '',
			estimated_cost REAL NOT NULL DEFAULT 0.0,
			status TEXT NOT NULL DEFAULT 'PENDING' CHECK(status IN ('PENDING', 'APPROVED', 'DENIED', 'EXPIRED', 'CANCELED')),
			expires_at DATETIME NOT NULL,
			decided_by TEXT,
			decided_at DATETIME,
			reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS policies (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			scope_type TEXT NOT NULL CHECK(scope_type IN ('GLOBAL', 'PROJECT', 'AGENT')),
			scope_id TEXT NOT NULL DEFAULT '',
			rules TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS task_transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			actor_type TEXT NOT NULL CHECK(actor_type IN ('AGENT', 'HUMAN', 'SYSTEM')),
			actor_id TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			artifacts_json TEXT NOT NULL DEFAULT '{}',
			idempotency_key TEXT NOT NULL UNIQUE,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS task_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			author_type TEXT NOT NULL DEFAULT 'AGENT',
			author_id TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS tool_failures (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			task_id TEXT,
			tool_name TEXT NOT NULL,
			signature TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			subject_type TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(kind, subject_id, fingerprint)
		);`,
		`CREATE TABLE IF NOT EXISTS spend_entries (
			run_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			task_id TEXT,
			amount REAL NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			subject TEXT,
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT,
			policy_version TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_project_status ON tasks(project_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_agents_project ON agents(project_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status, expires_at);`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_task_id ON task_transitions(task_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_created ON task_transitions(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_task_created ON task_messages(task_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tool_failures_agent ON tool_failures(agent_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_spend_agent ON spend_entries(agent_id, created_at);`,
		// One active policy per scope, enforced at the storage layer.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_policies_one_active ON policies(scope_type, scope_id) WHERE active = 1;`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}
