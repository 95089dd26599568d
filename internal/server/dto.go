package server

import (
	"time"

	"github.com/jaydubya818/missionctl/internal/persistence"
)

// Request payloads

type CreateProjectRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type CreateTaskRequest struct {
	ID              string   `json:"id,omitempty"`
	ProjectID       string   `json:"project_id"`
	Type            string   `json:"type,omitempty"`
	Priority        int      `json:"priority,omitempty" minimum:"0" maximum:"4"`
	AssigneeIDs     []string `json:"assignee_ids,omitempty"`
	BudgetAllocated float64  `json:"budget_allocated,omitempty" minimum:"0"`
}

type CreateAgentRequest struct {
	AgentID      string  `json:"agent_id"`
	ProjectID    string  `json:"project_id"`
	Role         string  `json:"role,omitempty"`
	BudgetDaily  float64 `json:"budget_daily,omitempty" minimum:"0"`
	BudgetPerRun float64 `json:"budget_per_run,omitempty" minimum:"0"`
}

type TransitionRequest struct {
	To             string            `json:"to" enum:"INBOX,ASSIGNED,IN_PROGRESS,REVIEW,NEEDS_APPROVAL,BLOCKED,DONE,CANCELED"`
	ActorType      string            `json:"actor_type" enum:"AGENT,HUMAN,SYSTEM"`
	ActorID        string            `json:"actor_id,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	Artifacts      map[string]string `json:"artifacts,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
	AssigneeIDs    []string          `json:"assignee_ids,omitempty"`
	ActionType     string            `json:"action_type,omitempty"`
	RiskLevel      string            `json:"risk_level,omitempty" enum:",GREEN,YELLOW,RED"`
	EstimatedCost  float64           `json:"estimated_cost,omitempty" minimum:"0"`
}

type TaskMessageRequest struct {
	AuthorType string `json:"author_type" enum:"AGENT,HUMAN,SYSTEM"`
	AuthorID   string `json:"author_id"`
	Body       string `json:"body"`
}

type ApprovalRequest struct {
	RequestorAgentID string  `json:"requestor_agent_id"`
	TaskID           string  `json:"task_id,omitempty"`
	ActionType       string  `json:"action_type"`
	ActionSummary    string  `json:"action_summary,omitempty"`
	RiskLevel        string  `json:"risk_level,omitempty" enum:",GREEN,YELLOW,RED"`
	Justification    string  `json:"justification,omitempty"`
	EstimatedCost    float64 `json:"estimated_cost,omitempty" minimum:"0"`
	TTLMinutes       int     `json:"ttl_minutes,omitempty" minimum:"0"`
}

type DecisionRequest struct {
	Approve   bool   `json:"approve"`
	DecidedBy string `json:"decided_by"`
	Reason    string `json:"reason,omitempty"`
}

// SpendRequest reports a completed run's cost. Callers supply either an
// explicit amount or a model plus token counts to price from.
type SpendRequest struct {
	RunID            string  `json:"run_id"`
	TaskID           string  `json:"task_id,omitempty"`
	Amount           float64 `json:"amount,omitempty" minimum:"0"`
	Model            string  `json:"model,omitempty"`
	PromptTokens     int     `json:"prompt_tokens,omitempty" minimum:"0"`
	CompletionTokens int     `json:"completion_tokens,omitempty" minimum:"0"`
}

type AuthorizeRequest struct {
	AgentID       string  `json:"agent_id"`
	TaskID        string  `json:"task_id,omitempty"`
	EstimatedCost float64 `json:"estimated_cost" minimum:"0"`
}

type ToolResultRequest struct {
	TaskID    string `json:"task_id,omitempty"`
	Tool      string `json:"tool,omitempty"`
	OK        bool   `json:"ok"`
	Signature string `json:"signature,omitempty"`
}

type PolicyUpsertRequest struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	ScopeType string `json:"scope_type" enum:"GLOBAL,PROJECT,AGENT"`
	ScopeID   string `json:"scope_id,omitempty"`
	Rules     string `json:"rules"`
}

// Response payloads

type TransitionResponse struct {
	Task       *persistence.Task           `json:"task"`
	Transition *persistence.TaskTransition `json:"transition,omitempty"`
	Replayed   bool                        `json:"replayed,omitempty"`
	Deferred   bool                        `json:"deferred,omitempty"`
	Approval   *persistence.Approval       `json:"approval,omitempty"`
}

type TaskListResponse struct {
	Tasks []*persistence.Task `json:"tasks"`
}

type TransitionListResponse struct {
	Transitions []*persistence.TaskTransition `json:"transitions"`
}

type ApprovalListResponse struct {
	Approvals []*persistence.Approval `json:"approvals"`
}

type AlertListResponse struct {
	Alerts []*persistence.Alert `json:"alerts"`
}

type AgentListResponse struct {
	Agents []*persistence.Agent `json:"agents"`
}

type PolicyListResponse struct {
	Policies []*persistence.Policy `json:"policies"`
}

type AuthorizeResponse struct {
	Allowed        bool    `json:"allowed"`
	Reason         string  `json:"reason,omitempty"`
	DailyRemaining float64 `json:"daily_remaining"`
	PerRunLimit    float64 `json:"per_run_limit"`
	TaskRemaining  float64 `json:"task_remaining"`
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	CheckedAt time.Time `json:"checked_at"`
}
