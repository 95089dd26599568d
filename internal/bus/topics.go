package bus

import "time"

// Governance event topics.
const (
	TopicTaskTransition    = "task.transition"
	TopicExecutorReady     = "executor.ready"
	TopicApprovalRequested = "approval.requested"
	TopicApprovalDecided   = "approval.decided"
	TopicApprovalExpired   = "approval.expired"
	TopicBudgetDenied      = "budget.denied"
	TopicLoopDetected      = "loop.detected"
	TopicAgentQuarantined  = "agent.quarantined"
)

// TaskTransitionEvent is published once per committed transition.
type TaskTransitionEvent struct {
	TaskID     string
	ProjectID  string
	FromStatus string
	ToStatus   string
	ActorType  string
	ActorID    string
	Reason     string
	OccurredAt time.Time
}

// ExecutorReadyEvent signals that a task reached IN_PROGRESS with an
// assigned agent and is ready to be mapped to an execution backend.
type ExecutorReadyEvent struct {
	TaskID    string
	ProjectID string
	TaskType  string
	AgentIDs  []string
}

// ApprovalEvent is published on every approval lifecycle change.
type ApprovalEvent struct {
	ApprovalID string
	AgentID    string
	TaskID     string
	ActionType string
	RiskLevel  string
	Status     string
	DecidedBy  string
	Reason     string
}

// BudgetDeniedEvent is published when the budget guard rejects work.
type BudgetDeniedEvent struct {
	AgentID       string
	TaskID        string
	EstimatedCost float64
	Reason        string
}

// LoopDetectedEvent is published once per newly detected loop occurrence.
type LoopDetectedEvent struct {
	Kind    string // comment_storm, review_loop, tool_failure
	TaskID  string
	AgentID string
	AlertID string
	Detail  string
}

// AgentQuarantinedEvent is published when the loop detector quarantines an agent.
type AgentQuarantinedEvent struct {
	AgentID     string
	ErrorStreak int
	Signature   string
}
