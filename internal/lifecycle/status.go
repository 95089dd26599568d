// Package lifecycle defines the task status machine: the closed status and
// actor enums, the canonical transition rule table, and the pure structural
// validation applied to every transition attempt. Task status is mutable
// only through this table; persistence enforces the commit, this package
// decides legality.
package lifecycle

import "fmt"

// Status is a task lifecycle state.
type Status string

const (
	StatusInbox         Status = "INBOX"
	StatusAssigned      Status = "ASSIGNED"
	StatusInProgress    Status = "IN_PROGRESS"
	StatusReview        Status = "REVIEW"
	StatusNeedsApproval Status = "NEEDS_APPROVAL"
	StatusBlocked       Status = "BLOCKED"
	StatusDone          Status = "DONE"
	StatusCanceled      Status = "CANCELED"
)

// AllStatuses lists every valid status, in lifecycle order.
var AllStatuses = []Status{
	StatusInbox,
	StatusAssigned,
	StatusInProgress,
	StatusReview,
	StatusNeedsApproval,
	StatusBlocked,
	StatusDone,
	StatusCanceled,
}

// ParseStatus rejects illegal status strings at the boundary.
func ParseStatus(s string) (Status, error) {
	for _, status := range AllStatuses {
		if string(status) == s {
			return status, nil
		}
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// Valid reports whether the status is a member of the closed set.
func (s Status) Valid() bool {
	_, err := ParseStatus(string(s))
	return err == nil
}

// Terminal reports whether the status has no outgoing edges.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusCanceled
}

// ActorType identifies who is attempting a transition.
type ActorType string

const (
	ActorAgent  ActorType = "AGENT"
	ActorHuman  ActorType = "HUMAN"
	ActorSystem ActorType = "SYSTEM"
)

// ParseActorType rejects illegal actor strings at the boundary.
func ParseActorType(s string) (ActorType, error) {
	switch ActorType(s) {
	case ActorAgent, ActorHuman, ActorSystem:
		return ActorType(s), nil
	}
	return "", fmt.Errorf("unknown actor type %q", s)
}

// RiskLevel is the coarse danger classification the policy evaluator keys on.
type RiskLevel string

const (
	RiskGreen  RiskLevel = "GREEN"
	RiskYellow RiskLevel = "YELLOW"
	RiskRed    RiskLevel = "RED"
)

// riskOrder maps risk levels to a comparable rank.
var riskOrder = map[RiskLevel]int{
	RiskGreen:  0,
	RiskYellow: 1,
	RiskRed:    2,
}

// ParseRiskLevel rejects illegal risk strings at the boundary.
func ParseRiskLevel(s string) (RiskLevel, error) {
	if _, ok := riskOrder[RiskLevel(s)]; ok {
		return RiskLevel(s), nil
	}
	return "", fmt.Errorf("unknown risk level %q", s)
}

// Valid reports whether r is one of the known risk levels.
func (r RiskLevel) Valid() bool {
	_, ok := riskOrder[r]
	return ok
}

// AtLeast reports whether r is at or above threshold.
func (r RiskLevel) AtLeast(threshold RiskLevel) bool {
	return riskOrder[r] >= riskOrder[threshold]
}
