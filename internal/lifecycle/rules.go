package lifecycle

import (
	"errors"
	"fmt"
	"strings"
)

// Artifact names required by transition rules.
const (
	ArtifactWorkPlan       = "workPlan"
	ArtifactDeliverable    = "deliverable"
	ArtifactSelfReview     = "selfReview"
	ArtifactApprovalRecord = "approvalRecord"
)

// Artifacts is the evidence attached to a transition request.
type Artifacts map[string]string

// Has reports whether the named artifact is present and non-empty.
func (a Artifacts) Has(name string) bool {
	return strings.TrimSpace(a[name]) != ""
}

// Structural validation failures. Callers match with errors.Is.
var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrActorNotAllowed   = errors.New("actor not allowed")
	ErrMissingArtifact   = errors.New("missing artifact")
	ErrAlreadyTerminal   = errors.New("task already terminal")
)

type edge struct {
	from Status
	to   Status
}

// rule describes one allowed edge of the canonical transition table.
type rule struct {
	actors            map[ActorType]struct{}
	requiredArtifacts []string
	// requiresAssignees marks edges that demand a non-empty assignee set on
	// the task (INBOX -> ASSIGNED); checked by the engine against the task row.
	requiresAssignees bool
}

func actors(list ...ActorType) map[ActorType]struct{} {
	m := make(map[ActorType]struct{}, len(list))
	for _, a := range list {
		m[a] = struct{}{}
	}
	return m
}

// transitionRules is the canonical rule table. There is deliberately no
// edge out of DONE or CANCELED.
var transitionRules = map[edge]rule{
	{StatusInbox, StatusAssigned}: {
		actors:            actors(ActorAgent, ActorHuman, ActorSystem),
		requiresAssignees: true,
	},
	{StatusInbox, StatusCanceled}: {
		actors: actors(ActorHuman),
	},

	{StatusAssigned, StatusInProgress}: {
		actors:            actors(ActorAgent, ActorHuman),
		requiredArtifacts: []string{ArtifactWorkPlan},
	},
	{StatusAssigned, StatusInbox}: {
		actors: actors(ActorHuman),
	},
	{StatusAssigned, StatusCanceled}: {
		actors: actors(ActorHuman),
	},

	{StatusInProgress, StatusReview}: {
		actors:            actors(ActorAgent, ActorHuman),
		requiredArtifacts: []string{ArtifactDeliverable, ArtifactSelfReview},
	},
	{StatusInProgress, StatusBlocked}: {
		actors: actors(ActorAgent, ActorHuman, ActorSystem),
	},
	{StatusInProgress, StatusNeedsApproval}: {
		actors: actors(ActorSystem),
	},
	{StatusInProgress, StatusCanceled}: {
		actors: actors(ActorHuman),
	},

	{StatusReview, StatusInProgress}: {
		actors: actors(ActorAgent, ActorHuman),
	},
	{StatusReview, StatusDone}: {
		actors:            actors(ActorHuman),
		requiredArtifacts: []string{ArtifactApprovalRecord},
	},
	{StatusReview, StatusBlocked}: {
		actors: actors(ActorHuman, ActorSystem),
	},
	{StatusReview, StatusNeedsApproval}: {
		actors: actors(ActorHuman, ActorSystem),
	},
	{StatusReview, StatusCanceled}: {
		actors: actors(ActorHuman),
	},

	{StatusNeedsApproval, StatusInbox}: {
		actors: actors(ActorHuman),
	},
	{StatusNeedsApproval, StatusAssigned}: {
		actors: actors(ActorHuman),
	},
	{StatusNeedsApproval, StatusInProgress}: {
		actors: actors(ActorHuman),
	},
	{StatusNeedsApproval, StatusReview}: {
		actors: actors(ActorHuman),
	},
	{StatusNeedsApproval, StatusDone}: {
		actors:            actors(ActorHuman),
		requiredArtifacts: []string{ArtifactApprovalRecord},
	},
	{StatusNeedsApproval, StatusCanceled}: {
		actors: actors(ActorHuman),
	},
	{StatusNeedsApproval, StatusBlocked}: {
		actors: actors(ActorHuman, ActorSystem),
	},

	{StatusBlocked, StatusAssigned}: {
		actors: actors(ActorHuman),
	},
	{StatusBlocked, StatusInProgress}: {
		actors: actors(ActorHuman),
	},
	{StatusBlocked, StatusNeedsApproval}: {
		actors: actors(ActorHuman, ActorSystem),
	},
	{StatusBlocked, StatusCanceled}: {
		actors: actors(ActorHuman),
	},
}

// RequiresAssignees reports whether the edge demands a non-empty assignee
// set on the task.
func RequiresAssignees(from, to Status) bool {
	return transitionRules[edge{from, to}].requiresAssignees
}

// RequiredArtifacts returns the artifact names the edge demands.
func RequiredArtifacts(from, to Status) []string {
	return transitionRules[edge{from, to}].requiredArtifacts
}

// ValidateTransition applies the structural checks, in order: terminal
// source, edge existence, actor membership, required artifacts. It knows
// nothing about policy, budget, or loop state.
func ValidateTransition(from, to Status, actor ActorType, artifacts Artifacts) error {
	if from.Terminal() {
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, from)
	}
	r, ok := transitionRules[edge{from, to}]
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if _, ok := r.actors[actor]; !ok {
		return fmt.Errorf("%w: %s may not perform %s -> %s", ErrActorNotAllowed, actor, from, to)
	}
	for _, name := range r.requiredArtifacts {
		if !artifacts.Has(name) {
			return fmt.Errorf("%w: %s required for %s -> %s", ErrMissingArtifact, name, from, to)
		}
	}
	return nil
}
