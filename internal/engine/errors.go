package engine

import (
	"errors"

	"github.com/jaydubya818/missionctl/internal/approval"
	"github.com/jaydubya818/missionctl/internal/budget"
	"github.com/jaydubya818/missionctl/internal/lifecycle"
)

// The engine's error taxonomy. Callers branch with errors.Is; the HTTP layer
// maps each sentinel to a status code. Validation sentinels originate in the
// packages that own the rule and are re-exported here so callers import one
// taxonomy.
var (
	ErrInvalidTransition = lifecycle.ErrInvalidTransition
	ErrActorNotAllowed   = lifecycle.ErrActorNotAllowed
	ErrMissingArtifact   = lifecycle.ErrMissingArtifact
	ErrAlreadyTerminal   = lifecycle.ErrAlreadyTerminal

	ErrAlreadyDecided  = approval.ErrAlreadyDecided
	ErrApprovalExpired = approval.ErrExpired
	ErrBudgetExceeded  = budget.ErrExceeded

	// ErrPolicyBlocked means the active policy denies the action outright.
	ErrPolicyBlocked = errors.New("action blocked by policy")
	// ErrAgentQuarantined means the acting agent is quarantined and may not
	// drive any transition until a human intervenes.
	ErrAgentQuarantined = errors.New("agent quarantined")
)
