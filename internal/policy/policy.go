// Package policy evaluates proposed agent actions against versioned rule
// documents. Resolution walks AGENT, then PROJECT, then GLOBAL scope and uses
// the first active policy it finds; an unconfigured system fails closed to
// REQUIRE_APPROVAL rather than open.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jaydubya818/missionctl/internal/lifecycle"
	"github.com/jaydubya818/missionctl/internal/persistence"
)

// Decision is the outcome of evaluating one action.
type Decision string

const (
	DecisionAllow           Decision = "ALLOW"
	DecisionRequireApproval Decision = "REQUIRE_APPROVAL"
	DecisionDeny            Decision = "DENY"
)

// Action is one proposed agent action to be judged.
type Action struct {
	AgentID       string
	ProjectID     string
	TaskID        string
	ActionType    string
	RiskLevel     lifecycle.RiskLevel
	EstimatedCost float64
}

// Result carries the decision plus the provenance a caller needs for audit.
type Result struct {
	Decision      Decision
	Reason        string
	PolicyID      string
	PolicyVersion int
	Scope         string
}

// Rules is the parsed YAML rule document stored in a policy row.
type Rules struct {
	MaxAutoRisk       string   `yaml:"max_auto_risk" json:"max_auto_risk"`
	MaxAutoCost       float64  `yaml:"max_auto_cost" json:"max_auto_cost"`
	DenyActionTypes   []string `yaml:"deny_action_types" json:"deny_action_types"`
	RequireActionWord []string `yaml:"require_approval_action_types" json:"require_approval_action_types"`
}

// ParseRules decodes and validates a rule document.
func ParseRules(doc string) (*Rules, error) {
	var raw any
	if err := yaml.Unmarshal([]byte(doc), &raw); err != nil {
		return nil, fmt.Errorf("parse rules yaml: %w", err)
	}
	if err := validateRulesDoc(raw); err != nil {
		return nil, err
	}
	var r Rules
	if err := yaml.Unmarshal([]byte(doc), &r); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	if r.MaxAutoRisk == "" {
		r.MaxAutoRisk = string(lifecycle.RiskGreen)
	}
	return &r, nil
}

// Evaluator resolves scoped policies and applies them.
type Evaluator struct {
	store  *persistence.Store
	logger *slog.Logger
}

func NewEvaluator(store *persistence.Store, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{store: store, logger: logger.With("component", "policy")}
}

// Resolve returns the effective policy for an agent, most specific scope
// first. A nil policy with nil error means nothing is configured anywhere.
func (e *Evaluator) Resolve(ctx context.Context, agentID, projectID string) (*persistence.Policy, string, error) {
	lookups := []struct {
		scopeType string
		scopeID   string
	}{
		{"AGENT", agentID},
		{"PROJECT", projectID},
		{"GLOBAL", ""},
	}
	for _, l := range lookups {
		if l.scopeType != "GLOBAL" && l.scopeID == "" {
			continue
		}
		p, err := e.store.ActivePolicy(ctx, l.scopeType, l.scopeID)
		if err != nil {
			return nil, "", fmt.Errorf("resolve %s policy: %w", strings.ToLower(l.scopeType), err)
		}
		if p != nil {
			return p, l.scopeType, nil
		}
	}
	return nil, "", nil
}

// Evaluate judges one action. Precedence inside a policy: explicit deny,
// explicit require-approval, risk ceiling, cost ceiling, then allow.
func (e *Evaluator) Evaluate(ctx context.Context, action Action) (Result, error) {
	p, scope, err := e.Resolve(ctx, action.AgentID, action.ProjectID)
	if err != nil {
		return Result{}, err
	}
	if p == nil {
		// Fail closed: no configured policy means a human signs off.
		return Result{
			Decision: DecisionRequireApproval,
			Reason:   "no active policy configured for any scope",
			Scope:    "NONE",
		}, nil
	}

	rules, err := ParseRules(p.Rules)
	if err != nil {
		e.logger.Error("policy document unreadable, failing closed",
			"policy_id", p.ID, "error", err.Error())
		return Result{
			Decision:      DecisionRequireApproval,
			Reason:        "active policy document failed validation",
			PolicyID:      p.ID,
			PolicyVersion: p.Version,
			Scope:         scope,
		}, nil
	}

	res := Result{PolicyID: p.ID, PolicyVersion: p.Version, Scope: scope}
	switch {
	case slices.Contains(rules.DenyActionTypes, action.ActionType):
		res.Decision = DecisionDeny
		res.Reason = fmt.Sprintf("action type %q is denied by policy %s", action.ActionType, p.Name)
	case slices.Contains(rules.RequireActionWord, action.ActionType):
		res.Decision = DecisionRequireApproval
		res.Reason = fmt.Sprintf("action type %q always requires approval", action.ActionType)
	case !lifecycle.RiskLevel(rules.MaxAutoRisk).AtLeast(action.RiskLevel):
		res.Decision = DecisionRequireApproval
		res.Reason = fmt.Sprintf("risk %s exceeds auto ceiling %s", action.RiskLevel, rules.MaxAutoRisk)
	case rules.MaxAutoCost > 0 && action.EstimatedCost > rules.MaxAutoCost:
		res.Decision = DecisionRequireApproval
		res.Reason = fmt.Sprintf("estimated cost %.2f exceeds auto ceiling %.2f", action.EstimatedCost, rules.MaxAutoCost)
	default:
		res.Decision = DecisionAllow
		res.Reason = fmt.Sprintf("within policy %s v%d limits", p.Name, p.Version)
	}
	return res, nil
}
