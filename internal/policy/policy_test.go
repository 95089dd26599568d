package policy

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/jaydubya818/missionctl/internal/lifecycle"
	"github.com/jaydubya818/missionctl/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func installPolicy(t *testing.T, store *persistence.Store, id, scopeType, scopeID, rules string) {
	t.Helper()
	err := store.UpsertPolicy(context.Background(), &persistence.Policy{
		ID: id, Name: id, Version: 1, ScopeType: scopeType, ScopeID: scopeID,
		Rules: rules, Active: true,
	})
	if err != nil {
		t.Fatalf("install policy %s: %v", id, err)
	}
}

func TestParseRules(t *testing.T) {
	r, err := ParseRules("max_auto_risk: YELLOW\nmax_auto_cost: 2.5\ndeny_action_types: [delete_repo]\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if r.MaxAutoRisk != "YELLOW" || r.MaxAutoCost != 2.5 {
		t.Errorf("rules = %+v", r)
	}

	if _, err := ParseRules("max_auto_risk: PURPLE\n"); err == nil {
		t.Error("unknown risk level should fail validation")
	}
	if _, err := ParseRules("surprise_key: true\n"); err == nil {
		t.Error("unknown keys should fail validation")
	}
	if _, err := ParseRules("max_auto_cost: -1\n"); err == nil {
		t.Error("negative cost ceiling should fail validation")
	}

	r, err = ParseRules("")
	if err != nil {
		t.Fatalf("empty document: %v", err)
	}
	if r.MaxAutoRisk != "GREEN" {
		t.Errorf("default max_auto_risk = %s, want GREEN", r.MaxAutoRisk)
	}
}

func TestEvaluateFailsClosedWithoutPolicy(t *testing.T) {
	store := openTestStore(t)
	ev := NewEvaluator(store, slog.Default())

	res, err := ev.Evaluate(context.Background(), Action{
		AgentID: "agent-1", ProjectID: "proj-1",
		ActionType: "merge_pr", RiskLevel: lifecycle.RiskGreen,
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Decision != DecisionRequireApproval {
		t.Errorf("decision = %s, want REQUIRE_APPROVAL when nothing is configured", res.Decision)
	}
}

func TestEvaluateScopePrecedence(t *testing.T) {
	store := openTestStore(t)
	ev := NewEvaluator(store, slog.Default())
	ctx := context.Background()

	installPolicy(t, store, "global", "GLOBAL", "", "max_auto_risk: GREEN\n")
	installPolicy(t, store, "project", "PROJECT", "proj-1", "max_auto_risk: YELLOW\n")
	installPolicy(t, store, "agent", "AGENT", "agent-1", "max_auto_risk: RED\n")

	cases := []struct {
		name    string
		agentID string
		risk    lifecycle.RiskLevel
		want    Decision
		scope   string
	}{
		{"agent scope wins", "agent-1", lifecycle.RiskRed, DecisionAllow, "AGENT"},
		{"project scope for other agent", "agent-2", lifecycle.RiskYellow, DecisionAllow, "PROJECT"},
		{"project ceiling still binds", "agent-2", lifecycle.RiskRed, DecisionRequireApproval, "PROJECT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := ev.Evaluate(ctx, Action{
				AgentID: tc.agentID, ProjectID: "proj-1",
				ActionType: "merge_pr", RiskLevel: tc.risk,
			})
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if res.Decision != tc.want {
				t.Errorf("decision = %s, want %s (%s)", res.Decision, tc.want, res.Reason)
			}
			if res.Scope != tc.scope {
				t.Errorf("scope = %s, want %s", res.Scope, tc.scope)
			}
		})
	}
}

func TestEvaluateRulePrecedence(t *testing.T) {
	store := openTestStore(t)
	ev := NewEvaluator(store, slog.Default())
	ctx := context.Background()

	installPolicy(t, store, "global", "GLOBAL", "", `
max_auto_risk: RED
max_auto_cost: 1.0
deny_action_types: [delete_repo]
require_approval_action_types: [deploy_prod]
`)

	cases := []struct {
		name   string
		action Action
		want   Decision
	}{
		{"deny list beats everything", Action{ActionType: "delete_repo", RiskLevel: lifecycle.RiskGreen}, DecisionDeny},
		{"require list beats risk allow", Action{ActionType: "deploy_prod", RiskLevel: lifecycle.RiskGreen}, DecisionRequireApproval},
		{"cost ceiling", Action{ActionType: "merge_pr", RiskLevel: lifecycle.RiskGreen, EstimatedCost: 2.0}, DecisionRequireApproval},
		{"within limits", Action{ActionType: "merge_pr", RiskLevel: lifecycle.RiskRed, EstimatedCost: 0.5}, DecisionAllow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.action.AgentID = "agent-1"
			tc.action.ProjectID = "proj-1"
			res, err := ev.Evaluate(ctx, tc.action)
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if res.Decision != tc.want {
				t.Errorf("decision = %s, want %s (%s)", res.Decision, tc.want, res.Reason)
			}
		})
	}
}

func TestEvaluateBrokenDocumentFailsClosed(t *testing.T) {
	store := openTestStore(t)
	ev := NewEvaluator(store, slog.Default())

	installPolicy(t, store, "global", "GLOBAL", "", "max_auto_risk: [not, a, string]\n")

	res, err := ev.Evaluate(context.Background(), Action{
		AgentID: "agent-1", ProjectID: "proj-1",
		ActionType: "merge_pr", RiskLevel: lifecycle.RiskGreen,
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Decision != DecisionRequireApproval {
		t.Errorf("decision = %s, want REQUIRE_APPROVAL for unreadable policy", res.Decision)
	}
}

func TestDefaultRulesYAMLParses(t *testing.T) {
	rules, err := ParseRules(DefaultRulesYAML())
	if err != nil {
		t.Fatalf("default rules document invalid: %v", err)
	}
	if rules.MaxAutoRisk != "YELLOW" {
		t.Errorf("max_auto_risk = %s", rules.MaxAutoRisk)
	}
	if rules.MaxAutoCost != 1.0 {
		t.Errorf("max_auto_cost = %v", rules.MaxAutoCost)
	}
}
