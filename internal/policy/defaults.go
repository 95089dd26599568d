package policy

// DefaultRulesYAML is the policy document bootstrapped into a fresh home
// directory. It lets routine low-risk work through unattended, keeps money
// and risk behind a human, and never auto-approves destructive actions.
func DefaultRulesYAML() string {
	return `# Governance policy. Applied at GLOBAL scope on daemon start.
# Tighter PROJECT or AGENT scoped policies installed via the API win.
max_auto_risk: YELLOW
max_auto_cost: 1.0
deny_action_types:
  - infra.delete
require_approval_action_types:
  - deploy.production
`
}
