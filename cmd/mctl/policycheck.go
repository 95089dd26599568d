package main

import (
	"fmt"
	"os"

	"github.com/jaydubya818/missionctl/internal/policy"
)

func runPolicyCommand(args []string) int {
	if len(args) < 1 || args[0] != "check" {
		fmt.Fprintln(os.Stderr, "usage: mctl policy check <file>")
		return 2
	}
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: mctl policy check <file>")
		return 2
	}

	data, err := os.ReadFile(args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "read %s: %v\n", args[1], err)
		return 1
	}
	rules, err := policy.ParseRules(string(data))
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid policy document: %v\n", err)
		return 1
	}

	fmt.Printf("%s: valid\n", args[1])
	fmt.Printf("  max_auto_risk: %s\n", rules.MaxAutoRisk)
	if rules.MaxAutoCost > 0 {
		fmt.Printf("  max_auto_cost: %.2f\n", rules.MaxAutoCost)
	}
	if len(rules.DenyActionTypes) > 0 {
		fmt.Printf("  deny: %v\n", rules.DenyActionTypes)
	}
	if len(rules.RequireActionWord) > 0 {
		fmt.Printf("  require approval: %v\n", rules.RequireActionWord)
	}
	return 0
}
