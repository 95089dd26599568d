package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jaydubya818/missionctl/internal/approval"
	"github.com/jaydubya818/missionctl/internal/audit"
	"github.com/jaydubya818/missionctl/internal/budget"
	"github.com/jaydubya818/missionctl/internal/bus"
	"github.com/jaydubya818/missionctl/internal/config"
	"github.com/jaydubya818/missionctl/internal/engine"
	"github.com/jaydubya818/missionctl/internal/loopdetect"
	"github.com/jaydubya818/missionctl/internal/persistence"
	"github.com/jaydubya818/missionctl/internal/policy"
)

// runSweepCommand runs the maintenance sweeps once against the store and
// exits. Useful when the daemon is down or from an external cron.
func runSweepCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: mctl sweep")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if err := audit.Init(cfg.HomeDir); err != nil {
		fmt.Fprintf(os.Stderr, "audit init: %v\n", err)
		return 1
	}
	defer func() { _ = audit.Close() }()

	events := bus.New()
	store, err := persistence.Open(cfg.DBPath, events)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()
	audit.SetDB(store.DB())

	gate := approval.NewGate(store, events, nil)
	gate.TTL = cfg.ApprovalTTL()
	eng := engine.New(store, events,
		policy.NewEvaluator(store, nil),
		budget.NewGuard(store, events, nil),
		gate,
		nil)
	detector := loopdetect.New(store, eng, events, loopdetect.Config{
		CommentStormLimit:  cfg.Loops.CommentStormLimit,
		CommentStormWindow: time.Duration(cfg.Loops.CommentStormWindowMin) * time.Minute,
		ReviewLoopLimit:    cfg.Loops.ReviewLoopLimit,
		ReviewLoopWindow:   time.Duration(cfg.Loops.ReviewLoopWindowMin) * time.Minute,
		FailureStreakLimit: cfg.Loops.FailureStreakLimit,
	}, nil)

	expired, err := gate.ExpireStale(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "approval sweep: %v\n", err)
		return 1
	}
	alerts, err := detector.DetectLoops(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loop sweep: %v\n", err)
		return 1
	}
	fmt.Printf("expired approvals: %d\nnew loop alerts: %d\n", expired, alerts)
	return 0
}
