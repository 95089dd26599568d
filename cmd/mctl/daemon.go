package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jaydubya818/missionctl/internal/approval"
	"github.com/jaydubya818/missionctl/internal/audit"
	"github.com/jaydubya818/missionctl/internal/budget"
	"github.com/jaydubya818/missionctl/internal/bus"
	"github.com/jaydubya818/missionctl/internal/config"
	"github.com/jaydubya818/missionctl/internal/engine"
	"github.com/jaydubya818/missionctl/internal/loopdetect"
	otelPkg "github.com/jaydubya818/missionctl/internal/otel"
	"github.com/jaydubya818/missionctl/internal/persistence"
	"github.com/jaydubya818/missionctl/internal/policy"
	"github.com/jaydubya818/missionctl/internal/router"
	"github.com/jaydubya818/missionctl/internal/server"
	"github.com/jaydubya818/missionctl/internal/sweep"
	"github.com/jaydubya818/missionctl/internal/telemetry"
)

// filePolicyID is the policy row the policy.yaml document is installed under.
const filePolicyID = "global-file"

func runDaemon(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"home", cfg.HomeDir, "config_fingerprint", cfg.Fingerprint())

	events := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:  cfg.OTel.Enabled,
		Exporter: cfg.OTel.Exporter,
		Endpoint: cfg.OTel.Endpoint,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	store, err := persistence.Open(cfg.DBPath, events)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	policyPath := config.PolicyPath(cfg.HomeDir)
	if _, statErr := os.Stat(policyPath); os.IsNotExist(statErr) {
		if writeErr := os.WriteFile(policyPath, []byte(policy.DefaultRulesYAML()), 0o644); writeErr != nil {
			fatalStartup(logger, "E_POLICY_BOOTSTRAP", writeErr)
		}
		logger.Info("policy.yaml bootstrapped with defaults", "path", policyPath)
	}
	if err := installPolicyFile(ctx, store, policyPath, logger); err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	logger.Info("startup phase", "phase", "policy_loaded")

	gate := approval.NewGate(store, events, logger)
	gate.TTL = cfg.ApprovalTTL()
	eng := engine.New(store, events,
		policy.NewEvaluator(store, logger),
		budget.NewGuard(store, events, logger),
		gate,
		logger)

	detector := loopdetect.New(store, eng, events, loopdetect.Config{
		CommentStormLimit:  cfg.Loops.CommentStormLimit,
		CommentStormWindow: time.Duration(cfg.Loops.CommentStormWindowMin) * time.Minute,
		ReviewLoopLimit:    cfg.Loops.ReviewLoopLimit,
		ReviewLoopWindow:   time.Duration(cfg.Loops.ReviewLoopWindowMin) * time.Minute,
		FailureStreakLimit: cfg.Loops.FailureStreakLimit,
	}, logger)

	rtr := router.New(events, logger)
	rtr.Start(ctx)
	defer rtr.Stop()

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}
	go runMetricsBridge(ctx, events, metrics)

	sched := sweep.NewScheduler(logger)
	registerSweep := func(name, spec string, run func(context.Context) (int, error)) {
		err := sched.Register(name, spec, func(jobCtx context.Context) error {
			start := time.Now()
			n, err := run(jobCtx)
			metrics.SweepDuration.Record(jobCtx, time.Since(start).Seconds(),
				metric.WithAttributes(attribute.String("mctl.sweep.job", name)))
			if err == nil && n > 0 {
				logger.Info("sweep acted", "job", name, "count", n)
			}
			return err
		})
		if err != nil {
			fatalStartup(logger, "E_SWEEP_REGISTER", err)
		}
	}
	registerSweep("approval-expiry", cfg.Sweep.ApprovalExpiry, gate.ExpireStale)
	registerSweep("loop-detection", cfg.Sweep.LoopDetection, detector.DetectLoops)
	sched.Start(ctx)
	defer sched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range watcher.Events() {
			if ev.Path != policyPath {
				logger.Info("config change detected; restart to apply", "path", ev.Path)
				continue
			}
			if err := installPolicyFile(ctx, store, policyPath, logger); err != nil {
				logger.Error("policy reload failed, previous policy stays active", "error", err)
			}
		}
	}()

	handler, err := server.New(server.Config{Engine: eng, Detector: detector})
	if err != nil {
		fatalStartup(logger, "E_API_INIT", err)
	}
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", cfg.BindAddr)
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("api server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown incomplete", "error", err)
	}
	logger.Info("daemon stopped")
	return 0
}

// installPolicyFile validates the policy.yaml document and installs it as the
// active GLOBAL policy. The version increments only when the document changed.
func installPolicyFile(ctx context.Context, store *persistence.Store, path string, logger *slog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if _, err := policy.ParseRules(string(data)); err != nil {
		return err
	}

	version := 1
	if prior, err := store.ActivePolicy(ctx, "GLOBAL", ""); err == nil && prior != nil {
		if prior.ID == filePolicyID && prior.Rules == string(data) {
			return nil
		}
		version = prior.Version + 1
	}
	if err := store.UpsertPolicy(ctx, &persistence.Policy{
		ID:        filePolicyID,
		Name:      "policy.yaml",
		Version:   version,
		ScopeType: "GLOBAL",
		Rules:     string(data),
		Active:    true,
	}); err != nil {
		return err
	}
	logger.Info("global policy installed", "version", version, "path", path)
	return nil
}

// runMetricsBridge maps governance bus events onto the metric instruments so
// the engine itself stays free of telemetry plumbing.
func runMetricsBridge(ctx context.Context, events *bus.Bus, m *otelPkg.Metrics) {
	sub := events.Subscribe("")
	defer events.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			switch ev.Topic {
			case bus.TopicTaskTransition:
				if p, ok := ev.Payload.(bus.TaskTransitionEvent); ok {
					m.TransitionsTotal.Add(ctx, 1, metric.WithAttributes(
						otelPkg.AttrFromStatus.String(p.FromStatus),
						otelPkg.AttrToStatus.String(p.ToStatus),
					))
				}
			case bus.TopicApprovalRequested:
				m.ApprovalsRequested.Add(ctx, 1)
			case bus.TopicApprovalExpired:
				m.ApprovalsExpired.Add(ctx, 1)
			case bus.TopicBudgetDenied:
				m.BudgetDenials.Add(ctx, 1)
			case bus.TopicLoopDetected:
				if p, ok := ev.Payload.(bus.LoopDetectedEvent); ok {
					m.LoopAlerts.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrAlertKind.String(p.Kind)))
				} else {
					m.LoopAlerts.Add(ctx, 1)
				}
			case bus.TopicAgentQuarantined:
				m.AgentsQuarantined.Add(ctx, 1)
			}
		}
	}
}
