package loopdetect

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jaydubya818/missionctl/internal/approval"
	"github.com/jaydubya818/missionctl/internal/audit"
	"github.com/jaydubya818/missionctl/internal/budget"
	"github.com/jaydubya818/missionctl/internal/bus"
	"github.com/jaydubya818/missionctl/internal/engine"
	"github.com/jaydubya818/missionctl/internal/lifecycle"
	"github.com/jaydubya818/missionctl/internal/persistence"
	"github.com/jaydubya818/missionctl/internal/policy"
)

func TestMain(m *testing.M) {
	_ = audit.Init(os.TempDir())
	code := m.Run()
	_ = audit.Close()
	os.Exit(code)
}

type fixture struct {
	detector *Detector
	store    *persistence.Store
	events   *bus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	events := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"), events)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	eng := engine.New(store, events,
		policy.NewEvaluator(store, nil),
		budget.NewGuard(store, events, nil),
		approval.NewGate(store, events, nil),
		nil)
	detector := New(store, eng, events, DefaultConfig(), nil)

	ctx := context.Background()
	if err := store.CreateProject(ctx, "proj-1", "test"); err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := store.CreateAgent(ctx, &persistence.Agent{AgentID: "agent-1", ProjectID: "proj-1"}); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return &fixture{detector: detector, store: store, events: events}
}

func (f *fixture) createTask(t *testing.T, id string, status lifecycle.Status, assignees ...string) {
	t.Helper()
	err := f.store.CreateTask(context.Background(), &persistence.Task{
		ID: id, ProjectID: "proj-1", Status: status, AssigneeIDs: assignees,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
}

func (f *fixture) comment(t *testing.T, taskID string, n int) {
	t.Helper()
	for i := range n {
		err := f.store.AddTaskMessage(context.Background(), &persistence.TaskMessage{
			TaskID: taskID, AuthorType: "AGENT", AuthorID: "agent-1",
			Body: fmt.Sprintf("message %d", i),
		})
		if err != nil {
			t.Fatalf("add message: %v", err)
		}
	}
}

func TestCommentStormBlocksTask(t *testing.T) {
	f := newFixture(t)
	f.createTask(t, "task-1", lifecycle.StatusInProgress, "agent-1")
	f.comment(t, "task-1", DefaultConfig().CommentStormLimit+1)

	raised, err := f.detector.DetectLoops(context.Background())
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if raised != 1 {
		t.Fatalf("raised = %d, want 1", raised)
	}

	task, err := f.store.GetTask(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != lifecycle.StatusBlocked {
		t.Errorf("status = %s, want BLOCKED", task.Status)
	}
	if task.BlockedReason == "" {
		t.Error("blocked reason should name the detection")
	}

	alerts, err := f.store.ListAlerts(context.Background(), KindCommentStorm)
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Errorf("alerts = %d, want 1", len(alerts))
	}
}

func TestDetectLoopsRerunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.createTask(t, "task-1", lifecycle.StatusInProgress, "agent-1")
	f.comment(t, "task-1", DefaultConfig().CommentStormLimit+5)

	if _, err := f.detector.DetectLoops(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	// A second sweep over the same still-noisy window must not raise a second
	// alert or append a second transition.
	raised, err := f.detector.DetectLoops(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if raised != 0 {
		t.Errorf("second run raised %d, want 0", raised)
	}

	history, err := f.store.ListTransitions(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("ledger rows = %d, want 1 forced block", len(history))
	}
}

func TestCommentStormAtLimitIgnored(t *testing.T) {
	f := newFixture(t)
	f.createTask(t, "task-1", lifecycle.StatusInProgress, "agent-1")
	// Exactly the limit is allowed; only crossing it is a storm.
	f.comment(t, "task-1", DefaultConfig().CommentStormLimit)

	raised, err := f.detector.DetectLoops(context.Background())
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if raised != 0 {
		t.Errorf("raised = %d, want 0", raised)
	}
}

func TestStormNotReraisedAfterWindowRollover(t *testing.T) {
	f := newFixture(t)
	f.createTask(t, "task-1", lifecycle.StatusInProgress, "agent-1")
	f.comment(t, "task-1", DefaultConfig().CommentStormLimit+5)
	ctx := context.Background()

	// Pin the sweep clock on either side of a window-truncation boundary,
	// keeping the messages inside both sweeps' windows.
	window := DefaultConfig().CommentStormWindow
	boundary := time.Now().UTC().Truncate(window).Add(window)
	if _, err := f.store.DB().ExecContext(ctx,
		`UPDATE task_messages SET created_at = ?;`, boundary.Add(-30*time.Second)); err != nil {
		t.Fatalf("pin message times: %v", err)
	}

	f.detector.Now = func() time.Time { return boundary.Add(-time.Minute) }
	raised, err := f.detector.DetectLoops(ctx)
	if err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if raised != 1 {
		t.Fatalf("first sweep raised = %d, want 1", raised)
	}

	// The storm is still inside the second window, but the task is already
	// BLOCKED: the later sweep must not raise a duplicate alert.
	f.detector.Now = func() time.Time { return boundary.Add(time.Minute) }
	raised, err = f.detector.DetectLoops(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if raised != 0 {
		t.Errorf("second sweep raised = %d, want 0", raised)
	}

	alerts, err := f.store.ListAlerts(ctx, KindCommentStorm)
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Errorf("alerts = %d, want 1", len(alerts))
	}
	history, err := f.store.ListTransitions(ctx, "task-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("ledger rows = %d, want 1 forced block", len(history))
	}
}

func TestReviewPingPongBlocksTask(t *testing.T) {
	f := newFixture(t)
	f.createTask(t, "task-1", lifecycle.StatusReview, "agent-1")
	ctx := context.Background()

	// Seed the ledger with three full REVIEW <-> IN_PROGRESS round trips.
	key := 0
	record := func(from, to lifecycle.Status) {
		t.Helper()
		key++
		err := f.store.WithTx(ctx, func(tx *sql.Tx) error {
			return persistence.InsertTransitionTx(ctx, tx, &persistence.TaskTransition{
				TaskID: "task-1", FromStatus: from, ToStatus: to,
				ActorType: lifecycle.ActorHuman, ActorID: "reviewer-1",
				IdempotencyKey: fmt.Sprintf("seed-%d", key),
			})
		})
		if err != nil {
			t.Fatalf("seed transition: %v", err)
		}
	}
	for range DefaultConfig().ReviewLoopLimit {
		record(lifecycle.StatusReview, lifecycle.StatusInProgress)
		record(lifecycle.StatusInProgress, lifecycle.StatusReview)
	}

	raised, err := f.detector.DetectLoops(ctx)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if raised != 1 {
		t.Fatalf("raised = %d, want 1", raised)
	}

	task, err := f.store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != lifecycle.StatusBlocked {
		t.Errorf("status = %s, want BLOCKED", task.Status)
	}

	alerts, err := f.store.ListAlerts(ctx, KindReviewLoop)
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Errorf("alerts = %d, want 1", len(alerts))
	}

	// A later sweep in a fresh truncation bucket, with the round trips still
	// in window, must not re-alert the now-blocked task.
	window := DefaultConfig().ReviewLoopWindow
	boundary := time.Now().UTC().Truncate(window).Add(window)
	if _, err := f.store.DB().ExecContext(ctx,
		`UPDATE task_transitions SET created_at = ? WHERE idempotency_key LIKE 'seed-%';`,
		boundary.Add(-30*time.Second)); err != nil {
		t.Fatalf("pin transition times: %v", err)
	}
	f.detector.Now = func() time.Time { return boundary.Add(time.Minute) }
	raised, err = f.detector.DetectLoops(ctx)
	if err != nil {
		t.Fatalf("rollover sweep: %v", err)
	}
	if raised != 0 {
		t.Errorf("rollover sweep raised = %d, want 0", raised)
	}
}

func TestToolFailureStreakQuarantines(t *testing.T) {
	f := newFixture(t)
	f.createTask(t, "task-1", lifecycle.StatusInProgress, "agent-1")
	f.createTask(t, "task-2", lifecycle.StatusReview, "agent-1")
	f.createTask(t, "task-3", lifecycle.StatusNeedsApproval, "agent-1")
	f.createTask(t, "task-4", lifecycle.StatusInProgress, "agent-2")
	ctx := context.Background()

	sub := f.events.Subscribe(bus.TopicAgentQuarantined)
	defer f.events.Unsubscribe(sub)

	limit := DefaultConfig().FailureStreakLimit
	for i := range limit {
		if err := f.detector.RecordToolFailure(ctx, "agent-1", "task-1", "http_fetch", "connection timeout"); err != nil {
			t.Fatalf("failure %d: %v", i, err)
		}
	}

	agent, err := f.store.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.Status != persistence.AgentStatusQuarantined {
		t.Fatalf("agent status = %s, want QUARANTINED", agent.Status)
	}
	if agent.ErrorStreak != limit {
		t.Errorf("error streak = %d, want %d", agent.ErrorStreak, limit)
	}

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(bus.AgentQuarantinedEvent)
		if !ok || payload.AgentID != "agent-1" {
			t.Errorf("payload = %+v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no quarantine event")
	}

	// Every blockable task assigned to the quarantined agent is blocked:
	// IN_PROGRESS, REVIEW, and NEEDS_APPROVAL all have a SYSTEM -> BLOCKED edge.
	for _, id := range []string{"task-1", "task-2", "task-3"} {
		task, err := f.store.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if task.Status != lifecycle.StatusBlocked {
			t.Errorf("%s status = %s, want BLOCKED", id, task.Status)
		}
	}
	// Another agent's task is untouched.
	other, err := f.store.GetTask(ctx, "task-4")
	if err != nil {
		t.Fatalf("get task-4: %v", err)
	}
	if other.Status != lifecycle.StatusInProgress {
		t.Errorf("task-4 status = %s, want IN_PROGRESS", other.Status)
	}

	// Further failures never un-quarantine or double-alert.
	if err := f.detector.RecordToolFailure(ctx, "agent-1", "task-1", "http_fetch", "connection timeout"); err != nil {
		t.Fatalf("post-quarantine failure: %v", err)
	}
	alerts, err := f.store.ListAlerts(ctx, KindToolFailure)
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Errorf("alerts = %d, want 1", len(alerts))
	}
}

func TestDifferentSignaturesResetStreak(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := range DefaultConfig().FailureStreakLimit - 1 {
		if err := f.detector.RecordToolFailure(ctx, "agent-1", "", "http_fetch", "connection timeout"); err != nil {
			t.Fatalf("failure %d: %v", i, err)
		}
	}
	// A different failure signature breaks the run.
	if err := f.detector.RecordToolFailure(ctx, "agent-1", "", "http_fetch", "dns error"); err != nil {
		t.Fatalf("different failure: %v", err)
	}

	agent, err := f.store.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.Status == persistence.AgentStatusQuarantined {
		t.Error("mixed signatures must not quarantine")
	}
	if agent.ErrorStreak != 1 {
		t.Errorf("error streak = %d, want 1 after signature change", agent.ErrorStreak)
	}

	// A success resets entirely.
	if err := f.detector.RecordToolSuccess(ctx, "agent-1"); err != nil {
		t.Fatalf("success: %v", err)
	}
	agent, err = f.store.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.ErrorStreak != 0 {
		t.Errorf("error streak = %d, want 0 after success", agent.ErrorStreak)
	}
}
