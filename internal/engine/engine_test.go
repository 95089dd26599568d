package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jaydubya818/missionctl/internal/approval"
	"github.com/jaydubya818/missionctl/internal/audit"
	"github.com/jaydubya818/missionctl/internal/budget"
	"github.com/jaydubya818/missionctl/internal/bus"
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
	engine *Engine
	store  *persistence.Store
	events *bus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	events := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"), events)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	eng := New(store, events,
		policy.NewEvaluator(store, nil),
		budget.NewGuard(store, events, nil),
		approval.NewGate(store, events, nil),
		nil)

	ctx := context.Background()
	if err := store.CreateProject(ctx, "proj-1", "test"); err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := store.CreateAgent(ctx, &persistence.Agent{
		AgentID: "agent-1", ProjectID: "proj-1", BudgetDaily: 10.0, BudgetPerRun: 5.0,
	}); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	// Permissive global policy; individual tests tighten it.
	if err := store.UpsertPolicy(ctx, &persistence.Policy{
		ID: "global", Name: "global", Version: 1, ScopeType: "GLOBAL",
		Rules: "max_auto_risk: RED\n", Active: true,
	}); err != nil {
		t.Fatalf("install policy: %v", err)
	}
	return &fixture{engine: eng, store: store, events: events}
}

func (f *fixture) createTask(t *testing.T, id string, status lifecycle.Status, assignees ...string) {
	t.Helper()
	err := f.store.CreateTask(context.Background(), &persistence.Task{
		ID: id, ProjectID: "proj-1", Status: status, AssigneeIDs: assignees,
	})
	if err != nil {
		t.Fatalf("create task %s: %v", id, err)
	}
}

func (f *fixture) attempt(t *testing.T, req TransitionRequest) (*Result, error) {
	t.Helper()
	return f.engine.AttemptTransition(context.Background(), req)
}

func TestHappyPathLifecycle(t *testing.T) {
	f := newFixture(t)
	f.createTask(t, "task-1", lifecycle.StatusInbox)

	steps := []TransitionRequest{
		{TaskID: "task-1", To: lifecycle.StatusAssigned, ActorType: lifecycle.ActorHuman, ActorID: "pm-1",
			AssigneeIDs: []string{"agent-1"}, IdempotencyKey: "k1"},
		{TaskID: "task-1", To: lifecycle.StatusInProgress, ActorType: lifecycle.ActorAgent, ActorID: "agent-1",
			Artifacts: lifecycle.Artifacts{lifecycle.ArtifactWorkPlan: "plan-1"}, IdempotencyKey: "k2"},
		{TaskID: "task-1", To: lifecycle.StatusReview, ActorType: lifecycle.ActorAgent, ActorID: "agent-1",
			Artifacts: lifecycle.Artifacts{
				lifecycle.ArtifactDeliverable: "pr-42",
				lifecycle.ArtifactSelfReview:  "notes-1",
			}, IdempotencyKey: "k3"},
		{TaskID: "task-1", To: lifecycle.StatusDone, ActorType: lifecycle.ActorHuman, ActorID: "pm-1",
			Artifacts: lifecycle.Artifacts{lifecycle.ArtifactApprovalRecord: "appr-1"}, IdempotencyKey: "k4"},
	}
	for i, req := range steps {
		res, err := f.attempt(t, req)
		if err != nil {
			t.Fatalf("step %d (%s): %v", i, req.To, err)
		}
		if res.Task.Status != req.To {
			t.Fatalf("step %d status = %s, want %s", i, res.Task.Status, req.To)
		}
	}

	task, err := f.store.GetTask(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.StartedAt == nil {
		t.Error("started_at should be stamped on first IN_PROGRESS")
	}

	history, err := f.store.ListTransitions(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 4 {
		t.Errorf("history length = %d, want 4", len(history))
	}
}

func TestIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	f.createTask(t, "task-1", lifecycle.StatusInbox)

	req := TransitionRequest{
		TaskID: "task-1", To: lifecycle.StatusAssigned,
		ActorType: lifecycle.ActorHuman, ActorID: "pm-1",
		AssigneeIDs: []string{"agent-1"}, IdempotencyKey: "same-key",
	}
	first, err := f.attempt(t, req)
	if err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	if first.Replayed {
		t.Fatal("first attempt must not be a replay")
	}

	second, err := f.attempt(t, req)
	if err != nil {
		t.Fatalf("replay attempt: %v", err)
	}
	if !second.Replayed {
		t.Fatal("second attempt with same key must be a replay")
	}
	if second.Transition.IdempotencyKey != "same-key" {
		t.Errorf("replay returned key %q", second.Transition.IdempotencyKey)
	}

	history, err := f.store.ListTransitions(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("replay appended: history length = %d, want 1", len(history))
	}

	// Same key on a different task is a hard error, not a replay.
	f.createTask(t, "task-2", lifecycle.StatusInbox)
	if _, err := f.attempt(t, TransitionRequest{
		TaskID: "task-2", To: lifecycle.StatusAssigned,
		ActorType: lifecycle.ActorHuman, ActorID: "pm-1",
		AssigneeIDs: []string{"agent-1"}, IdempotencyKey: "same-key",
	}); err == nil {
		t.Error("reusing a key across tasks should fail")
	}
}

func TestReasonSecretsRedactedBeforeCommit(t *testing.T) {
	f := newFixture(t)
	f.createTask(t, "task-1", lifecycle.StatusInbox)

	res, err := f.attempt(t, TransitionRequest{
		TaskID: "task-1", To: lifecycle.StatusAssigned,
		ActorType: lifecycle.ActorHuman, ActorID: "pm-1",
		AssigneeIDs:    []string{"agent-1"},
		Reason:         "reassigned after incident, old creds Bearer abcdef1234567890abcdef rotated",
		IdempotencyKey: "redact-1",
	})
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if strings.Contains(res.Transition.Reason, "abcdef1234567890abcdef") {
		t.Errorf("secret persisted in transition reason: %q", res.Transition.Reason)
	}
	if !strings.Contains(res.Transition.Reason, "[REDACTED:Bearer token]") {
		t.Errorf("reason not redacted: %q", res.Transition.Reason)
	}
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	f := newFixture(t)
	for _, terminal := range []lifecycle.Status{lifecycle.StatusDone, lifecycle.StatusCanceled} {
		id := "task-" + string(terminal)
		f.createTask(t, id, terminal)
		_, err := f.attempt(t, TransitionRequest{
			TaskID: id, To: lifecycle.StatusInbox,
			ActorType: lifecycle.ActorHuman, ActorID: "pm-1", IdempotencyKey: "k-" + id,
		})
		if !errors.Is(err, ErrAlreadyTerminal) {
			t.Errorf("%s: error = %v, want ErrAlreadyTerminal", terminal, err)
		}
	}
}

func TestReviewToDoneGates(t *testing.T) {
	f := newFixture(t)
	f.createTask(t, "task-1", lifecycle.StatusReview, "agent-1")

	_, err := f.attempt(t, TransitionRequest{
		TaskID: "task-1", To: lifecycle.StatusDone,
		ActorType: lifecycle.ActorHuman, ActorID: "pm-1", IdempotencyKey: "k1",
	})
	if !errors.Is(err, ErrMissingArtifact) {
		t.Fatalf("without approval record: %v, want ErrMissingArtifact", err)
	}

	_, err = f.attempt(t, TransitionRequest{
		TaskID: "task-1", To: lifecycle.StatusDone,
		ActorType: lifecycle.ActorAgent, ActorID: "agent-1",
		Artifacts:      lifecycle.Artifacts{lifecycle.ArtifactApprovalRecord: "appr-1"},
		IdempotencyKey: "k2",
	})
	if !errors.Is(err, ErrActorNotAllowed) {
		t.Fatalf("agent actor: %v, want ErrActorNotAllowed", err)
	}
}

func TestAssigneeRequiredOnClaim(t *testing.T) {
	f := newFixture(t)
	f.createTask(t, "task-1", lifecycle.StatusInbox)

	_, err := f.attempt(t, TransitionRequest{
		TaskID: "task-1", To: lifecycle.StatusAssigned,
		ActorType: lifecycle.ActorHuman, ActorID: "pm-1", IdempotencyKey: "k1",
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("claim without assignees: %v, want ErrInvalidTransition", err)
	}
}

func TestRacingClaimsOneWinner(t *testing.T) {
	f := newFixture(t)
	f.createTask(t, "task-1", lifecycle.StatusInbox)

	const racers = 8
	var wg sync.WaitGroup
	results := make([]error, racers)
	for i := range racers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.AttemptTransition(context.Background(), TransitionRequest{
				TaskID: "task-1", To: lifecycle.StatusAssigned,
				ActorType: lifecycle.ActorSystem, ActorID: "scheduler",
				AssigneeIDs:    []string{"agent-1"},
				IdempotencyKey: fmt.Sprintf("race-%d", i),
			})
			results[i] = err
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrAlreadyTerminal):
		default:
			t.Errorf("unexpected race error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("winners = %d, want exactly 1", wins)
	}
	history, err := f.store.ListTransitions(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("ledger rows = %d, want 1", len(history))
	}
}

func TestPolicyDenyBlocksAndStampsReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.UpsertPolicy(ctx, &persistence.Policy{
		ID: "strict", Name: "strict", Version: 2, ScopeType: "GLOBAL",
		Rules: "deny_action_types: [task.transition.in_progress]\n", Active: true,
	}); err != nil {
		t.Fatalf("install policy: %v", err)
	}
	f.createTask(t, "task-1", lifecycle.StatusAssigned, "agent-1")

	_, err := f.attempt(t, TransitionRequest{
		TaskID: "task-1", To: lifecycle.StatusInProgress,
		ActorType: lifecycle.ActorAgent, ActorID: "agent-1",
		Artifacts:      lifecycle.Artifacts{lifecycle.ArtifactWorkPlan: "plan-1"},
		IdempotencyKey: "k1",
	})
	if !errors.Is(err, ErrPolicyBlocked) {
		t.Fatalf("error = %v, want ErrPolicyBlocked", err)
	}

	task, err := f.store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != lifecycle.StatusAssigned {
		t.Errorf("status = %s, want unchanged ASSIGNED", task.Status)
	}
	if task.BlockedReason == "" {
		t.Error("policy denial should stamp blocked reason")
	}
}

func TestPolicyRequireApprovalDefersTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.UpsertPolicy(ctx, &persistence.Policy{
		ID: "cautious", Name: "cautious", Version: 2, ScopeType: "GLOBAL",
		Rules: "max_auto_risk: GREEN\n", Active: true,
	}); err != nil {
		t.Fatalf("install policy: %v", err)
	}
	f.createTask(t, "task-1", lifecycle.StatusAssigned, "agent-1")

	req := TransitionRequest{
		TaskID: "task-1", To: lifecycle.StatusInProgress,
		ActorType: lifecycle.ActorAgent, ActorID: "agent-1",
		RiskLevel:      lifecycle.RiskRed,
		Artifacts:      lifecycle.Artifacts{lifecycle.ArtifactWorkPlan: "plan-1"},
		IdempotencyKey: "k1",
	}
	res, err := f.attempt(t, req)
	if err != nil {
		t.Fatalf("deferred attempt: %v", err)
	}
	if !res.Deferred || res.Approval == nil {
		t.Fatalf("result = %+v, want deferral with pending approval", res)
	}
	if res.Task.Status != lifecycle.StatusAssigned {
		t.Errorf("status moved on deferral: %s", res.Task.Status)
	}

	// Retrying while pending reuses the open approval.
	again, err := f.attempt(t, req)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if again.Approval.ID != res.Approval.ID {
		t.Error("retry filed a duplicate approval")
	}

	// An approval record artifact satisfies the gate.
	req.Artifacts[lifecycle.ArtifactApprovalRecord] = res.Approval.ID
	done, err := f.attempt(t, req)
	if err != nil {
		t.Fatalf("approved attempt: %v", err)
	}
	if done.Deferred || done.Task.Status != lifecycle.StatusInProgress {
		t.Errorf("result = %+v, want committed IN_PROGRESS", done)
	}
}

func TestQuarantinedAgentVetoed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.UpdateAgentStatus(ctx, "agent-1", persistence.AgentStatusQuarantined); err != nil {
		t.Fatalf("quarantine: %v", err)
	}
	f.createTask(t, "task-1", lifecycle.StatusAssigned, "agent-1")

	_, err := f.attempt(t, TransitionRequest{
		TaskID: "task-1", To: lifecycle.StatusInProgress,
		ActorType: lifecycle.ActorAgent, ActorID: "agent-1",
		Artifacts:      lifecycle.Artifacts{lifecycle.ArtifactWorkPlan: "plan-1"},
		IdempotencyKey: "k1",
	})
	if !errors.Is(err, ErrAgentQuarantined) {
		t.Fatalf("error = %v, want ErrAgentQuarantined", err)
	}
}

func TestBudgetDeniedBlocksStart(t *testing.T) {
	f := newFixture(t)
	f.createTask(t, "task-1", lifecycle.StatusAssigned, "agent-1")

	_, err := f.attempt(t, TransitionRequest{
		TaskID: "task-1", To: lifecycle.StatusInProgress,
		ActorType: lifecycle.ActorAgent, ActorID: "agent-1",
		EstimatedCost:  6.0, // per-run cap is 5.0
		Artifacts:      lifecycle.Artifacts{lifecycle.ArtifactWorkPlan: "plan-1"},
		IdempotencyKey: "k1",
	})
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("error = %v, want ErrBudgetExceeded", err)
	}
}

func TestExecutorReadyPublishedOnStart(t *testing.T) {
	f := newFixture(t)
	f.createTask(t, "task-1", lifecycle.StatusAssigned, "agent-1")
	sub := f.events.Subscribe(bus.TopicExecutorReady)
	defer f.events.Unsubscribe(sub)

	if _, err := f.attempt(t, TransitionRequest{
		TaskID: "task-1", To: lifecycle.StatusInProgress,
		ActorType: lifecycle.ActorAgent, ActorID: "agent-1",
		Artifacts:      lifecycle.Artifacts{lifecycle.ArtifactWorkPlan: "plan-1"},
		IdempotencyKey: "k1",
	}); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case ev := <-sub.Ch():
		ready, ok := ev.Payload.(bus.ExecutorReadyEvent)
		if !ok || ready.TaskID != "task-1" || len(ready.AgentIDs) != 1 {
			t.Errorf("payload = %+v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no executor.ready event")
	}
}
