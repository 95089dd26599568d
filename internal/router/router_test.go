package router

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jaydubya818/missionctl/internal/audit"
	"github.com/jaydubya818/missionctl/internal/bus"
)

func TestMain(m *testing.M) {
	_ = audit.Init(os.TempDir())
	code := m.Run()
	_ = audit.Close()
	os.Exit(code)
}

func TestRouterConsumesExecutorReady(t *testing.T) {
	events := bus.New()
	r := New(events, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	events.Publish(bus.TopicExecutorReady, bus.ExecutorReadyEvent{
		TaskID: "task-1", ProjectID: "proj-1", TaskType: "technical", AgentIDs: []string{"agent-1"},
	})

	deadline := time.After(2 * time.Second)
	for len(r.Dispatched()) == 0 {
		select {
		case <-deadline:
			t.Fatal("router did not consume event")
		case <-time.After(10 * time.Millisecond):
		}
	}
	got := r.Dispatched()[0]
	if got.TaskID != "task-1" || len(got.AgentIDs) != 1 {
		t.Errorf("dispatched = %+v", got)
	}
}

func TestRouterIgnoresOtherTopics(t *testing.T) {
	events := bus.New()
	r := New(events, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	events.Publish(bus.TopicTaskTransition, bus.TaskTransitionEvent{TaskID: "task-1"})
	time.Sleep(50 * time.Millisecond)
	if n := len(r.Dispatched()); n != 0 {
		t.Errorf("dispatched %d events from unrelated topic", n)
	}
}
