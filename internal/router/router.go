// Package router consumes executor.ready events and hands tasks off toward
// execution backends. The backend mapping itself lives outside the engine;
// this router records the handoff so operators can see what was dispatched.
package router

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jaydubya818/missionctl/internal/audit"
	"github.com/jaydubya818/missionctl/internal/bus"
)

// Router subscribes to executor.ready and logs/audits each dispatch.
type Router struct {
	events *bus.Bus
	logger *slog.Logger

	mu         sync.Mutex
	dispatched []bus.ExecutorReadyEvent
	sub        *bus.Subscription
	done       chan struct{}
}

func New(events *bus.Bus, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		events: events,
		logger: logger.With("component", "router"),
	}
}

func (r *Router) Start(ctx context.Context) {
	r.sub = r.events.Subscribe(bus.TopicExecutorReady)
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-r.sub.Ch():
				if !ok {
					return
				}
				ready, ok := ev.Payload.(bus.ExecutorReadyEvent)
				if !ok {
					continue
				}
				r.dispatch(ready)
			}
		}
	}()
}

func (r *Router) dispatch(ev bus.ExecutorReadyEvent) {
	r.mu.Lock()
	r.dispatched = append(r.dispatched, ev)
	r.mu.Unlock()

	r.logger.Info("task ready for execution",
		"task_id", ev.TaskID, "project_id", ev.ProjectID,
		"task_type", ev.TaskType, "agents", ev.AgentIDs)
	audit.Record("DISPATCH", "executor.route", ev.TaskType, "", ev.TaskID)
}

// Dispatched returns a copy of everything routed so far.
func (r *Router) Dispatched() []bus.ExecutorReadyEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bus.ExecutorReadyEvent, len(r.dispatched))
	copy(out, r.dispatched)
	return out
}

// Stop unsubscribes and waits for the consumer loop to exit.
func (r *Router) Stop() {
	if r.sub != nil {
		r.events.Unsubscribe(r.sub)
	}
	if r.done != nil {
		<-r.done
	}
}
