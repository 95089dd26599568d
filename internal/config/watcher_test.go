package config

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestWatcherReportsPolicyEdit(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(PolicyPath(dir), []byte("max_auto_risk: GREEN\n"), 0o644); err != nil {
		t.Fatalf("seed policy: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWatcher(dir, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	if err := os.WriteFile(PolicyPath(dir), []byte("max_auto_risk: YELLOW\n"), 0o644); err != nil {
		t.Fatalf("edit policy: %v", err)
	}

	select {
	case ev := <-w.Events():
		if ev.Path == "" {
			t.Error("empty event path")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload event after policy edit")
	}
}

func TestWatcherClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWatcher(t.TempDir(), nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	cancel()
	select {
	case _, ok := <-w.Events():
		if ok {
			return // a buffered event is fine; channel must close eventually
		}
	case <-time.After(3 * time.Second):
		t.Fatal("events channel did not close after cancel")
	}
}
