package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"

	"github.com/jaydubya818/missionctl/internal/config"
	"github.com/jaydubya818/missionctl/internal/lifecycle"
	"github.com/jaydubya818/missionctl/internal/persistence"
)

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: mctl status")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	healthy := checkHealth(ctx, cfg.BindAddr)

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	if isatty.IsTerminal(os.Stdout.Fd()) {
		t.SetStyle(table.StyleLight)
	}
	t.AppendHeader(table.Row{"daemon", "bind addr", "db"})
	health := "down"
	if healthy {
		health = "ok"
	}
	t.AppendRow(table.Row{health, cfg.BindAddr, cfg.DBPath})
	t.Render()

	if _, err := os.Stat(cfg.DBPath); err != nil {
		fmt.Println("no database yet; run `mctl daemon` first")
		if !healthy {
			return 1
		}
		return 0
	}

	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	if err := renderCounts(ctx, store); err != nil {
		fmt.Fprintf(os.Stderr, "query store: %v\n", err)
		return 1
	}
	if !healthy {
		return 1
	}
	return 0
}

func checkHealth(ctx context.Context, addr string) bool {
	addr = strings.TrimSpace(addr)
	if host, port, err := net.SplitHostPort(addr); err == nil {
		addr = net.JoinHostPort(host, port)
	}
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, "http://"+addr+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func renderCounts(ctx context.Context, store *persistence.Store) error {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	if isatty.IsTerminal(os.Stdout.Fd()) {
		t.SetStyle(table.StyleLight)
	}
	t.AppendHeader(table.Row{"status", "tasks"})
	var total int
	for _, status := range lifecycle.AllStatuses {
		var n int
		row := store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status = ?;`, string(status))
		if err := row.Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		t.AppendRow(table.Row{string(status), n})
		total += n
	}
	t.AppendFooter(table.Row{"total", total})
	t.Render()

	pending, err := store.ListApprovals(ctx, persistence.ApprovalPending)
	if err != nil {
		return err
	}
	alerts, err := store.ListAlerts(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("pending approvals: %d\nloop alerts: %d\n", len(pending), len(alerts))
	return nil
}
