// Package doctor runs local diagnostic checks: is the home directory usable,
// does the database open, is the policy document valid, is the daemon up.
package doctor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/jaydubya818/missionctl/internal/config"
	"github.com/jaydubya818/missionctl/internal/persistence"
	"github.com/jaydubya818/missionctl/internal/policy"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed outright.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkPolicy,
		checkDaemon,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  fmt.Sprintf("fingerprint=%s", cfg.Fingerprint()),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	if _, err := os.Stat(cfg.DBPath); os.IsNotExist(err) {
		return CheckResult{Name: "Database", Status: "WARN", Message: "No database yet; created on first daemon start", Detail: cfg.DBPath}
	}

	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	var tasks int
	if err := store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks;`).Scan(&tasks); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("tasks=%d", tasks),
	}
}

func checkPolicy(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Policy", Status: "SKIP", Message: "Config missing"}
	}
	path := config.PolicyPath(cfg.HomeDir)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return CheckResult{Name: "Policy", Status: "WARN", Message: "No policy.yaml yet; bootstrapped on first daemon start", Detail: path}
	}
	if err != nil {
		return CheckResult{Name: "Policy", Status: "FAIL", Message: fmt.Sprintf("Read failed: %v", err)}
	}
	rules, err := policy.ParseRules(string(data))
	if err != nil {
		return CheckResult{Name: "Policy", Status: "FAIL", Message: fmt.Sprintf("Document invalid: %v", err), Detail: path}
	}
	return CheckResult{
		Name:    "Policy",
		Status:  "PASS",
		Message: "policy.yaml valid",
		Detail:  fmt.Sprintf("max_auto_risk=%s max_auto_cost=%.2f", rules.MaxAutoRisk, rules.MaxAutoCost),
	}
}

func checkDaemon(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Daemon", Status: "SKIP", Message: "Config missing"}
	}
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, "http://"+cfg.BindAddr+"/healthz", nil)
	if err != nil {
		return CheckResult{Name: "Daemon", Status: "FAIL", Message: err.Error()}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return CheckResult{Name: "Daemon", Status: "WARN", Message: "Not reachable (daemon may be stopped)", Detail: cfg.BindAddr}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return CheckResult{Name: "Daemon", Status: "FAIL", Message: fmt.Sprintf("healthz returned %d", resp.StatusCode)}
	}
	return CheckResult{Name: "Daemon", Status: "PASS", Message: "healthz ok", Detail: cfg.BindAddr}
}
