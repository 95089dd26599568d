package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jaydubya818/missionctl/internal/audit"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE:
  %s daemon                   Run the governance daemon (HTTP API + sweeps)

SUBCOMMANDS:
  %s status                   Show daemon health and governance counters
  %s sweep                    Run the maintenance sweeps once and exit
  %s policy check <file>      Validate a policy rules document
  %s doctor [-json]           Run local diagnostics
  %s help                     Show this help

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  MCTL_HOME                   Data directory (default: ~/.mctl)
  MCTL_BIND_ADDR              HTTP bind address (default: 127.0.0.1:18790)
  MCTL_DB_PATH                SQLite database path
  MCTL_LOG_LEVEL              debug, info, warn, error

EXAMPLES:
  Run the daemon:             %s daemon
  Check daemon health:        %s status
  Validate a policy file:     %s policy check policy.yaml
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	daemon := flag.Bool("daemon", false, "run the governance daemon")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "daemon":
			*daemon = true
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "sweep":
			os.Exit(runSweepCommand(ctx, args[1:]))
		case "policy":
			os.Exit(runPolicyCommand(args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	if !*daemon {
		printUsage()
		os.Exit(2)
	}

	os.Exit(runDaemon(ctx))
}

// fatalStartup produces a structured fatal event with an explicit reason code
// before the process exits.
func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadDotEnv applies KEY=VALUE lines from a local .env without overriding
// variables already set in the environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
