package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/odyssey-erp/fiscaldesk/cmd/fiscalctl/cli"
	"github.com/odyssey-erp/fiscaldesk/internal/app"
	"github.com/odyssey-erp/fiscaldesk/internal/fiscal"
	"github.com/odyssey-erp/fiscaldesk/internal/platform/db"
)

const usage = `usage: fiscalctl <command> [flags]

commands:
  status [--json]          show the current fiscal year and counter usage
  jobs trigger auto-switch enqueue the fiscal auto-switch job now
  jobs stats               show default queue statistics
  jobs scheduled [--size]  list scheduled jobs
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	logger := app.NewLogger(cfg)

	switch args[0] {
	case "status":
		fs := flag.NewFlagSet("status", flag.ContinueOnError)
		fs.SetOutput(stderr)
		asJSON := fs.Bool("json", false, "print JSON")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: 2})
		if err != nil {
			logger.Error("connect database", slog.Any("error", err))
			return 1
		}
		defer pool.Close()
		manager, err := fiscal.NewManager(fiscal.NewRepository(pool), cfg.FiscalConfig(), logger)
		if err != nil {
			logger.Error("init fiscal manager", slog.Any("error", err))
			return 1
		}
		return cli.StatusCommand(ctx, manager, cli.StatusOptions{JSONOutput: *asJSON, Stdout: stdout, Stderr: stderr})
	case "jobs":
		return runJobs(ctx, cfg, args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}
}

func runJobs(ctx context.Context, cfg *app.Config, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}
	jobsCLI := cli.NewJobsCLI(cfg.RedisOpt())
	defer func() { _ = jobsCLI.Close() }()

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			_, _ = fmt.Fprintln(stderr, "jobs trigger: job name required")
			return 2
		}
		info, err := jobsCLI.Trigger(ctx, args[1])
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "jobs trigger: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	case "stats":
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "jobs stats: %v\n", err)
			return 1
		}
		_ = enc.Encode(stats)
	case "scheduled":
		fs := flag.NewFlagSet("scheduled", flag.ContinueOnError)
		fs.SetOutput(stderr)
		size := fs.Int("size", 10, "page size")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		tasks, err := jobsCLI.ListScheduled(ctx, *size)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "jobs scheduled: %v\n", err)
			return 1
		}
		for _, t := range tasks {
			_, _ = fmt.Fprintf(stdout, "%s %s next=%s\n", t.ID, t.Type, t.NextProcessAt.UTC().Format("2006-01-02T15:04:05Z"))
		}
	default:
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}
	return 0
}
