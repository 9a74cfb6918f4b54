// Package main implements the job-runner CLI tool for invoking maintenance
// tasks and cron jobs directly, bypassing the Lambda shim.
//
// This tool is intended for local development, manual backfilling, and
// operational debugging. It assembles the same engine the daemon and the
// Lambdas use and runs one action against it.
//
// Usage:
//
//	go run ./cmd/tools/job-runner --task=archive_queue
//	go run ./cmd/tools/job-runner --task=trim_runs --reference-time=2026-01-15T02:00:00Z
//	go run ./cmd/tools/job-runner --dry-run --task=purge_dedup_keys
//	go run ./cmd/tools/job-runner --task=sweep
//	go run ./cmd/tools/job-runner --job=missing-document-reminders --drain
//	go run ./cmd/tools/job-runner --list
//
// Configuration is read the same way as the services (environment, .env and,
// outside local, SSM). In --dry-run mode the tool prints the constructed JSON
// payload without connecting to anything.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"courier/internal/config"
	"courier/internal/engine"
	"courier/internal/scheduler"
	"courier/internal/types"
)

const taskSweep scheduler.TaskType = "sweep"

// validTasks is the set of task types the tool accepts, with descriptions.
var validTasks = map[scheduler.TaskType]string{
	scheduler.TaskArchiveQueue:     "Archive settled queue rows past retention and delete them",
	scheduler.TaskPurgeDedupKeys:   "Delete expired dedup keys",
	scheduler.TaskTrimRuns:         "Trim cron run history past retention",
	scheduler.TaskReleaseStuckJobs: "Release job locks held past the stuck threshold",
	scheduler.TaskProcessRetries:   "Resend due retry records",
	scheduler.TaskRunCronJobs:      "Fire cron jobs that are due now",
	scheduler.TaskFlushEvents:      "Ship buffered monitor events to their sinks",
	taskSweep:                      "Run every task above in order",
}

// options is the parsed command line.
type options struct {
	task    scheduler.TaskType
	job     string
	refTime *time.Time
	list    bool
	dryRun  bool
	drain   bool
}

func parseArgs(args []string, stderr io.Writer) (options, error) {
	var (
		opts       options
		taskFlag   string
		refTimeStr string
	)

	fs := flag.NewFlagSet("job-runner", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&taskFlag, "task", "", "Maintenance task to execute (e.g., archive_queue)")
	fs.StringVar(&opts.job, "job", "", "Cron job ID to run immediately (e.g., missing-document-reminders)")
	fs.StringVar(&refTimeStr, "reference-time", "", "Override reference time (RFC3339, e.g., 2026-01-15T02:00:00Z)")
	fs.BoolVar(&opts.list, "list", false, "List all available task types and cron jobs, then exit")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "Print the JSON payload without executing")
	fs.BoolVar(&opts.drain, "drain", false, "Drain the delivery queue after the task or job")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: job-runner [flags]\n\n")
		fmt.Fprintf(stderr, "Invoke maintenance tasks and cron jobs directly, bypassing Lambda.\n\n")
		fmt.Fprintf(stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.list {
		return opts, nil
	}

	if taskFlag != "" && opts.job != "" {
		return opts, errors.New("--task and --job are mutually exclusive")
	}
	if taskFlag == "" && opts.job == "" && !opts.drain {
		return opts, errors.New("one of --task, --job or --drain is required")
	}
	if taskFlag != "" {
		opts.task = scheduler.TaskType(taskFlag)
		if _, ok := validTasks[opts.task]; !ok {
			return opts, fmt.Errorf("unknown task type %q", taskFlag)
		}
	}
	if opts.dryRun && opts.task == "" {
		return opts, errors.New("--dry-run requires --task")
	}
	if refTimeStr != "" {
		t, err := time.Parse(time.RFC3339, refTimeStr)
		if err != nil {
			return opts, fmt.Errorf("invalid --reference-time %q: expected RFC3339, e.g., 2026-01-15T02:00:00Z", refTimeStr)
		}
		t = t.UTC()
		opts.refTime = &t
	}
	return opts, nil
}

func main() {
	opts, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "error: %v\n\n", err)
			printAvailableTasks(os.Stderr)
		}
		os.Exit(2)
	}

	if opts.list {
		printAvailableTasks(os.Stderr)
		return
	}
	payload := scheduler.MaintenancePayload{Task: opts.task, ReferenceTime: opts.refTime}
	if opts.dryRun {
		if err := printPayload(os.Stdout, os.Stderr, payload); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := execute(ctx, opts, payload, logger); err != nil {
		logger.Error("job-runner failed", "error", err)
		os.Exit(1)
	}
}

func execute(ctx context.Context, opts options, payload scheduler.MaintenancePayload, logger *slog.Logger) error {
	var provider config.SecretProvider
	if os.Getenv("APP_ENV") != "local" {
		provider = config.NewSSMProvider(os.Getenv("AWS_REGION"))
	}
	cfg, err := config.LoadConfig(provider)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	typedLogger := &slogAdapter{logger: logger.With("service", cfg.Service, "tool", "job-runner")}
	eng, err := engine.New(ctx, cfg, typedLogger, engine.Options{Mode: engine.DispatchInProcess})
	if err != nil {
		return fmt.Errorf("assembling engine: %w", err)
	}
	defer func() {
		if err := eng.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Error("engine close failed", "error", err)
		}
	}()

	switch {
	case opts.task == taskSweep:
		results, err := eng.Maint.Sweep(ctx)
		for _, r := range results {
			logger.Info("task complete", "task", string(r.Task), "affected", r.Affected, "detail", r.Detail)
		}
		if err != nil {
			return err
		}
	case opts.task != "":
		res, err := eng.Maint.Handle(ctx, payload)
		if err != nil {
			return err
		}
		logger.Info("task complete", "task", string(res.Task), "affected", res.Affected, "detail", res.Detail)
	case opts.job != "":
		run, err := eng.Registry.RunJob(ctx, opts.job)
		if err != nil {
			return err
		}
		logger.Info("job complete",
			"job", opts.job,
			"success", run.Success,
			"emails_sent", run.EmailsSent,
			"emails_failed", run.EmailsFailed,
			"duration", run.Duration.String(),
		)
		if !run.Success {
			return fmt.Errorf("job %s failed: %s", opts.job, run.Error)
		}
	}

	if opts.drain {
		sent, err := eng.Dispatcher.Drain(ctx, 0)
		if err != nil {
			return fmt.Errorf("drain after %d messages: %w", sent, err)
		}
		logger.Info("queue drained", "processed", sent)
	}

	return eng.Monitor.Flush(ctx)
}

// printAvailableTasks prints all valid task types and their descriptions,
// sorted alphabetically by task name.
func printAvailableTasks(w io.Writer) {
	fmt.Fprintf(w, "Available task types:\n\n")

	tasks := make([]scheduler.TaskType, 0, len(validTasks))
	maxLen := 0
	for t := range validTasks {
		tasks = append(tasks, t)
		maxLen = max(maxLen, len(t))
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i] < tasks[j] })

	for _, t := range tasks {
		fmt.Fprintf(w, "  %-*s  %s\n", maxLen, string(t), validTasks[t])
	}
	fmt.Fprintf(w, "\nCron jobs (use --job):\n\n  %s\n\n", scheduler.MissingDocumentJobID)
}

// printPayload writes the payload as indented JSON to out, with a short
// description on errOut.
func printPayload(out, errOut io.Writer, payload scheduler.MaintenancePayload) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	fmt.Fprintln(out, string(data))

	fmt.Fprintf(errOut, "\nTask: %s\nDescription: %s\n", payload.Task, validTasks[payload.Task])
	if payload.ReferenceTime != nil {
		fmt.Fprintf(errOut, "Reference time: %s\n", payload.ReferenceTime.Format(time.RFC3339))
	} else {
		fmt.Fprintf(errOut, "Reference time: (current UTC time will be used)\n")
	}
	return nil
}

type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}
