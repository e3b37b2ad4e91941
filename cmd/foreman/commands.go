package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/foreman/internal/api"
	"github.com/cloud-shuttle/foreman/internal/db"
	"github.com/cloud-shuttle/foreman/internal/events"
	"github.com/cloud-shuttle/foreman/internal/fitness"
	"github.com/cloud-shuttle/foreman/internal/scheduler"
	"github.com/cloud-shuttle/foreman/internal/webhooks"
	"github.com/cloud-shuttle/foreman/internal/worker"
	"github.com/cloud-shuttle/foreman/pkg/telemetry"
	"github.com/cloud-shuttle/foreman/pkg/types"
)

const workersTemplate = `# Foreman worker registry
# Each worker is one agent configuration the selector can pick from.
workers:
  - id: claude-sonnet
    name: Claude Sonnet
    provider: anthropic
    model: claude-sonnet-4-5
    roles: [developer, tester]
  - id: claude-opus
    name: Claude Opus
    provider: anthropic
    model: claude-opus-4-1
    roles: [developer, architect]
`

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize Foreman in the current project",
		Long: `Initialize Foreman in the current project.

Creates a .foreman directory with a SQLite database for task state and a
worker registry template. Edit .foreman/workers.yaml to describe your
agent pool before running.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := os.Getwd()
			if err != nil {
				return err
			}

			foremanDir := filepath.Join(dir, ".foreman")
			if _, err := os.Stat(foremanDir); err == nil {
				return fmt.Errorf("already initialized in %s", foremanDir)
			}
			if err := os.MkdirAll(foremanDir, 0755); err != nil {
				return fmt.Errorf("creating .foreman directory: %w", err)
			}

			store, err := db.Open(filepath.Join(foremanDir, "foreman.db"))
			if err != nil {
				return fmt.Errorf("creating database: %w", err)
			}
			defer store.Close()
			if err := store.InitSchema(); err != nil {
				return fmt.Errorf("initializing schema: %w", err)
			}

			registryPath := filepath.Join(foremanDir, "workers.yaml")
			if err := os.WriteFile(registryPath, []byte(workersTemplate), 0644); err != nil {
				return fmt.Errorf("creating worker registry: %w", err)
			}

			fmt.Printf("👷 Initialized Foreman in %s\n", foremanDir)
			fmt.Println("\nNext steps:")
			fmt.Println("  edit .foreman/workers.yaml to describe your agents")
			fmt.Println("  foreman add my-task \"Implement the thing\"")
			fmt.Println("  foreman run")
			return nil
		},
	}
}

func addCmd() *cobra.Command {
	var (
		domain   string
		priority float64
		attempts int
		phases   []string
		role     string
		files    string
	)

	command := &cobra.Command{
		Use:   "add <id> <description>",
		Short: "Add a new task",
		Long: `Add a new task to the queue.

Tasks larger than the decomposition thresholds are split into child
tasks automatically when the scheduler picks them up, so it is fine to
add coarse work items and let Foreman break them down.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			task := &types.Task{
				ID:            args[0],
				Domain:        domain,
				Description:   args[1],
				PriorityScore: priority,
				MaxAttempts:   attempts,
				Metadata:      map[string]string{},
			}
			if role != "" {
				task.Metadata["role"] = role
			}
			if files != "" {
				task.Metadata["files"] = files
			}
			for _, name := range phases {
				task.Phases = append(task.Phases, types.Phase{Name: name, Status: types.PhasePending})
			}

			if err := store.CreateTask(task); err != nil {
				return err
			}
			fmt.Printf("✅ Created task %s\n", task.ID)
			return nil
		},
	}

	command.Flags().StringVarP(&domain, "domain", "D", "backend", "Task domain")
	command.Flags().Float64VarP(&priority, "priority", "p", 0, "Priority score (higher runs first)")
	command.Flags().IntVar(&attempts, "max-attempts", 0, "Attempt cap (0 uses the default)")
	command.Flags().StringSliceVar(&phases, "phase", nil, "Named phase (repeatable, executed in order)")
	command.Flags().StringVar(&role, "role", "", "Required worker role")
	command.Flags().StringVar(&files, "files", "", "Comma-separated files the task touches")
	return command
}

func runCmd() *cobra.Command {
	var (
		concurrent int
		verbose    bool
	)

	command := &cobra.Command{
		Use:   "run",
		Short: "Execute queued tasks until the backlog drains",
		Long: `Run the scheduler and the recovery watchdog against the task queue.

The scheduler admits pending tasks up to the concurrency cap, picks a
worker per task from the fitness records, and records every outcome.
The watchdog sweeps for crashed agents, stale leases and failed tasks
that deserve an incident.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, cfg, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			if concurrent > 0 {
				cfg.MaxConcurrent = concurrent
			}
			cfg.Verbose = cfg.Verbose || verbose

			registry, err := worker.LoadRegistry(filepath.Join(dir, cfg.WorkerRegistryPath))
			if err != nil {
				return fmt.Errorf("loading worker registry: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			shutdown, err := telemetry.Init(ctx, cfg.OTLPEndpoint, "0.1.0")
			if err != nil {
				return fmt.Errorf("initializing telemetry: %w", err)
			}
			defer shutdown(context.Background())

			exec := worker.NewCommandExecutor(cfg.AgentPath, cfg.TaskTimeout)
			exec.SetVerbose(cfg.Verbose)

			bus := events.NewBus()
			defer bus.Close()

			if cfg.Verbose {
				eventCh := bus.Subscribe("cli")
				go func() {
					for ev := range eventCh {
						data, err := ev.MarshalData()
						if err != nil {
							continue
						}
						fmt.Printf("  ⚡ %s %s %s\n", ev.Type, ev.TaskID, data)
					}
				}()
			}

			if cfg.WebhookURL != "" {
				hooks := webhooks.NewManager(nil)
				if err := hooks.Register(&webhooks.Endpoint{
					ID:      "default",
					URL:     cfg.WebhookURL,
					Secret:  cfg.WebhookSecret,
					Enabled: true,
				}); err != nil {
					return fmt.Errorf("registering webhook: %w", err)
				}
				hooks.Start(bus, 2)
				defer func() {
					stopCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
					defer done()
					hooks.Stop(stopCtx)
				}()
			}

			sched := scheduler.New(cfg, store, registry, exec, bus, nil)
			wd := scheduler.NewWatchdog(cfg, store, bus, nil, sched.ExecuteTask)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigCh
				fmt.Println("\n🛑 Interrupt received, stopping gracefully...")
				cancel()
				signal.Stop(sigCh)
			}()

			go wd.Run(ctx)

			fmt.Printf("👷 Foreman running with %d workers, %d concurrent tasks\n",
				len(registry.All()), cfg.MaxConcurrent)
			return sched.Run(ctx)
		},
	}

	command.Flags().IntVarP(&concurrent, "concurrent", "c", 0, "Concurrent task cap")
	command.Flags().BoolVarP(&verbose, "verbose", "v", false, "Stream agent output")
	return command
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show current project status",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			status, err := store.ProjectStatus()
			if err != nil {
				return err
			}
			printStatus(status)
			return nil
		},
	}
}

func taskCmd() *cobra.Command {
	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one task with its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			task, err := store.GetTask(args[0])
			if err != nil {
				return err
			}
			printTask(task)
			if inc, err := store.IncidentForRepairTask(task.ID); err == nil {
				fmt.Printf("Repairs incident: %s (%s)\n", inc.ID, inc.Status)
			}

			history, err := store.History(task.ID)
			if err != nil {
				return err
			}
			fmt.Println("\nHistory:")
			for _, entry := range history {
				ts := time.Unix(entry.CreatedAt, 0).Format("15:04:05")
				fmt.Printf("  %s  %-13s -> %-13s  by %s\n", ts, entry.FromStatus, entry.ToStatus, entry.Actor)
			}
			return nil
		},
	}

	command := &cobra.Command{
		Use:   "task",
		Short: "Inspect tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	command.AddCommand(show)
	return command
}

func watchdogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watchdog",
		Short: "Run one recovery sweep and report what it fixed",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			wd := scheduler.NewWatchdog(cfg, store, nil, nil, nil)
			report, err := wd.RunOnce(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Println("🔎 Recovery sweep complete")
			fmt.Printf("  phases reset:       %d\n", report.PhasesReset)
			fmt.Printf("  tasks requeued:     %d\n", report.Requeued)
			fmt.Printf("  incidents opened:   %d\n", report.IncidentsOpened)
			fmt.Printf("  incidents resolved: %d\n", report.IncidentsResolved)
			return nil
		},
	}
}

func leaderboardCmd() *cobra.Command {
	var role string

	command := &cobra.Command{
		Use:   "leaderboard",
		Short: "Show worker fitness rankings",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, cfg, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			registry, err := worker.LoadRegistry(filepath.Join(dir, cfg.WorkerRegistryPath))
			if err != nil {
				return fmt.Errorf("loading worker registry: %w", err)
			}

			tracker := fitness.NewTracker(store, nil)
			entries, err := tracker.Leaderboard(role, registry.Names())
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No fitness records yet. Run some tasks first.")
				return nil
			}

			fmt.Println("\n🏆 Worker Leaderboard")
			fmt.Printf("%-4s %-20s %-24s %7s %5s %6s  %s\n",
				"#", "Worker", "Context", "Fitness", "Runs", "Win%", "Badge")
			for i, entry := range entries {
				winRate := 0.0
				if entry.Runs > 0 {
					winRate = float64(entry.Wins) / float64(entry.Runs) * 100
				}
				ctxLabel := strings.Join([]string{
					entry.Context.Role, entry.Context.Technology, entry.Context.PhaseType,
				}, "/")
				fmt.Printf("%-4d %-20s %-24s %7.1f %5d %5.0f%%  %s\n",
					i+1, entry.WorkerName, ctxLabel, entry.FitnessScore, entry.Runs, winRate, entry.Badge)
			}
			return nil
		},
	}

	command.Flags().StringVarP(&role, "role", "r", "", "Filter to one role")
	return command
}

func incidentsCmd() *cobra.Command {
	var showStats bool

	command := &cobra.Command{
		Use:   "incidents",
		Short: "List open incidents",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			if showStats {
				stats, err := store.IncidentStats()
				if err != nil {
					return err
				}
				fmt.Println("\n🚑 Incident stats")
				fmt.Printf("  open:     %d\n", stats.Open)
				fmt.Printf("  resolved: %d\n", stats.Resolved)
				fmt.Printf("  closed:   %d\n", stats.Closed)
				fmt.Printf("  repairs:  %d\n", stats.Repairs)
				return nil
			}

			incidents, err := store.OpenIncidents()
			if err != nil {
				return err
			}
			if len(incidents) == 0 {
				fmt.Println("No open incidents.")
				return nil
			}
			for _, inc := range incidents {
				fmt.Printf("\n[%s] %s (%s)\n", inc.Severity, inc.Title, inc.ID)
				fmt.Printf("  failed task: %s\n", inc.FailedTaskID)
				if inc.RepairTaskID != "" {
					fmt.Printf("  repair task: %s\n", inc.RepairTaskID)
				}
				fmt.Printf("  %s\n", inc.Brief)
			}
			return nil
		},
	}

	command.Flags().BoolVar(&showStats, "stats", false, "Show aggregate counts instead")
	return command
}

func resetCmd() *cobra.Command {
	var extraAttempts int

	command := &cobra.Command{
		Use:   "reset",
		Short: "Requeue failed tasks with fresh attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			count, err := store.ResetFailed("cli", extraAttempts)
			if err != nil {
				return err
			}
			fmt.Printf("🔄 Requeued %d failed tasks with %d extra attempts each\n", count, extraAttempts)
			return nil
		},
	}

	command.Flags().IntVar(&extraAttempts, "extra-attempts", 3, "Attempts granted on top of those already spent")
	return command
}

func serveCmd() *cobra.Command {
	var addr string

	command := &cobra.Command{
		Use:   "serve",
		Short: "Serve the control plane HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, cfg, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			registry, err := worker.LoadRegistry(filepath.Join(dir, cfg.WorkerRegistryPath))
			if err != nil {
				return fmt.Errorf("loading worker registry: %w", err)
			}
			if addr == "" {
				addr = cfg.HTTPAddr
			}

			wd := scheduler.NewWatchdog(cfg, store, nil, nil, nil)
			srv := api.New(store, fitness.NewTracker(store, nil), registry, wd, nil, nil)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			go func() {
				<-ctx.Done()
				shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
				defer done()
				srv.Shutdown(shutdownCtx)
			}()

			fmt.Printf("👷 API listening on %s\n", addr)
			if err := srv.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	command.Flags().StringVar(&addr, "addr", "", "Listen address (defaults to config)")
	return command
}

func printStatus(status *types.ProjectStatus) {
	fmt.Println("\n👷 Foreman Status")
	fmt.Println("═════════════════")
	fmt.Printf("\nTotal:       %d\n", status.Total)
	fmt.Printf("Pending:     %d\n", status.Pending)
	fmt.Printf("In Progress: %d\n", status.InProgress)
	fmt.Printf("In Pipeline: %d\n", status.InPipeline)
	fmt.Printf("Completed:   %d\n", status.Completed)
	fmt.Printf("Failed:      %d\n", status.Failed)
	fmt.Printf("Decomposed:  %d\n", status.Decomposed)

	if status.Total > 0 {
		progress := float64(status.Completed) / float64(status.Total) * 100
		fmt.Printf("\nProgress: %.1f%%\n", progress)
		printProgressBar(progress)
	}
}

func printProgressBar(percent float64) {
	width := 40
	filled := int(percent / 100 * float64(width))

	fmt.Print("[")
	for i := 0; i < width; i++ {
		if i < filled {
			fmt.Print("█")
		} else {
			fmt.Print("░")
		}
	}
	fmt.Printf("] %.1f%%\n", percent)
}

func printTask(task *types.Task) {
	fmt.Printf("\n%s  [%s]\n", task.ID, task.Status)
	fmt.Printf("  domain:   %s\n", task.Domain)
	fmt.Printf("  attempts: %d/%d\n", task.Attempts, task.MaxAttempts)
	fmt.Printf("  priority: %.1f\n", task.PriorityScore)
	if task.ParentID != "" {
		fmt.Printf("  parent:   %s (depth %d)\n", task.ParentID, task.FractalDepth)
	}
	if len(task.ChildIDs) > 0 {
		fmt.Printf("  children: %s\n", strings.Join(task.ChildIDs, ", "))
	}
	if task.LastError != "" {
		fmt.Printf("  error:    %s\n", task.LastError)
	}
	if len(task.Phases) > 0 {
		fmt.Println("  phases:")
		for _, phase := range task.Phases {
			marker := " "
			switch phase.Status {
			case types.PhaseDone:
				marker = "x"
			case types.PhaseRunning:
				marker = ">"
			}
			fmt.Printf("    [%s] %s\n", marker, phase.Name)
		}
	}
	fmt.Printf("\n  %s\n", task.Description)
}
