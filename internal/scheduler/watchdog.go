package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/cloud-shuttle/foreman/internal/config"
	"github.com/cloud-shuttle/foreman/internal/db"
	"github.com/cloud-shuttle/foreman/internal/events"
	"github.com/cloud-shuttle/foreman/pkg/telemetry"
	"github.com/cloud-shuttle/foreman/pkg/types"
)

const watchdogActor = "watchdog"

// Watchdog reconciles tasks whose executing process died. It works only
// from persisted state: expired leases, stale timestamps and phase
// markers. Nothing in memory survives a restart, so nothing in memory is
// trusted.
type Watchdog struct {
	cfg    *config.Config
	store  *db.Store
	bus    *events.Bus
	logger *log.Logger

	// launch re-admits a task for execution; wired to the scheduler in
	// production, a stub in tests
	launch func(ctx context.Context, taskID string) error
}

// Report summarizes one recovery cycle
type Report struct {
	PhasesReset       int
	Requeued          int
	IncidentsOpened   int
	IncidentsResolved int
	Launched          int
}

// NewWatchdog creates a Watchdog. launch may be nil, in which case
// never-started tasks are only counted, not admitted.
func NewWatchdog(cfg *config.Config, store *db.Store, bus *events.Bus, logger *log.Logger, launch func(ctx context.Context, taskID string) error) *Watchdog {
	if logger == nil {
		logger = log.New(log.Writer(), "[watchdog] ", log.LstdFlags)
	}
	if bus == nil {
		bus = events.NewBus()
	}
	if launch == nil {
		launch = func(context.Context, string) error { return nil }
	}
	return &Watchdog{cfg: cfg, store: store, bus: bus, logger: logger, launch: launch}
}

// Run executes one eager cycle, then one per interval until cancelled
func (w *Watchdog) Run(ctx context.Context) error {
	if _, err := w.RunOnce(ctx); err != nil {
		w.logger.Printf("eager cycle: %v", err)
	}

	ticker := time.NewTicker(w.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger.Printf("cycle: %v", err)
			}
		}
	}
}

// RunOnce performs a single recovery sweep:
//
//  1. stale IN_PROGRESS tasks with expired leases get their running
//     phases reset and are flipped back to a resumable status
//  2. failed tasks with partial phase progress get an incident and a
//     repair task
//  3. pending tasks that never started are launched, staggered
//  4. incidents whose repair task succeeded are resolved and the
//     original task is requeued
//
// Expired leases need no sweep of their own: the lease predicate on
// listPending and lock makes them reclaimable the moment they lapse.
func (w *Watchdog) RunOnce(ctx context.Context) (*Report, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanWatchdogCycle)
	defer span.End()

	report := &Report{}

	if err := w.resetStale(ctx, report); err != nil {
		return report, err
	}
	if err := w.repairFailed(ctx, report); err != nil {
		return report, err
	}
	if err := w.resolveIncidents(ctx, report); err != nil {
		return report, err
	}
	if err := w.launchNeverStarted(ctx, report); err != nil {
		return report, err
	}

	w.publish(ctx, events.NewEvent(events.EventWatchdogCycle, "", "", map[string]any{
		"phases_reset":       report.PhasesReset,
		"requeued":           report.Requeued,
		"incidents_opened":   report.IncidentsOpened,
		"incidents_resolved": report.IncidentsResolved,
		"launched":           report.Launched,
	}))
	return report, nil
}

// resetStale handles tasks whose process died mid-execution: still
// IN_PROGRESS, lease expired, untouched past the staleness threshold
func (w *Watchdog) resetStale(ctx context.Context, report *Report) error {
	cutoff := time.Now().Add(-w.cfg.StaleAfter).Unix()
	stale, err := w.store.StaleTasks([]types.TaskStatus{types.TaskStatusInProgress}, cutoff)
	if err != nil {
		return fmt.Errorf("listing stale tasks: %w", err)
	}

	now := time.Now().Unix()
	for _, task := range stale {
		if !task.LockExpired(now) {
			continue
		}

		// Running phases go back to pending with a retry note; done
		// phases are preserved so the resumed run can skip them
		changed := false
		for i := range task.Phases {
			if task.Phases[i].Status == types.PhaseRunning {
				task.Phases[i].Status = types.PhasePending
				task.Phases[i].Note = "reset after stall"
				changed = true
			}
		}
		if changed {
			if err := w.store.UpdatePhases(task.ID, task.Phases); err != nil {
				return err
			}
			report.PhasesReset++
		}

		// Back to a resumable status through the whitelisted edges
		ok, err := w.store.Transition(task.ID, types.TaskStatusFailed, watchdogActor,
			map[string]string{"error": "stale execution reset"})
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if task.Attempts < task.MaxAttempts {
			if _, err := w.store.Transition(task.ID, types.TaskStatusPending, watchdogActor,
				map[string]string{"reset": "watchdog"}); err != nil {
				return err
			}
			report.Requeued++
		}
	}
	return nil
}

// repairFailed opens incidents for failed tasks that had made real
// progress, and spawns a repair task for each
func (w *Watchdog) repairFailed(ctx context.Context, report *Report) error {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanWatchdogRepair)
	defer span.End()

	failed, err := w.store.TasksByStatus(types.TaskStatusFailed)
	if err != nil {
		return fmt.Errorf("listing failed tasks: %w", err)
	}

	for _, task := range failed {
		done := task.CompletedPhases()
		if len(done) == 0 {
			continue
		}
		incident, err := w.store.OpenIncidentForFailedTask(task.ID)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return err
		}
		if incident != nil && incident.RepairTaskID != "" {
			continue // already filed and linked
		}

		// An open incident with no repair task means an earlier cycle died
		// between the writes; reuse it instead of filing a second one
		opened := false
		if incident == nil {
			incident = &types.Incident{
				ID:           "inc-" + uuid.New().String()[:8],
				Title:        fmt.Sprintf("task %s died after %d completed phases", task.ID, len(done)),
				FailedTaskID: task.ID,
				PhasesDone:   done,
				Brief: fmt.Sprintf("task failed with %q after finishing phases %v; environment or code may need repair before resuming",
					task.LastError, done),
			}
			if err := w.store.CreateIncident(incident); err != nil {
				return err
			}
			opened = true
		}

		repair := &types.Task{
			ID:          "repair-" + task.ID,
			Domain:      "repair",
			Description: fmt.Sprintf("Diagnose and fix the failure behind task %s (%s), then leave the environment ready for it to resume. Last error: %s", task.ID, task.Description, task.LastError),
			// ahead of ordinary work so the blocked task resumes soon
			PriorityScore: task.PriorityScore + 10,
			MaxAttempts:   w.cfg.MaxTaskAttempts,
			Metadata:      map[string]string{"role": "developer", "repair_for": task.ID},
		}
		// A duplicate here is an earlier run's repair task that never got
		// linked; linking it is idempotent either way
		if err := w.store.CreateTask(repair); err != nil && !errors.Is(err, db.ErrDuplicateID) {
			return err
		}
		if err := w.store.LinkRepairTask(incident.ID, repair.ID); err != nil {
			return err
		}

		if opened {
			report.IncidentsOpened++
			w.logger.Printf("opened incident %s for task %s (repair %s)", incident.ID, task.ID, repair.ID)
			w.publish(ctx, events.NewEvent(events.EventIncidentOpened, task.ID, task.Domain,
				map[string]any{"incident": incident.ID, "repair_task": repair.ID}))
		} else {
			w.logger.Printf("relinked repair %s to incident %s", repair.ID, incident.ID)
		}
	}
	return nil
}

// resolveIncidents closes incidents whose repair task reached terminal
// success and requeues the original task
func (w *Watchdog) resolveIncidents(ctx context.Context, report *Report) error {
	open, err := w.store.OpenIncidents()
	if err != nil {
		return fmt.Errorf("listing incidents: %w", err)
	}

	for _, incident := range open {
		if incident.RepairTaskID == "" {
			continue
		}
		repair, err := w.store.GetTask(incident.RepairTaskID)
		if errors.Is(err, db.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if repair.Status != types.TaskStatusCompleted && repair.Status != types.TaskStatusProdOK {
			continue
		}

		if err := w.store.ResolveIncident(incident.ID, fmt.Sprintf("repair task %s completed", repair.ID)); err != nil {
			return err
		}
		report.IncidentsResolved++
		w.publish(ctx, events.NewEvent(events.EventIncidentResolved, incident.FailedTaskID, "",
			map[string]any{"incident": incident.ID}))

		// let the original task resume now that the environment is fixed
		original, err := w.store.GetTask(incident.FailedTaskID)
		if err != nil {
			return err
		}
		if original.Status == types.TaskStatusFailed {
			if _, err := w.store.Transition(original.ID, types.TaskStatusPending, watchdogActor,
				map[string]string{"resume": incident.ID}); err != nil {
				return err
			}
			report.Requeued++
		}
	}
	return nil
}

// launchNeverStarted admits pending tasks that predate this process,
// with a fixed stagger so they do not stampede the semaphore
func (w *Watchdog) launchNeverStarted(ctx context.Context, report *Report) error {
	tasks, err := w.store.NeverStarted(w.cfg.MaxLaunchPerCycle)
	if err != nil {
		return fmt.Errorf("listing never-started tasks: %w", err)
	}

	for i, task := range tasks {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.cfg.LaunchStagger):
			}
		}
		if err := w.launch(ctx, task.ID); err != nil {
			w.logger.Printf("launching %s: %v", task.ID, err)
			continue
		}
		report.Launched++
	}
	return nil
}

func (w *Watchdog) publish(ctx context.Context, event *events.Event) {
	if err := w.bus.Publish(ctx, event); err != nil {
		w.logger.Printf("publishing %s: %v", event.Type, err)
	}
}
