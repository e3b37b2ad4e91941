// Package scheduler runs the execution loop: dequeue, lock, decompose or
// execute, transition, record fitness.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/cloud-shuttle/foreman/internal/config"
	"github.com/cloud-shuttle/foreman/internal/db"
	"github.com/cloud-shuttle/foreman/internal/decompose"
	"github.com/cloud-shuttle/foreman/internal/events"
	"github.com/cloud-shuttle/foreman/internal/fitness"
	"github.com/cloud-shuttle/foreman/internal/selector"
	"github.com/cloud-shuttle/foreman/internal/worker"
	"github.com/cloud-shuttle/foreman/pkg/telemetry"
	"github.com/cloud-shuttle/foreman/pkg/types"
)

// Scheduler coordinates task execution under bounded concurrency.
//
// Admission is a counting semaphore: a task holds one permit for its whole
// execution, and a full pool blocks new admissions instead of rejecting
// them. All cross-task coordination goes through the store; the scheduler
// keeps no task state in memory across iterations.
type Scheduler struct {
	cfg      *config.Config
	store    *db.Store
	registry *worker.Registry
	selector *selector.Selector
	tracker  *fitness.Tracker
	executor worker.Executor
	bus      *events.Bus
	sem      *semaphore.Weighted
	logger   *log.Logger

	// identifies this scheduler instance in task leases
	instanceID string
}

// New creates a Scheduler
func New(cfg *config.Config, store *db.Store, registry *worker.Registry, exec worker.Executor, bus *events.Bus, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(log.Writer(), "[scheduler] ", log.LstdFlags)
	}
	if bus == nil {
		bus = events.NewBus()
	}
	return &Scheduler{
		cfg:        cfg,
		store:      store,
		registry:   registry,
		selector:   selector.New(store, logger, 0),
		tracker:    fitness.NewTracker(store, logger),
		executor:   exec,
		bus:        bus,
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		logger:     logger,
		instanceID: "foreman-" + uuid.New().String()[:8],
	}
}

// Bus returns the scheduler's event bus
func (s *Scheduler) Bus() *events.Bus {
	return s.bus
}

// Run polls the pending queue and executes tasks until the context is
// cancelled. In-flight tasks are waited for on shutdown.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Printf("starting with %d concurrent slots", s.cfg.MaxConcurrent)

	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanSchedulerRun)
	defer span.End()

	var wg sync.WaitGroup
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Println("context cancelled, waiting for in-flight tasks")
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			pending, err := s.store.ListPending(s.cfg.MaxConcurrent*2, "", true)
			if err != nil {
				s.logger.Printf("listing pending: %v", err)
				continue
			}
			for _, task := range pending {
				task := task
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := s.ExecuteTask(ctx, task.ID); err != nil && !errors.Is(err, context.Canceled) {
						s.logger.Printf("task %s: %v", task.ID, err)
					}
				}()
			}
		}
	}
}

// ExecuteTask runs one task end to end: admission, lease, decomposition
// check, worker selection, execution, outcome transition and fitness
// update. Lock contention and invalid transitions end the call quietly;
// they mean another actor got there first.
func (s *Scheduler) ExecuteTask(ctx context.Context, taskID string) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	_, lockSpan := telemetry.StartSpan(ctx, telemetry.SpanTaskLock,
		attribute.String(telemetry.KeyTaskID, taskID))
	locked, err := s.store.Lock(taskID, s.instanceID, s.cfg.LeaseSeconds)
	lockSpan.End()
	if err != nil {
		return fmt.Errorf("locking: %w", err)
	}
	if !locked {
		return nil
	}
	defer s.store.Unlock(taskID)
	s.publish(events.NewEvent(events.EventTaskLocked, taskID, "",
		map[string]any{"instance": s.instanceID}))

	task, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.Status != types.TaskStatusPending {
		return nil
	}

	ctx, span := telemetry.StartTaskSpan(ctx, telemetry.SpanTaskExecute,
		task.ID, task.Domain, string(task.Status), task.Attempts, task.FractalDepth)
	defer span.End()

	// Oversized tasks are split, not executed
	split, analysis := decompose.ShouldSplit(taskSpec(task))
	if split {
		return s.decomposeTask(ctx, task, decompose.Split(taskSpec(task), analysis), analysis.Reason())
	}

	if task.Attempts >= task.MaxAttempts {
		ok, err := s.store.Transition(task.ID, types.TaskStatusFailed, s.instanceID,
			map[string]string{"error": fmt.Sprintf("max attempts exceeded (%d)", task.MaxAttempts)})
		if err != nil {
			return err
		}
		if ok {
			s.publish(events.NewEvent(events.EventTaskFailed, task.ID, task.Domain,
				map[string]any{"reason": "max_attempts"}))
		}
		return nil
	}

	ctxKey := contextKey(task)
	chosen, err := s.selector.Select(ctx, task.ID, ctxKey, s.registry.All())
	if err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorCategoryUnknown)
		return fmt.Errorf("selecting worker: %w", err)
	}

	started, err := s.store.Transition(task.ID, types.TaskStatusInProgress, chosen.ID, nil)
	if err != nil {
		return err
	}
	if !started {
		return nil
	}
	telemetry.SetTaskStatus(span, string(types.TaskStatusInProgress))
	s.publish(events.NewEvent(events.EventTaskStarted, task.ID, task.Domain,
		map[string]any{"worker": chosen.ID}))

	execCtx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	defer cancel()
	result := s.executor.Execute(execCtx, task, *chosen)

	return s.applyResult(ctx, task, *chosen, ctxKey, result)
}

func (s *Scheduler) applyResult(ctx context.Context, task *types.Task, w types.Worker, ctxKey types.ContextKey, result *worker.Result) error {
	if len(result.CompletedPhases) > 0 {
		if err := s.store.UpdatePhases(task.ID, phasesFromNames(task.Phases, result.CompletedPhases)); err != nil {
			s.logger.Printf("task %s: updating phases: %v", task.ID, err)
		}
	}

	// The executor asked for a split instead of doing the work
	if result.Decompose != nil {
		children := s.childrenFromRequest(task, result.Decompose)
		return s.decomposeTask(ctx, task, children, result.Decompose.Reason)
	}

	iterations := result.Iterations
	if iterations < 1 {
		iterations = 1
	}

	if result.Success {
		detail := map[string]string{}
		if result.ArtifactRef != "" {
			detail["artifact_ref"] = result.ArtifactRef
		}
		ok, err := s.store.Transition(task.ID, types.TaskStatusCompleted, w.ID, detail)
		if err != nil {
			return err
		}
		if ok {
			if _, err := s.tracker.RecordOutcome(w.ID, ctxKey, true, iterations); err != nil {
				s.logger.Printf("task %s: recording win: %v", task.ID, err)
			}
			s.publish(events.NewEvent(events.EventTaskCompleted, task.ID, task.Domain,
				map[string]any{"worker": w.ID, "duration_ms": result.DurationMs}))
		}
		return nil
	}

	errMsg := "execution failed"
	if result.Err != nil {
		errMsg = result.Err.Error()
	}
	ok, err := s.store.Transition(task.ID, types.TaskStatusFailed, w.ID, map[string]string{"error": errMsg})
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if _, err := s.tracker.RecordOutcome(w.ID, ctxKey, false, iterations); err != nil {
		s.logger.Printf("task %s: recording loss: %v", task.ID, err)
	}
	s.publish(events.NewEvent(events.EventTaskFailed, task.ID, task.Domain,
		map[string]any{"worker": w.ID, "error": errMsg}))

	// Requeue while attempts remain; the FAILED row stays put otherwise
	fresh, err := s.store.GetTask(task.ID)
	if err != nil {
		return err
	}
	if fresh.Attempts < fresh.MaxAttempts {
		if _, err := s.store.Transition(task.ID, types.TaskStatusPending, s.instanceID,
			map[string]string{"retry": strconv.Itoa(fresh.Attempts)}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) decomposeTask(ctx context.Context, task *types.Task, children []decompose.ChildSpec, reason string) error {
	_, span := telemetry.StartTaskSpan(ctx, telemetry.SpanTaskDecompose,
		task.ID, task.Domain, string(task.Status), task.Attempts, task.FractalDepth)
	defer span.End()

	rows := make([]*types.Task, 0, len(children))
	for _, child := range children {
		rows = append(rows, &types.Task{
			ID:            child.ID,
			Domain:        child.Domain,
			Description:   child.Description,
			PriorityScore: child.PriorityScore,
			MaxAttempts:   s.cfg.MaxTaskAttempts,
			Metadata:      child.Metadata,
		})
	}

	err := s.store.Decompose(task.ID, rows)
	if errors.Is(err, db.ErrAlreadyDecomposed) {
		return nil
	}
	if err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorCategoryDatabase)
		return fmt.Errorf("decomposing %s: %w", task.ID, err)
	}

	s.logger.Printf("task %s decomposed into %d children (%s)", task.ID, len(rows), reason)
	s.publish(events.NewEvent(events.EventTaskDecomposed, task.ID, task.Domain,
		map[string]any{"children": len(rows), "reason": reason}))
	return nil
}

// childrenFromRequest validates a structured decomposition request against
// the size thresholds and maps it to child specs
func (s *Scheduler) childrenFromRequest(task *types.Task, req *worker.DecompositionRequest) []decompose.ChildSpec {
	children := make([]decompose.ChildSpec, 0, len(req.Children))
	for i, child := range req.Children {
		children = append(children, decompose.ChildSpec{
			ID:            fmt.Sprintf("%s.%d", task.ID, i+1),
			Domain:        task.Domain,
			Description:   child.Description,
			PriorityScore: task.PriorityScore + 1,
			Metadata:      child.Metadata,
		})
	}
	return children
}

func (s *Scheduler) publish(event *events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.bus.Publish(ctx, event); err != nil {
		s.logger.Printf("publishing %s: %v", event.Type, err)
	}
}

// contextKey derives the selection context from task metadata. Role
// defaults to developer; technology and phase fall back to the wildcard.
func contextKey(task *types.Task) types.ContextKey {
	key := types.ContextKey{
		Role:       task.Metadata["role"],
		Technology: task.Metadata["technology"],
		PhaseType:  task.Metadata["phase_type"],
	}
	if key.Role == "" {
		key.Role = "developer"
	}
	if key.Technology == "" {
		key.Technology = types.Generic
	}
	if key.PhaseType == "" {
		key.PhaseType = types.Generic
	}
	return key
}

func taskSpec(task *types.Task) decompose.TaskSpec {
	return decompose.TaskSpec{
		ID:            task.ID,
		Domain:        task.Domain,
		Description:   task.Description,
		PriorityScore: task.PriorityScore,
		FractalDepth:  task.FractalDepth,
		Metadata:      task.Metadata,
	}
}

// phasesFromNames marks the named phases done on the task's phase list,
// appending any the executor reported that the task did not declare
func phasesFromNames(existing []types.Phase, completed []string) []types.Phase {
	phases := make([]types.Phase, len(existing))
	copy(phases, existing)

	for _, name := range completed {
		found := false
		for i := range phases {
			if phases[i].Name == name {
				phases[i].Status = types.PhaseDone
				found = true
				break
			}
		}
		if !found {
			phases = append(phases, types.Phase{Name: name, Status: types.PhaseDone})
		}
	}
	return phases
}
