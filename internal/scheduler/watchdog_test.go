package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloud-shuttle/foreman/internal/db"
	"github.com/cloud-shuttle/foreman/internal/events"
	"github.com/cloud-shuttle/foreman/pkg/types"
)

func newWatchdogHarness(t *testing.T) (*Watchdog, *db.Store, *[]string) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "foreman.db"))
	require.NoError(t, err)
	require.NoError(t, store.InitSchema())
	t.Cleanup(func() { store.Close() })

	launched := &[]string{}
	cfg := testConfig()
	wd := NewWatchdog(cfg, store, events.NewBus(), nil, func(ctx context.Context, taskID string) error {
		*launched = append(*launched, taskID)
		return nil
	})
	return wd, store, launched
}

// ageTask backdates a task and expires its lease directly in the store,
// simulating a process that died mid-execution long ago
func ageTask(t *testing.T, store *db.Store, id string, by time.Duration) {
	t.Helper()
	past := time.Now().Add(-by).Unix()
	_, err := store.DB.Exec(
		`UPDATE tasks SET updated_at = ?, lock_expires_at = ?, locked_by = 'dead-process' WHERE id = ?`,
		past, past, id)
	require.NoError(t, err)
}

func TestWatchdogRecoversCrashedTask(t *testing.T) {
	wd, store, _ := newWatchdogHarness(t)

	task := &types.Task{
		ID: "t1", Domain: "backend", Description: "long running work",
		Phases: []types.Phase{
			{Name: "scaffold", Status: types.PhaseDone},
			{Name: "implement", Status: types.PhaseRunning},
			{Name: "verify", Status: types.PhasePending},
		},
	}
	require.NoError(t, store.CreateTask(task))
	_, err := store.Transition("t1", types.TaskStatusInProgress, "w1", nil)
	require.NoError(t, err)
	ageTask(t, store, "t1", time.Hour)

	report, err := wd.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.PhasesReset)
	assert.Equal(t, 1, report.Requeued)

	got, err := store.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, got.Status)
	// the crash burned an attempt, progress survives the reset
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, types.PhaseDone, got.Phases[0].Status)
	assert.Equal(t, types.PhasePending, got.Phases[1].Status)
	assert.Equal(t, "reset after stall", got.Phases[1].Note)

	// a second sweep finds nothing left to reset
	report, err = wd.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.PhasesReset)
	assert.Equal(t, 0, report.Requeued)
}

func TestWatchdogLeavesHealthyLeasesAlone(t *testing.T) {
	wd, store, _ := newWatchdogHarness(t)

	task := &types.Task{ID: "t1", Domain: "backend", Description: "slow but alive"}
	require.NoError(t, store.CreateTask(task))
	_, err := store.Transition("t1", types.TaskStatusInProgress, "w1", nil)
	require.NoError(t, err)
	// stale timestamp but a live lease: the holder is still working
	past := time.Now().Add(-time.Hour).Unix()
	future := time.Now().Add(time.Hour).Unix()
	_, err = store.DB.Exec(
		`UPDATE tasks SET updated_at = ?, lock_expires_at = ?, locked_by = 'w1' WHERE id = ?`,
		past, future, "t1")
	require.NoError(t, err)

	_, err = wd.RunOnce(context.Background())
	require.NoError(t, err)

	got, err := store.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusInProgress, got.Status)
}

func TestWatchdogStopsRequeueingAtMaxAttempts(t *testing.T) {
	wd, store, _ := newWatchdogHarness(t)

	task := &types.Task{ID: "t1", Domain: "backend", Description: "doomed", MaxAttempts: 1}
	require.NoError(t, store.CreateTask(task))
	_, err := store.Transition("t1", types.TaskStatusInProgress, "w1", nil)
	require.NoError(t, err)
	ageTask(t, store, "t1", time.Hour)

	report, err := wd.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Requeued)

	got, err := store.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, got.Status)
}

func TestWatchdogOpensIncidentForPartialProgress(t *testing.T) {
	wd, store, _ := newWatchdogHarness(t)

	task := &types.Task{
		ID: "t1", Domain: "backend", Description: "deploy the service",
		PriorityScore: 5,
		Phases: []types.Phase{
			{Name: "build", Status: types.PhaseDone},
			{Name: "deploy", Status: types.PhasePending},
		},
	}
	require.NoError(t, store.CreateTask(task))
	_, err := store.Transition("t1", types.TaskStatusInProgress, "w1", nil)
	require.NoError(t, err)
	_, err = store.Transition("t1", types.TaskStatusFailed, "w1",
		map[string]string{"error": "deploy credentials rejected"})
	require.NoError(t, err)
	// attempts exhausted so the sweep does not simply requeue it
	_, err = store.DB.Exec(`UPDATE tasks SET attempts = max_attempts WHERE id = ?`, "t1")
	require.NoError(t, err)

	report, err := wd.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.IncidentsOpened)

	incident, err := store.OpenIncidentForFailedTask("t1")
	require.NoError(t, err)
	assert.Equal(t, types.IncidentOpen, incident.Status)
	assert.Equal(t, []string{"build"}, incident.PhasesDone)
	assert.Equal(t, "repair-t1", incident.RepairTaskID)

	repair, err := store.GetTask("repair-t1")
	require.NoError(t, err)
	assert.Equal(t, "repair", repair.Domain)
	assert.Equal(t, task.PriorityScore+10, repair.PriorityScore)
	assert.Contains(t, repair.Description, "deploy credentials rejected")

	// idempotent across sweeps
	report, err = wd.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.IncidentsOpened)
}

func TestWatchdogSkipsFailuresWithNoProgress(t *testing.T) {
	wd, store, _ := newWatchdogHarness(t)

	task := &types.Task{ID: "t1", Domain: "backend", Description: "never got going"}
	require.NoError(t, store.CreateTask(task))
	_, err := store.Transition("t1", types.TaskStatusInProgress, "w1", nil)
	require.NoError(t, err)
	_, err = store.Transition("t1", types.TaskStatusFailed, "w1", map[string]string{"error": "no"})
	require.NoError(t, err)
	_, err = store.DB.Exec(`UPDATE tasks SET attempts = max_attempts WHERE id = ?`, "t1")
	require.NoError(t, err)

	report, err := wd.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.IncidentsOpened)
	_, err = store.OpenIncidentForFailedTask("t1")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestWatchdogResolvesIncidentAndRequeuesOriginal(t *testing.T) {
	wd, store, _ := newWatchdogHarness(t)

	task := &types.Task{
		ID: "t1", Domain: "backend", Description: "deploy the service",
		Phases: []types.Phase{{Name: "build", Status: types.PhaseDone}},
	}
	require.NoError(t, store.CreateTask(task))
	mustReach(t, store, "t1", types.TaskStatusInProgress, types.TaskStatusFailed)
	_, err := store.DB.Exec(`UPDATE tasks SET attempts = max_attempts WHERE id = ?`, "t1")
	require.NoError(t, err)

	_, err = wd.RunOnce(context.Background())
	require.NoError(t, err)

	// the repair task runs to completion
	mustReach(t, store, "repair-t1", types.TaskStatusInProgress, types.TaskStatusCompleted)

	report, err := wd.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.IncidentsResolved)
	assert.Equal(t, 1, report.Requeued)

	incident, err := store.IncidentForRepairTask("repair-t1")
	require.NoError(t, err)
	assert.Equal(t, types.IncidentResolved, incident.Status)

	got, err := store.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, got.Status)
}

func TestWatchdogLinksPreexistingRepairTask(t *testing.T) {
	wd, store, _ := newWatchdogHarness(t)

	// a repair task from an earlier run already finished, but the incident
	// row that should point at it was never written
	require.NoError(t, store.CreateTask(&types.Task{ID: "repair-t1", Domain: "repair", Description: "earlier repair"}))
	mustReach(t, store, "repair-t1", types.TaskStatusInProgress, types.TaskStatusCompleted)

	task := &types.Task{
		ID: "t1", Domain: "backend", Description: "deploy the service",
		Phases: []types.Phase{{Name: "build", Status: types.PhaseDone}},
	}
	require.NoError(t, store.CreateTask(task))
	mustReach(t, store, "t1", types.TaskStatusInProgress, types.TaskStatusFailed)
	_, err := store.DB.Exec(`UPDATE tasks SET attempts = max_attempts WHERE id = ?`, "t1")
	require.NoError(t, err)

	// one sweep files the incident, adopts the finished repair task and
	// immediately resolves
	report, err := wd.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.IncidentsOpened)
	assert.Equal(t, 1, report.IncidentsResolved)

	incident, err := store.IncidentForRepairTask("repair-t1")
	require.NoError(t, err)
	assert.Equal(t, types.IncidentResolved, incident.Status)

	got, err := store.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, got.Status)

	report, err = wd.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.IncidentsOpened)
}

func TestWatchdogAdoptsUnlinkedIncident(t *testing.T) {
	wd, store, _ := newWatchdogHarness(t)

	task := &types.Task{
		ID: "t1", Domain: "backend", Description: "deploy the service",
		Phases: []types.Phase{{Name: "build", Status: types.PhaseDone}},
	}
	require.NoError(t, store.CreateTask(task))
	mustReach(t, store, "t1", types.TaskStatusInProgress, types.TaskStatusFailed)
	_, err := store.DB.Exec(`UPDATE tasks SET attempts = max_attempts WHERE id = ?`, "t1")
	require.NoError(t, err)

	// an earlier cycle crashed after writing the incident but before the
	// repair task existed
	require.NoError(t, store.CreateIncident(&types.Incident{
		ID: "inc-orphan", Title: "half-written incident", FailedTaskID: "t1",
		PhasesDone: []string{"build"},
	}))

	report, err := wd.RunOnce(context.Background())
	require.NoError(t, err)
	// the existing incident is completed, not duplicated
	assert.Equal(t, 0, report.IncidentsOpened)

	incident, err := store.OpenIncidentForFailedTask("t1")
	require.NoError(t, err)
	assert.Equal(t, "inc-orphan", incident.ID)
	assert.Equal(t, "repair-t1", incident.RepairTaskID)

	repair, err := store.GetTask("repair-t1")
	require.NoError(t, err)
	assert.Equal(t, "repair", repair.Domain)
}

func TestWatchdogFilesSecondIncidentAfterResolve(t *testing.T) {
	wd, store, _ := newWatchdogHarness(t)

	task := &types.Task{
		ID: "t1", Domain: "backend", Description: "deploy the service",
		Phases: []types.Phase{{Name: "build", Status: types.PhaseDone}},
	}
	require.NoError(t, store.CreateTask(task))
	mustReach(t, store, "t1", types.TaskStatusInProgress, types.TaskStatusFailed)

	report, err := wd.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.IncidentsOpened)

	mustReach(t, store, "repair-t1", types.TaskStatusInProgress, types.TaskStatusCompleted)
	report, err = wd.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.IncidentsResolved)

	// the requeued task fails again with the same partial progress
	mustReach(t, store, "t1", types.TaskStatusInProgress, types.TaskStatusFailed)

	report, err = wd.RunOnce(context.Background())
	require.NoError(t, err)
	// a resolved incident does not block a fresh one
	assert.Equal(t, 1, report.IncidentsOpened)

	stats, err := store.IncidentStats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Open+stats.Resolved)
}

func TestWatchdogLaunchesNeverStartedOnce(t *testing.T) {
	wd, store, launched := newWatchdogHarness(t)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.CreateTask(&types.Task{ID: id, Domain: "backend", Description: "queued work"}))
	}
	// a task that already ran once is the scheduler's to retry, not ours
	require.NoError(t, store.CreateTask(&types.Task{ID: "ran", Domain: "backend", Description: "retried work"}))
	mustReach(t, store, "ran", types.TaskStatusInProgress, types.TaskStatusFailed, types.TaskStatusPending)

	report, err := wd.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Launched)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, *launched)
	assert.NotContains(t, *launched, "ran")
}

func TestWatchdogEmitsCycleEvent(t *testing.T) {
	wd, store, _ := newWatchdogHarness(t)
	ch := wd.bus.Subscribe("test")

	require.NoError(t, store.CreateTask(&types.Task{ID: "t1", Domain: "backend", Description: "x"}))
	_, err := wd.RunOnce(context.Background())
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, events.EventWatchdogCycle, ev.Type)
		assert.EqualValues(t, 1, ev.Data["launched"])
	default:
		t.Fatal("no cycle event published")
	}
}

func mustReach(t *testing.T, store *db.Store, id string, path ...types.TaskStatus) {
	t.Helper()
	for _, status := range path {
		ok, err := store.Transition(id, status, "test", nil)
		require.NoError(t, err)
		require.True(t, ok, "transition to %s", status)
	}
}
