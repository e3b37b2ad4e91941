package fitness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloud-shuttle/foreman/internal/db"
	"github.com/cloud-shuttle/foreman/pkg/types"
)

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "foreman.db"))
	require.NoError(t, err)
	require.NoError(t, store.InitSchema())
	t.Cleanup(func() { store.Close() })
	return store
}

var devCtx = types.ContextKey{Role: "developer", Technology: types.Generic, PhaseType: types.Generic}

func TestComputeZeroRuns(t *testing.T) {
	assert.Equal(t, 0.0, Compute(0, 0, 0, 0, 1.0))
}

func TestComputePerfectRecord(t *testing.T) {
	// 10 straight wins at one iteration each: no penalty anywhere
	score := Compute(10, 0, 10, 1.0, 1.0)
	// 100*0.35 + 80*0.25 + 5*0.25 + 100*0.15 = 71.25
	assert.InDelta(t, 71.25, score, 0.001)
}

func TestComputeIterationPenalty(t *testing.T) {
	clean := Compute(10, 0, 10, 1.0, 1.0)
	slow := Compute(10, 0, 10, 4.0, 1.0)
	assert.Less(t, slow, clean)
}

func TestComputeWeightMultiplierScales(t *testing.T) {
	full := Compute(8, 2, 10, 1.0, 1.0)
	clamped := Compute(8, 2, 10, 1.0, 0.1)
	assert.InDelta(t, full*0.1, clamped, 0.001)
}

func TestComputeCapsAtHundred(t *testing.T) {
	score := Compute(1000, 0, 1000, 1.0, 2.0)
	assert.Equal(t, 100.0, score)
}

func TestRecordOutcomeCreatesLazily(t *testing.T) {
	store := newTestStore(t)
	tracker := NewTracker(store, nil)

	rec, err := tracker.RecordOutcome("w1", devCtx, true, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Runs)
	assert.Equal(t, 1, rec.Wins)
	assert.Equal(t, 0, rec.Losses)
	assert.InDelta(t, 1.0, rec.AvgIterations, 0.001)
	assert.Greater(t, rec.FitnessScore, 0.0)

	got, err := store.GetFitness("w1", devCtx)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Runs)
}

func TestRecordOutcomeRunningAverage(t *testing.T) {
	store := newTestStore(t)
	tracker := NewTracker(store, nil)

	_, err := tracker.RecordOutcome("w1", devCtx, true, 1)
	require.NoError(t, err)
	_, err = tracker.RecordOutcome("w1", devCtx, false, 3)
	require.NoError(t, err)
	rec, err := tracker.RecordOutcome("w1", devCtx, true, 2)
	require.NoError(t, err)

	assert.Equal(t, 3, rec.Runs)
	assert.Equal(t, 2, rec.Wins)
	assert.Equal(t, 1, rec.Losses)
	assert.InDelta(t, 2.0, rec.AvgIterations, 0.001)
}

func TestSoftRetirementClampsWeightOnce(t *testing.T) {
	store := newTestStore(t)
	tracker := NewTracker(store, nil)

	// ten straight losses drops fitness below the retirement threshold
	var rec *types.FitnessRecord
	var err error
	for i := 0; i < RetireMinRuns; i++ {
		rec, err = tracker.RecordOutcome("w1", devCtx, false, 2)
		require.NoError(t, err)
	}

	assert.Equal(t, 0.1, rec.WeightMultiplier)
	assert.Less(t, rec.FitnessScore, RetireThreshold)
	assert.False(t, rec.Retired) // soft retirement keeps the worker selectable

	// further outcomes never clamp again
	rec, err = tracker.RecordOutcome("w1", devCtx, true, 1)
	require.NoError(t, err)
	assert.Equal(t, 0.1, rec.WeightMultiplier)
}

func TestSeedIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	tracker := NewTracker(store, nil)

	require.NoError(t, tracker.Seed([]string{"w1", "w2"}, devCtx))

	// recording an outcome then reseeding must not reset counters
	_, err := tracker.RecordOutcome("w1", devCtx, true, 1)
	require.NoError(t, err)
	require.NoError(t, tracker.Seed([]string{"w1", "w2"}, devCtx))

	rec, err := store.GetFitness("w1", devCtx)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Runs)

	cold, err := store.GetFitness("w2", devCtx)
	require.NoError(t, err)
	assert.Equal(t, 0, cold.Runs)
	assert.Equal(t, 1.0, cold.WeightMultiplier)
}

func TestLeaderboardBadges(t *testing.T) {
	store := newTestStore(t)
	tracker := NewTracker(store, nil)

	// champion: many wins past warmup
	for i := 0; i < 8; i++ {
		_, err := tracker.RecordOutcome("ace", devCtx, true, 1)
		require.NoError(t, err)
	}
	// rising: still in warmup
	_, err := tracker.RecordOutcome("rookie", devCtx, true, 1)
	require.NoError(t, err)
	// retired: clamped after sustained losses
	for i := 0; i < RetireMinRuns; i++ {
		_, err := tracker.RecordOutcome("burnout", devCtx, false, 3)
		require.NoError(t, err)
	}

	entries, err := tracker.Leaderboard("developer", map[string]string{"ace": "Ace"})
	require.NoError(t, err)
	require.Len(t, entries, 3)

	byID := map[string]types.LeaderboardEntry{}
	for _, e := range entries {
		byID[e.WorkerID] = e
	}
	assert.Equal(t, "champion", byID["ace"].Badge)
	assert.Equal(t, "Ace", byID["ace"].WorkerName)
	assert.Equal(t, "rising", byID["rookie"].Badge)
	assert.Equal(t, "retired", byID["burnout"].Badge)

	// ranked best first
	assert.Equal(t, "ace", entries[0].WorkerID)
}

func TestRetireHard(t *testing.T) {
	store := newTestStore(t)
	tracker := NewTracker(store, nil)

	_, err := tracker.RecordOutcome("w1", devCtx, true, 1)
	require.NoError(t, err)
	require.NoError(t, tracker.Retire("w1", devCtx))

	rec, err := store.GetFitness("w1", devCtx)
	require.NoError(t, err)
	assert.True(t, rec.Retired)
	assert.Equal(t, 1, rec.Runs) // history preserved
}
