// Package fitness maintains per-worker performance records and the
// multi-dimensional fitness score the selector samples from.
package fitness

import (
	"errors"
	"fmt"
	"log"
	"math"

	"github.com/cloud-shuttle/foreman/internal/db"
	"github.com/cloud-shuttle/foreman/pkg/types"
)

const (
	// WarmupMin is the run count below which selection stays uniform random
	WarmupMin = 5

	// RetireThreshold and RetireMinRuns gate soft retirement: a worker
	// scoring below the threshold after enough runs gets its weight
	// clamped instead of being deleted
	RetireThreshold = 20.0
	RetireMinRuns   = 10
	retiredWeight   = 0.1

	// ABTestDelta and ABTestProbability control shadow A/B runs between
	// closely matched workers
	ABTestDelta       = 10.0
	ABTestProbability = 0.10
)

// Compute derives the 0-100 fitness score from raw counters.
//
// Production quality dominates (35%), with coherence, collaboration volume
// and iteration efficiency making up the rest. The weight multiplier scales
// the whole score so a soft-retired worker samples low without losing its
// history.
func Compute(wins, losses, runs int, avgIterations, weightMultiplier float64) float64 {
	if runs == 0 {
		return 0
	}

	acceptanceRate := float64(wins) / float64(runs) * 100
	iterationPenalty := math.Max(0, (avgIterations-1.0)*5.0)
	productionScore := math.Max(0, acceptanceRate-iterationPenalty)

	collaborationBonus := math.Min(10.0, float64(runs)*0.5)
	coherenceScore := acceptanceRate * 0.8

	raw := productionScore*0.35 +
		coherenceScore*0.25 +
		collaborationBonus*0.25 +
		math.Max(0, 100-iterationPenalty*2)*0.15

	return math.Min(100.0, raw*weightMultiplier)
}

// Tracker records mission outcomes against the fitness store
type Tracker struct {
	store  *db.Store
	logger *log.Logger
}

// NewTracker creates a Tracker over the given store
func NewTracker(store *db.Store, logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.Default()
	}
	return &Tracker{store: store, logger: logger}
}

// Seed ensures a warmup row exists for each worker in the context, so
// cold-start workers are visible to the selector with zero runs
func (t *Tracker) Seed(workerIDs []string, ctx types.ContextKey) error {
	for _, id := range workerIDs {
		_, err := t.store.GetFitness(id, ctx)
		if err == nil {
			continue
		}
		if !errors.Is(err, db.ErrNotFound) {
			return err
		}
		rec := &types.FitnessRecord{
			WorkerID:         id,
			Context:          ctx,
			WeightMultiplier: 1.0,
		}
		if err := t.store.UpsertFitness(rec); err != nil {
			return err
		}
	}
	return nil
}

// RecordOutcome folds one mission result into the worker's record for the
// context: counters, running iteration average, recomputed score, and the
// soft-retirement check. Returns the updated record.
func (t *Tracker) RecordOutcome(workerID string, ctx types.ContextKey, won bool, iterations int) (*types.FitnessRecord, error) {
	rec, err := t.store.GetFitness(workerID, ctx)
	if errors.Is(err, db.ErrNotFound) {
		rec = &types.FitnessRecord{WorkerID: workerID, Context: ctx, WeightMultiplier: 1.0}
	} else if err != nil {
		return nil, fmt.Errorf("loading fitness: %w", err)
	}

	priorRuns := rec.Runs
	rec.Runs++
	if won {
		rec.Wins++
	} else {
		rec.Losses++
	}
	rec.AvgIterations = (rec.AvgIterations*float64(priorRuns) + float64(iterations)) / float64(rec.Runs)

	rec.FitnessScore = Compute(rec.Wins, rec.Losses, rec.Runs, rec.AvgIterations, rec.WeightMultiplier)

	// Soft retirement: clamp the weight once, never rewind history
	if rec.FitnessScore < RetireThreshold && rec.Runs >= RetireMinRuns && rec.WeightMultiplier >= 1.0 {
		rec.WeightMultiplier = retiredWeight
		rec.FitnessScore = Compute(rec.Wins, rec.Losses, rec.Runs, rec.AvgIterations, rec.WeightMultiplier)
		t.logger.Printf("fitness: soft-retiring %s in %s/%s/%s (score %.1f)",
			workerID, ctx.Role, ctx.Technology, ctx.PhaseType, rec.FitnessScore)
	}

	if err := t.store.UpsertFitness(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Retire hard-retires a worker in a context. Retired rows keep their
// history but are excluded from candidate pools.
func (t *Tracker) Retire(workerID string, ctx types.ContextKey) error {
	rec, err := t.store.GetFitness(workerID, ctx)
	if err != nil {
		return err
	}
	rec.Retired = true
	return t.store.UpsertFitness(rec)
}

// Leaderboard ranks fitness records for a role and assigns badges.
// workerNames maps worker IDs to display names; unknown IDs fall back to
// the raw ID.
func (t *Tracker) Leaderboard(role string, workerNames map[string]string) ([]types.LeaderboardEntry, error) {
	records, err := t.store.ListFitness(role)
	if err != nil {
		return nil, err
	}

	entries := make([]types.LeaderboardEntry, 0, len(records))
	for i, rec := range records {
		name := workerNames[rec.WorkerID]
		if name == "" {
			name = rec.WorkerID
		}
		entries = append(entries, types.LeaderboardEntry{
			FitnessRecord: *rec,
			WorkerName:    name,
			Badge:         badge(rec, i),
		})
	}
	return entries, nil
}

func badge(rec *types.FitnessRecord, rank int) string {
	switch {
	case rec.Retired || rec.WeightMultiplier < 1.0:
		return "retired"
	case rec.Runs < WarmupMin:
		return "rising"
	case rank == 0:
		return "champion"
	case rec.FitnessScore < RetireThreshold*2:
		return "declining"
	default:
		return "active"
	}
}
