// Package selector picks the best worker for a task context using Thompson
// Sampling over each worker's win/loss record.
package selector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/cloud-shuttle/foreman/internal/db"
	"github.com/cloud-shuttle/foreman/internal/fitness"
	"github.com/cloud-shuttle/foreman/pkg/telemetry"
	"github.com/cloud-shuttle/foreman/pkg/types"
)

// ErrNoWorkers means no registered worker is qualified for the role
var ErrNoWorkers = errors.New("no workers qualified for role")

// Selector implements fitness-based worker selection
type Selector struct {
	store  *db.Store
	rng    *rand.Rand
	logger *log.Logger
}

// New creates a Selector. A zero seed uses the clock.
func New(store *db.Store, logger *log.Logger, seed uint64) *Selector {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Selector{
		store:  store,
		rng:    rand.New(rand.NewSource(seed)),
		logger: logger,
	}
}

// Select picks a worker for the task's context.
//
// Candidates are the registered workers qualified for ctx.Role. With no
// fitness data the context falls back through progressively coarser keys
// (same technology family, then generic) before resorting to a cold-start
// random pick. While any candidate is still in warmup, selection stays
// uniform random among the warmup set so every worker earns a baseline.
// Past warmup it is pure Thompson Sampling: one Beta(wins+1, losses+1)
// draw per candidate, scaled by the weight multiplier, highest draw wins.
func (s *Selector) Select(ctx context.Context, taskID string, key types.ContextKey, workers []types.Worker) (*types.Worker, error) {
	_, span := telemetry.StartSpan(ctx, telemetry.SpanWorkerSelect)
	defer span.End()

	qualified := make([]types.Worker, 0, len(workers))
	for _, w := range workers {
		if w.HasRole(key.Role) {
			qualified = append(qualified, w)
		}
	}
	if len(qualified) == 0 {
		return nil, fmt.Errorf("role %q: %w", key.Role, ErrNoWorkers)
	}

	records, resolvedCtx, err := s.resolveRecords(qualified, key)
	if err != nil {
		return nil, err
	}

	// Drop hard-retired workers unless that would empty the pool
	active := make(map[string]*types.FitnessRecord, len(records))
	for id, rec := range records {
		if !rec.Retired {
			active[id] = rec
		}
	}
	if len(active) == 0 {
		active = records
	}

	// Warmup gate
	var warmup []types.Worker
	for _, w := range qualified {
		rec, ok := active[w.ID]
		if !ok || rec.Runs < fitness.WarmupMin {
			warmup = append(warmup, w)
		}
	}
	if len(warmup) > 0 {
		chosen := warmup[s.rng.Intn(len(warmup))]
		s.logSelection(span, taskID, chosen.ID, resolvedCtx, types.SelectionWarmup, 0)
		return &chosen, nil
	}

	// Thompson Sampling
	var best *types.Worker
	bestScore := -1.0
	for i := range qualified {
		rec := active[qualified[i].ID]
		if rec == nil {
			continue
		}
		sample := s.sampleBeta(rec.Wins, rec.Losses) * rec.WeightMultiplier * 100
		if sample > bestScore {
			bestScore = sample
			best = &qualified[i]
		}
	}
	if best == nil {
		return nil, fmt.Errorf("role %q: %w", key.Role, ErrNoWorkers)
	}

	s.logSelection(span, taskID, best.ID, resolvedCtx, types.SelectionFitness, bestScore)
	return best, nil
}

// ShouldABTest reports whether the top two workers for the context are
// close enough in fitness to justify a shadow run, returning both IDs.
// A small random fraction of calls also triggers to keep exploring.
func (s *Selector) ShouldABTest(ctx types.ContextKey) (bool, string, string, error) {
	records, err := s.store.ListFitness(ctx.Role)
	if err != nil {
		return false, "", "", err
	}
	var matched []*types.FitnessRecord
	for _, rec := range records {
		if rec.Context == ctx && !rec.Retired {
			matched = append(matched, rec)
		}
	}
	if len(matched) < 2 {
		return false, "", "", nil
	}
	a, b := matched[0], matched[1]
	// The probabilistic trigger fires regardless of warmup or score gap
	if s.rng.Float64() < fitness.ABTestProbability {
		return true, a.WorkerID, b.WorkerID, nil
	}
	if a.Runs < fitness.WarmupMin {
		return false, "", "", nil
	}
	delta := a.FitnessScore - b.FitnessScore
	if delta < 0 {
		delta = -delta
	}
	if delta < fitness.ABTestDelta {
		return true, a.WorkerID, b.WorkerID, nil
	}
	return false, "", "", nil
}

// resolveRecords loads fitness rows for the candidates, falling back from
// the exact context to the technology family, then to fully generic.
// Returns the records keyed by worker ID plus the context that matched.
func (s *Selector) resolveRecords(workers []types.Worker, ctx types.ContextKey) (map[string]*types.FitnessRecord, types.ContextKey, error) {
	// Exact context first
	records, err := s.lookupExact(workers, ctx)
	if err != nil {
		return nil, ctx, err
	}
	if len(records) > 0 {
		return records, ctx, nil
	}

	// Technology-family fallback: reuse any record whose technology shares
	// the family prefix, e.g. angular_17 borrowing from angular_16
	if family := ctx.TechFamily(); family != ctx.Technology {
		records = map[string]*types.FitnessRecord{}
		resolved := ctx
		for _, w := range workers {
			all, err := s.store.FitnessByWorker(w.ID, ctx.Role)
			if err != nil {
				return nil, ctx, err
			}
			for _, rec := range all {
				if rec.Context.TechFamily() == family && rec.Context.PhaseType == ctx.PhaseType {
					records[w.ID] = rec
					resolved = rec.Context
					break
				}
			}
		}
		if len(records) > 0 {
			return records, resolved, nil
		}
	}

	// Progressively coarser generic keys
	for _, key := range []types.ContextKey{
		{Role: ctx.Role, Technology: types.Generic, PhaseType: ctx.PhaseType},
		{Role: ctx.Role, Technology: types.Generic, PhaseType: types.Generic},
	} {
		if key == ctx {
			continue
		}
		records, err = s.lookupExact(workers, key)
		if err != nil {
			return nil, ctx, err
		}
		if len(records) > 0 {
			return records, key, nil
		}
	}

	// Cold start: no data anywhere. Seed warmup rows for the exact context
	// so the next selection sees them.
	ids := make([]string, 0, len(workers))
	for _, w := range workers {
		ids = append(ids, w.ID)
	}
	tracker := fitness.NewTracker(s.store, s.logger)
	if err := tracker.Seed(ids, ctx); err != nil {
		return nil, ctx, err
	}
	records, err = s.lookupExact(workers, ctx)
	if err != nil {
		return nil, ctx, err
	}
	return records, ctx, nil
}

func (s *Selector) lookupExact(workers []types.Worker, key types.ContextKey) (map[string]*types.FitnessRecord, error) {
	records := map[string]*types.FitnessRecord{}
	for _, w := range workers {
		rec, err := s.store.GetFitness(w.ID, key)
		if errors.Is(err, db.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records[w.ID] = rec
	}
	return records, nil
}

// sampleBeta draws from Beta(wins+1, losses+1) via two Gamma(shape, 1)
// draws, x/(x+y). The +1 is the uniform prior.
func (s *Selector) sampleBeta(wins, losses int) float64 {
	if wins < 0 {
		wins = 0
	}
	if losses < 0 {
		losses = 0
	}
	x := distuv.Gamma{Alpha: float64(wins + 1), Beta: 1, Src: s.rng}.Rand()
	y := distuv.Gamma{Alpha: float64(losses + 1), Beta: 1, Src: s.rng}.Rand()
	if x+y == 0 {
		return 0
	}
	return x / (x + y)
}

func (s *Selector) logSelection(span trace.Span, taskID, workerID string, ctx types.ContextKey, mode types.SelectionMode, score float64) {
	span.SetAttributes(telemetry.SelectionAttrs(workerID, string(mode), ctx.Role, ctx.Technology, ctx.PhaseType, score)...)
	err := s.store.RecordSelection(&types.SelectionRecord{
		TaskID:       taskID,
		WorkerID:     workerID,
		Context:      ctx,
		Mode:         mode,
		SampledScore: score,
	})
	if err != nil {
		s.logger.Printf("selector: recording selection for %s: %v", taskID, err)
	}
	s.logger.Printf("selector: %s mode=%s worker=%s score=%.2f (role=%s tech=%s phase=%s)",
		taskID, mode, workerID, score, ctx.Role, ctx.Technology, ctx.PhaseType)
}
