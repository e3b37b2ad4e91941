package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/cloud-shuttle/foreman/pkg/types"
)

const fitnessColumns = `worker_id, role, technology, phase_type,
	wins, losses, runs, avg_iterations,
	weight_multiplier, fitness_score, retired, updated_at`

// GetFitness returns the record for an exact (worker, context) pair.
// Returns ErrNotFound when the pair has never been recorded.
func (s *Store) GetFitness(workerID string, ctx types.ContextKey) (*types.FitnessRecord, error) {
	row := s.DB.QueryRow(`
		SELECT `+fitnessColumns+` FROM fitness_records
		WHERE worker_id = ? AND role = ? AND technology = ? AND phase_type = ?
	`, workerID, ctx.Role, ctx.Technology, ctx.PhaseType)

	rec, err := scanFitness(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("fitness for %s in %v: %w", workerID, ctx, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting fitness: %w", err)
	}
	return rec, nil
}

// FitnessByWorker returns every context record a worker holds for a role
func (s *Store) FitnessByWorker(workerID, role string) ([]*types.FitnessRecord, error) {
	return s.queryFitness(`
		SELECT `+fitnessColumns+` FROM fitness_records
		WHERE worker_id = ? AND role = ?
		ORDER BY technology, phase_type
	`, workerID, role)
}

// ListFitness returns all records for a role, best fitness first.
// An empty role returns everything.
func (s *Store) ListFitness(role string) ([]*types.FitnessRecord, error) {
	if role == "" {
		return s.queryFitness(`SELECT ` + fitnessColumns + ` FROM fitness_records ORDER BY fitness_score DESC, worker_id`)
	}
	return s.queryFitness(`
		SELECT `+fitnessColumns+` FROM fitness_records
		WHERE role = ?
		ORDER BY fitness_score DESC, worker_id
	`, role)
}

// UpsertFitness writes the full record, creating the row on first use
func (s *Store) UpsertFitness(rec *types.FitnessRecord) error {
	rec.UpdatedAt = time.Now().Unix()
	_, err := s.DB.Exec(`
		INSERT INTO fitness_records (worker_id, role, technology, phase_type,
		                             wins, losses, runs, avg_iterations,
		                             weight_multiplier, fitness_score, retired, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(worker_id, role, technology, phase_type) DO UPDATE SET
			wins = excluded.wins,
			losses = excluded.losses,
			runs = excluded.runs,
			avg_iterations = excluded.avg_iterations,
			weight_multiplier = excluded.weight_multiplier,
			fitness_score = excluded.fitness_score,
			retired = excluded.retired,
			updated_at = excluded.updated_at
	`, rec.WorkerID, rec.Context.Role, rec.Context.Technology, rec.Context.PhaseType,
		rec.Wins, rec.Losses, rec.Runs, rec.AvgIterations,
		rec.WeightMultiplier, rec.FitnessScore, boolToInt(rec.Retired), rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting fitness: %w", err)
	}
	return nil
}

// RecordSelection appends one row to the selection audit log
func (s *Store) RecordSelection(rec *types.SelectionRecord) error {
	rec.CreatedAt = time.Now().Unix()
	_, err := s.DB.Exec(`
		INSERT INTO selections (task_id, worker_id, role, technology, phase_type, mode, sampled_score, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.TaskID, rec.WorkerID, rec.Context.Role, rec.Context.Technology, rec.Context.PhaseType,
		string(rec.Mode), rec.SampledScore, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("recording selection: %w", err)
	}
	return nil
}

// Selections returns the selection log for a task, oldest first
func (s *Store) Selections(taskID string) ([]types.SelectionRecord, error) {
	rows, err := s.DB.Query(`
		SELECT id, task_id, worker_id, role, technology, phase_type, mode, sampled_score, created_at
		FROM selections
		WHERE task_id = ?
		ORDER BY id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying selections: %w", err)
	}
	defer rows.Close()

	var records []types.SelectionRecord
	for rows.Next() {
		var rec types.SelectionRecord
		var mode string
		var score sql.NullFloat64
		err := rows.Scan(&rec.ID, &rec.TaskID, &rec.WorkerID,
			&rec.Context.Role, &rec.Context.Technology, &rec.Context.PhaseType,
			&mode, &score, &rec.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning selection: %w", err)
		}
		rec.Mode = types.SelectionMode(mode)
		if score.Valid {
			rec.SampledScore = score.Float64
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) queryFitness(query string, args ...interface{}) ([]*types.FitnessRecord, error) {
	rows, err := s.DB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying fitness: %w", err)
	}
	defer rows.Close()

	var records []*types.FitnessRecord
	for rows.Next() {
		rec, err := scanFitness(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning fitness: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanFitness(row rowScanner) (*types.FitnessRecord, error) {
	var rec types.FitnessRecord
	var retired int
	err := row.Scan(
		&rec.WorkerID, &rec.Context.Role, &rec.Context.Technology, &rec.Context.PhaseType,
		&rec.Wins, &rec.Losses, &rec.Runs, &rec.AvgIterations,
		&rec.WeightMultiplier, &rec.FitnessScore, &retired, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Retired = retired != 0
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
