package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloud-shuttle/foreman/pkg/types"
)

const taskColumns = `id, domain, description, status, priority_score,
	COALESCE(locked_by, ''), lock_expires_at,
	attempts, max_attempts,
	COALESCE(parent_id, ''), child_ids_json, fractal_depth,
	phases_json, COALESCE(last_error, ''), COALESCE(artifact_ref, ''), metadata_json,
	created_at, updated_at, started_at, completed_at`

// CreateTask inserts a new task and its initial history row.
// Returns ErrDuplicateID if the id is already taken.
func (s *Store) CreateTask(task *types.Task) error {
	if task.Status == "" {
		task.Status = types.TaskStatusPending
	}
	if task.MaxAttempts == 0 {
		task.MaxAttempts = 3
	}
	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = task.CreatedAt

	tx, err := s.DB.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM tasks WHERE id = ?`, task.ID).Scan(&exists); err != nil {
		return fmt.Errorf("checking for duplicate id: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("creating task %s: %w", task.ID, ErrDuplicateID)
	}

	if err := insertTask(tx, task); err != nil {
		return err
	}
	if err := appendHistory(tx, task.ID, "", task.Status, "create", nil, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func insertTask(tx *sql.Tx, task *types.Task) error {
	var parentID interface{}
	if task.ParentID != "" {
		parentID = task.ParentID
	}

	_, err := tx.Exec(`
		INSERT INTO tasks (id, domain, description, status, priority_score,
		                   locked_by, lock_expires_at, attempts, max_attempts,
		                   parent_id, child_ids_json, fractal_depth,
		                   phases_json, last_error, artifact_ref, metadata_json,
		                   created_at, updated_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, NULL, NULL, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.Domain, task.Description, task.Status, task.PriorityScore,
		task.Attempts, task.MaxAttempts,
		parentID, marshalJSON(task.ChildIDs), task.FractalDepth,
		marshalJSON(task.Phases), task.LastError, task.ArtifactRef, marshalJSON(task.Metadata),
		task.CreatedAt, task.UpdatedAt, task.StartedAt, task.CompletedAt)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID
func (s *Store) GetTask(taskID string) (*types.Task, error) {
	row := s.DB.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting task: %w", err)
	}
	return task, nil
}

// Transition moves a task to newStatus if the edge is whitelisted.
//
// The status check and update run as a single conditional UPDATE so two
// concurrent transitions from the same prior state cannot both succeed.
// An edge missing from the table is a normal outcome, not an error: the
// task row is left untouched and (false, nil) is returned.
func (s *Store) Transition(taskID string, newStatus types.TaskStatus, actor string, detail map[string]string) (bool, error) {
	tx, err := s.DB.Begin()
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var current types.TaskStatus
	err = tx.QueryRow(`SELECT status FROM tasks WHERE id = ?`, taskID).Scan(&current)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("reading status: %w", err)
	}

	if !types.CanTransition(current, newStatus) {
		return false, nil
	}

	now := time.Now().Unix()
	fields := "status = ?, updated_at = ?"
	args := []interface{}{newStatus, now}

	// Entering IN_PROGRESS starts an attempt
	if newStatus == types.TaskStatusInProgress {
		fields += ", attempts = attempts + 1, started_at = COALESCE(started_at, ?)"
		args = append(args, now)
	}
	// Terminal success stamps completion
	if newStatus == types.TaskStatusCompleted || newStatus == types.TaskStatusProdOK {
		fields += ", completed_at = ?"
		args = append(args, now)
	}
	if v, ok := detail["error"]; ok {
		fields += ", last_error = ?"
		args = append(args, v)
	}
	if v, ok := detail["artifact_ref"]; ok {
		fields += ", artifact_ref = ?"
		args = append(args, v)
	}

	args = append(args, taskID, current)
	result, err := tx.Exec(`UPDATE tasks SET `+fields+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return false, fmt.Errorf("transitioning task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting affected rows: %w", err)
	}
	if affected == 0 {
		// Lost the race to a concurrent transition
		return false, nil
	}

	if err := appendHistory(tx, taskID, current, newStatus, actor, detail, now); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing transition: %w", err)
	}
	return true, nil
}

// Lock claims a lease on a task for a worker.
//
// A single conditional UPDATE claims the lease only when the task is
// unlocked or the previous lease has expired, so there is no
// read-then-write window for two schedulers to both win.
func (s *Store) Lock(taskID, workerID string, leaseSeconds int) (bool, error) {
	now := time.Now().Unix()
	expires := now + int64(leaseSeconds)

	result, err := s.DB.Exec(`
		UPDATE tasks
		SET locked_by = ?, lock_expires_at = ?, updated_at = ?
		WHERE id = ?
		  AND (locked_by IS NULL OR locked_by = '' OR lock_expires_at < ?)
	`, workerID, expires, now, taskID, now)
	if err != nil {
		return false, fmt.Errorf("locking task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting affected rows: %w", err)
	}
	return affected > 0, nil
}

// Unlock clears the lease unconditionally. Safe to call twice.
func (s *Store) Unlock(taskID string) error {
	_, err := s.DB.Exec(`
		UPDATE tasks
		SET locked_by = NULL, lock_expires_at = NULL, updated_at = ?
		WHERE id = ?
	`, time.Now().Unix(), taskID)
	if err != nil {
		return fmt.Errorf("unlocking task: %w", err)
	}
	return nil
}

// ListPending returns pending tasks ordered by priority score (descending).
// When excludeLocked is set, rows with an unexpired lease are skipped.
func (s *Store) ListPending(limit int, domain string, excludeLocked bool) ([]*types.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = 'pending'`
	var args []interface{}

	if domain != "" {
		query += ` AND domain = ?`
		args = append(args, domain)
	}
	if excludeLocked {
		query += ` AND (locked_by IS NULL OR locked_by = '' OR lock_expires_at < ?)`
		args = append(args, time.Now().Unix())
	}
	query += ` ORDER BY priority_score DESC, created_at ASC LIMIT ?`
	args = append(args, limit)

	return s.queryTasks(query, args...)
}

// Decompose atomically inserts children and marks the parent DECOMPOSED.
// Decomposition happens at most once: a parent already DECOMPOSED rejects
// the call with ErrAlreadyDecomposed and no children are inserted.
func (s *Store) Decompose(parentID string, children []*types.Task) error {
	tx, err := s.DB.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var status types.TaskStatus
	var depth int
	err = tx.QueryRow(`SELECT status, fractal_depth FROM tasks WHERE id = ?`, parentID).Scan(&status, &depth)
	if err == sql.ErrNoRows {
		return fmt.Errorf("parent %s: %w", parentID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("reading parent: %w", err)
	}
	if status == types.TaskStatusDecomposed {
		return fmt.Errorf("decomposing %s: %w", parentID, ErrAlreadyDecomposed)
	}
	if !types.CanTransition(status, types.TaskStatusDecomposed) {
		return fmt.Errorf("decomposing %s: status %s cannot decompose", parentID, status)
	}

	now := time.Now().Unix()
	childIDs := make([]string, 0, len(children))
	for _, child := range children {
		child.ParentID = parentID
		child.FractalDepth = depth + 1
		if child.Status == "" {
			child.Status = types.TaskStatusPending
		}
		if child.MaxAttempts == 0 {
			child.MaxAttempts = 3
		}
		child.CreatedAt = now
		child.UpdatedAt = now
		if err := insertTask(tx, child); err != nil {
			return err
		}
		if err := appendHistory(tx, child.ID, "", child.Status, "decompose", map[string]string{"parent": parentID}, now); err != nil {
			return err
		}
		childIDs = append(childIDs, child.ID)
	}

	_, err = tx.Exec(`
		UPDATE tasks
		SET status = 'decomposed', child_ids_json = ?, updated_at = ?
		WHERE id = ?
	`, marshalJSON(childIDs), now, parentID)
	if err != nil {
		return fmt.Errorf("marking parent decomposed: %w", err)
	}
	if err := appendHistory(tx, parentID, status, types.TaskStatusDecomposed, "decompose",
		map[string]string{"children": fmt.Sprintf("%d", len(children))}, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing decomposition: %w", err)
	}
	return nil
}

// SubTasks retrieves all direct children of a parent task
func (s *Store) SubTasks(parentID string) ([]*types.Task, error) {
	return s.queryTasks(`SELECT `+taskColumns+` FROM tasks WHERE parent_id = ? ORDER BY created_at ASC, id ASC`, parentID)
}

// TasksByStatus returns every task currently in the given status
func (s *Store) TasksByStatus(status types.TaskStatus) ([]*types.Task, error) {
	return s.queryTasks(`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY updated_at ASC`, string(status))
}

// StaleTasks returns tasks in any of the given statuses whose last update
// is older than the cutoff (unix seconds)
func (s *Store) StaleTasks(statuses []types.TaskStatus, updatedBefore int64) ([]*types.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE updated_at < ? AND status IN (`
	args := []interface{}{updatedBefore}
	for i, st := range statuses {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, string(st))
	}
	query += `) ORDER BY updated_at ASC`
	return s.queryTasks(query, args...)
}

// NeverStarted returns pending tasks that have never entered execution
func (s *Store) NeverStarted(limit int) ([]*types.Task, error) {
	return s.queryTasks(`
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'pending' AND started_at IS NULL AND attempts = 0
		ORDER BY priority_score DESC, created_at ASC
		LIMIT ?
	`, limit)
}

// UpdatePhases persists the executor-reported phase list for a task
func (s *Store) UpdatePhases(taskID string, phases []types.Phase) error {
	_, err := s.DB.Exec(`
		UPDATE tasks SET phases_json = ?, updated_at = ? WHERE id = ?
	`, marshalJSON(phases), time.Now().Unix(), taskID)
	if err != nil {
		return fmt.Errorf("updating phases: %w", err)
	}
	return nil
}

// History returns the full audit trail of a task, oldest first
func (s *Store) History(taskID string) ([]types.HistoryEntry, error) {
	rows, err := s.DB.Query(`
		SELECT id, task_id, from_status, to_status, actor, detail_json, created_at
		FROM task_history
		WHERE task_id = ?
		ORDER BY id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var entries []types.HistoryEntry
	for rows.Next() {
		var e types.HistoryEntry
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.TaskID, &e.FromStatus, &e.ToStatus, &e.Actor, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning history: %w", err)
		}
		if detail.Valid && detail.String != "" {
			_ = json.Unmarshal([]byte(detail.String), &e.Detail)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ProjectStatus returns overall task counts by status
func (s *Store) ProjectStatus() (*types.ProjectStatus, error) {
	rows, err := s.DB.Query(`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("querying status: %w", err)
	}
	defer rows.Close()

	status := &types.ProjectStatus{}
	for rows.Next() {
		var st string
		var count int
		if err := rows.Scan(&st, &count); err != nil {
			continue
		}
		status.Total += count
		switch types.TaskStatus(st) {
		case types.TaskStatusPending:
			status.Pending = count
		case types.TaskStatusInProgress:
			status.InProgress = count
		case types.TaskStatusCompleted:
			status.Completed = count
		case types.TaskStatusFailed:
			status.Failed = count
		case types.TaskStatusDecomposed:
			status.Decomposed = count
		default:
			status.InPipeline += count
		}
	}
	return status, rows.Err()
}

// ResetFailed flips FAILED tasks back to PENDING through the one legal edge,
// granting extraAttempts more tries. Attempt counters are never rewound.
func (s *Store) ResetFailed(actor string, extraAttempts int) (int, error) {
	failed, err := s.TasksByStatus(types.TaskStatusFailed)
	if err != nil {
		return 0, err
	}

	reset := 0
	for _, task := range failed {
		ok, err := s.Transition(task.ID, types.TaskStatusPending, actor, map[string]string{"reset": "manual"})
		if err != nil {
			return reset, err
		}
		if !ok {
			continue
		}
		_, err = s.DB.Exec(`UPDATE tasks SET max_attempts = attempts + ? WHERE id = ?`, extraAttempts, task.ID)
		if err != nil {
			return reset, fmt.Errorf("extending attempts: %w", err)
		}
		reset++
	}
	return reset, nil
}

func appendHistory(tx *sql.Tx, taskID string, from, to types.TaskStatus, actor string, detail map[string]string, now int64) error {
	_, err := tx.Exec(`
		INSERT INTO task_history (task_id, from_status, to_status, actor, detail_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, taskID, string(from), string(to), actor, marshalJSON(detail), now)
	if err != nil {
		return fmt.Errorf("appending history: %w", err)
	}
	return nil
}

func (s *Store) queryTasks(query string, args ...interface{}) ([]*types.Task, error) {
	rows, err := s.DB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	var task types.Task
	var lockExpires, startedAt, completedAt sql.NullInt64
	var childIDs, phases, metadata sql.NullString

	err := row.Scan(
		&task.ID, &task.Domain, &task.Description, &task.Status, &task.PriorityScore,
		&task.LockedBy, &lockExpires,
		&task.Attempts, &task.MaxAttempts,
		&task.ParentID, &childIDs, &task.FractalDepth,
		&phases, &task.LastError, &task.ArtifactRef, &metadata,
		&task.CreatedAt, &task.UpdatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if lockExpires.Valid {
		v := lockExpires.Int64
		task.LockExpiresAt = &v
	}
	if startedAt.Valid {
		v := startedAt.Int64
		task.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Int64
		task.CompletedAt = &v
	}
	if childIDs.Valid && childIDs.String != "" {
		_ = json.Unmarshal([]byte(childIDs.String), &task.ChildIDs)
	}
	if phases.Valid && phases.String != "" {
		_ = json.Unmarshal([]byte(phases.String), &task.Phases)
	}
	if metadata.Valid && metadata.String != "" {
		_ = json.Unmarshal([]byte(metadata.String), &task.Metadata)
	}
	return &task, nil
}

func marshalJSON(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	s := string(data)
	if s == "null" {
		return nil
	}
	return s
}
