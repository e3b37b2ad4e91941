// Package types defines core data structures for Foreman
package types

// TaskStatus represents the current state of a task (mission)
type TaskStatus string

const (
	TaskStatusPending         TaskStatus = "pending"
	TaskStatusInProgress      TaskStatus = "in_progress"
	TaskStatusReadyForReview  TaskStatus = "ready_for_review"
	TaskStatusReviewFailed    TaskStatus = "review_failed"
	TaskStatusMerged          TaskStatus = "merged"
	TaskStatusQueuedForDeploy TaskStatus = "queued_for_deploy"
	TaskStatusDeployingStg    TaskStatus = "deploying_staging"
	TaskStatusStagingOK       TaskStatus = "staging_ok"
	TaskStatusStagingFailed   TaskStatus = "staging_failed"
	TaskStatusDeployingProd   TaskStatus = "deploying_prod"
	TaskStatusProdOK          TaskStatus = "prod_ok"
	TaskStatusProdFailed      TaskStatus = "prod_failed"
	TaskStatusCompleted       TaskStatus = "completed"
	TaskStatusFailed          TaskStatus = "failed"
	TaskStatusDecomposed      TaskStatus = "decomposed"
)

// ValidTransitions is the static whitelist of status edges. An edge absent
// from this table is rejected by the store. COMPLETED and DECOMPOSED are
// terminal. FAILED has a single outgoing edge back to PENDING so operators
// (or the watchdog) can reset a task for another round of attempts.
var ValidTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:    {TaskStatusInProgress, TaskStatusFailed, TaskStatusDecomposed},
	TaskStatusInProgress: {TaskStatusReadyForReview, TaskStatusCompleted, TaskStatusFailed, TaskStatusDecomposed},

	// Review gate
	TaskStatusReadyForReview: {TaskStatusMerged, TaskStatusReviewFailed},
	TaskStatusReviewFailed:   {TaskStatusInProgress, TaskStatusFailed},

	// Deploy pipeline
	TaskStatusMerged:          {TaskStatusQueuedForDeploy, TaskStatusCompleted},
	TaskStatusQueuedForDeploy: {TaskStatusDeployingStg, TaskStatusFailed},
	TaskStatusDeployingStg:    {TaskStatusStagingOK, TaskStatusStagingFailed},
	TaskStatusStagingOK:       {TaskStatusDeployingProd},
	TaskStatusStagingFailed:   {TaskStatusInProgress, TaskStatusFailed},
	TaskStatusDeployingProd:   {TaskStatusProdOK, TaskStatusProdFailed},
	TaskStatusProdOK:          {TaskStatusCompleted},
	TaskStatusProdFailed:      {TaskStatusInProgress, TaskStatusFailed},

	// Final states
	TaskStatusCompleted:  {},
	TaskStatusFailed:     {TaskStatusPending},
	TaskStatusDecomposed: {},
}

// CanTransition reports whether from -> to is a whitelisted edge
func CanTransition(from, to TaskStatus) bool {
	for _, t := range ValidTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status has no outgoing edges at all
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusDecomposed
}

// PhaseStatus is the state of a single phase within a task's execution
type PhaseStatus string

const (
	PhasePending PhaseStatus = "pending"
	PhaseRunning PhaseStatus = "running"
	PhaseDone    PhaseStatus = "done"
)

// Phase is one step of a multi-phase task, reported by the executor and
// reconciled by the watchdog after a crash
type Phase struct {
	Name   string      `json:"name"`
	Status PhaseStatus `json:"status"`
	Note   string      `json:"note,omitempty"`
}

// Task represents a unit of schedulable work
type Task struct {
	ID          string `json:"id" db:"id"`
	Domain      string `json:"domain" db:"domain"`
	Description string `json:"description" db:"description"`

	Status        TaskStatus `json:"status" db:"status"`
	PriorityScore float64    `json:"priority_score" db:"priority_score"` // queue ordering only, never gates transitions

	// Optimistic lease, not a hard mutex: an expired lease is free to claim
	LockedBy      string `json:"locked_by,omitempty" db:"locked_by"`
	LockExpiresAt *int64 `json:"lock_expires_at,omitempty" db:"lock_expires_at"`

	Attempts    int `json:"attempts" db:"attempts"`
	MaxAttempts int `json:"max_attempts" db:"max_attempts"`

	// Fractal hierarchy: parent is a weak back-reference, ChildIDs is set
	// exactly once when the task becomes DECOMPOSED
	ParentID     string   `json:"parent_id,omitempty" db:"parent_id"`
	ChildIDs     []string `json:"child_ids,omitempty" db:"child_ids"`
	FractalDepth int      `json:"fractal_depth" db:"fractal_depth"`

	Phases      []Phase           `json:"phases,omitempty" db:"phases"`
	LastError   string            `json:"last_error,omitempty" db:"last_error"`
	ArtifactRef string            `json:"artifact_ref,omitempty" db:"artifact_ref"`
	Metadata    map[string]string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt   int64  `json:"created_at" db:"created_at"`
	UpdatedAt   int64  `json:"updated_at" db:"updated_at"`
	StartedAt   *int64 `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *int64 `json:"completed_at,omitempty" db:"completed_at"`
}

// LockExpired reports whether the task's lease is absent or past now (unix seconds)
func (t *Task) LockExpired(now int64) bool {
	if t.LockedBy == "" || t.LockExpiresAt == nil {
		return true
	}
	return now > *t.LockExpiresAt
}

// CompletedPhases returns the names of phases already done, in order
func (t *Task) CompletedPhases() []string {
	var done []string
	for _, p := range t.Phases {
		if p.Status == PhaseDone {
			done = append(done, p.Name)
		}
	}
	return done
}

// HistoryEntry is one row of a task's append-only audit trail
type HistoryEntry struct {
	ID         int64             `json:"id"`
	TaskID     string            `json:"task_id"`
	FromStatus TaskStatus        `json:"from_status"`
	ToStatus   TaskStatus        `json:"to_status"`
	Actor      string            `json:"actor"`
	Detail     map[string]string `json:"detail,omitempty"`
	CreatedAt  int64             `json:"created_at"`
}

// ProjectStatus summarizes the current state of all tasks
type ProjectStatus struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Decomposed int `json:"decomposed"`
	InPipeline int `json:"in_pipeline"` // review + deploy states
}
