package types

// IncidentStatus is the lifecycle state of an incident
type IncidentStatus string

const (
	IncidentOpen     IncidentStatus = "open"
	IncidentResolved IncidentStatus = "resolved"
	IncidentClosed   IncidentStatus = "closed"
)

// Incident is opened by the recovery watchdog when a task's process died
// after partial progress. It links the failed task to the repair task
// spawned to diagnose and fix the environment.
type Incident struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Severity     string         `json:"severity"` // P0..P3
	FailedTaskID string         `json:"failed_task_id"`
	RepairTaskID string         `json:"repair_task_id,omitempty"`
	PhasesDone   []string       `json:"phases_done,omitempty"`
	Brief        string         `json:"brief"`
	Status       IncidentStatus `json:"status"`
	CreatedAt    int64          `json:"created_at"`
	ResolvedAt   *int64         `json:"resolved_at,omitempty"`
}

// IncidentStats summarizes auto-heal activity for operators
type IncidentStats struct {
	Open     int `json:"open"`
	Resolved int `json:"resolved"`
	Closed   int `json:"closed"`
	Repairs  int `json:"repairs_spawned"`
}
