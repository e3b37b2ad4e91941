// Package telemetry provides OpenTelemetry observability for Foreman
package telemetry

import "go.opentelemetry.io/otel/attribute"

// Semantic convention keys for Foreman-specific attributes
const (
	// Task attributes
	KeyTaskID       = "foreman.task.id"
	KeyTaskDomain   = "foreman.task.domain"
	KeyTaskState    = "foreman.task.state"
	KeyTaskPriority = "foreman.task.priority"
	KeyTaskAttempt  = "foreman.task.attempt"
	KeyTaskDepth    = "foreman.task.depth"

	// Worker attributes
	KeyWorkerID    = "foreman.worker.id"
	KeyWorkerModel = "foreman.worker.model"

	// Selection attributes
	KeySelectionMode  = "foreman.selection.mode"
	KeySelectionScore = "foreman.selection.score"
	KeyContextRole    = "foreman.context.role"
	KeyContextTech    = "foreman.context.technology"
	KeyContextPhase   = "foreman.context.phase"

	// Incident attributes
	KeyIncidentID       = "foreman.incident.id"
	KeyIncidentSeverity = "foreman.incident.severity"

	// Error attributes
	KeyErrorCategory = "foreman.error.category"
)

// Error categories
const (
	ErrorCategoryExecutor = "executor"
	ErrorCategoryDatabase = "database"
	ErrorCategoryTimeout  = "timeout"
	ErrorCategoryUnknown  = "unknown"
)

// TaskAttrs returns the standard attribute set for a task
func TaskAttrs(id, domain, state string, attempt, depth int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(KeyTaskID, id),
		attribute.String(KeyTaskDomain, domain),
		attribute.String(KeyTaskState, state),
		attribute.Int(KeyTaskAttempt, attempt),
		attribute.Int(KeyTaskDepth, depth),
	}
}

// SelectionAttrs returns the attribute set for a worker selection
func SelectionAttrs(workerID, mode, role, tech, phase string, score float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(KeyWorkerID, workerID),
		attribute.String(KeySelectionMode, mode),
		attribute.String(KeyContextRole, role),
		attribute.String(KeyContextTech, tech),
		attribute.String(KeyContextPhase, phase),
		attribute.Float64(KeySelectionScore, score),
	}
}
