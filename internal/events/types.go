// Package events provides in-process streaming of task lifecycle events
package events

import (
	"encoding/json"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	// EventTaskCreated is emitted when a task enters the store
	EventTaskCreated EventType = "task.created"
	// EventTaskStarted is emitted when a task begins execution
	EventTaskStarted EventType = "task.started"
	// EventTaskCompleted is emitted when a task completes successfully
	EventTaskCompleted EventType = "task.completed"
	// EventTaskFailed is emitted when a task fails an attempt
	EventTaskFailed EventType = "task.failed"
	// EventTaskDecomposed is emitted when a task is split into children
	EventTaskDecomposed EventType = "task.decomposed"
	// EventTaskLocked is emitted when a scheduler claims a task lease
	EventTaskLocked EventType = "task.locked"
	// EventIncidentOpened is emitted when the watchdog files an incident
	EventIncidentOpened EventType = "incident.opened"
	// EventIncidentResolved is emitted when a repair task succeeds
	EventIncidentResolved EventType = "incident.resolved"
	// EventWatchdogCycle is emitted after every recovery sweep
	EventWatchdogCycle EventType = "watchdog.cycle"
)

// Event is a single lifecycle event
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp int64          `json:"timestamp"`
	TaskID    string         `json:"task_id,omitempty"`
	Domain    string         `json:"domain,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// MarshalData converts the Data map to JSON for storage
func (e *Event) MarshalData() ([]byte, error) {
	if len(e.Data) == 0 {
		return nil, nil
	}
	return json.Marshal(e.Data)
}

// NewEvent creates an event stamped with the current time
func NewEvent(eventType EventType, taskID, domain string, data map[string]any) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().Unix(),
		TaskID:    taskID,
		Domain:    domain,
		Data:      data,
	}
}

// Filter selects a subset of the event stream
type Filter struct {
	Types  []EventType `json:"types,omitempty"`
	Domain string      `json:"domain,omitempty"`
	TaskID string      `json:"task_id,omitempty"`
	Since  int64       `json:"since,omitempty"`
	Until  int64       `json:"until,omitempty"`
}
