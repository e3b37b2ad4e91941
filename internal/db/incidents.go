package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloud-shuttle/foreman/pkg/types"
)

const incidentColumns = `id, title, severity, failed_task_id,
	COALESCE(repair_task_id, ''), phases_done_json, COALESCE(brief, ''),
	status, created_at, resolved_at`

// CreateIncident files a new incident. Status defaults to open.
func (s *Store) CreateIncident(inc *types.Incident) error {
	if inc.Status == "" {
		inc.Status = types.IncidentOpen
	}
	if inc.Severity == "" {
		inc.Severity = "P2"
	}
	inc.CreatedAt = time.Now().Unix()

	var repairID interface{}
	if inc.RepairTaskID != "" {
		repairID = inc.RepairTaskID
	}
	_, err := s.DB.Exec(`
		INSERT INTO incidents (id, title, severity, failed_task_id, repair_task_id,
		                       phases_done_json, brief, status, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`, inc.ID, inc.Title, inc.Severity, inc.FailedTaskID, repairID,
		marshalJSON(inc.PhasesDone), inc.Brief, string(inc.Status), inc.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating incident: %w", err)
	}
	return nil
}

// GetIncident retrieves an incident by ID
func (s *Store) GetIncident(id string) (*types.Incident, error) {
	row := s.DB.QueryRow(`SELECT `+incidentColumns+` FROM incidents WHERE id = ?`, id)
	inc, err := scanIncident(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting incident: %w", err)
	}
	return inc, nil
}

// OpenIncidentForFailedTask returns the newest open incident filed for a
// task, or ErrNotFound. Resolved incidents do not count: a task that
// fails again after a successful repair deserves a fresh one.
func (s *Store) OpenIncidentForFailedTask(taskID string) (*types.Incident, error) {
	row := s.DB.QueryRow(`
		SELECT `+incidentColumns+` FROM incidents
		WHERE failed_task_id = ? AND status = 'open'
		ORDER BY created_at DESC
		LIMIT 1
	`, taskID)
	inc, err := scanIncident(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("incident for task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting incident: %w", err)
	}
	return inc, nil
}

// IncidentForRepairTask returns the incident whose repair task is taskID
func (s *Store) IncidentForRepairTask(taskID string) (*types.Incident, error) {
	row := s.DB.QueryRow(`SELECT `+incidentColumns+` FROM incidents WHERE repair_task_id = ? LIMIT 1`, taskID)
	inc, err := scanIncident(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("incident for repair %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting incident: %w", err)
	}
	return inc, nil
}

// LinkRepairTask attaches the spawned repair task to an open incident
func (s *Store) LinkRepairTask(incidentID, repairTaskID string) error {
	_, err := s.DB.Exec(`UPDATE incidents SET repair_task_id = ? WHERE id = ?`, repairTaskID, incidentID)
	if err != nil {
		return fmt.Errorf("linking repair task: %w", err)
	}
	return nil
}

// ResolveIncident marks an incident resolved with a closing note
func (s *Store) ResolveIncident(id, note string) error {
	now := time.Now().Unix()
	result, err := s.DB.Exec(`
		UPDATE incidents
		SET status = 'resolved', brief = brief || ?, resolved_at = ?
		WHERE id = ? AND status = 'open'
	`, "\n"+note, now, id)
	if err != nil {
		return fmt.Errorf("resolving incident: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("incident %s is not open: %w", id, ErrNotFound)
	}
	return nil
}

// OpenIncidents lists incidents still awaiting repair, oldest first
func (s *Store) OpenIncidents() ([]*types.Incident, error) {
	return s.queryIncidents(`
		SELECT ` + incidentColumns + ` FROM incidents
		WHERE status = 'open'
		ORDER BY created_at ASC
	`)
}

// IncidentStats summarizes auto-heal activity
func (s *Store) IncidentStats() (*types.IncidentStats, error) {
	stats := &types.IncidentStats{}
	rows, err := s.DB.Query(`SELECT status, COUNT(*) FROM incidents GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("querying incident stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			continue
		}
		switch types.IncidentStatus(status) {
		case types.IncidentOpen:
			stats.Open = count
		case types.IncidentResolved:
			stats.Resolved = count
		case types.IncidentClosed:
			stats.Closed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	err = s.DB.QueryRow(`SELECT COUNT(*) FROM incidents WHERE repair_task_id IS NOT NULL AND repair_task_id != ''`).Scan(&stats.Repairs)
	if err != nil {
		return nil, fmt.Errorf("counting repairs: %w", err)
	}
	return stats, nil
}

func (s *Store) queryIncidents(query string, args ...interface{}) ([]*types.Incident, error) {
	rows, err := s.DB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying incidents: %w", err)
	}
	defer rows.Close()

	var incidents []*types.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning incident: %w", err)
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

func scanIncident(row rowScanner) (*types.Incident, error) {
	var inc types.Incident
	var phasesDone sql.NullString
	var resolvedAt sql.NullInt64
	var status string

	err := row.Scan(&inc.ID, &inc.Title, &inc.Severity, &inc.FailedTaskID,
		&inc.RepairTaskID, &phasesDone, &inc.Brief,
		&status, &inc.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	inc.Status = types.IncidentStatus(status)
	if phasesDone.Valid && phasesDone.String != "" {
		_ = json.Unmarshal([]byte(phasesDone.String), &inc.PhasesDone)
	}
	if resolvedAt.Valid {
		v := resolvedAt.Int64
		inc.ResolvedAt = &v
	}
	return &inc, nil
}
