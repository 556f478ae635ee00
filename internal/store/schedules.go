package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertScheduleEntry inserts or updates a schedule entry. The cron
// expression is validated by the scheduler before it ever reaches here.
// An update keeps the existing state so an in-flight fire is not clobbered.
func (s *Store) UpsertScheduleEntry(e *ScheduleEntry) error {
	now := fmtTime(time.Now())
	payload := e.ConfigPayload
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.Exec(`
		INSERT INTO schedule_entries
			(owner_user_id, agent_name, schedule_name, cron_expr, next_run_at, state, config_payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_user_id, agent_name, schedule_name)
		DO UPDATE SET cron_expr = excluded.cron_expr,
			config_payload = excluded.config_payload,
			updated_at = excluded.updated_at`,
		e.OwnerUserID, e.AgentName, e.ScheduleName, e.CronExpr,
		fmtTime(e.NextRunAt), ScheduleIdle, payload, now, now)
	if err != nil {
		return fmt.Errorf("upsert schedule %s/%s/%s: %w", e.OwnerUserID, e.AgentName, e.ScheduleName, err)
	}
	return nil
}

// DeleteScheduleEntry removes a schedule entry. Returns true when a row
// was deleted.
func (s *Store) DeleteScheduleEntry(ownerUserID, agentName, scheduleName string) (bool, error) {
	res, err := s.db.Exec(`
		DELETE FROM schedule_entries
		WHERE owner_user_id = ? AND agent_name = ? AND schedule_name = ?`,
		ownerUserID, agentName, scheduleName)
	if err != nil {
		return false, fmt.Errorf("delete schedule %s/%s/%s: %w", ownerUserID, agentName, scheduleName, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListScheduleEntries returns entries for an owner, or all entries when
// ownerUserID is empty.
func (s *Store) ListScheduleEntries(ownerUserID string) ([]*ScheduleEntry, error) {
	query := `
		SELECT owner_user_id, agent_name, schedule_name, cron_expr, next_run_at,
			state, config_payload, last_status, last_fired_at, created_at, updated_at
		FROM schedule_entries`
	args := []any{}
	if ownerUserID != "" {
		query += ` WHERE owner_user_id = ?`
		args = append(args, ownerUserID)
	}
	query += ` ORDER BY owner_user_id, agent_name, schedule_name`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	return scanScheduleEntries(rows)
}

// DueScheduleEntries returns idle entries whose next_run_at is at or before
// now. Entries currently firing are invisible to the tick scan.
func (s *Store) DueScheduleEntries(now time.Time) ([]*ScheduleEntry, error) {
	rows, err := s.db.Query(`
		SELECT owner_user_id, agent_name, schedule_name, cron_expr, next_run_at,
			state, config_payload, last_status, last_fired_at, created_at, updated_at
		FROM schedule_entries
		WHERE state = ? AND next_run_at <= ?
		ORDER BY next_run_at`,
		ScheduleIdle, fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("scan due schedules: %w", err)
	}
	defer rows.Close()
	return scanScheduleEntries(rows)
}

// ClaimScheduleEntry transitions an entry from idle to firing and advances
// next_run_at in one conditional update. Returns false when the entry was
// already claimed (or no longer due), which is what prevents two ticks from
// double-firing the same entry.
func (s *Store) ClaimScheduleEntry(ownerUserID, agentName, scheduleName string, now, nextRun time.Time) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE schedule_entries
		SET state = ?, next_run_at = ?, last_fired_at = ?, updated_at = ?
		WHERE owner_user_id = ? AND agent_name = ? AND schedule_name = ?
			AND state = ? AND next_run_at <= ?`,
		ScheduleFiring, fmtTime(nextRun), fmtTime(now), fmtTime(time.Now()),
		ownerUserID, agentName, scheduleName, ScheduleIdle, fmtTime(now))
	if err != nil {
		return false, fmt.Errorf("claim schedule %s/%s/%s: %w", ownerUserID, agentName, scheduleName, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ReleaseScheduleEntry returns a firing entry to idle, recording the fire
// outcome for administrative listing.
func (s *Store) ReleaseScheduleEntry(ownerUserID, agentName, scheduleName, status string) error {
	_, err := s.db.Exec(`
		UPDATE schedule_entries SET state = ?, last_status = ?, updated_at = ?
		WHERE owner_user_id = ? AND agent_name = ? AND schedule_name = ?`,
		ScheduleIdle, status, fmtTime(time.Now()),
		ownerUserID, agentName, scheduleName)
	if err != nil {
		return fmt.Errorf("release schedule %s/%s/%s: %w", ownerUserID, agentName, scheduleName, err)
	}
	return nil
}

func scanScheduleEntries(rows *sql.Rows) ([]*ScheduleEntry, error) {
	var out []*ScheduleEntry
	for rows.Next() {
		e := &ScheduleEntry{}
		var nextRun, createdAt, updatedAt string
		var lastFired sql.NullString
		if err := rows.Scan(&e.OwnerUserID, &e.AgentName, &e.ScheduleName, &e.CronExpr,
			&nextRun, &e.State, &e.ConfigPayload, &e.LastStatus, &lastFired, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		e.NextRunAt = parseTime(nextRun)
		e.LastFiredAt = parseNullTime(lastFired)
		e.CreatedAt = parseTime(createdAt)
		e.UpdatedAt = parseTime(updatedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
