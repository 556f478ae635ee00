package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// WriteArtifact inserts an immutable work product and returns its id.
func (s *Store) WriteArtifact(userID, agentName, artifactType, content string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(`
		INSERT INTO artifacts (id, user_id, agent_name, type, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, userID, agentName, artifactType, content, fmtTime(time.Now()))
	if err != nil {
		return "", fmt.Errorf("write artifact for %s: %w", userID, err)
	}
	return id, nil
}

// GetArtifact loads an artifact by id. Returns (nil, nil) when absent.
func (s *Store) GetArtifact(id string) (*Artifact, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, agent_name, type, content, created_at FROM artifacts WHERE id = ?`, id)
	a := &Artifact{}
	var createdAt string
	err := row.Scan(&a.ID, &a.UserID, &a.AgentName, &a.Type, &a.Content, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load artifact %s: %w", id, err)
	}
	a.CreatedAt = parseTime(createdAt)
	return a, nil
}

// ListArtifacts returns a user's most recent artifacts, newest first.
func (s *Store) ListArtifacts(userID string, limit int) ([]*Artifact, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, user_id, agent_name, type, content, created_at
		FROM artifacts WHERE user_id = ?
		ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list artifacts for %s: %w", userID, err)
	}
	defer rows.Close()
	var out []*Artifact
	for rows.Next() {
		a := &Artifact{}
		var createdAt string
		if err := rows.Scan(&a.ID, &a.UserID, &a.AgentName, &a.Type, &a.Content, &createdAt); err != nil {
			return nil, err
		}
		a.CreatedAt = parseTime(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Post inserts a notification and attempts immediate delivery to a live
// session. Push failure never fails the post: the row stays queued until
// the recipient marks it read.
func (s *Store) Post(userID, fromAgent, message, artifactID, priority string) (string, error) {
	switch priority {
	case PriorityUrgent, PriorityNormal, PriorityLow:
	default:
		priority = PriorityNormal
	}
	n := &Notification{
		ID:         uuid.NewString(),
		UserID:     userID,
		FromAgent:  fromAgent,
		Message:    message,
		Priority:   priority,
		ArtifactID: artifactID,
		CreatedAt:  time.Now().UTC(),
	}
	var artifact any
	if artifactID != "" {
		artifact = artifactID
	}
	_, err := s.db.Exec(`
		INSERT INTO notifications (id, user_id, from_agent, message, priority, artifact_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, n.FromAgent, n.Message, n.Priority, artifact, fmtTime(n.CreatedAt))
	if err != nil {
		return "", fmt.Errorf("post notification for %s: %w", userID, err)
	}

	if s.pusher != nil {
		if delivered := s.pusher.Push(userID, n); delivered {
			slog.Debug("Notification pushed to live session", "user", userID, "id", n.ID, "priority", priority)
		}
	}
	return n.ID, nil
}

// GetUnread returns unread notifications ordered urgent before normal
// before low, newest first within each tier.
func (s *Store) GetUnread(userID string) ([]*Notification, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, from_agent, message, priority, artifact_id, created_at, read_at
		FROM notifications
		WHERE user_id = ? AND read_at IS NULL
		ORDER BY CASE priority WHEN 'urgent' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END,
			created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list unread for %s: %w", userID, err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

// GetNotification loads a notification by id, read or not. Returns
// (nil, nil) when absent.
func (s *Store) GetNotification(id string) (*Notification, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, from_agent, message, priority, artifact_id, created_at, read_at
		FROM notifications WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("load notification %s: %w", id, err)
	}
	defer rows.Close()
	out, err := scanNotifications(rows)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return out[0], nil
}

// MarkRead marks a notification read. Idempotent: marking an already-read
// notification is a no-op, an unknown id is an error.
func (s *Store) MarkRead(id string) error {
	res, err := s.db.Exec(`
		UPDATE notifications SET read_at = ? WHERE id = ? AND read_at IS NULL`,
		fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("mark read %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	existing, err := s.GetNotification(id)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("mark read: no notification %s", id)
	}
	return nil
}

func scanNotifications(rows *sql.Rows) ([]*Notification, error) {
	var out []*Notification
	for rows.Next() {
		n := &Notification{}
		var artifact, readAt sql.NullString
		var createdAt string
		if err := rows.Scan(&n.ID, &n.UserID, &n.FromAgent, &n.Message, &n.Priority,
			&artifact, &createdAt, &readAt); err != nil {
			return nil, err
		}
		n.ArtifactID = artifact.String
		n.CreatedAt = parseTime(createdAt)
		n.ReadAt = parseNullTime(readAt)
		out = append(out, n)
	}
	return out, rows.Err()
}
