package store

import (
	"database/sql"
	"fmt"
	"time"
)

// GetInstance loads an instance with its file bundle. Returns (nil, nil)
// when no instance exists for the pair.
func (s *Store) GetInstance(userID, agentName string) (*Instance, error) {
	row := s.db.QueryRow(`
		SELECT template_name, template_version, soul, created_by, created_at, updated_at
		FROM agent_instances WHERE user_id = ? AND agent_name = ?`, userID, agentName)

	inst := &Instance{UserID: userID, AgentName: agentName}
	var createdAt, updatedAt string
	err := row.Scan(&inst.TemplateName, &inst.TemplateVersion, &inst.Soul, &inst.CreatedBy, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load instance %s/%s: %w", userID, agentName, err)
	}
	inst.CreatedAt = parseTime(createdAt)
	inst.UpdatedAt = parseTime(updatedAt)

	inst.Files = make(map[string]string)
	inst.Customized = make(map[string]bool)
	rows, err := s.db.Query(`
		SELECT file_key, content, customized
		FROM agent_instance_files WHERE user_id = ? AND agent_name = ?`, userID, agentName)
	if err != nil {
		return nil, fmt.Errorf("load instance files %s/%s: %w", userID, agentName, err)
	}
	defer rows.Close()
	for rows.Next() {
		var key, content string
		var customized bool
		if err := rows.Scan(&key, &content, &customized); err != nil {
			return nil, err
		}
		inst.Files[key] = content
		if customized {
			inst.Customized[key] = true
		}
	}
	return inst, rows.Err()
}

// InsertInstance persists a new instance and its files in one transaction.
// Insertion is idempotent on the (user_id, agent_name) key: a concurrent
// insert loses quietly and the caller re-reads, so at most one row exists.
func (s *Store) InsertInstance(inst *Instance) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := fmtTime(time.Now())
	res, err := tx.Exec(`
		INSERT OR IGNORE INTO agent_instances
			(user_id, agent_name, template_name, template_version, soul, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.UserID, inst.AgentName, inst.TemplateName, inst.TemplateVersion, inst.Soul, inst.CreatedBy, now, now)
	if err != nil {
		return fmt.Errorf("insert instance %s/%s: %w", inst.UserID, inst.AgentName, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the materialization race; the existing row wins.
		return nil
	}
	for key, content := range inst.Files {
		customized := 0
		if inst.Customized[key] {
			customized = 1
		}
		if _, err := tx.Exec(`
			INSERT INTO agent_instance_files (user_id, agent_name, file_key, content, customized)
			VALUES (?, ?, ?, ?, ?)`,
			inst.UserID, inst.AgentName, key, content, customized); err != nil {
			return fmt.Errorf("insert instance file %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// AppendSoul appends text to an instance soul. The soul is never rewritten.
func (s *Store) AppendSoul(userID, agentName, text string) error {
	res, err := s.db.Exec(`
		UPDATE agent_instances SET soul = soul || ?, updated_at = ?
		WHERE user_id = ? AND agent_name = ?`,
		text, fmtTime(time.Now()), userID, agentName)
	if err != nil {
		return fmt.Errorf("append soul %s/%s: %w", userID, agentName, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("append soul: no instance %s/%s", userID, agentName)
	}
	return nil
}

// UpsertInstanceFile writes a file into an instance bundle. When customized
// is true the key is added to the customized set and future template
// upgrades leave it alone.
func (s *Store) UpsertInstanceFile(userID, agentName, fileKey, content string, customized bool) error {
	flag := 0
	if customized {
		flag = 1
	}
	// A customized mark is sticky: an upgrade writing the same key with
	// customized=false must not clear it (upgrades never reach customized
	// keys anyway, but the MAX keeps the invariant in the schema itself).
	_, err := s.db.Exec(`
		INSERT INTO agent_instance_files (user_id, agent_name, file_key, content, customized)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, agent_name, file_key)
		DO UPDATE SET content = excluded.content, customized = MAX(customized, excluded.customized)`,
		userID, agentName, fileKey, content, flag)
	if err != nil {
		return fmt.Errorf("upsert instance file %s/%s/%s: %w", userID, agentName, fileKey, err)
	}
	_, err = s.db.Exec(`UPDATE agent_instances SET updated_at = ? WHERE user_id = ? AND agent_name = ?`,
		fmtTime(time.Now()), userID, agentName)
	return err
}

// SetInstanceTemplateVersion records the template version an instance was
// last upgraded to.
func (s *Store) SetInstanceTemplateVersion(userID, agentName string, version int) error {
	_, err := s.db.Exec(`
		UPDATE agent_instances SET template_version = ?, updated_at = ?
		WHERE user_id = ? AND agent_name = ?`,
		version, fmtTime(time.Now()), userID, agentName)
	return err
}

// ListInstances returns all instances for a user, with file bundles.
func (s *Store) ListInstances(userID string) ([]*Instance, error) {
	rows, err := s.db.Query(`
		SELECT agent_name FROM agent_instances WHERE user_id = ? ORDER BY agent_name`, userID)
	if err != nil {
		return nil, fmt.Errorf("list instances for %s: %w", userID, err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Instance, 0, len(names))
	for _, name := range names {
		inst, err := s.GetInstance(userID, name)
		if err != nil {
			return nil, err
		}
		if inst != nil {
			out = append(out, inst)
		}
	}
	return out, nil
}

// ListInstancesByTemplate returns every (user_id, agent_name) pair derived
// from the named template.
func (s *Store) ListInstancesByTemplate(templateName string) ([]*Instance, error) {
	rows, err := s.db.Query(`
		SELECT user_id, agent_name FROM agent_instances WHERE template_name = ?`, templateName)
	if err != nil {
		return nil, fmt.Errorf("list instances of template %s: %w", templateName, err)
	}
	type pair struct{ user, agent string }
	var pairs []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.user, &p.agent); err != nil {
			rows.Close()
			return nil, err
		}
		pairs = append(pairs, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Instance, 0, len(pairs))
	for _, p := range pairs {
		inst, err := s.GetInstance(p.user, p.agent)
		if err != nil {
			return nil, err
		}
		if inst != nil {
			out = append(out, inst)
		}
	}
	return out, nil
}

// GetTemplate loads a template and its files. Returns (nil, nil) when absent.
func (s *Store) GetTemplate(name string) (*Template, error) {
	row := s.db.QueryRow(`SELECT version, created_at, updated_at FROM agent_templates WHERE name = ?`, name)
	tpl := &Template{Name: name}
	var createdAt, updatedAt string
	err := row.Scan(&tpl.Version, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load template %s: %w", name, err)
	}
	tpl.CreatedAt = parseTime(createdAt)
	tpl.UpdatedAt = parseTime(updatedAt)

	tpl.Files = make(map[string]string)
	rows, err := s.db.Query(`SELECT file_key, content FROM agent_template_files WHERE template_name = ?`, name)
	if err != nil {
		return nil, fmt.Errorf("load template files %s: %w", name, err)
	}
	defer rows.Close()
	for rows.Next() {
		var key, content string
		if err := rows.Scan(&key, &content); err != nil {
			return nil, err
		}
		tpl.Files[key] = content
	}
	return tpl, rows.Err()
}

// PutTemplate inserts or replaces a template at the given version. File
// bundles are rewritten wholesale; instances are upgraded separately.
func (s *Store) PutTemplate(tpl *Template) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := fmtTime(time.Now())
	if _, err := tx.Exec(`
		INSERT INTO agent_templates (name, version, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET version = excluded.version, updated_at = excluded.updated_at`,
		tpl.Name, tpl.Version, now, now); err != nil {
		return fmt.Errorf("put template %s: %w", tpl.Name, err)
	}
	if _, err := tx.Exec(`DELETE FROM agent_template_files WHERE template_name = ?`, tpl.Name); err != nil {
		return err
	}
	for key, content := range tpl.Files {
		if _, err := tx.Exec(`
			INSERT INTO agent_template_files (template_name, file_key, content) VALUES (?, ?, ?)`,
			tpl.Name, key, content); err != nil {
			return fmt.Errorf("put template file %s: %w", key, err)
		}
	}
	return tx.Commit()
}
