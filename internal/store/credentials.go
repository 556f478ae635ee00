package store

import (
	"database/sql"
	"fmt"
	"time"
)

// GetCredentialRow loads an encrypted credential row. Returns (nil, nil)
// when absent.
func (s *Store) GetCredentialRow(userID, service string) (*CredentialRow, error) {
	row := s.db.QueryRow(`
		SELECT payload, key_version, scopes, expires_at, updated_at
		FROM credentials WHERE user_id = ? AND service = ?`, userID, service)

	c := &CredentialRow{UserID: userID, Service: service}
	var expires sql.NullString
	var updatedAt string
	err := row.Scan(&c.Payload, &c.KeyVersion, &c.Scopes, &expires, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load credential %s/%s: %w", userID, service, err)
	}
	c.ExpiresAt = parseNullTime(expires)
	c.UpdatedAt = parseTime(updatedAt)
	return c, nil
}

// PutCredentialRow upserts an encrypted credential row.
func (s *Store) PutCredentialRow(c *CredentialRow) error {
	_, err := s.db.Exec(`
		INSERT INTO credentials (user_id, service, payload, key_version, scopes, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, service)
		DO UPDATE SET payload = excluded.payload,
			key_version = excluded.key_version,
			scopes = excluded.scopes,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		c.UserID, c.Service, c.Payload, c.KeyVersion, c.Scopes,
		fmtNullTime(c.ExpiresAt), fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("put credential %s/%s: %w", c.UserID, c.Service, err)
	}
	return nil
}

// UpdateCredentialPayload rewrites the sealed payload and key version in
// place. Used by the vault for lazy re-encryption after a key rotation.
func (s *Store) UpdateCredentialPayload(userID, service string, payload []byte, keyVersion int) error {
	res, err := s.db.Exec(`
		UPDATE credentials SET payload = ?, key_version = ?, updated_at = ?
		WHERE user_id = ? AND service = ?`,
		payload, keyVersion, fmtTime(time.Now()), userID, service)
	if err != nil {
		return fmt.Errorf("reseal credential %s/%s: %w", userID, service, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("reseal credential: no row %s/%s", userID, service)
	}
	return nil
}

// DeleteCredential removes a credential row. Returns true when a row existed.
func (s *Store) DeleteCredential(userID, service string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM credentials WHERE user_id = ? AND service = ?`, userID, service)
	if err != nil {
		return false, fmt.Errorf("delete credential %s/%s: %w", userID, service, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListCredentialServices returns the services a user has credentials for.
func (s *Store) ListCredentialServices(userID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT service FROM credentials WHERE user_id = ? ORDER BY service`, userID)
	if err != nil {
		return nil, fmt.Errorf("list credential services for %s: %w", userID, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var service string
		if err := rows.Scan(&service); err != nil {
			return nil, err
		}
		out = append(out, service)
	}
	return out, rows.Err()
}

// SetAllowOperatorLLM flags whether a user may fall back to the
// operator-owned LLM key when they have none of their own.
func (s *Store) SetAllowOperatorLLM(userID string, allow bool) error {
	flag := 0
	if allow {
		flag = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO user_flags (user_id, allow_operator_llm, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id)
		DO UPDATE SET allow_operator_llm = excluded.allow_operator_llm, updated_at = excluded.updated_at`,
		userID, flag, fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("set operator-llm flag for %s: %w", userID, err)
	}
	return nil
}

// AllowOperatorLLM reports whether the user is flagged for operator-key
// fallback. An unknown user is not flagged.
func (s *Store) AllowOperatorLLM(userID string) (bool, error) {
	row := s.db.QueryRow(`SELECT allow_operator_llm FROM user_flags WHERE user_id = ?`, userID)
	var flag int
	err := row.Scan(&flag)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load operator-llm flag for %s: %w", userID, err)
	}
	return flag != 0, nil
}
