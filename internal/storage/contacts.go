package storage

import (
	"time"
)

// Contact is the last known display identity of another user, as carried on
// call and chat documents. The record service owns the real data; this is
// only a label cache for dashboards.
type Contact struct {
	UserID   string    `json:"user_id"`
	Name     string    `json:"name"`
	Email    string    `json:"email,omitempty"`
	Role     string    `json:"role,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// UpsertContact stores a contact. Empty fields keep the stored value.
func (d *DB) UpsertContact(c Contact) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _contacts (user_id, name, email, role, last_seen)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			name      = CASE WHEN excluded.name  = '' THEN _contacts.name  ELSE excluded.name  END,
			email     = CASE WHEN excluded.email = '' THEN _contacts.email ELSE excluded.email END,
			role      = CASE WHEN excluded.role  = '' THEN _contacts.role  ELSE excluded.role  END,
			last_seen = CURRENT_TIMESTAMP`,
		c.UserID, c.Name, c.Email, c.Role,
	)
	return err
}

// GetContact returns the cached contact, or false if unknown.
func (d *DB) GetContact(userID string) (Contact, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var c Contact
	var lastSeen string
	err := d.db.QueryRow(`
		SELECT user_id, name, email, role, last_seen
		FROM _contacts WHERE user_id = ?`, userID).
		Scan(&c.UserID, &c.Name, &c.Email, &c.Role, &lastSeen)
	if err != nil {
		return Contact{}, false
	}
	c.LastSeen = parseSQLiteTime(lastSeen)
	return c, true
}

// ContactName returns just the name for a user ID, or "" if unknown.
func (d *DB) ContactName(userID string) string {
	c, ok := d.GetContact(userID)
	if !ok {
		return ""
	}
	return c.Name
}

// ListContacts returns all contacts, most recently seen first.
func (d *DB) ListContacts() ([]Contact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT user_id, name, email, role, last_seen
		FROM _contacts ORDER BY last_seen DESC, user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Contact
	for rows.Next() {
		var c Contact
		var lastSeen string
		if err := rows.Scan(&c.UserID, &c.Name, &c.Email, &c.Role, &lastSeen); err != nil {
			return nil, err
		}
		c.LastSeen = parseSQLiteTime(lastSeen)
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteContact forgets a contact.
func (d *DB) DeleteContact(userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM _contacts WHERE user_id = ?`, userID)
	return err
}

func parseSQLiteTime(s string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
