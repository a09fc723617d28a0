package store

import (
	"strings"

	"github.com/termlink/termlink/internal/logger"
)

// SessionRecord is the minimal session metadata persisted across restarts.
// Live state (connections, PTY, agent process) is never serialized.
type SessionRecord struct {
	ID           string
	Name         string
	Status       string
	CreatedAt    int64 // unix millis
	LastActiveAt int64 // unix millis
}

func (s *Store) SaveSession(r *SessionRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, name, status, created_at, last_active_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   status = excluded.status,
		   last_active_at = excluded.last_active_at`,
		r.ID, r.Name, r.Status, r.CreatedAt, r.LastActiveAt,
	)
	return err
}

func (s *Store) DeleteSession(id string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	return err
}

// LoadSessions returns all persisted sessions, normalizing bad records:
// blank ids are dropped, blank names fall back to the default, and status
// is coerced to IDLE since no connection survives a restart.
func (s *Store) LoadSessions() ([]*SessionRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, name, status, created_at, last_active_at FROM sessions ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*SessionRecord
	for rows.Next() {
		var r SessionRecord
		if err := rows.Scan(&r.ID, &r.Name, &r.Status, &r.CreatedAt, &r.LastActiveAt); err != nil {
			logger.Warn("dropping unreadable session row", "err", err)
			continue
		}
		if strings.TrimSpace(r.ID) == "" {
			continue
		}
		if strings.TrimSpace(r.Name) == "" {
			r.Name = "New Session"
		}
		r.Status = "IDLE"
		result = append(result, &r)
	}
	return result, rows.Err()
}
