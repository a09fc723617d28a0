package store

import "github.com/termlink/termlink/internal/logger"

// ChatMsg is one persisted chat history entry.
type ChatMsg struct {
	ID        int64
	SessionID string
	ThreadID  string
	Role      string
	Content   string
	CreatedAt int64 // unix millis
}

func (s *Store) AppendChatMessage(sessionID, threadID, role, content string, createdAt int64) error {
	_, err := s.db.Exec(
		`INSERT INTO chat_messages (session_id, thread_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, threadID, role, content, createdAt,
	)
	return err
}

func (s *Store) ListChatMessages(sessionID string) ([]*ChatMsg, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, thread_id, role, content, created_at
		 FROM chat_messages WHERE session_id = ? ORDER BY created_at ASC, id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ChatMsg
	for rows.Next() {
		var m ChatMsg
		if err := rows.Scan(&m.ID, &m.SessionID, &m.ThreadID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			logger.Warn("dropping unreadable chat row", "err", err)
			continue
		}
		result = append(result, &m)
	}
	return result, rows.Err()
}
