package session

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/termlink/termlink/internal/config"
	"github.com/termlink/termlink/internal/logger"
	"github.com/termlink/termlink/internal/store"
)

// ErrNotFound is returned for operations on unknown session ids.
var ErrNotFound = errors.New("session not found")

// ErrInvalidName is returned when a rename target is empty or too long.
var ErrInvalidName = errors.New("name length must be between 1 and 64")

// Registry creates, looks up and destroys sessions, and runs the periodic
// idle sweep. It is constructed once at startup and passed by reference to
// everything that needs it; Stop makes shutdown explicit.
type Registry struct {
	cfg *config.Config
	db  *store.Store // nil disables persistence

	mu       sync.RWMutex
	sessions map[string]*Session

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewRegistry builds a registry, restoring persisted session metadata.
func NewRegistry(cfg *config.Config, db *store.Store) *Registry {
	r := &Registry{
		cfg:      cfg,
		db:       db,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	if db != nil {
		records, err := db.LoadSessions()
		if err != nil {
			logger.Warn("load persisted sessions failed", "err", err)
		}
		for _, rec := range records {
			r.sessions[rec.ID] = restore(cfg, db, rec)
		}
		if len(records) > 0 {
			logger.Info("restored sessions", "count", len(records))
		}
	}

	go r.sweepLoop()
	return r
}

// Create allocates a new session. The PTY is not spawned until the first
// connection attaches.
func (r *Registry) Create(name string) *Session {
	s := New(r.cfg, r.db, name)

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.persist(s)
	logger.Info("session created", "session", s.ID, "name", s.Name())
	return s
}

// Get looks up a session and bumps its lastActiveAt.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	s := r.sessions[id]
	r.mu.RUnlock()
	if s != nil {
		s.Touch()
	}
	return s
}

// List returns summaries of all sessions.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	result := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		result = append(result, s.Summary())
	}
	return result
}

// Rename validates and updates a session's display label.
func (r *Registry) Rename(id, name string) (*Session, error) {
	name = strings.TrimSpace(name)
	if len(name) < 1 || len(name) > 64 {
		return nil, ErrInvalidName
	}

	r.mu.RLock()
	s := r.sessions[id]
	r.mu.RUnlock()
	if s == nil {
		return nil, ErrNotFound
	}

	s.rename(name)
	r.persist(s)
	return s, nil
}

// Delete destroys a session, killing its PTY and agent process.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	s := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if s == nil {
		return false
	}
	s.Close()
	if r.db != nil {
		if err := r.db.DeleteSession(id); err != nil {
			logger.Warn("delete persisted session failed", "session", id, "err", err)
		}
	}
	return true
}

// Attach wires a connection into a session and persists the status flip.
func (r *Registry) Attach(s *Session, conn Conn, cols, rows int) error {
	if err := s.Attach(conn, cols, rows); err != nil {
		return err
	}
	r.persist(s)
	return nil
}

// Detach removes a connection and persists the status flip.
func (r *Registry) Detach(s *Session, conn Conn) {
	s.Detach(conn)
	r.persist(s)
}

// Stop shuts down the sweep loop and closes every session.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
		<-r.done

		r.mu.Lock()
		sessions := make([]*Session, 0, len(r.sessions))
		for _, s := range r.sessions {
			sessions = append(sessions, s)
		}
		r.sessions = make(map[string]*Session)
		r.mu.Unlock()

		for _, s := range sessions {
			r.persist(s)
			s.Close()
		}
	})
}

func (r *Registry) persist(s *Session) {
	if r.db == nil {
		return
	}
	if err := r.db.SaveSession(s.record()); err != nil {
		logger.Warn("persist session failed", "session", s.ID, "err", err)
	}
}

func (r *Registry) sweepLoop() {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.Terminal.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweepIdle(time.Now())
		case <-r.stop:
			return
		}
	}
}

// sweepIdle deletes sessions with no connections that have been idle past
// the timeout. Sessions with any connection are never swept.
func (r *Registry) sweepIdle(now time.Time) {
	r.mu.RLock()
	var stale []string
	for id, s := range r.sessions {
		if s.ConnCount() == 0 && now.Sub(s.LastActiveAt()) > r.cfg.Terminal.IdleTimeout {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		logger.Info("sweeping idle session", "session", id)
		r.Delete(id)
	}
}
