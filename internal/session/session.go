// Package session owns the aggregate behind a logical terminal: one PTY,
// one agent turn queue, the approval gate, attached client connections and
// chat history.
package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/termlink/termlink/internal/agent"
	"github.com/termlink/termlink/internal/approval"
	"github.com/termlink/termlink/internal/config"
	"github.com/termlink/termlink/internal/logger"
	"github.com/termlink/termlink/internal/pty"
	"github.com/termlink/termlink/internal/store"
	"github.com/termlink/termlink/internal/ws"
)

// Session status values.
const (
	StatusIdle   = "IDLE"
	StatusActive = "ACTIVE"
)

// DefaultThread is the chat thread used when a client omits threadId.
const DefaultThread = "main"

const systemPrompt = "SYSTEM: You are TermLink agent. Output ONLY lines that start with " +
	"'" + agent.Prefix + "' followed by a JSON object. " +
	"Never output markdown. Never output extra text. " +
	"If you want to propose a command, output type=\"proposal\". " +
	"If you want to answer, output type=\"assistant\". " +
	"After finishing, output type=\"done\"."

// Conn is a live client connection handle. Send is best-effort; closed
// connections report Open() == false and are skipped by broadcasts.
type Conn interface {
	Send(data []byte) error
	Open() bool
}

// Session maps one logical terminal to one PTY process and one agent.
// The PTY is spawned lazily on first attach and survives reconnects for
// the session's lifetime. All attached connections share the same view.
type Session struct {
	ID        string
	CreatedAt time.Time

	cfg *config.Config
	db  *store.Store // nil disables persistence

	mu           sync.Mutex
	name         string
	lastActiveAt time.Time
	conns        map[Conn]struct{}
	term         *pty.Process
	spawning     bool // a spawn is in flight; at most one at a time
	history      []ws.HistoryEntry
	closed       bool

	backend agent.Backend
	queue   *agent.Queue
	gate    *approval.Gate
}

// New constructs an empty session. The PTY is not spawned here.
func New(cfg *config.Config, db *store.Store, name string) *Session {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "New Session"
	}
	now := time.Now()
	s := &Session{
		ID:           uuid.New().String(),
		CreatedAt:    now,
		cfg:          cfg,
		db:           db,
		name:         name,
		lastActiveAt: now,
		conns:        make(map[Conn]struct{}),
	}
	s.initAgent()
	return s
}

// restore rebuilds a session shell from a persisted record. No PTY, no
// connections; chat history is reloaded from the store.
func restore(cfg *config.Config, db *store.Store, r *store.SessionRecord) *Session {
	s := &Session{
		ID:           r.ID,
		CreatedAt:    time.UnixMilli(r.CreatedAt),
		cfg:          cfg,
		db:           db,
		name:         r.Name,
		lastActiveAt: time.UnixMilli(r.LastActiveAt),
		conns:        make(map[Conn]struct{}),
	}
	s.initAgent()

	if db != nil {
		msgs, err := db.ListChatMessages(r.ID)
		if err != nil {
			logger.Warn("load chat history failed", "session", r.ID, "err", err)
		}
		for _, m := range msgs {
			s.history = append(s.history, ws.HistoryEntry{
				ThreadID:  m.ThreadID,
				Role:      m.Role,
				Content:   m.Content,
				Timestamp: m.CreatedAt,
			})
		}
	}
	return s
}

func (s *Session) initAgent() {
	s.backend = agent.NewBackend(s.cfg.Agent, s)
	s.queue = agent.NewQueue(s.backend, s.cfg.Agent.TurnTimeout)
	s.queue.OnTimeout = s.turnTimedOut
	s.gate = approval.NewGate(s.cfg.Agent.ApprovalTTL, s)
}

// Name returns the display label.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Rename updates the display label. Validation happens in the registry.
func (s *Session) rename(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

// Status is ACTIVE iff at least one connection is attached.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) > 0 {
		return StatusActive
	}
	return StatusIdle
}

// LastActiveAt reports the idle-sweep reference time.
func (s *Session) LastActiveAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActiveAt
}

// Touch bumps lastActiveAt. Called on attach, detach and registry lookup.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActiveAt = time.Now()
	s.mu.Unlock()
}

// ConnCount reports the number of attached connections.
func (s *Session) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Attach adds a connection, spawns the PTY if this session has none alive,
// and sends session_info plus the output replay buffer to the new client.
func (s *Session) Attach(conn Conn, cols, rows int) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session %s is closed", s.ID)
	}
	s.conns[conn] = struct{}{}
	s.lastActiveAt = time.Now()
	needSpawn := (s.term == nil || !s.term.Alive()) && !s.spawning
	if needSpawn {
		s.spawning = true
	}
	s.mu.Unlock()

	if needSpawn {
		if err := s.spawnPTY(cols, rows); err != nil {
			// Session stays attachable but inert; surface the failure.
			s.appendAndBroadcast(DefaultThread, "system", "terminal failed to start: "+err.Error())
			logger.Error("pty spawn failed", "session", s.ID, "err", err)
		}
	}

	conn.Send(ws.Marshal(s.infoMessage()))

	s.mu.Lock()
	term := s.term
	s.mu.Unlock()
	if term != nil {
		if replay := term.Replay(); len(replay) > 0 {
			conn.Send(ws.Marshal(ws.Output{Type: ws.TypeOutput, SessionID: s.ID, Data: string(replay)}))
		}
	}
	return nil
}

// Detach removes a connection. The PTY keeps running.
func (s *Session) Detach(conn Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.lastActiveAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) spawnPTY(cols, rows int) error {
	term := pty.New(s.cfg.Terminal.Shell)
	term.OnData(func(data []byte) {
		s.Broadcast(ws.Marshal(ws.Output{Type: ws.TypeOutput, SessionID: s.ID, Data: string(data)}))
	})
	if err := term.Spawn(cols, rows); err != nil {
		s.mu.Lock()
		s.spawning = false
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	if s.closed || (s.term != nil && s.term.Alive()) {
		// The session closed, or a live terminal appeared meanwhile.
		// This spawn lost; tear it down instead of orphaning it.
		s.spawning = false
		s.mu.Unlock()
		term.Kill()
		return nil
	}
	s.term = term
	s.spawning = false
	s.mu.Unlock()

	go func() {
		<-term.Done()
		s.mu.Lock()
		current := s.term == term
		closed := s.closed
		s.mu.Unlock()
		if current && !closed {
			s.appendAndBroadcast(DefaultThread, "system",
				fmt.Sprintf("terminal process exited (code %d)", term.ExitCode()))
		}
	}()
	return nil
}

// Input writes raw keystrokes to the PTY. No-op with no live PTY.
func (s *Session) Input(data string) {
	s.mu.Lock()
	term := s.term
	s.mu.Unlock()
	if term != nil {
		term.Write([]byte(data))
	}
}

// Resize adjusts the PTY window.
func (s *Session) Resize(cols, rows int) {
	s.mu.Lock()
	term := s.term
	s.mu.Unlock()
	if term != nil {
		term.Resize(cols, rows)
	}
}

// Signal delivers a named signal to the PTY process.
func (s *Session) Signal(name string) error {
	s.mu.Lock()
	term := s.term
	s.mu.Unlock()
	if term == nil {
		return nil
	}
	return term.Signal(name)
}

// Chat records the user message and queues a turn for the agent.
func (s *Session) Chat(content, threadID string) {
	if threadID == "" {
		threadID = DefaultThread
	}
	s.appendAndBroadcast(threadID, "user", content)

	s.queue.Enqueue(agent.Turn{
		ID:           uuid.New().String(),
		ThreadID:     threadID,
		SystemPrompt: systemPrompt,
		UserMessage:  content,
	})
}

// DecideApproval resolves a pending proposal. An approved command is
// written into the live terminal followed by a newline; the gate itself
// never executes anything.
func (s *Session) DecideApproval(approvalID string, decision approval.Status) error {
	command, err := s.gate.Decide(approvalID, decision)
	if err != nil {
		return err
	}
	if command != "" {
		s.Input(command + "\n")
	}
	return nil
}

// PendingApprovals snapshots still-actionable proposals for session_info.
func (s *Session) PendingApprovals() []ws.ApprovalSummary {
	var out []ws.ApprovalSummary
	for _, p := range s.gate.Pending() {
		out = append(out, ws.ApprovalSummary{
			ApprovalID: p.ID,
			ThreadID:   p.ThreadID,
			Command:    p.Command,
			Risk:       p.Risk,
			ExpiresAt:  p.ExpiresAt.UnixMilli(),
		})
	}
	return out
}

// Broadcast sends an identical message to every currently-open attached
// connection. Connections that are not open are skipped, never erroring
// the whole fan-out.
func (s *Session) Broadcast(data []byte) {
	s.mu.Lock()
	conns := make([]Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if !c.Open() {
			continue
		}
		if err := c.Send(data); err != nil {
			logger.Debug("broadcast send failed", "session", s.ID, "err", err)
		}
	}
}

// Close tears down the PTY and agent process. Irreversible; cleanup never
// throws, already-dead processes are logged and swallowed.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	term := s.term
	s.mu.Unlock()

	s.queue.Close()
	s.gate.Close()
	s.backend.Stop()
	if term != nil {
		term.Kill()
	}
	logger.Info("session closed", "session", s.ID)
}

// Summary is what the REST list endpoint returns per session.
type Summary struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Status            string `json:"status"`
	ActiveConnections int    `json:"activeConnections"`
	CreatedAt         int64  `json:"createdAt"`
	LastActiveAt      int64  `json:"lastActiveAt"`
}

func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := StatusIdle
	if len(s.conns) > 0 {
		status = StatusActive
	}
	return Summary{
		ID:                s.ID,
		Name:              s.name,
		Status:            status,
		ActiveConnections: len(s.conns),
		CreatedAt:         s.CreatedAt.UnixMilli(),
		LastActiveAt:      s.lastActiveAt.UnixMilli(),
	}
}

func (s *Session) record() *store.SessionRecord {
	sum := s.Summary()
	return &store.SessionRecord{
		ID:           sum.ID,
		Name:         sum.Name,
		Status:       sum.Status,
		CreatedAt:    sum.CreatedAt,
		LastActiveAt: sum.LastActiveAt,
	}
}

func (s *Session) infoMessage() ws.SessionInfo {
	s.mu.Lock()
	history := make([]ws.HistoryEntry, len(s.history))
	copy(history, s.history)
	name := s.name
	s.mu.Unlock()

	return ws.SessionInfo{
		Type:             ws.TypeSessionInfo,
		SessionID:        s.ID,
		Name:             name,
		History:          history,
		PendingApprovals: s.PendingApprovals(),
	}
}

// appendAndBroadcast records a chat entry, persists it and fans it out.
func (s *Session) appendAndBroadcast(threadID, role, content string) {
	entry := ws.HistoryEntry{
		ThreadID:  threadID,
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}
	s.mu.Lock()
	s.history = append(s.history, entry)
	s.mu.Unlock()

	if s.db != nil {
		if err := s.db.AppendChatMessage(s.ID, threadID, role, content, entry.Timestamp); err != nil {
			logger.Warn("persist chat message failed", "session", s.ID, "err", err)
		}
	}

	s.Broadcast(ws.Marshal(ws.ChatMessage{
		Type:      ws.TypeChatMessage,
		SessionID: s.ID,
		ThreadID:  threadID,
		Payload:   ws.ChatMessagePayload{Role: role, Content: content},
	}))
}

func (s *Session) activeThread() string {
	if t, ok := s.queue.Active(); ok && t.ThreadID != "" {
		return t.ThreadID
	}
	return DefaultThread
}

func (s *Session) turnTimedOut(t agent.Turn) {
	s.appendAndBroadcast(t.ThreadID, "system",
		"The agent did not respond in time. The request was dropped and the agent was restarted.")
	s.Broadcast(ws.Marshal(ws.Status{
		Type:      ws.TypeStatus,
		SessionID: s.ID,
		Payload:   ws.StatusPayload{State: ws.StateIdle},
	}))
}

// HandleFrame implements agent.Sink: structured frames from the agent.
func (s *Session) HandleFrame(f agent.Frame) {
	switch f.Type {
	case agent.FrameAssistant:
		s.appendAndBroadcast(s.activeThread(), "assistant", f.Content)
	case agent.FrameProposal:
		s.gate.Propose(s.activeThread(), f.Command, f.Risk)
	case agent.FrameStatus:
		state := ws.StateIdle
		if strings.EqualFold(f.Status, "thinking") {
			state = ws.StateThinking
		}
		s.Broadcast(ws.Marshal(ws.Status{
			Type:      ws.TypeStatus,
			SessionID: s.ID,
			Payload:   ws.StatusPayload{State: state},
		}))
	case agent.FrameDone:
		s.queue.FinishTurn()
		s.Broadcast(ws.Marshal(ws.Status{
			Type:      ws.TypeStatus,
			SessionID: s.ID,
			Payload:   ws.StatusPayload{State: ws.StateIdle},
		}))
	case agent.FrameError:
		s.appendAndBroadcast(s.activeThread(), "system", "agent error: "+f.Message)
	}
}

// HandleRaw implements agent.Sink: free-form agent output is shown in the
// terminal stream verbatim.
func (s *Session) HandleRaw(line string) {
	s.Broadcast(ws.Marshal(ws.Output{Type: ws.TypeOutput, SessionID: s.ID, Data: line}))
}

// HandleParseError implements agent.Sink. Recovered locally; the raw line
// is forwarded separately by the parser.
func (s *Session) HandleParseError(line string, err error) {
	logger.Warn("malformed agent frame", "session", s.ID, "line", line, "err", err)
}

// ProposalCreated implements approval.Listener.
func (s *Session) ProposalCreated(p approval.Proposal) {
	s.Broadcast(ws.Marshal(ws.ApprovalRequest{
		Type:      ws.TypeApprovalRequest,
		SessionID: s.ID,
		Payload: ws.ApprovalSummary{
			ApprovalID: p.ID,
			ThreadID:   p.ThreadID,
			Command:    p.Command,
			Risk:       p.Risk,
			ExpiresAt:  p.ExpiresAt.UnixMilli(),
		},
	}))
}

// ProposalResolved implements approval.Listener.
func (s *Session) ProposalResolved(id string, status approval.Status) {
	s.Broadcast(ws.Marshal(ws.ApprovalUpdate{
		Type:      ws.TypeApprovalUpdate,
		SessionID: s.ID,
		Payload:   ws.ApprovalUpdatePayload{ApprovalID: id, Status: string(status)},
	}))
}
