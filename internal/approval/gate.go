// Package approval holds the state machine gating AI-proposed shell commands
// behind an explicit human decision.
package approval

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status of a proposal. Pending is the only non-terminal state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// ErrNotFound is returned for a decision on an unknown approval id.
var ErrNotFound = errors.New("approval not found")

// ErrExpired is returned for a decision after the TTL elapsed.
var ErrExpired = errors.New("approval expired")

// AlreadyDecidedError is returned for a decision on a non-pending proposal.
type AlreadyDecidedError struct {
	Status Status
}

func (e *AlreadyDecidedError) Error() string {
	return fmt.Sprintf("approval is %s", e.Status)
}

// Proposal is one agent-suggested command awaiting authorization.
type Proposal struct {
	ID        string
	ThreadID  string
	Command   string
	Risk      string // advisory only, never gates execution
	Status    Status
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Listener observes gate transitions. Calls are made outside the gate lock.
type Listener interface {
	ProposalCreated(p Proposal)
	ProposalResolved(id string, status Status)
}

// Gate is the approval state machine for one session. Decide is linearizable
// per id: of two concurrent decisions exactly one wins.
type Gate struct {
	ttl      time.Duration
	listener Listener

	mu        sync.Mutex
	proposals map[string]*Proposal
	timers    map[string]*time.Timer
	closed    bool
}

// NewGate creates a gate with the given proposal TTL. listener may be nil.
func NewGate(ttl time.Duration, listener Listener) *Gate {
	return &Gate{
		ttl:       ttl,
		listener:  listener,
		proposals: make(map[string]*Proposal),
		timers:    make(map[string]*time.Timer),
	}
}

// Propose records a pending command and notifies the listener. The returned
// id is what clients echo back in their decision.
func (g *Gate) Propose(threadID, command, risk string) string {
	now := time.Now()
	p := &Proposal{
		ID:        uuid.New().String(),
		ThreadID:  threadID,
		Command:   command,
		Risk:      risk,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(g.ttl),
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return p.ID
	}
	g.proposals[p.ID] = p
	g.timers[p.ID] = time.AfterFunc(g.ttl, func() { g.expire(p.ID) })
	snapshot := *p
	g.mu.Unlock()

	if g.listener != nil {
		g.listener.ProposalCreated(snapshot)
	}
	return p.ID
}

// Decide resolves a pending proposal. On approval the command text is
// returned so the caller can execute it; the gate itself never executes
// anything. A decision after the TTL flips the proposal to expired and
// fails with ErrExpired.
func (g *Gate) Decide(id string, decision Status) (string, error) {
	if decision != StatusApproved && decision != StatusRejected {
		return "", fmt.Errorf("invalid decision %q", decision)
	}

	g.mu.Lock()
	p, ok := g.proposals[id]
	if !ok {
		g.mu.Unlock()
		return "", ErrNotFound
	}
	if p.Status != StatusPending {
		status := p.Status
		g.mu.Unlock()
		// Expiry always reports as expired, whether the timer already
		// fired or the proposal lapses right now.
		if status == StatusExpired {
			return "", ErrExpired
		}
		return "", &AlreadyDecidedError{Status: status}
	}
	if time.Now().After(p.ExpiresAt) {
		p.Status = StatusExpired
		g.stopTimer(id)
		g.mu.Unlock()
		g.notifyResolved(id, StatusExpired)
		return "", ErrExpired
	}

	p.Status = decision
	g.stopTimer(id)
	command := p.Command
	g.mu.Unlock()

	g.notifyResolved(id, decision)

	if decision == StatusApproved {
		return command, nil
	}
	return "", nil
}

// Get returns a copy of the proposal, lazily expiring it first.
func (g *Gate) Get(id string) (Proposal, bool) {
	g.expire(id)
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.proposals[id]
	if !ok {
		return Proposal{}, false
	}
	return *p, true
}

// Pending returns all still-actionable proposals, expiring stale ones.
func (g *Gate) Pending() []Proposal {
	now := time.Now()
	var expired []string

	g.mu.Lock()
	var result []Proposal
	for id, p := range g.proposals {
		if p.Status != StatusPending {
			continue
		}
		if now.After(p.ExpiresAt) {
			p.Status = StatusExpired
			g.stopTimer(id)
			expired = append(expired, id)
			continue
		}
		result = append(result, *p)
	}
	g.mu.Unlock()

	for _, id := range expired {
		g.notifyResolved(id, StatusExpired)
	}
	return result
}

// Close cancels all pending expiry timers. Proposals are left in place;
// further decisions still resolve lazily.
func (g *Gate) Close() {
	g.mu.Lock()
	g.closed = true
	for id, t := range g.timers {
		t.Stop()
		delete(g.timers, id)
	}
	g.mu.Unlock()
}

// expire flips a pending proposal past its TTL to expired.
func (g *Gate) expire(id string) {
	g.mu.Lock()
	p, ok := g.proposals[id]
	if !ok || p.Status != StatusPending || time.Now().Before(p.ExpiresAt) {
		g.mu.Unlock()
		return
	}
	p.Status = StatusExpired
	g.stopTimer(id)
	g.mu.Unlock()

	g.notifyResolved(id, StatusExpired)
}

// stopTimer must be called with g.mu held.
func (g *Gate) stopTimer(id string) {
	if t, ok := g.timers[id]; ok {
		t.Stop()
		delete(g.timers, id)
	}
}

func (g *Gate) notifyResolved(id string, status Status) {
	if g.listener != nil {
		g.listener.ProposalResolved(id, status)
	}
}
