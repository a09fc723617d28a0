package agent

import (
	"sync"
	"time"

	"github.com/termlink/termlink/internal/logger"
)

const (
	// settle time between turns, letting the process drain
	promoteCooldown = 100 * time.Millisecond
	// settle time after a forced restart before the next dispatch
	restartCooldown = time.Second
)

// Queue serializes turns into a Backend: at most one turn is active, the
// rest wait in FIFO order. A turn that never completes within the timeout
// is treated as a fatal hang; the backend is force-restarted, the stuck
// turn is discarded and the next one dispatched.
type Queue struct {
	backend Backend
	timeout time.Duration

	// OnTimeout is invoked (outside the lock) for every discarded turn.
	OnTimeout func(t Turn)

	mu      sync.Mutex
	waiting []Turn
	active  *Turn
	timer   *time.Timer
	pending *time.Timer // scheduled promotion, cancelled on Close
	closed  bool
}

func NewQueue(backend Backend, timeout time.Duration) *Queue {
	return &Queue{backend: backend, timeout: timeout}
}

// Enqueue appends a turn and dispatches it immediately when the queue is
// idle. Enqueue during an active turn never jumps the queue.
func (q *Queue) Enqueue(t Turn) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.waiting = append(q.waiting, t)
	q.mu.Unlock()

	q.promote()
}

// FinishTurn marks the active turn complete (a done frame arrived) and
// schedules the next dispatch after a short cooldown.
func (q *Queue) FinishTurn() {
	q.mu.Lock()
	if q.active == nil {
		q.mu.Unlock()
		return
	}
	q.active = nil
	q.stopTimerLocked()
	q.schedulePromoteLocked(promoteCooldown)
	q.mu.Unlock()
}

// Active returns a copy of the in-flight turn, if any.
func (q *Queue) Active() (Turn, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active == nil {
		return Turn{}, false
	}
	return *q.active, true
}

// Len reports how many turns are waiting (excluding the active one).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// Close cancels all timers and drops queued turns. The backend is left to
// the caller to stop.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.waiting = nil
	q.active = nil
	q.stopTimerLocked()
	if q.pending != nil {
		q.pending.Stop()
		q.pending = nil
	}
	q.mu.Unlock()
}

func (q *Queue) promote() {
	q.mu.Lock()
	if q.closed || q.active != nil || len(q.waiting) == 0 {
		q.mu.Unlock()
		return
	}
	next := q.waiting[0]
	q.waiting = q.waiting[1:]
	q.active = &next
	q.timer = time.AfterFunc(q.timeout, func() { q.handleTimeout(next.ID) })
	q.mu.Unlock()

	if err := q.backend.SendTurn(next); err != nil {
		logger.Error("dispatch turn failed", "turn", next.ID, "err", err)
		q.mu.Lock()
		if q.active != nil && q.active.ID == next.ID {
			q.active = nil
			q.stopTimerLocked()
			q.schedulePromoteLocked(promoteCooldown)
		}
		q.mu.Unlock()
	}
}

func (q *Queue) handleTimeout(turnID string) {
	q.mu.Lock()
	if q.closed || q.active == nil || q.active.ID != turnID {
		q.mu.Unlock()
		return
	}
	stuck := *q.active
	q.active = nil
	q.timer = nil
	q.schedulePromoteLocked(restartCooldown)
	q.mu.Unlock()

	logger.Warn("turn timed out, restarting agent process", "turn", stuck.ID)
	if err := q.backend.Restart(); err != nil {
		logger.Error("agent restart failed", "err", err)
	}
	if q.OnTimeout != nil {
		q.OnTimeout(stuck)
	}
}

// stopTimerLocked must be called with q.mu held.
func (q *Queue) stopTimerLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

// schedulePromoteLocked must be called with q.mu held.
func (q *Queue) schedulePromoteLocked(after time.Duration) {
	if q.closed {
		return
	}
	if q.pending != nil {
		q.pending.Stop()
	}
	q.pending = time.AfterFunc(after, q.promote)
}
