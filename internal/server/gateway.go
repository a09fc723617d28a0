package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/termlink/termlink/internal/approval"
	"github.com/termlink/termlink/internal/logger"
	"github.com/termlink/termlink/internal/session"
	"github.com/termlink/termlink/internal/ws"
)

const (
	readLimit    = 512 * 1024
	writeTimeout = 5 * time.Second
	pingEvery    = 30 * time.Second
)

// wsConn adapts a websocket connection to the session.Conn interface.
type wsConn struct {
	conn *websocket.Conn
	ctx  context.Context

	mu     sync.Mutex
	closed bool
}

func (c *wsConn) Send(data []byte) error {
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	err := c.conn.Write(ctx, websocket.MessageText, data)
	if err != nil {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
	}
	return err
}

func (c *wsConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *wsConn) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// handleTerminalWS attaches a client to a session and pumps messages.
// An unknown or absent sessionId creates a fresh session; its id comes
// back to the client in session_info.
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logger.Warn("websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(readLimit)
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := s.registry.Get(r.URL.Query().Get("sessionId"))
	if sess == nil {
		sess = s.registry.Create("")
	}

	cols := queryInt(r, "cols", 80)
	rows := queryInt(r, "rows", 30)

	client := &wsConn{conn: conn, ctx: ctx}
	if err := s.registry.Attach(sess, client, cols, rows); err != nil {
		logger.Warn("attach failed", "session", sess.ID, "err", err)
		return
	}
	defer func() {
		client.markClosed()
		s.registry.Detach(sess, client)
	}()

	logger.Info("client attached", "session", sess.ID, "remote", r.RemoteAddr)

	// Liveness: close connections that stop answering pings.
	go func() {
		ticker := time.NewTicker(pingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				pingCtx, pingCancel := context.WithTimeout(ctx, writeTimeout)
				err := conn.Ping(pingCtx)
				pingCancel()
				if err != nil {
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	var meter *rate.Limiter
	if s.cfg.Server.InputRate > 0 {
		burst := s.cfg.Server.InputBurst
		if burst <= 0 {
			burst = s.cfg.Server.InputRate
		}
		meter = rate.NewLimiter(rate.Limit(s.cfg.Server.InputRate), burst)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			logger.Debug("client disconnected", "session", sess.ID, "err", err)
			return
		}

		// Backpressure on abusive senders.
		if meter != nil {
			if err := meterWait(ctx, meter, len(data)); err != nil {
				return
			}
		}

		s.dispatch(sess, client, data)
	}
}

func (s *Server) dispatch(sess *session.Session, client *wsConn, data []byte) {
	var env ws.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		client.Send(ws.Marshal(ws.ErrorMsg{Type: ws.TypeError, Message: "malformed message"}))
		return
	}

	switch env.Type {
	case ws.TypeInput:
		var msg ws.Input
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		sess.Input(msg.Data)

	case ws.TypeResize:
		var msg ws.Resize
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		sess.Resize(msg.Cols, msg.Rows)

	case ws.TypeChat:
		var msg ws.Chat
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		sess.Chat(msg.Content, msg.ThreadID)

	case ws.TypeApprovalResponse:
		var msg ws.ApprovalResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		decision := approval.Status(msg.Payload.Decision)
		if err := sess.DecideApproval(msg.Payload.ApprovalID, decision); err != nil {
			client.Send(ws.Marshal(ws.ErrorMsg{Type: ws.TypeError, Message: approvalErrorMessage(err)}))
		}

	case ws.TypeSignal:
		var msg ws.Signal
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		if err := sess.Signal(msg.Payload.Signal); err != nil {
			client.Send(ws.Marshal(ws.ErrorMsg{Type: ws.TypeError, Message: err.Error()}))
		}

	default:
		client.Send(ws.Marshal(ws.ErrorMsg{Type: ws.TypeError, Message: "unknown message type: " + env.Type}))
	}
}

func approvalErrorMessage(err error) string {
	var decided *approval.AlreadyDecidedError
	switch {
	case errors.Is(err, approval.ErrExpired):
		return "approval is no longer actionable: expired"
	case errors.Is(err, approval.ErrNotFound):
		return "approval not found"
	case errors.As(err, &decided):
		return "approval is already " + string(decided.Status)
	default:
		return err.Error()
	}
}

// meterWait chunks large messages so WaitN never exceeds the burst.
func meterWait(ctx context.Context, lim *rate.Limiter, n int) error {
	for n > 0 {
		chunk := n
		if chunk > lim.Burst() {
			chunk = lim.Burst()
		}
		if err := lim.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
