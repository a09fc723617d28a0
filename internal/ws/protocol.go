package ws

import "encoding/json"

// Message types for the terminal WebSocket protocol.
const (
	// Client → Server
	TypeInput            = "input"             // raw keystrokes for the PTY
	TypeResize           = "resize"            // terminal dimensions changed
	TypeChat             = "chat"              // natural-language turn for the agent
	TypeApprovalResponse = "approval_response" // decision on a proposed command
	TypeSignal           = "signal"            // deliver a signal to the PTY process

	// Server → Client
	TypeOutput          = "output"           // PTY bytes
	TypeSessionInfo     = "session_info"     // sent once on connect
	TypeChatMessage     = "chat_message"     // chat history entry (user/assistant/system)
	TypeApprovalRequest = "approval_request" // agent proposed a command
	TypeApprovalUpdate  = "approval_update"  // gate transition (approved/rejected/expired)
	TypeStatus          = "status"           // agent THINKING/IDLE
	TypeError           = "error"
)

// Agent status states carried by TypeStatus messages.
const (
	StateThinking = "THINKING"
	StateIdle     = "IDLE"
)

// Envelope wraps every WebSocket message with a type field for routing.
type Envelope struct {
	Type string `json:"type"`
}

// Input carries keystrokes from the client to the PTY.
type Input struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// Resize tells the server to resize the PTY.
type Resize struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// Chat carries a natural-language turn for the agent.
type Chat struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	ThreadID string `json:"threadId,omitempty"`
}

// ApprovalResponse carries the human decision on a proposed command.
type ApprovalResponse struct {
	Type    string                  `json:"type"`
	Payload ApprovalResponsePayload `json:"payload"`
}

type ApprovalResponsePayload struct {
	ApprovalID string `json:"approvalId"`
	Decision   string `json:"decision"` // "approved" | "rejected"
}

// Signal requests delivery of a named signal to the PTY process.
type Signal struct {
	Type    string        `json:"type"`
	Payload SignalPayload `json:"payload"`
}

type SignalPayload struct {
	Signal string `json:"signal"` // "SIGKILL", "SIGTERM", ...
}

// Output carries raw terminal bytes to every attached client.
type Output struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

// SessionInfo is sent once when a connection attaches.
type SessionInfo struct {
	Type             string            `json:"type"`
	SessionID        string            `json:"sessionId"`
	Name             string            `json:"name"`
	History          []HistoryEntry    `json:"history"`
	PendingApprovals []ApprovalSummary `json:"pendingApprovals"`
}

// HistoryEntry is one chat message in a thread.
type HistoryEntry struct {
	ThreadID  string `json:"threadId"`
	Role      string `json:"role"` // "user", "assistant", "system"
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"` // unix millis
}

// ApprovalSummary describes a proposal awaiting a decision.
type ApprovalSummary struct {
	ApprovalID string `json:"approvalId"`
	ThreadID   string `json:"threadId"`
	Command    string `json:"command"`
	Risk       string `json:"risk"`
	ExpiresAt  int64  `json:"expiresAt"` // unix millis
}

// ChatMessage broadcasts a chat history entry to attached clients.
type ChatMessage struct {
	Type      string             `json:"type"`
	SessionID string             `json:"sessionId"`
	ThreadID  string             `json:"threadId"`
	Payload   ChatMessagePayload `json:"payload"`
}

type ChatMessagePayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ApprovalRequest announces a new proposal to attached clients.
type ApprovalRequest struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Payload   ApprovalSummary `json:"payload"`
}

// ApprovalUpdate announces a gate transition to attached clients.
type ApprovalUpdate struct {
	Type      string                `json:"type"`
	SessionID string                `json:"sessionId"`
	Payload   ApprovalUpdatePayload `json:"payload"`
}

type ApprovalUpdatePayload struct {
	ApprovalID string `json:"approvalId"`
	Status     string `json:"status"`
}

// Status announces the agent's THINKING/IDLE state.
type Status struct {
	Type      string        `json:"type"`
	SessionID string        `json:"sessionId"`
	Payload   StatusPayload `json:"payload"`
}

type StatusPayload struct {
	State string `json:"state"`
}

// ErrorMsg is sent for protocol errors.
type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Marshal encodes any protocol message, panicking on programmer error.
// Every protocol struct in this package marshals cleanly; a failure here
// means a new message type carries an unmarshalable field.
func Marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic("ws: marshal protocol message: " + err.Error())
	}
	return data
}
