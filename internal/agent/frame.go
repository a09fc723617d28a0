package agent

// Frame type values in the agent sub-protocol.
const (
	FrameAssistant = "assistant"
	FrameProposal  = "proposal"
	FrameStatus    = "status"
	FrameDone      = "done"
	FrameError     = "error"
)

// Frame is one structured JSON line from the agent process.
type Frame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"` // assistant
	Command string `json:"command,omitempty"` // proposal
	Risk    string `json:"risk,omitempty"`    // proposal
	Summary string `json:"summary,omitempty"` // proposal
	Status  string `json:"status,omitempty"`  // status ("thinking", "idle")
	Message string `json:"message,omitempty"` // error
}

// Sink receives parser output. Raw lines carry their trailing newline so
// they can be forwarded to a terminal verbatim.
type Sink interface {
	HandleFrame(f Frame)
	HandleRaw(line string)
	HandleParseError(line string, err error)
}

// Turn is one user-message-to-agent-response cycle.
type Turn struct {
	ID           string
	ThreadID     string
	SystemPrompt string
	UserMessage  string
}
