package agent

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// MockBackend fakes an agent with canned risk-classified responses. It
// formats real protocol frames and feeds them through the same Parser as
// the process backend, so the rest of the pipeline cannot tell them apart.
type MockBackend struct {
	// ThinkDelay is how long the mock "thinks" before answering.
	ThinkDelay time.Duration

	parser *Parser
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

func NewMockBackend(sink Sink) *MockBackend {
	return &MockBackend{
		ThinkDelay: 1500 * time.Millisecond,
		parser:     NewParser(sink),
	}
}

func (b *MockBackend) Start() error { return nil }

func (b *MockBackend) SendTurn(t Turn) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		b.emit(Frame{Type: FrameStatus, Status: "thinking"})
		time.Sleep(b.ThinkDelay)

		response, command, risk := classify(t.UserMessage)
		b.emit(Frame{Type: FrameAssistant, Content: response})
		if command != "" {
			b.emit(Frame{Type: FrameProposal, Command: command, Risk: risk})
		}
		b.emit(Frame{Type: FrameDone})
	}()
	return nil
}

func (b *MockBackend) Restart() error { return nil }

func (b *MockBackend) Stop() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
}

// emit routes a frame through the wire format so the parser path is
// exercised even in mock mode.
func (b *MockBackend) emit(f Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	data, _ := json.Marshal(f)
	b.parser.Feed(Prefix + string(data) + "\n")
}

func classify(input string) (response, command, risk string) {
	lower := strings.ToLower(input)
	switch {
	case strings.Contains(lower, "list files"):
		return "I'll list the files in the current directory.", "ls -la", "safe"
	case strings.Contains(lower, "disk usage"):
		return "Checking disk usage.", "df -h", "safe"
	case strings.Contains(lower, "reboot"):
		return "Rebooting the system requires confirmation. This is a high-risk operation.", "sudo reboot", "dangerous"
	case strings.Contains(lower, "remove"):
		return "Deletion is permanent. Please confirm.", "rm -rf ./temp", "dangerous"
	default:
		return `I understood "` + input + `", but I don't have a command for it.`, "", ""
	}
}
