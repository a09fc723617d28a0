package agent

import (
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/termlink/termlink/internal/logger"
)

// ProcessBackend wraps a long-lived agent CLI process. Stdout flows through
// a Parser into the sink; stderr is logged. A crashed process is respawned
// on the next turn.
type ProcessBackend struct {
	command string
	args    []string
	sink    Sink

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	running bool
}

func NewProcessBackend(command string, args []string, sink Sink) *ProcessBackend {
	return &ProcessBackend{command: command, args: args, sink: sink}
}

func (b *ProcessBackend) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startLocked()
}

func (b *ProcessBackend) startLocked() error {
	if b.running {
		return nil
	}

	cmd := exec.Command(b.command, b.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", b.command, err)
	}

	b.cmd = cmd
	b.stdin = stdin
	b.running = true
	logger.Info("agent process started", "command", b.command, "pid", cmd.Process.Pid)

	parser := NewParser(b.sink)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				parser.Feed(string(buf[:n]))
			}
			if err != nil {
				return
			}
		}
	}()
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := stderr.Read(buf)
			if n > 0 {
				logger.Debug("agent stderr", "data", strings.TrimRight(string(buf[:n]), "\n"))
			}
			if err != nil {
				return
			}
		}
	}()
	go func() {
		err := cmd.Wait()
		b.mu.Lock()
		if b.cmd == cmd {
			b.running = false
		}
		b.mu.Unlock()
		logger.Info("agent process exited", "command", b.command, "err", err)
	}()

	return nil
}

// SendTurn writes the turn to the process's stdin, one line per part.
// Newlines inside prompts are flattened so a prompt can never be mistaken
// for multiple inputs.
func (b *ProcessBackend) SendTurn(t Turn) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		if err := b.startLocked(); err != nil {
			return err
		}
	}

	var lines []string
	if t.SystemPrompt != "" {
		lines = append(lines, flatten(t.SystemPrompt))
	}
	lines = append(lines, flatten(t.UserMessage))

	for _, line := range lines {
		if _, err := io.WriteString(b.stdin, line+"\n"); err != nil {
			return fmt.Errorf("write turn: %w", err)
		}
	}
	return nil
}

// Restart force-kills and relaunches the process.
func (b *ProcessBackend) Restart() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked(true)
	return b.startLocked()
}

// Stop terminates the process. Idempotent.
func (b *ProcessBackend) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked(false)
}

// stopLocked must be called with b.mu held.
func (b *ProcessBackend) stopLocked(force bool) {
	if b.cmd == nil || b.cmd.Process == nil {
		return
	}
	if force {
		b.cmd.Process.Kill()
	} else {
		b.cmd.Process.Signal(syscall.SIGTERM)
		go func(cmd *exec.Cmd) {
			time.Sleep(3 * time.Second)
			cmd.Process.Kill()
		}(b.cmd)
	}
	b.cmd = nil
	b.stdin = nil
	b.running = false
}

func flatten(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\r", " "), "\n", " ")
}
