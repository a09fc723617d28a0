package agent

import (
	"os/exec"

	"github.com/termlink/termlink/internal/config"
	"github.com/termlink/termlink/internal/logger"
)

// Backend drives one agent process. Implementations share no state; the
// session wires exactly one backend through one Parser into itself.
type Backend interface {
	// Start launches the underlying process. Idempotent while running.
	Start() error
	// SendTurn dispatches one turn to the process, starting it if needed.
	SendTurn(t Turn) error
	// Restart force-kills and relaunches the process. Used by the turn
	// queue to recover from a hung turn.
	Restart() error
	// Stop terminates the process. Idempotent.
	Stop()
}

// RuntimeStatus reports whether the real agent CLI is usable.
type RuntimeStatus struct {
	Installed bool
	Path      string
	Details   string
}

// Probe checks whether the configured agent binary is resolvable.
func Probe(command string) RuntimeStatus {
	path, err := exec.LookPath(command)
	if err != nil {
		return RuntimeStatus{Details: command + " not found in PATH"}
	}
	return RuntimeStatus{Installed: true, Path: path, Details: "found " + path}
}

// NewBackend selects a backend per config: "mock" and "real" force the
// choice, "auto" uses the real CLI when it is installed and falls back to
// the mock otherwise. Real mode with a missing binary also falls back, with
// a warning, so the server still comes up.
func NewBackend(cfg config.AgentConfig, sink Sink) Backend {
	if cfg.Mode == "mock" {
		logger.Info("agent backend: mock (forced)")
		return newMock(cfg, sink)
	}

	status := Probe(cfg.Command)
	logger.Info("agent runtime", "command", cfg.Command, "details", status.Details)

	if !status.Installed {
		if cfg.Mode == "real" {
			logger.Warn("agent mode 'real' requested but binary missing, falling back to mock")
		}
		return newMock(cfg, sink)
	}

	return NewProcessBackend(cfg.Command, cfg.Args, sink)
}

func newMock(cfg config.AgentConfig, sink Sink) *MockBackend {
	m := NewMockBackend(sink)
	if cfg.MockThinkDelay > 0 {
		m.ThinkDelay = cfg.MockThinkDelay
	}
	return m
}
