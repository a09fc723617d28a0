package pty

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/termlink/termlink/internal/logger"
)

const ringSize = 50 * 1024 // 50KB replay buffer

// SpawnError indicates the shell process could not be started.
type SpawnError struct {
	Shell string
	Err   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Shell, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Process owns a single shell child attached to a pseudo-terminal.
// Once killed, Write/Resize/Signal become silent no-ops; callers that need
// confirmation of death watch Done.
type Process struct {
	shell string

	mu     sync.Mutex
	ptmx   *os.File
	cmd    *exec.Cmd
	ring   *ringBuffer
	onData func([]byte)
	dead   bool

	done     chan struct{} // closed when the process exits
	exitCode int
}

// New prepares a process for the given shell override. The child is not
// started until Spawn.
func New(shellOverride string) *Process {
	return &Process{
		shell: ResolveShell(shellOverride),
		ring:  newRingBuffer(ringSize),
		done:  make(chan struct{}),
	}
}

// Shell reports the resolved shell binary.
func (p *Process) Shell() string { return p.shell }

// OnData registers the single output consumer. Chunks are delivered in the
// order the OS produced them. Must be set before Spawn.
func (p *Process) OnData(fn func([]byte)) {
	p.mu.Lock()
	p.onData = fn
	p.mu.Unlock()
}

// Spawn starts the shell attached to a pseudo-terminal of the given size.
func (p *Process) Spawn(cols, rows int) error {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 30
	}

	binPath, err := exec.LookPath(p.shell)
	if err != nil {
		return &SpawnError{Shell: p.shell, Err: err}
	}

	cmd := exec.Command(binPath)
	cmd.Env = append(os.Environ(), "TERM=xterm-color")
	if home, err := os.UserHomeDir(); err == nil {
		cmd.Dir = home
	}

	size := &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}
	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return &SpawnError{Shell: p.shell, Err: err}
	}

	p.mu.Lock()
	p.ptmx = ptmx
	p.cmd = cmd
	p.dead = false
	p.mu.Unlock()

	logger.Info("pty spawned", "shell", binPath, "pid", cmd.Process.Pid, "cols", cols, "rows", rows)

	go p.readLoop(ptmx)
	go p.wait(cmd, ptmx)

	return nil
}

func (p *Process) readLoop(ptmx *os.File) {
	buf := make([]byte, 4096)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			p.ring.Write(data)

			p.mu.Lock()
			fn := p.onData
			p.mu.Unlock()
			if fn != nil {
				fn(data)
			}
		}
		if err != nil {
			return
		}
	}
}

func (p *Process) wait(cmd *exec.Cmd, ptmx *os.File) {
	exitCode := 0
	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
		}
	}
	ptmx.Close()

	p.mu.Lock()
	p.dead = true
	p.exitCode = exitCode
	p.mu.Unlock()

	logger.Info("pty exited", "pid", cmd.Process.Pid, "code", exitCode)
	close(p.done)
}

// Write feeds bytes to the process's stdin. No-op once dead.
func (p *Process) Write(data []byte) {
	p.mu.Lock()
	ptmx, dead := p.ptmx, p.dead
	p.mu.Unlock()
	if dead || ptmx == nil {
		return
	}
	if _, err := ptmx.Write(data); err != nil {
		logger.Debug("pty write after close", "err", err)
	}
}

// Resize adjusts the terminal window size. No-op once dead.
func (p *Process) Resize(cols, rows int) {
	p.mu.Lock()
	ptmx, dead := p.ptmx, p.dead
	p.mu.Unlock()
	if dead || ptmx == nil {
		return
	}
	pty.Setsize(ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Signal delivers a named signal ("SIGKILL", "SIGTERM", ...) to the process.
// Unknown names return an error; a dead process is a silent no-op.
func (p *Process) Signal(name string) error {
	sig, ok := signalByName(name)
	if !ok {
		return fmt.Errorf("unknown signal %q", name)
	}
	p.mu.Lock()
	cmd, dead := p.cmd, p.dead
	p.mu.Unlock()
	if dead || cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(sig)
}

// Kill terminates the process. Idempotent; best-effort teardown.
func (p *Process) Kill() {
	p.mu.Lock()
	cmd, dead := p.cmd, p.dead
	p.mu.Unlock()
	if dead || cmd == nil || cmd.Process == nil {
		return
	}
	cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.done:
	case <-time.After(3 * time.Second):
		cmd.Process.Kill()
	}
}

// Alive reports whether the child process is still running.
func (p *Process) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd != nil && !p.dead
}

// Done is closed when the process exits.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitCode is valid once Done is closed.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Replay returns the buffered tail of output for late attachers.
func (p *Process) Replay() []byte {
	return p.ring.Bytes()
}
