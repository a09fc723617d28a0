//go:build !windows

package pty

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestResolveShellOverride(t *testing.T) {
	if got := ResolveShell("/bin/zsh"); got != "/bin/zsh" {
		t.Errorf("ResolveShell override = %q", got)
	}
}

func TestResolveShellEnv(t *testing.T) {
	t.Setenv("SHELL", "/usr/bin/fish")
	if got := ResolveShell(""); got != "/usr/bin/fish" {
		t.Errorf("ResolveShell = %q, want $SHELL", got)
	}

	t.Setenv("SHELL", "")
	if got := ResolveShell(""); got != "bash" {
		t.Errorf("ResolveShell = %q, want bash fallback", got)
	}
}

func TestRingBufferPartial(t *testing.T) {
	r := newRingBuffer(16)
	r.Write([]byte("hello"))
	if got := r.Bytes(); string(got) != "hello" {
		t.Errorf("Bytes = %q", got)
	}
}

func TestRingBufferWrap(t *testing.T) {
	r := newRingBuffer(8)
	r.Write([]byte("abcdefgh"))
	r.Write([]byte("ij"))
	if got := r.Bytes(); string(got) != "cdefghij" {
		t.Errorf("Bytes = %q, want most recent 8 bytes", got)
	}
}

func TestRingBufferExactFill(t *testing.T) {
	r := newRingBuffer(4)
	r.Write([]byte("wxyz"))
	if got := r.Bytes(); string(got) != "wxyz" {
		t.Errorf("Bytes = %q", got)
	}
}

func TestSpawnMissingShell(t *testing.T) {
	p := New("/does/not/exist-shell")
	err := p.Spawn(80, 30)
	if err == nil {
		t.Fatal("expected spawn error")
	}
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("err = %T, want *SpawnError", err)
	}
	if spawnErr.Shell != "/does/not/exist-shell" {
		t.Errorf("Shell = %q", spawnErr.Shell)
	}
}

func TestSpawnEchoAndReplay(t *testing.T) {
	p := New("sh")

	var mu sync.Mutex
	var out bytes.Buffer
	p.OnData(func(b []byte) {
		mu.Lock()
		out.Write(b)
		mu.Unlock()
	})

	if err := p.Spawn(80, 30); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer p.Kill()

	p.Write([]byte("echo term-roundtrip\n"))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		seen := strings.Contains(out.String(), "term-roundtrip")
		mu.Unlock()
		if seen {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	got := out.String()
	mu.Unlock()
	if !strings.Contains(got, "term-roundtrip") {
		t.Fatalf("output never contained marker: %q", got)
	}
	if !strings.Contains(string(p.Replay()), "term-roundtrip") {
		t.Error("replay buffer missing echoed output")
	}
}

func TestKillIdempotentAndExit(t *testing.T) {
	p := New("sh")
	if err := p.Spawn(80, 30); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !p.Alive() {
		t.Fatal("process should be alive after spawn")
	}

	p.Kill()
	p.Kill()

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process never exited")
	}
	if p.Alive() {
		t.Error("Alive after exit")
	}

	// All post-mortem operations are silent no-ops.
	p.Write([]byte("echo nope\n"))
	p.Resize(100, 40)
	if err := p.Signal("SIGTERM"); err != nil {
		t.Errorf("Signal after death: %v", err)
	}
}

func TestSignalUnknownName(t *testing.T) {
	p := New("sh")
	if err := p.Signal("SIGWAT"); err == nil {
		t.Error("expected error for unknown signal name")
	}
}

func TestProcessExitObserved(t *testing.T) {
	p := New("sh")
	if err := p.Spawn(80, 30); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	p.Write([]byte("exit 3\n"))

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		p.Kill()
		t.Fatal("process never exited")
	}
	if code := p.ExitCode(); code != 3 {
		t.Errorf("ExitCode = %d, want 3", code)
	}
}
