// Package pty owns one child shell attached to a pseudoterminal pair,
// providing read/write/resize/close with clone-safe shared state (spec
// §4.G). Uses github.com/creack/pty for the kernel PTY allocation.
package pty

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

// Options configures a new session.
type Options struct {
	Shell        string // override; empty = auto-detect
	InitialCols  int
	InitialRows  int
	CloseTimeout time.Duration
}

// Session owns one child shell and its PTY master. All clones returned by
// Clone share the same underlying state under state.mu; closing once is
// sufficient and subsequent closes are no-ops (spec §3 "PTY session").
type Session struct {
	state *sharedState
}

type sharedState struct {
	mu sync.Mutex

	sessionID    string
	cmd          *exec.Cmd
	readFD       *os.File
	writeFD      *os.File
	closed       bool
	closeTimeout time.Duration

	readMu  sync.Mutex
	writeMu sync.Mutex

	logger *slog.Logger
}

// ErrNoShell is returned when no usable shell binary can be found.
var ErrNoShell = errors.New("pty: no shell available")

// ErrClosed is returned by Write after the session has been closed.
var ErrClosed = errors.New("pty: session closed")

func candidateShells(override string) []string {
	var candidates []string
	if override != "" {
		candidates = append(candidates, override)
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		candidates = append(candidates, shell)
	}
	candidates = append(candidates, "/bin/bash", "/bin/sh")
	return candidates
}

func selectShell(override string) (string, error) {
	for _, candidate := range candidateShells(override) {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", ErrNoShell
}

// Spawn generates a session_id, selects a shell, opens a PTY pair, and
// forks/execs the shell in the slave with a clean environment.
func Spawn(opts Options, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.InitialCols <= 0 {
		opts.InitialCols = 80
	}
	if opts.InitialRows <= 0 {
		opts.InitialRows = 24
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = 5 * time.Second
	}

	shell, err := selectShell(opts.Shell)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(shell)
	cmd.Env = cleanEnv()

	if home, ok := os.LookupEnv("HOME"); ok {
		if info, err := os.Stat(home); err == nil && info.IsDir() {
			cmd.Dir = home
		}
	}

	master, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(opts.InitialCols), //nolint:gosec // only non-positive values are replaced above; no upper bound is checked
		Rows: uint16(opts.InitialRows), //nolint:gosec
	})
	if err != nil {
		return nil, fmt.Errorf("pty: spawn: %w", err)
	}

	readFD, err := dupFile(master)
	if err != nil {
		_ = master.Close()
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("pty: dup read fd: %w", err)
	}
	writeFD, err := dupFile(master)
	if err != nil {
		_ = readFD.Close()
		_ = master.Close()
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("pty: dup write fd: %w", err)
	}
	_ = master.Close() // original duplicate no longer needed

	state := &sharedState{
		sessionID:    uuid.NewString(),
		cmd:          cmd,
		readFD:       readFD,
		writeFD:      writeFD,
		closeTimeout: opts.CloseTimeout,
		logger:       logger,
	}

	return &Session{state: state}, nil
}

func dupFile(f *os.File) (*os.File, error) {
	newFD, err := syscall.Dup(int(f.Fd()))
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(newFD), f.Name()), nil
}

func cleanEnv() []string {
	env := []string{"TERM=xterm-256color", "LANG=en_US.UTF-8"}
	for _, key := range []string{"HOME", "USER", "PATH"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}

// SessionID returns the session's UUIDv4 identifier.
func (s *Session) SessionID() string {
	return s.state.sessionID
}

// Clone returns a new handle to the same underlying shared state. Any
// clone may observe any state transition.
func (s *Session) Clone() *Session {
	return &Session{state: s.state}
}

// Write loops over write(2) until all bytes are consumed. A short write
// returning zero bytes with no error is treated as an error.
func (s *Session) Write(data []byte) error {
	st := s.state
	st.mu.Lock()
	closed := st.closed
	writeFD := st.writeFD
	st.mu.Unlock()
	if closed {
		return ErrClosed
	}

	st.writeMu.Lock()
	defer st.writeMu.Unlock()

	for len(data) > 0 {
		n, err := writeFD.Write(data)
		if err != nil {
			return fmt.Errorf("pty: write: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("pty: write: %w", io.ErrShortWrite)
		}
		data = data[n:]
	}
	return nil
}

// Read performs a single read(2) into buf. EAGAIN/EWOULDBLOCK is reported
// as (0, nil), not an error.
func (s *Session) Read(buf []byte) (int, error) {
	st := s.state
	st.mu.Lock()
	closed := st.closed
	readFD := st.readFD
	st.mu.Unlock()
	if closed {
		return 0, nil
	}

	st.readMu.Lock()
	defer st.readMu.Unlock()

	n, err := readFD.Read(buf)
	if err != nil {
		if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) {
			return 0, nil
		}
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		return n, fmt.Errorf("pty: read: %w", err)
	}
	return n, nil
}

// Resize validates cols/rows bounds and applies the new size to the PTY.
func (s *Session) Resize(cols, rows int) error {
	if cols < 1 || cols > 1000 {
		return fmt.Errorf("pty: resize: cols %d out of bounds [1,1000]", cols)
	}
	if rows < 1 || rows > 500 {
		return fmt.Errorf("pty: resize: rows %d out of bounds [1,500]", rows)
	}

	st := s.state
	st.mu.Lock()
	closed := st.closed
	writeFD := st.writeFD
	st.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if err := pty.Setsize(writeFD, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil { //nolint:gosec // bounds checked above
		return fmt.Errorf("pty: setsize: %w", err)
	}
	return nil
}

// IsRunning performs a non-blocking liveness check on the child process.
func (s *Session) IsRunning() bool {
	st := s.state
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed || st.cmd == nil || st.cmd.Process == nil {
		return false
	}
	return processAlive(st.cmd.Process.Pid)
}

func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Close sends SIGTERM, waits up to the configured close timeout for exit,
// then drops all FD references. Idempotent: a second call is a no-op and
// always succeeds.
func (s *Session) Close() error {
	st := s.state
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil
	}
	st.closed = true
	cmd := st.cmd
	readFD := st.readFD
	writeFD := st.writeFD
	timeout := st.closeTimeout
	st.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			st.logger.Warn("pty: sigterm failed", "session_id", st.sessionID, "error", err)
		}

		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()

		select {
		case err := <-done:
			if err != nil {
				st.logger.Debug("pty: child exited non-zero", "session_id", st.sessionID, "error", err)
			} else {
				st.logger.Debug("pty: child exited gracefully", "session_id", st.sessionID)
			}
		case <-time.After(timeout):
			st.logger.Warn("pty: close timeout exceeded, killing", "session_id", st.sessionID)
			_ = cmd.Process.Kill()
		}
	}

	if readFD != nil {
		_ = readFD.Close()
	}
	if writeFD != nil {
		_ = writeFD.Close()
	}

	return nil
}
