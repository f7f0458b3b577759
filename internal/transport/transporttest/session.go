// Package transporttest provides an in-memory transport.Session for tests.
// Probe outputs and command processes are scripted per command text, so state
// machine and executor behavior can be exercised without real network timing.
package transporttest

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/virtlab/vmlink/internal/transport"
)

// Session is a scripted in-memory session.
type Session struct {
	name string

	mu      sync.Mutex
	closed  bool
	alive   bool
	outputs map[string]string
	outErrs map[string]error
	procs   map[string]*Process
}

var _ transport.Session = (*Session)(nil)

// NewSession returns an open, alive fake session.
func NewSession(name string) *Session {
	return &Session{
		name:    name,
		alive:   true,
		outputs: make(map[string]string),
		outErrs: make(map[string]error),
		procs:   make(map[string]*Process),
	}
}

// SetOutput scripts the probe result for cmd.
func (s *Session) SetOutput(cmd, out string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[cmd] = out
}

// SetOutputError scripts a probe failure for cmd.
func (s *Session) SetOutputError(cmd string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outErrs[cmd] = err
}

// SetProcess scripts the process returned when cmd is started.
func (s *Session) SetProcess(cmd string, p *Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procs[cmd] = p
}

// SetAlive controls the keepalive probe result.
func (s *Session) SetAlive(alive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alive = alive
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Start returns the scripted process for cmd, or an already-exited empty
// process when nothing was scripted.
func (s *Session) Start(ctx context.Context, cmd string) (transport.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, &transport.OpError{Op: "start", Addr: s.name, Err: errClosed}
	}
	if p, ok := s.procs[cmd]; ok {
		return p, nil
	}
	p := NewProcess()
	p.Exit(0)
	return p, nil
}

// Output returns the scripted probe result for cmd. Unscripted probes
// succeed with empty output.
func (s *Session) Output(ctx context.Context, cmd string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", &transport.OpError{Op: "probe", Addr: s.name, Err: errClosed}
	}
	if err, ok := s.outErrs[cmd]; ok {
		return "", err
	}
	return s.outputs[cmd], nil
}

// Alive reports the scripted liveness, false once closed.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive && !s.closed
}

// Close marks the session closed. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// String returns the fake session description.
func (s *Session) String() string {
	return fmt.Sprintf("fake://%s", s.name)
}

var errClosed = fmt.Errorf("session closed")

// Process is a scripted remote process. Tests feed it output and decide when
// it exits; readers see the data as it is written.
type Process struct {
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	done chan struct{}

	mu     sync.Mutex
	exit   int
	err    error
	ended  bool
	killed bool
}

var _ transport.Process = (*Process)(nil)

// NewProcess returns a running scripted process.
func NewProcess() *Process {
	p := &Process{done: make(chan struct{})}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

// WriteStdout emits one stdout line. Blocks until a reader consumes it.
func (p *Process) WriteStdout(line string) {
	fmt.Fprintln(p.stdoutW, line)
}

// WriteStderr emits one stderr line. Blocks until a reader consumes it.
func (p *Process) WriteStderr(line string) {
	fmt.Fprintln(p.stderrW, line)
}

// Exit ends the process with the given status and closes both streams.
func (p *Process) Exit(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ended {
		return
	}
	p.ended = true
	p.exit = code
	p.stdoutW.Close()
	p.stderrW.Close()
	close(p.done)
}

// Killed reports whether Kill was called.
func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func (p *Process) Stdout() io.Reader { return p.stdoutR }
func (p *Process) Stderr() io.Reader { return p.stderrR }

// Wait blocks until Exit or Kill.
func (p *Process) Wait() (int, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit, p.err
}

// Kill ends the process as if the channel was torn down. Idempotent.
func (p *Process) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
	if p.ended {
		return nil
	}
	p.ended = true
	p.exit = -1
	p.err = &transport.OpError{Op: "read", Addr: "fake", Err: errClosed}
	p.stdoutW.CloseWithError(errClosed)
	p.stderrW.CloseWithError(errClosed)
	close(p.done)
	return nil
}
