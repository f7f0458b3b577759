// Package command runs a single command over an active session, delivering
// output lines to the caller as they are produced rather than after the
// command completes.
package command

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/virtlab/vmlink/internal/transport"
)

// ErrTimeout is returned by Stream.Wait when neither output nor an exit
// status arrived within the command timeout. The session is flagged suspect
// so the supervisor probes it.
var ErrTimeout = errors.New("command timed out")

// Source tags an output line with the stream it arrived on.
type Source int

const (
	Stdout Source = iota
	Stderr
)

// String returns the conventional stream name.
func (s Source) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Line is one line of remote output.
type Line struct {
	Source Source
	Text   string
}

// Options hook command execution into the connection's bookkeeping.
type Options struct {
	// OnActivity is called when the command starts, on every line, and on
	// exit. The supervisor uses it to skip liveness probes while traffic
	// flows.
	OnActivity func()

	// OnSuspect is called when the command timeout fires, so the supervisor
	// probes the session instead of treating the hang as a hard transport
	// failure.
	OnSuspect func()
}

// Stream is a running command. Lines delivers output in arrival order; Wait
// returns the exit status once the channel is closed. Lines delivered before
// a failure are never lost.
type Stream struct {
	lines chan Line
	done  chan struct{}
	exit  int
	err   error
}

// Lines returns the live output channel. It is closed when the command ends.
func (s *Stream) Lines() <-chan Line { return s.lines }

// Wait blocks until the command ends and returns its exit status.
func (s *Stream) Wait() (int, error) {
	<-s.done
	return s.exit, s.err
}

// Run starts text on the session. The timeout covers the whole invocation;
// zero means no timeout beyond the caller's context.
func Run(ctx context.Context, sess transport.Session, text string, timeout time.Duration, opts Options) (*Stream, error) {
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}

	proc, err := sess.Start(ctx, text)
	if err != nil {
		cancel()
		return nil, err
	}

	touch(opts)

	s := &Stream{
		lines: make(chan Line, 64),
		done:  make(chan struct{}),
	}
	go s.pump(ctx, cancel, proc, text, opts)
	return s, nil
}

// pump relays output until the process ends, then records the exit status.
func (s *Stream) pump(ctx context.Context, cancel context.CancelFunc, proc transport.Process, text string, opts Options) {
	defer cancel()

	// Tear the process down when the deadline fires so the scanners below
	// unblock on their reads.
	stop := context.AfterFunc(ctx, func() { _ = proc.Kill() })
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go s.scan(ctx, &wg, proc.Stdout(), Stdout, opts)
	go s.scan(ctx, &wg, proc.Stderr(), Stderr, opts)
	wg.Wait()
	close(s.lines)

	exit, werr := proc.Wait()
	touch(opts)

	if errors.Is(context.Cause(ctx), context.DeadlineExceeded) {
		s.exit = -1
		s.err = fmt.Errorf("command %q: %w", text, ErrTimeout)
		if opts.OnSuspect != nil {
			opts.OnSuspect()
		}
	} else {
		s.exit = exit
		s.err = werr
	}
	close(s.done)
}

// scan relays one output stream line by line.
func (s *Stream) scan(ctx context.Context, wg *sync.WaitGroup, r io.Reader, src Source, opts Options) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		touch(opts)
		select {
		case s.lines <- Line{Source: src, Text: scanner.Text()}:
		case <-ctx.Done():
			return
		}
	}
}

func touch(opts Options) {
	if opts.OnActivity != nil {
		opts.OnActivity()
	}
}
