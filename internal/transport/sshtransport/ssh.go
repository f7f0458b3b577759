// Package sshtransport implements the transport contract over SSH using
// golang.org/x/crypto/ssh.
package sshtransport

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/virtlab/vmlink/internal/transport"
)

// Session is an SSH connection to the managed host.
type Session struct {
	client *ssh.Client
	addr   string

	mu     sync.Mutex
	closed bool
}

// Ensure Session implements the transport.Session interface.
var _ transport.Session = (*Session)(nil)

// Dial opens an SSH session to the host described by cfg. The context bounds
// the TCP dial and the SSH handshake. Rejected credentials surface as
// *transport.AuthError; anything else is a transient *transport.OpError.
func Dial(ctx context.Context, cfg transport.Config) (transport.Session, error) {
	addr := cfg.Addr()

	auth, err := authMethods(cfg)
	if err != nil {
		return nil, &transport.AuthError{Addr: addr, Err: err}
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         cfg.Timeout,
	}

	d := net.Dialer{Timeout: cfg.Timeout}
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &transport.OpError{Op: "dial", Addr: addr, Err: err}
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientCfg)
	if err != nil {
		netConn.Close()
		if isAuthFailure(err) {
			return nil, &transport.AuthError{Addr: addr, Err: err}
		}
		return nil, &transport.OpError{Op: "dial", Addr: addr, Err: err}
	}
	_ = netConn.SetDeadline(time.Time{})

	return &Session{
		client: ssh.NewClient(sshConn, chans, reqs),
		addr:   addr,
	}, nil
}

// authMethods builds the SSH auth chain from the configured credentials.
func authMethods(cfg transport.Config) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if cfg.KeyPath != "" {
		key, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no credentials configured for %s", cfg.Addr())
	}

	return methods, nil
}

// isAuthFailure distinguishes rejected credentials from transient handshake
// faults. x/crypto/ssh reports both as a handshake error, so we have to look
// at the message.
func isAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "permission denied")
}

// Start launches cmd on the remote host and returns a handle to the running
// process with live stdout/stderr pipes.
func (s *Session) Start(ctx context.Context, cmd string) (transport.Process, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, &transport.OpError{Op: "start", Addr: s.addr, Err: err}
	}

	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, &transport.OpError{Op: "start", Addr: s.addr, Err: err}
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return nil, &transport.OpError{Op: "start", Addr: s.addr, Err: err}
	}

	if err := sess.Start(cmd); err != nil {
		sess.Close()
		return nil, &transport.OpError{Op: "start", Addr: s.addr, Err: err}
	}

	p := &process{sess: sess, addr: s.addr, stdout: stdout, stderr: stderr}

	// Tear the channel down if the caller's context expires before the
	// remote process does.
	stop := context.AfterFunc(ctx, func() { _ = p.Kill() })
	p.release = stop

	return p, nil
}

// Output runs cmd and returns its trimmed combined output. The context
// deadline bounds the whole execution; on expiry the underlying channel is
// closed so the call never blocks indefinitely.
func (s *Session) Output(ctx context.Context, cmd string) (string, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return "", &transport.OpError{Op: "probe", Addr: s.addr, Err: err}
	}
	defer sess.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := sess.CombinedOutput(cmd)
		done <- result{out, err}
	}()

	select {
	case <-ctx.Done():
		sess.Close()
		return "", &transport.OpError{Op: "probe", Addr: s.addr, Err: ctx.Err()}
	case r := <-done:
		if r.err != nil {
			return "", &transport.OpError{Op: "probe", Addr: s.addr, Err: r.err}
		}
		return strings.TrimSpace(string(r.out)), nil
	}
}

// Alive sends an SSH keepalive request and reports whether the peer answered.
// No remote command is issued.
func (s *Session) Alive() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	_, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

// Close shuts the connection down. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

// String returns a description of the session.
func (s *Session) String() string {
	return fmt.Sprintf("ssh://%s@%s", s.client.User(), s.addr)
}

// process wraps a remote command running over an SSH channel.
type process struct {
	sess    *ssh.Session
	addr    string
	stdout  io.Reader
	stderr  io.Reader
	release func() bool

	mu     sync.Mutex
	killed bool
}

func (p *process) Stdout() io.Reader { return p.stdout }
func (p *process) Stderr() io.Reader { return p.stderr }

// Wait blocks until the remote process exits and returns its exit status.
func (p *process) Wait() (int, error) {
	err := p.sess.Wait()
	if p.release != nil {
		p.release()
	}
	p.sess.Close()

	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*ssh.ExitError); ok {
		return exitErr.ExitStatus(), nil
	}
	return -1, &transport.OpError{Op: "read", Addr: p.addr, Err: err}
}

// Kill terminates the remote process and releases its channel. Idempotent.
func (p *process) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.killed {
		return nil
	}
	p.killed = true

	_ = p.sess.Signal(ssh.SIGKILL)
	return p.sess.Close()
}
