// Package transport defines the interface for the encrypted channel to the
// managed host.
package transport

import (
	"context"
	"io"
	"net"
	"strconv"
	"time"
)

// Session is a live channel to the remote host. A session is exclusively
// owned by one connection and is replaced wholesale on reconnect, never
// reused.
type Session interface {
	// Start launches a command on the remote host and returns a handle to
	// its running process. Output is consumed through the process pipes.
	Start(ctx context.Context, cmd string) (Process, error)

	// Output runs a short probe command and returns its trimmed stdout.
	// It must complete within the context deadline or fail.
	Output(ctx context.Context, cmd string) (string, error)

	// Alive reports whether the channel still responds to a protocol-level
	// keepalive. It never issues a remote command.
	Alive() bool

	// Close releases the underlying channel. Safe to call multiple times.
	Close() error

	// String returns a human-readable description of the session.
	String() string
}

// Process is a command running over a session.
type Process interface {
	// Stdout returns the standard output stream of the remote process.
	Stdout() io.Reader

	// Stderr returns the standard error stream of the remote process.
	Stderr() io.Reader

	// Wait blocks until the process exits and returns its exit status.
	Wait() (int, error)

	// Kill terminates the remote process and releases its channel.
	Kill() error
}

// Dialer opens a new session to the host described by cfg.
type Dialer func(ctx context.Context, cfg Config) (Session, error)

// Config holds the parameters needed to reach the managed host.
type Config struct {
	// Host is the target hostname or IP address.
	Host string

	// Port is the remote shell port. Defaults to 22 when zero.
	Port int

	// User is the username for authentication.
	User string

	// KeyPath is the path to the private key used for authentication.
	KeyPath string

	// Password is used when no key is configured, or as a fallback method.
	Password string

	// Timeout bounds connection establishment.
	Timeout time.Duration
}

// Addr returns the host:port dial address, applying the default port.
func (c Config) Addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}
