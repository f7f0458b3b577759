// Package conn manages one logical connection to one managed host: it keeps
// the session alive across transport loss and host reboots, and is the only
// surface callers talk to.
package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/virtlab/vmlink/internal/command"
	"github.com/virtlab/vmlink/internal/output"
	"github.com/virtlab/vmlink/internal/supervisor"
	"github.com/virtlab/vmlink/internal/transport"
	"github.com/virtlab/vmlink/internal/transport/sshtransport"
	"github.com/virtlab/vmlink/pkg/bootsig"
)

// Status is the connection lifecycle state. Transitions are strictly ordered
// and recorded; no transition is ever skipped.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	Rebooting
	Failed
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Rebooting:
		return "rebooting"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

var (
	// ErrNotConnected is returned when a command is issued while the
	// connection is not in the Connected state. Commands are never queued.
	ErrNotConnected = errors.New("not connected")

	// ErrMaxRetries is returned when the reconnect policy is exhausted.
	// The connection is then in the terminal Failed state.
	ErrMaxRetries = errors.New("reconnect attempts exhausted")

	// ErrRebootTimeout is returned by WaitForReboot when the deadline
	// elapses before a reboot cycle completes.
	ErrRebootTimeout = errors.New("timed out waiting for reboot")
)

// readiness probe after a detected reboot: the host is Connected again once
// it accepts a trivial command.
const (
	readyProbe    = "echo ready"
	readyAttempts = 10
	readyInterval = time.Second
)

// Connection manages the session to a single host. Exactly one supervisory
// goroutine runs per connection, in parallel with any in-flight command.
// Only that goroutine (and Connect/Disconnect) transitions status or
// replaces the session reference.
type Connection struct {
	cfg    transport.Config
	policy supervisor.Policy
	dial   transport.Dialer
	out    *output.Output

	probeTimeout  time.Duration
	probeInterval time.Duration
	idleWindow    time.Duration
	assumeReboot  bool

	mu           sync.Mutex
	status       Status
	history      []Status
	sess         transport.Session
	sig          bootsig.Signature
	lastActivity time.Time
	rebootCh     chan struct{}
	suspectCh    chan struct{}
	stopMonitor  context.CancelFunc
	monitorDone  chan struct{}
}

// Option configures a Connection.
type Option func(*Connection)

// WithDialer replaces the SSH dialer, e.g. with a fake transport in tests.
func WithDialer(d transport.Dialer) Option {
	return func(c *Connection) { c.dial = d }
}

// WithOutput routes lifecycle events to the given output handler.
func WithOutput(o *output.Output) Option {
	return func(c *Connection) { c.out = o }
}

// WithProbeTimeout bounds each boot signature and readiness probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(c *Connection) { c.probeTimeout = d }
}

// WithProbeInterval sets how often the supervisor probes session liveness.
func WithProbeInterval(d time.Duration) Option {
	return func(c *Connection) { c.probeInterval = d }
}

// WithIdleWindow sets how long the session must be idle before a liveness
// probe is issued.
func WithIdleWindow(d time.Duration) Option {
	return func(c *Connection) { c.idleWindow = d }
}

// WithAssumeReboot treats an unclassifiable outage as a reboot. Off by
// default: guessing wrong silently is worse than failing loudly.
func WithAssumeReboot(assume bool) Option {
	return func(c *Connection) { c.assumeReboot = assume }
}

// New creates a connection manager for the host described by cfg. No I/O
// happens until Connect.
func New(cfg transport.Config, policy supervisor.Policy, opts ...Option) *Connection {
	c := &Connection{
		cfg:           cfg,
		policy:        policy,
		dial:          sshtransport.Dial,
		out:           output.Discard(),
		probeTimeout:  5 * time.Second,
		probeInterval: 15 * time.Second,
		idleWindow:    10 * time.Second,
		status:        Disconnected,
		history:       []Status{Disconnected},
		rebootCh:      make(chan struct{}),
		suspectCh:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect blocks until the connection is established or the policy is
// exhausted. Authentication failures abort immediately without retries.
// A connection in the terminal Failed state is reset and tried again.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.status {
	case Connected, Rebooting:
		c.mu.Unlock()
		return nil
	case Connecting:
		c.mu.Unlock()
		return fmt.Errorf("connect already in progress")
	case Failed:
		c.setStatusLocked(Disconnected)
	}
	c.setStatusLocked(Connecting)
	c.mu.Unlock()

	sess, attempts, err := supervisor.Retry(ctx, c.policy, c.dial, c.cfg, c.out.Attempt)
	if err != nil {
		if transport.IsAuth(err) {
			c.setStatus(Disconnected)
			return err
		}
		c.setStatus(Failed)
		return fmt.Errorf("%w after %d attempts: %v", ErrMaxRetries, attempts, err)
	}

	sig, sigErr := bootsig.Capture(ctx, sess, c.probeTimeout)
	if sigErr != nil {
		c.out.Warn("boot signature unavailable: %v", sigErr)
		sig = bootsig.Signature{}
	}

	c.mu.Lock()
	c.sess = sess
	c.sig = sig
	c.lastActivity = time.Now()
	c.setStatusLocked(Connected)
	c.mu.Unlock()

	c.out.Connected(sess.String(), attempts)
	c.startMonitor(sess)
	return nil
}

// Run dispatches a command on the current session and returns its live
// output stream. Fails with ErrNotConnected unless status is Connected.
// The command keeps the session it started with: if the supervisor replaces
// the session mid-stream, the command fails rather than silently continuing
// on the new one.
func (c *Connection) Run(ctx context.Context, text string, timeout time.Duration) (*command.Stream, error) {
	c.mu.Lock()
	if c.status != Connected || c.sess == nil {
		status := c.status
		c.mu.Unlock()
		return nil, fmt.Errorf("cannot run %q while %s: %w", text, status, ErrNotConnected)
	}
	sess := c.sess
	c.lastActivity = time.Now()
	c.mu.Unlock()

	return command.Run(ctx, sess, text, timeout, command.Options{
		OnActivity: c.touch,
		OnSuspect:  c.markSuspect,
	})
}

// WaitForReboot blocks until a reboot cycle completes (the Rebooting to
// Connected transition) or the context deadline elapses. A reconnect with an
// unchanged boot signature never unblocks it. Cancelling the wait does not
// cancel the recovery in progress.
func (c *Connection) WaitForReboot(ctx context.Context) error {
	c.mu.Lock()
	ch := c.rebootCh
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrRebootTimeout, ctx.Err())
	}
}

// Disconnect closes the session and stops the supervisor. Idempotent, always
// succeeds.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	cancel := c.stopMonitor
	done := c.monitorDone
	sess := c.sess
	c.stopMonitor = nil
	c.monitorDone = nil
	c.sess = nil
	if c.status != Disconnected {
		c.setStatusLocked(Disconnected)
	}
	// Cancel before releasing the lock: a recovery that is about to publish
	// a fresh session must observe either the cancellation or the status
	// change, never a half-finished disconnect.
	if cancel != nil {
		cancel()
	}
	c.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
	if done != nil {
		<-done
	}
	return nil
}

// Status returns the current lifecycle state without blocking.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Transitions returns the ordered status history since creation.
func (c *Connection) Transitions() []Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Status, len(c.history))
	copy(out, c.history)
	return out
}

// LastActivity returns the time of the last command traffic.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// touch timestamps command traffic; the supervisor skips liveness probes
// while traffic is recent.
func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// markSuspect kicks the supervisor into probing the session now. Called on
// command timeout: a hung command is not proof the transport died.
func (c *Connection) markSuspect() {
	select {
	case c.suspectCh <- struct{}{}:
	default:
	}
}

// setStatus transitions under lock.
func (c *Connection) setStatus(s Status) {
	c.mu.Lock()
	c.setStatusLocked(s)
	c.mu.Unlock()
}

// setStatusLocked records a transition. Caller holds c.mu.
func (c *Connection) setStatusLocked(s Status) {
	if c.status == s {
		return
	}
	c.out.Transition(c.status.String(), s.String())
	c.status = s
	c.history = append(c.history, s)
}

// transition moves from one status to the next only while the recovery still
// owns it. Disconnect resets the status and cancels ctx under the same lock,
// so a false return means the recovery must abort.
func (c *Connection) transition(ctx context.Context, from, to Status) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil || c.status != from {
		return false
	}
	c.setStatusLocked(to)
	return true
}

// startMonitor launches the supervisory goroutine for the given session.
func (c *Connection) startMonitor(sess transport.Session) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.stopMonitor = cancel
	c.monitorDone = done
	c.mu.Unlock()

	mon := &supervisor.Monitor{
		ProbeInterval: c.probeInterval,
		IdleAfter:     c.idleWindow,
		LastActivity:  c.LastActivity,
		Suspect:       c.suspectCh,
	}

	go func() {
		defer close(done)
		if err := mon.Watch(ctx, sess); err != nil {
			c.out.Warn("transport failure detected: %v", err)
			c.recover(ctx, sess)
		}
	}()
}

// recover drives the reconnect cycle after a detected transport failure:
// Disconnected, Connecting, then either Connected directly (same boot
// signature), through Rebooting (signature changed), or terminal Failed.
func (c *Connection) recover(ctx context.Context, failed transport.Session) {
	c.mu.Lock()
	if c.sess != failed || c.status != Connected {
		// A newer session took over, or Disconnect ran first.
		c.mu.Unlock()
		return
	}
	prev := c.sig
	c.sess = nil
	c.setStatusLocked(Disconnected)
	c.setStatusLocked(Connecting)
	c.mu.Unlock()

	_ = failed.Close()

	sess, attempts, err := supervisor.Retry(ctx, c.policy, c.dial, c.cfg, c.out.Attempt)
	if err != nil {
		if c.transition(ctx, Connecting, Failed) {
			c.out.Error("reconnect failed after %d attempts: %v", attempts, err)
		}
		return
	}
	if ctx.Err() != nil {
		_ = sess.Close()
		return
	}

	cur, sigErr := bootsig.Capture(ctx, sess, c.probeTimeout)
	if sigErr != nil {
		c.out.Warn("boot signature unavailable after reconnect: %v", sigErr)
	}

	rebooted := c.classify(prev, cur)
	if rebooted {
		if !c.transition(ctx, Connecting, Rebooting) {
			_ = sess.Close()
			return
		}
		c.out.Rebooting()
		if !c.awaitReady(ctx, sess) {
			_ = sess.Close()
			if c.transition(ctx, Rebooting, Failed) {
				c.out.Error("host never became ready after reboot")
			}
			return
		}
	}

	c.mu.Lock()
	// Publish only while the recovery still owns the transition: Disconnect
	// may have reset the status while the lock was free.
	if ctx.Err() != nil || (c.status != Connecting && c.status != Rebooting) {
		c.mu.Unlock()
		_ = sess.Close()
		return
	}
	c.sess = sess
	c.sig = cur
	c.lastActivity = time.Now()
	c.setStatusLocked(Connected)
	var signal chan struct{}
	if rebooted {
		signal = c.rebootCh
		c.rebootCh = make(chan struct{})
	}
	c.mu.Unlock()

	if signal != nil {
		close(signal)
	}
	c.out.Connected(sess.String(), attempts)
	c.startMonitor(sess)
}

// classify decides whether the outage was a reboot. An unclassifiable outage
// counts as a reboot only when explicitly configured.
func (c *Connection) classify(prev, cur bootsig.Signature) bool {
	rebooted, err := bootsig.Rebooted(prev, cur)
	if err == nil {
		return rebooted
	}
	if c.assumeReboot {
		c.out.Warn("outage unclassifiable, assuming reboot (assume_reboot is set)")
		return true
	}
	c.out.Warn("outage unclassifiable, treating as network blip: %v", err)
	return false
}

// awaitReady polls the post-reboot readiness probe until the host accepts a
// trivial command.
func (c *Connection) awaitReady(ctx context.Context, sess transport.Session) bool {
	for i := 0; i < readyAttempts; i++ {
		pctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
		_, err := sess.Output(pctx, readyProbe)
		cancel()
		if err == nil {
			return true
		}
		select {
		case <-time.After(readyInterval):
		case <-ctx.Done():
			return false
		}
	}
	return false
}
