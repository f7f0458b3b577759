// Package supervisor drives reconnection attempts under a backoff policy and
// watches session health while a connection is established.
package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/virtlab/vmlink/internal/transport"
)

// Notify observes the attempt loop: called before each wait with the attempt
// number, the failure, and the upcoming wait.
type Notify func(attempt int, err error, wait time.Duration)

// Retry dials until a session is established or the policy is exhausted.
// Authentication failures abort immediately and are never retried. The
// returned count is the number of attempts made; on failure the last
// transport error is returned.
func Retry(ctx context.Context, policy Policy, dial transport.Dialer, cfg transport.Config, notify Notify) (transport.Session, int, error) {
	if policy.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.Deadline)
		defer cancel()
	}

	sched := policy.schedule()
	sched.Reset()

	var lastErr error
	attempts := 0
	for {
		attempts++

		sess, err := dial(ctx, cfg)
		if err == nil {
			return sess, attempts, nil
		}
		if transport.IsAuth(err) {
			return nil, attempts, err
		}
		lastErr = err

		if policy.MaxAttempts > 0 && attempts >= policy.MaxAttempts {
			return nil, attempts, lastErr
		}

		wait := sched.NextBackOff()
		if wait == backoff.Stop {
			return nil, attempts, lastErr
		}
		if notify != nil {
			notify(attempts, err, wait)
		}

		// The wait holds no locks; cancellation or the deadline ends it.
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, attempts, lastErr
		}
	}
}

// Monitor watches an established session for transport failure. One monitor
// runs per connection, in parallel with any in-flight command.
type Monitor struct {
	// ProbeInterval is how often the keepalive probe runs.
	ProbeInterval time.Duration

	// IdleAfter suppresses probes while command traffic is flowing: the
	// session is only probed once it has been idle this long.
	IdleAfter time.Duration

	// LastActivity reports the connection's last traffic timestamp.
	LastActivity func() time.Time

	// Suspect delivers a kick when a command timeout leaves the session in
	// doubt; the monitor probes immediately, bypassing the idle window.
	Suspect <-chan struct{}
}

// Watch blocks until the session fails its liveness probe or ctx is
// cancelled. It returns nil on cancellation and a transport error on
// detected failure.
func (m *Monitor) Watch(ctx context.Context, sess transport.Session) error {
	interval := m.ProbeInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.Suspect:
			// Probe now: a command just timed out on this session.
		case <-ticker.C:
			if m.recentlyActive() {
				continue
			}
		}

		if sess.Alive() {
			continue
		}
		return &transport.OpError{Op: "probe", Addr: sess.String(), Err: errKeepaliveFailed}
	}
}

// recentlyActive reports whether command traffic flowed within the idle
// window. Recent traffic is itself proof of liveness, so the probe is
// skipped.
func (m *Monitor) recentlyActive() bool {
	if m.LastActivity == nil || m.IdleAfter <= 0 {
		return false
	}
	return time.Since(m.LastActivity()) < m.IdleAfter
}

var errKeepaliveFailed = errors.New("keepalive probe failed")
