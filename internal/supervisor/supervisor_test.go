package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/virtlab/vmlink/internal/transport"
	"github.com/virtlab/vmlink/internal/transport/transporttest"
)

var errDial = errors.New("connection refused")

// scriptDialer fails a fixed number of times before handing out sessions.
func scriptDialer(failures int) (transport.Dialer, *atomic.Int32) {
	var calls atomic.Int32
	dial := func(ctx context.Context, cfg transport.Config) (transport.Session, error) {
		n := calls.Add(1)
		if int(n) <= failures {
			return nil, &transport.OpError{Op: "dial", Addr: cfg.Addr(), Err: errDial}
		}
		return transporttest.NewSession(cfg.Host), nil
	}
	return dial, &calls
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	dial, calls := scriptDialer(3)
	policy := Policy{
		MaxAttempts: 5,
		Backoff:     []time.Duration{5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond},
	}

	start := time.Now()
	sess, attempts, err := Retry(context.Background(), policy, dial, transport.Config{Host: "vm"}, nil)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess == nil {
		t.Fatal("expected a session")
	}
	if attempts != 4 {
		t.Errorf("expected 4 attempts, got %d", attempts)
	}
	if calls.Load() != 4 {
		t.Errorf("expected 4 dial calls, got %d", calls.Load())
	}

	// Three waits at minimum jitter: 0.8 * (5 + 10 + 20) = 28ms.
	if elapsed < 25*time.Millisecond {
		t.Errorf("expected backoff waits to accumulate, elapsed only %s", elapsed)
	}
}

func TestRetryExhaustsMaxAttempts(t *testing.T) {
	dial, calls := scriptDialer(100)
	policy := Policy{
		MaxAttempts: 3,
		Backoff:     []time.Duration{time.Millisecond},
	}

	_, attempts, err := Retry(context.Background(), policy, dial, transport.Config{Host: "vm"}, nil)
	if err == nil {
		t.Fatal("expected failure")
	}
	if !errors.Is(err, errDial) {
		t.Errorf("expected the last dial error, got %v", err)
	}
	if attempts != 3 || calls.Load() != 3 {
		t.Errorf("expected exactly 3 attempts, got %d (%d calls)", attempts, calls.Load())
	}
}

func TestRetryNeverRetriesAuthFailure(t *testing.T) {
	var calls atomic.Int32
	dial := func(ctx context.Context, cfg transport.Config) (transport.Session, error) {
		calls.Add(1)
		return nil, &transport.AuthError{Addr: cfg.Addr(), Err: errors.New("permission denied")}
	}
	policy := Policy{MaxAttempts: 5, Backoff: []time.Duration{time.Millisecond}}

	_, attempts, err := Retry(context.Background(), policy, dial, transport.Config{Host: "vm"}, nil)
	if !transport.IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if attempts != 1 || calls.Load() != 1 {
		t.Errorf("auth failures must not be retried: %d attempts", attempts)
	}
}

func TestRetryHonorsDeadline(t *testing.T) {
	dial, _ := scriptDialer(100)
	policy := Policy{
		Backoff:  []time.Duration{10 * time.Millisecond},
		Deadline: 35 * time.Millisecond,
	}

	start := time.Now()
	_, _, err := Retry(context.Background(), policy, dial, transport.Config{Host: "vm"}, nil)
	if err == nil {
		t.Fatal("expected failure")
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("deadline not honored, took %s", elapsed)
	}
}

func TestRetryNotifiesBeforeEachWait(t *testing.T) {
	dial, _ := scriptDialer(2)
	policy := Policy{MaxAttempts: 5, Backoff: []time.Duration{time.Millisecond}}

	var notified []int
	notify := func(attempt int, err error, wait time.Duration) {
		if err == nil {
			t.Error("notify called without an error")
		}
		if wait <= 0 {
			t.Errorf("attempt %d: non-positive wait %s", attempt, wait)
		}
		notified = append(notified, attempt)
	}

	_, _, err := Retry(context.Background(), policy, dial, transport.Config{Host: "vm"}, notify)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(notified) != 2 || notified[0] != 1 || notified[1] != 2 {
		t.Errorf("expected notifications for attempts 1 and 2, got %v", notified)
	}
}

func TestStepBackOffSchedule(t *testing.T) {
	steps := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	b := &stepBackOff{steps: steps, jitter: 0.2}

	// Walk past the end: the last entry repeats, each wait jittered within
	// [0.8d, 1.2d).
	expect := []time.Duration{steps[0], steps[1], steps[2], steps[2], steps[2]}
	for i, d := range expect {
		got := b.NextBackOff()
		lo := d - time.Duration(0.2*float64(d))
		hi := d + time.Duration(0.2*float64(d))
		if got < lo || got > hi {
			t.Errorf("wait %d: %s outside [%s, %s]", i, got, lo, hi)
		}
	}

	b.Reset()
	if got := b.NextBackOff(); got > steps[0]+time.Duration(0.2*float64(steps[0])) {
		t.Errorf("expected reset to restart the schedule, got %s", got)
	}
}

func TestPolicyDefaultsToExponential(t *testing.T) {
	p := Policy{}
	sched := p.schedule()

	var prev time.Duration
	for i := 0; i < 5; i++ {
		d := sched.NextBackOff()
		if d == backoff.Stop {
			t.Fatal("unexpected Stop from exponential schedule")
		}
		if d < prev/2 {
			t.Errorf("wait %d shrank too much: %s after %s", i, d, prev)
		}
		prev = d
	}
}

func TestMonitorDetectsDeadSession(t *testing.T) {
	sess := transporttest.NewSession("vm")
	sess.SetAlive(false)

	m := &Monitor{ProbeInterval: 5 * time.Millisecond}

	done := make(chan error, 1)
	go func() { done <- m.Watch(context.Background(), sess) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected a transport error")
		}
	case <-time.After(time.Second):
		t.Fatal("monitor never detected the dead session")
	}
}

func TestMonitorSuspectKickProbesImmediately(t *testing.T) {
	sess := transporttest.NewSession("vm")
	sess.SetAlive(false)

	suspect := make(chan struct{}, 1)
	m := &Monitor{
		ProbeInterval: time.Hour, // only the kick can trigger the probe
		Suspect:       suspect,
	}

	done := make(chan error, 1)
	go func() { done <- m.Watch(context.Background(), sess) }()
	suspect <- struct{}{}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected a transport error")
		}
	case <-time.After(time.Second):
		t.Fatal("suspect kick did not trigger a probe")
	}
}

func TestMonitorSkipsProbeWhileActive(t *testing.T) {
	sess := transporttest.NewSession("vm")
	sess.SetAlive(false) // would fail the probe if one ran

	m := &Monitor{
		ProbeInterval: 5 * time.Millisecond,
		IdleAfter:     time.Hour,
		LastActivity:  time.Now, // permanently busy
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := m.Watch(ctx, sess); err != nil {
		t.Fatalf("expected probes to be skipped while traffic flows, got %v", err)
	}
}

func TestMonitorStopsOnCancel(t *testing.T) {
	sess := transporttest.NewSession("vm")

	m := &Monitor{ProbeInterval: time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx, sess) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop on cancel")
	}
}
