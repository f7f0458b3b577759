// Package bootsig derives and compares boot signatures: values that change
// when and only when the remote host restarts its kernel. They are what lets
// the supervisor tell a network blip from an actual reboot.
package bootsig

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/virtlab/vmlink/internal/transport"
)

// Probe commands, in order of preference. boot_id is a stable per-boot token;
// the /proc/1 ctime works on hosts without one; /proc/uptime covers hosts
// where neither token survives as a comparable value.
const (
	bootIDProbe = "cat /proc/sys/kernel/random/boot_id"
	initProbe   = "stat -c %Y /proc/1"
	uptimeProbe = "cat /proc/uptime"
)

// uptimeSlack absorbs clock skew and probe latency when comparing
// uptime-derived signatures.
const uptimeSlack = 10 * time.Second

// ErrUnknown is returned by Rebooted when neither signature carries enough
// information to classify the outage.
var ErrUnknown = errors.New("boot signature: classification unavailable")

// Signature identifies one boot instance of the remote host. Compared by
// token equality, or by uptime regression when no token is available.
type Signature struct {
	// Token is an opaque per-boot identifier. Empty when unavailable.
	Token string

	// Uptime is the host uptime at capture time.
	Uptime time.Duration

	// HasUptime reports whether Uptime was readable.
	HasUptime bool

	// ObservedAt is the local wall-clock time of the capture.
	ObservedAt time.Time
}

// IsZero reports whether the signature carries no information at all.
func (s Signature) IsZero() bool {
	return s.Token == "" && !s.HasUptime
}

// Capture probes the session for the host's current boot signature. Each
// probe is bounded by timeout so capture never blocks recovery. It fails
// only when no probe succeeds.
func Capture(ctx context.Context, sess transport.Session, timeout time.Duration) (Signature, error) {
	sig := Signature{ObservedAt: time.Now()}
	var lastErr error

	token, err := probe(ctx, sess, bootIDProbe, timeout)
	if err == nil && token != "" {
		sig.Token = token
	} else {
		if err != nil {
			lastErr = err
		}
		// Fallback token: ctime of the init process.
		token, err = probe(ctx, sess, initProbe, timeout)
		if err == nil && token != "" {
			sig.Token = token
		} else if err != nil {
			lastErr = err
		}
	}

	out, err := probe(ctx, sess, uptimeProbe, timeout)
	if err == nil {
		if uptime, perr := parseUptime(out); perr == nil {
			sig.Uptime = uptime
			sig.HasUptime = true
		}
	} else {
		lastErr = err
	}

	if sig.IsZero() {
		if lastErr == nil {
			lastErr = fmt.Errorf("no boot signature source available")
		}
		return Signature{}, fmt.Errorf("boot signature capture: %w", lastErr)
	}

	return sig, nil
}

// Rebooted reports whether the host behind cur has restarted since prev was
// captured. Token comparison wins when both sides have one; otherwise an
// uptime smaller than the uptime implied by the elapsed wall-clock gap means
// the counter reset, i.e. a reboot. Only relative times are used, so modest
// clock skew is tolerated.
func Rebooted(prev, cur Signature) (bool, error) {
	if prev.Token != "" && cur.Token != "" {
		return prev.Token != cur.Token, nil
	}

	if prev.HasUptime && cur.HasUptime {
		gap := cur.ObservedAt.Sub(prev.ObservedAt)
		if gap < 0 {
			gap = 0
		}
		expected := prev.Uptime + gap
		return cur.Uptime+uptimeSlack < expected, nil
	}

	return false, ErrUnknown
}

// probe runs one read-only query with its own deadline.
func probe(ctx context.Context, sess transport.Session, cmd string, timeout time.Duration) (string, error) {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := sess.Output(pctx, cmd)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// parseUptime parses /proc/uptime output: seconds up, then seconds idle.
func parseUptime(out string) (time.Duration, error) {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty uptime output")
	}
	secs, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid uptime %q: %w", fields[0], err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
