// Package hostinfo gathers system information from the managed host over an
// established session.
package hostinfo

import (
	"context"
	"strings"
	"time"

	"github.com/virtlab/vmlink/internal/transport"
)

// Info describes the managed host.
type Info struct {
	Hostname     string
	OSType       string
	OSName       string
	Distribution string
	Version      string
	Kernel       string
	Arch         string
	User         string
}

// probeTimeout bounds each individual gather command.
const probeTimeout = 5 * time.Second

// Gather collects host information. Individual probes that fail leave their
// field empty; only a completely unreachable host is an error.
func Gather(ctx context.Context, sess transport.Session) (Info, error) {
	var info Info

	osType, err := run(ctx, sess, "uname -s")
	if err != nil {
		return info, err
	}
	info.OSType = osType

	if out, err := run(ctx, sess, "hostname"); err == nil {
		info.Hostname = out
	}
	if out, err := run(ctx, sess, "uname -r"); err == nil {
		info.Kernel = out
	}
	if out, err := run(ctx, sess, "uname -m"); err == nil {
		info.Arch = normalizeArch(out)
	}
	if out, err := run(ctx, sess, "whoami"); err == nil {
		info.User = out
	}

	switch osType {
	case "Linux":
		if out, err := run(ctx, sess, "cat /etc/os-release 2>/dev/null"); err == nil {
			release := parseOSRelease(out)
			info.Distribution = release["ID"]
			info.Version = release["VERSION_ID"]
			info.OSName = release["PRETTY_NAME"]
		}
	case "Darwin":
		if out, err := run(ctx, sess, "sw_vers -productVersion"); err == nil {
			info.Version = out
		}
		if out, err := run(ctx, sess, "sw_vers -productName"); err == nil {
			info.OSName = out
		}
	}

	return info, nil
}

// run executes one gather probe with its own timeout.
func run(ctx context.Context, sess transport.Session, cmd string) (string, error) {
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := sess.Output(pctx, cmd)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// normalizeArch maps uname output onto Go architecture names.
func normalizeArch(arch string) string {
	switch arch {
	case "x86_64", "amd64":
		return "amd64"
	case "aarch64", "arm64":
		return "arm64"
	case "armv7l":
		return "arm"
	default:
		return arch
	}
}

// parseOSRelease parses /etc/os-release format.
func parseOSRelease(content string) map[string]string {
	result := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if idx := strings.Index(line, "="); idx > 0 {
			key := line[:idx]
			value := strings.Trim(line[idx+1:], "\"'")
			result[key] = value
		}
	}
	return result
}
