// Package config loads target definitions for the CLI. The core never reads
// files itself; it is handed plain structs built from here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/virtlab/vmlink/internal/supervisor"
	"github.com/virtlab/vmlink/internal/transport"
)

// Default values applied when the target file leaves fields unset.
const (
	defaultPort           = 22
	defaultConnectTimeout = 30 * time.Second
	defaultProbeTimeout   = 5 * time.Second
	defaultMaxAttempts    = 5
)

// Target describes one managed host and its reconnect policy.
type Target struct {
	Host           string    `yaml:"host"`
	Port           int       `yaml:"port"`
	User           string    `yaml:"user"`
	KeyPath        string    `yaml:"key_path"`
	Password       string    `yaml:"password"`
	ConnectTimeout Duration  `yaml:"connect_timeout"`
	ProbeTimeout   Duration  `yaml:"probe_timeout"`
	AssumeReboot   bool      `yaml:"assume_reboot"`
	Reconnect      Reconnect `yaml:"reconnect"`
}

// Reconnect mirrors the supervisor policy in file form.
type Reconnect struct {
	MaxAttempts int        `yaml:"max_attempts"`
	Backoff     []Duration `yaml:"backoff"`
	Deadline    Duration   `yaml:"deadline"`
	Jitter      float64    `yaml:"jitter"`
}

// ParseFile parses a target definition from a YAML file.
func ParseFile(path string) (*Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read target file: %w", err)
	}

	target, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse target %s: %w", path, err)
	}
	return target, nil
}

// Parse parses a target definition from YAML data, applies defaults, and
// validates it.
func Parse(data []byte) (*Target, error) {
	var t Target
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("invalid target format: %w", err)
	}

	t.applyDefaults()
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// applyDefaults fills unset fields.
func (t *Target) applyDefaults() {
	if t.Port == 0 {
		t.Port = defaultPort
	}
	if t.ConnectTimeout == 0 {
		t.ConnectTimeout = Duration(defaultConnectTimeout)
	}
	if t.ProbeTimeout == 0 {
		t.ProbeTimeout = Duration(defaultProbeTimeout)
	}
	if t.Reconnect.MaxAttempts == 0 {
		t.Reconnect.MaxAttempts = defaultMaxAttempts
	}
}

// Validate checks the target for usability.
func (t *Target) Validate() error {
	if t.Host == "" {
		return fmt.Errorf("target is missing 'host'")
	}
	if t.User == "" {
		return fmt.Errorf("target is missing 'user'")
	}
	if t.KeyPath == "" && t.Password == "" {
		return fmt.Errorf("target needs 'key_path' or 'password'")
	}
	for i := 1; i < len(t.Reconnect.Backoff); i++ {
		if t.Reconnect.Backoff[i] < t.Reconnect.Backoff[i-1] {
			return fmt.Errorf("reconnect backoff must be non-decreasing, entry %d shrinks", i+1)
		}
	}
	if j := t.Reconnect.Jitter; j != 0 && (j < 0 || j >= 1) {
		return fmt.Errorf("reconnect jitter must be in [0, 1)")
	}
	return nil
}

// TransportConfig converts the target into the transport configuration.
func (t *Target) TransportConfig() transport.Config {
	return transport.Config{
		Host:     t.Host,
		Port:     t.Port,
		User:     t.User,
		KeyPath:  expandHome(t.KeyPath),
		Password: t.Password,
		Timeout:  time.Duration(t.ConnectTimeout),
	}
}

// Policy converts the target into the supervisor reconnect policy.
func (t *Target) Policy() supervisor.Policy {
	backoff := make([]time.Duration, len(t.Reconnect.Backoff))
	for i, d := range t.Reconnect.Backoff {
		backoff[i] = time.Duration(d)
	}
	return supervisor.Policy{
		MaxAttempts: t.Reconnect.MaxAttempts,
		Backoff:     backoff,
		Deadline:    time.Duration(t.Reconnect.Deadline),
		Jitter:      t.Reconnect.Jitter,
	}
}

// expandHome resolves a leading ~ in key paths.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// Duration parses YAML durations in Go syntax ("30s", "1m30s") or as bare
// numbers of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}

	var secs float64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration at line %d", value.Line)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// String returns the duration in Go syntax.
func (d Duration) String() string {
	return time.Duration(d).String()
}
