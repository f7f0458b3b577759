package output

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewOutput(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)

	if o == nil {
		t.Fatal("expected non-nil Output")
	}
	if o.w != &buf {
		t.Error("writer not set correctly")
	}
	if !o.useColor {
		t.Error("expected useColor to be true by default")
	}
}

func TestDiscard(t *testing.T) {
	o := Discard()

	o.Info("ignored")
	o.Connected("ssh://root@vm:22", 3)
	o.Line("stdout", "ignored")
}

func TestSetColor(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)

	o.SetColor(false)
	if o.useColor {
		t.Error("expected useColor to be false")
	}

	o.SetColor(true)
	if !o.useColor {
		t.Error("expected useColor to be true")
	}
}

func TestColorOutput(t *testing.T) {
	t.Run("color enabled", func(t *testing.T) {
		var buf bytes.Buffer
		o := New(&buf)
		o.SetColor(true)

		result := o.color(colorGreen, "test")
		if !strings.Contains(result, "\033[32m") {
			t.Error("expected color code in output")
		}
		if !strings.Contains(result, "\033[0m") {
			t.Error("expected reset code in output")
		}
	})

	t.Run("color disabled", func(t *testing.T) {
		var buf bytes.Buffer
		o := New(&buf)
		o.SetColor(false)

		result := o.color(colorGreen, "test")
		if result != "test" {
			t.Errorf("expected plain 'test', got %q", result)
		}
	})
}

func TestTransition(t *testing.T) {
	t.Run("debug enabled", func(t *testing.T) {
		var buf bytes.Buffer
		o := New(&buf)
		o.SetColor(false)
		o.SetDebug(true)

		o.Transition("connected", "disconnected")

		output := buf.String()
		if !strings.Contains(output, "STATUS") {
			t.Error("expected STATUS prefix")
		}
		if !strings.Contains(output, "connected -> disconnected") {
			t.Errorf("expected transition line, got %q", output)
		}
	})

	t.Run("debug disabled", func(t *testing.T) {
		var buf bytes.Buffer
		o := New(&buf)
		o.SetColor(false)

		o.Transition("connected", "disconnected")

		if buf.Len() != 0 {
			t.Errorf("expected no output, got %q", buf.String())
		}
	})
}

func TestAttempt(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)
	o.SetColor(false)

	o.Attempt(2, errors.New("connection refused"), 1500*time.Millisecond)

	output := buf.String()
	if !strings.Contains(output, "RETRY") {
		t.Error("expected RETRY prefix")
	}
	if !strings.Contains(output, "attempt 2 failed") {
		t.Errorf("expected attempt number, got %q", output)
	}
	if !strings.Contains(output, "connection refused") {
		t.Errorf("expected failure reason, got %q", output)
	}
	if !strings.Contains(output, "1.5s") {
		t.Errorf("expected rounded wait, got %q", output)
	}
}

func TestConnected(t *testing.T) {
	t.Run("first attempt", func(t *testing.T) {
		var buf bytes.Buffer
		o := New(&buf)
		o.SetColor(false)

		o.Connected("ssh://root@vm:22", 1)

		output := buf.String()
		if !strings.Contains(output, "CONNECTED ssh://root@vm:22") {
			t.Errorf("expected banner, got %q", output)
		}
		if strings.Contains(output, "attempts") {
			t.Errorf("expected no attempt suffix on first try, got %q", output)
		}
	})

	t.Run("after retries", func(t *testing.T) {
		var buf bytes.Buffer
		o := New(&buf)
		o.SetColor(false)

		o.Connected("ssh://root@vm:22", 4)

		if !strings.Contains(buf.String(), "(after 4 attempts)") {
			t.Errorf("expected attempt suffix, got %q", buf.String())
		}
	})
}

func TestRebooting(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)
	o.SetColor(false)

	o.Rebooting()

	if !strings.Contains(buf.String(), "REBOOT") {
		t.Errorf("expected REBOOT prefix, got %q", buf.String())
	}
}

func TestLine(t *testing.T) {
	t.Run("stdout", func(t *testing.T) {
		var buf bytes.Buffer
		o := New(&buf)
		o.SetColor(false)

		o.Line("stdout", "hello")

		if buf.String() != "hello\n" {
			t.Errorf("expected plain line, got %q", buf.String())
		}
	})

	t.Run("stderr", func(t *testing.T) {
		var buf bytes.Buffer
		o := New(&buf)
		o.SetColor(false)

		o.Line("stderr", "oops")

		if buf.String() != "stderr | oops\n" {
			t.Errorf("expected tagged line, got %q", buf.String())
		}
	})
}

func TestInfo(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)
	o.SetColor(false)

	o.Info("test %s %d", "message", 42)

	output := buf.String()
	if !strings.Contains(output, "INFO") {
		t.Error("expected INFO prefix")
	}
	if !strings.Contains(output, "test message 42") {
		t.Errorf("expected formatted message, got %q", output)
	}
}

func TestWarn(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)
	o.SetColor(false)

	o.Warn("warning %s", "here")

	output := buf.String()
	if !strings.Contains(output, "WARN") {
		t.Error("expected WARN prefix")
	}
	if !strings.Contains(output, "warning here") {
		t.Errorf("expected formatted message, got %q", output)
	}
}

func TestError(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)
	o.SetColor(false)

	o.Error("error: %v", "failed")

	output := buf.String()
	if !strings.Contains(output, "ERROR") {
		t.Error("expected ERROR prefix")
	}
	if !strings.Contains(output, "error: failed") {
		t.Errorf("expected formatted message, got %q", output)
	}
}

func TestDebugOutput(t *testing.T) {
	t.Run("debug enabled", func(t *testing.T) {
		var buf bytes.Buffer
		o := New(&buf)
		o.SetColor(false)
		o.SetDebug(true)

		o.Debug("debug %s", "info")

		if !strings.Contains(buf.String(), "DEBUG") {
			t.Error("expected DEBUG prefix when debug enabled")
		}
	})

	t.Run("debug disabled", func(t *testing.T) {
		var buf bytes.Buffer
		o := New(&buf)
		o.SetColor(false)
		o.SetDebug(false)

		o.Debug("debug %s", "info")

		if buf.Len() != 0 {
			t.Errorf("expected empty output when debug disabled, got %q", buf.String())
		}
	})
}
