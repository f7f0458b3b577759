// Package output provides formatted output for connection lifecycle events
// and streamed command output.
package output

import (
	"fmt"
	"io"
	"time"
)

// Colors for terminal output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

// Output handles formatted output.
type Output struct {
	w        io.Writer
	useColor bool
	debug    bool
}

// New creates a new output handler.
func New(w io.Writer) *Output {
	return &Output{
		w:        w,
		useColor: true,
	}
}

// Discard returns an output handler that swallows everything. It is the
// default sink for library use: the connection stays silent unless a caller
// wires a terminal.
func Discard() *Output {
	return &Output{w: io.Discard}
}

// SetColor enables or disables color output.
func (o *Output) SetColor(enabled bool) {
	o.useColor = enabled
}

// SetDebug enables or disables debug output.
func (o *Output) SetDebug(enabled bool) {
	o.debug = enabled
}

// color returns the string wrapped in color codes if enabled.
func (o *Output) color(c, s string) string {
	if !o.useColor {
		return s
	}
	return c + s + colorReset
}

// Transition prints a connection status change. Shown only in debug mode;
// the interesting transitions have their own event lines below.
func (o *Output) Transition(from, to string) {
	if o.debug {
		o.printf("%s %s -> %s\n", o.color(colorGray, "STATUS"), from, to)
	}
}

// Attempt prints one failed connection attempt and the wait before the next.
func (o *Output) Attempt(n int, err error, wait time.Duration) {
	o.printf("%s attempt %d failed: %v (retrying in %s)\n",
		o.color(colorYellow, "RETRY"), n, err, wait.Round(time.Millisecond))
}

// Connected prints the established-session banner.
func (o *Output) Connected(desc string, attempts int) {
	suffix := ""
	if attempts > 1 {
		suffix = fmt.Sprintf(" (after %d attempts)", attempts)
	}
	o.printf("%s %s%s\n", o.color(colorGreen, "CONNECTED"), desc, suffix)
}

// Rebooting prints the reboot classification event.
func (o *Output) Rebooting() {
	o.printf("%s host boot signature changed, waiting for readiness\n", o.color(colorBold, "REBOOT"))
}

// Line prints one line of streamed command output, tagging stderr.
func (o *Output) Line(source, text string) {
	if source == "stderr" {
		o.printf("%s %s\n", o.color(colorCyan, "stderr |"), text)
		return
	}
	o.printf("%s\n", text)
}

// Info prints an informational message.
func (o *Output) Info(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorBlue, "INFO"), fmt.Sprintf(format, args...))
}

// Warn prints a warning message.
func (o *Output) Warn(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorYellow, "WARN"), fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (o *Output) Error(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorRed, "ERROR"), fmt.Sprintf(format, args...))
}

// Debug prints a debug message (only in debug mode).
func (o *Output) Debug(format string, args ...any) {
	if o.debug {
		o.printf("%s %s\n", o.color(colorGray, "DEBUG"), fmt.Sprintf(format, args...))
	}
}

func (o *Output) printf(format string, args ...any) {
	fmt.Fprintf(o.w, format, args...)
}
