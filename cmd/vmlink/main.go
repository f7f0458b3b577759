// Package main is the entrypoint for the vmlink CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/virtlab/vmlink/internal/config"
	"github.com/virtlab/vmlink/internal/conn"
	"github.com/virtlab/vmlink/internal/output"
	"github.com/virtlab/vmlink/internal/transport/sshtransport"
	"github.com/virtlab/vmlink/pkg/hostinfo"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags
var (
	debug   bool
	noColor bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vmlink",
	Short: "vmlink - resilient shell sessions for VMs under test",
	Long: `vmlink keeps a logically continuous shell session to a VM under test:
it detects transport loss, reconnects under a backoff policy, tells network
blips apart from actual reboots, and streams command output as it is
produced.

Targets are described in simple YAML files.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug output with status transitions")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	// Add subcommands
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(waitRebootCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(checkCmd)
}

// newOutput builds the terminal output handler from the global flags.
func newOutput() *output.Output {
	out := output.New(os.Stdout)
	out.SetColor(!noColor)
	out.SetDebug(debug)
	return out
}

// newConnection builds a connection manager for the given target file.
func newConnection(path string, out *output.Output) (*conn.Connection, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("target not found: %s", path)
	}

	target, err := config.ParseFile(path)
	if err != nil {
		return nil, err
	}

	return conn.New(target.TransportConfig(), target.Policy(),
		conn.WithOutput(out),
		conn.WithProbeTimeout(time.Duration(target.ProbeTimeout)),
		conn.WithAssumeReboot(target.AssumeReboot),
	), nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted, cleaning up...")
		cancel()
	}()

	return ctx, cancel
}

// execCmd runs a single command on the target and streams its output.
var execCmd = &cobra.Command{
	Use:   "exec <target.yaml> -- <command>",
	Short: "Run a command on the target with live output",
	Long: `Connect to the target and run a command, streaming its output as it is
produced. The process exits with the remote exit status.

Examples:
  vmlink exec vm.yaml -- uname -a
  vmlink exec vm.yaml --timeout 30s -- ./run-tests.sh`,
	Args: cobra.MinimumNArgs(2),
	RunE: runExec,
}

var execTimeout time.Duration

func init() {
	execCmd.Flags().DurationVarP(&execTimeout, "timeout", "t", 60*time.Second, "Per-command timeout")
}

func runExec(cmd *cobra.Command, args []string) error {
	out := newOutput()

	c, err := newConnection(args[0], out)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Disconnect()

	text := strings.Join(args[1:], " ")
	stream, err := c.Run(ctx, text, execTimeout)
	if err != nil {
		return err
	}

	for line := range stream.Lines() {
		out.Line(line.Source.String(), line.Text)
	}

	exit, err := stream.Wait()
	if err != nil {
		return err
	}
	if exit != 0 {
		c.Disconnect()
		os.Exit(exit)
	}
	return nil
}

// waitRebootCmd blocks until the target completes a reboot cycle.
var waitRebootCmd = &cobra.Command{
	Use:   "wait-reboot <target.yaml>",
	Short: "Wait until the target reboots and is reachable again",
	Long: `Connect to the target and block until it goes through a full reboot cycle:
the connection drops, comes back with a different boot signature, and the
host accepts commands again.

Examples:
  vmlink wait-reboot vm.yaml
  vmlink wait-reboot vm.yaml --deadline 15m`,
	Args: cobra.ExactArgs(1),
	RunE: runWaitReboot,
}

var rebootDeadline time.Duration

func init() {
	waitRebootCmd.Flags().DurationVar(&rebootDeadline, "deadline", 10*time.Minute, "How long to wait for the reboot cycle")
}

func runWaitReboot(cmd *cobra.Command, args []string) error {
	out := newOutput()

	c, err := newConnection(args[0], out)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Disconnect()

	out.Info("waiting for reboot (deadline %s)", rebootDeadline)

	waitCtx, waitCancel := context.WithTimeout(ctx, rebootDeadline)
	defer waitCancel()

	if err := c.WaitForReboot(waitCtx); err != nil {
		return err
	}

	out.Info("reboot cycle complete, host is ready")
	return nil
}

// infoCmd prints basic system information about the target.
var infoCmd = &cobra.Command{
	Use:   "info <target.yaml>",
	Short: "Show system information about the target",
	Long: `Connect to the target once and print its hostname, OS, kernel and
architecture. No reconnect supervision is involved.

Examples:
  vmlink info vm.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runInfo,
}

func runInfo(cmd *cobra.Command, args []string) error {
	target, err := config.ParseFile(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, time.Duration(target.ConnectTimeout))
	defer dialCancel()

	sess, err := sshtransport.Dial(dialCtx, target.TransportConfig())
	if err != nil {
		return err
	}
	defer sess.Close()

	info, err := hostinfo.Gather(ctx, sess)
	if err != nil {
		return fmt.Errorf("failed to gather host info: %w", err)
	}

	fmt.Printf("host:         %s\n", info.Hostname)
	fmt.Printf("os:           %s\n", info.OSName)
	fmt.Printf("distribution: %s %s\n", info.Distribution, info.Version)
	fmt.Printf("kernel:       %s (%s)\n", info.Kernel, info.Arch)
	fmt.Printf("user:         %s\n", info.User)
	return nil
}

// checkCmd validates target files without connecting.
var checkCmd = &cobra.Command{
	Use:   "check <target.yaml> [target2.yaml ...]",
	Short: "Validate one or more target files",
	Long: `Parse and validate target files without connecting.

This checks for:
  - Valid YAML syntax
  - Required fields (host, user, credentials)
  - A sane reconnect policy

Examples:
  vmlink check vm.yaml
  vmlink check *.yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: checkTargets,
}

func checkTargets(cmd *cobra.Command, args []string) error {
	var hasErrors bool

	for _, path := range args {
		if err := checkTarget(path); err != nil {
			fmt.Printf("FAIL: %s - %v\n", path, err)
			hasErrors = true
		} else {
			fmt.Printf("OK: %s\n", path)
		}
	}

	if hasErrors {
		return fmt.Errorf("one or more targets failed validation")
	}

	fmt.Printf("\nAll %d target(s) valid.\n", len(args))
	return nil
}

func checkTarget(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("not found")
	}
	_, err := config.ParseFile(path)
	return err
}
