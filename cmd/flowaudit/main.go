// SPDX-License-Identifier: GPL-3.0-or-later

// Command flowaudit sends deterministic messages over several logical flows
// between endpoints and verifies that each flow is delivered exactly once
// and in order.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/allisonhenderson/flowaudit"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	// args contains the command line arguments (overridable in tests).
	args = os.Args

	// output is the writer for the verdict (overridable in tests).
	output io.Writer = os.Stdout

	// logOutput is the writer for the logs (overridable in tests).
	logOutput io.Writer = os.Stderr

	// getenv reads the environment (overridable in tests).
	getenv = os.Getenv

	// exit terminates the process (overridable in tests).
	exit = os.Exit
)

// Exit codes.
const (
	exitSuccess  = 0
	exitMismatch = 1
	exitFatal    = 2
	exitTimeout  = 3
)

// watchdogGrace is how long after the timeout the watchdog kills the process
// if the run did not notice the deadline.
const watchdogGrace = 5 * time.Second

// exitError carries the exit code of a failed run.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// flags contains the command line flags.
type flags struct {
	backend     string
	burstLimit  int
	config      string
	corrupt     float64
	count       int
	delay       time.Duration
	duplicate   float64
	endpoints   []string
	idleTimeout time.Duration
	jitter      time.Duration
	loss        float64
	maxInflight int
	namespaces  []string
	pcapFile    string
	pcapSnaplen int
	probe       bool
	reference   bool
	reorder     float64
	seed        uint64
	sysctlReset bool
	timeout     time.Duration
	verbose     bool
}

func newRootCommand() *cobra.Command {
	fl := &flags{}
	cmd := &cobra.Command{
		Use:   "flowaudit",
		Short: "Audit per-flow delivery integrity of a datagram transport",
		Long: `Send deterministic messages over several logical flows multiplexed on a
small set of non-blocking endpoints and verify, using per-flow SHA-256
digests, that every flow arrived exactly once and in order.

The "sim" backend runs over simulated userspace hosts using UDP, with
optional netem-like impairment and packet capture. The "rds" backend uses
RDS sockets inside network namespaces that must already exist.

Exit status: 0 success, 1 verification failure, 2 fatal error, 3 timeout.`,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAudit(cmd, fl)
		},
	}

	f := cmd.Flags()
	f.StringVar(&fl.config, "config", "", "Load the scenario from the given YAML file.")
	f.StringVar(&fl.backend, "backend", flowaudit.BackendSim, "Select the backend (sim or rds).")
	f.IntVar(&fl.count, "count", 0, "Number of messages to send.")
	f.IntVar(&fl.burstLimit, "burst-limit", 0, "Maximum messages per send burst (0 means unbounded).")
	f.DurationVar(&fl.timeout, "timeout", 0, "Abort the run after this duration (overrides "+flowaudit.TimeoutEnv+").")
	f.DurationVar(&fl.idleTimeout, "idle-timeout", 0, "End receive bursts after this much inactivity.")
	f.StringSliceVar(&fl.endpoints, "endpoint", nil, "Endpoint address (repeat for each endpoint).")
	f.StringSliceVar(&fl.namespaces, "ns", nil, "Network namespace for each rds endpoint.")
	f.BoolVar(&fl.sysctlReset, "sysctl-reset", false, "Reset the RDS TCP buffer sysctls of each namespace after every round.")
	f.IntVar(&fl.maxInflight, "max-inflight", 0, "Simulated network queue size.")
	f.BoolVar(&fl.reference, "reference-impairment", false, "Use 5% loss, duplication and corruption.")
	f.Float64Var(&fl.loss, "loss", 0, "Simulated loss percentage.")
	f.Float64Var(&fl.duplicate, "duplicate", 0, "Simulated duplication percentage.")
	f.Float64Var(&fl.corrupt, "corrupt", 0, "Simulated corruption percentage.")
	f.Float64Var(&fl.reorder, "reorder", 0, "Simulated reordering percentage.")
	f.DurationVar(&fl.delay, "delay", 0, "Simulated extra delay.")
	f.DurationVar(&fl.jitter, "jitter", 0, "Simulated delay jitter.")
	f.Uint64Var(&fl.seed, "seed", 0, "Seed of the simulated impairment.")
	f.StringVar(&fl.pcapFile, "pcap-file", "", "Write a PCAP of the simulated traffic (\"auto\" names it after the run).")
	f.IntVar(&fl.pcapSnaplen, "pcap-snaplen", 0, "PCAP snapshot length in bytes.")
	f.BoolVar(&fl.probe, "probe", true, "Run the diagnostic option probe after the loop.")
	f.BoolVarP(&fl.verbose, "verbose", "v", false, "Enable debug logging.")
	return cmd
}

// loadConfig builds the scenario from file, environment, and flags.
func loadConfig(cmd *cobra.Command, fl *flags) (*flowaudit.Config, error) {
	// 1. start from the file or the defaults
	cfg := flowaudit.DefaultConfig()
	if fl.config != "" {
		loaded, err := flowaudit.LoadConfig(fl.config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	// 2. apply the environment
	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, err
	}

	// 3. apply the flags the user actually set
	changed := cmd.Flags().Changed
	if changed("backend") {
		cfg.Backend = fl.backend
	}
	if changed("count") {
		cfg.Count = fl.count
	}
	if changed("burst-limit") {
		cfg.BurstLimit = fl.burstLimit
	}
	if changed("timeout") {
		cfg.Timeout = fl.timeout
	}
	if changed("idle-timeout") {
		cfg.IdleTimeout = fl.idleTimeout
	}
	if changed("endpoint") {
		cfg.Endpoints = fl.endpoints
	}
	if changed("ns") {
		cfg.Namespaces = fl.namespaces
	}
	if changed("sysctl-reset") {
		cfg.SysctlReset = fl.sysctlReset
	}
	if changed("max-inflight") {
		cfg.MaxInflight = fl.maxInflight
	}
	if fl.reference {
		cfg.Impairment = flowaudit.ReferenceImpairment()
	}
	im := &cfg.Impairment
	if changed("loss") {
		im.Loss = fl.loss
	}
	if changed("duplicate") {
		im.Duplicate = fl.duplicate
	}
	if changed("corrupt") {
		im.Corrupt = fl.corrupt
	}
	if changed("reorder") {
		im.Reorder = fl.reorder
	}
	if changed("delay") {
		im.Delay = fl.delay
	}
	if changed("jitter") {
		im.Jitter = fl.jitter
	}
	if changed("seed") {
		im.Seed = fl.seed
	}
	if changed("pcap-file") {
		cfg.Capture.File = fl.pcapFile
	}
	if changed("pcap-snaplen") {
		cfg.Capture.Snaplen = fl.pcapSnaplen
	}
	if changed("probe") {
		cfg.Probe.Enabled = fl.probe
	}

	// 4. make sure the result makes sense
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runAudit provisions the topology, runs the engine, and prints the verdict.
func runAudit(cmd *cobra.Command, fl *flags) error {
	// 1. load the configuration
	cfg, err := loadConfig(cmd, fl)
	if err != nil {
		return &exitError{exitFatal, err}
	}

	// 2. create the logger tagged with the run ID
	runID := uuid.NewString()
	level := slog.LevelInfo
	if fl.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(logOutput, &slog.HandlerOptions{Level: level})).With("run", runID)
	if cfg.Capture.File == "auto" {
		cfg.Capture.File = fmt.Sprintf("flowaudit-%s.pcap", runID)
	}
	logger.Info("starting", "backend", cfg.Backend, "count", cfg.Count,
		"endpoints", cfg.Endpoints, "timeout", cfg.Timeout)

	// 3. arm the watchdog killing a run stuck past its deadline
	if cfg.Timeout > 0 {
		watchdog := time.AfterFunc(cfg.Timeout+watchdogGrace, func() {
			logger.Error("watchdog: run did not stop after timeout")
			exit(exitTimeout)
		})
		defer watchdog.Stop()
	}

	// 4. provision the endpoints
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	var topo *flowaudit.Topology
	switch cfg.Backend {
	case flowaudit.BackendRDS:
		topo, err = flowaudit.ProvisionRDS(cfg, logger)
	default:
		topo, err = flowaudit.ProvisionSim(ctx, cfg, logger)
	}
	if err != nil {
		return &exitError{exitFatal, err}
	}
	defer topo.Close()

	// 5. run the engine
	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		return &exitError{exitFatal, err}
	}
	engineCfg.Logger = logger
	engineCfg.RoundHook = topo.RoundHook
	engine, err := flowaudit.NewEngine(engineCfg, topo.Poller, topo.Endpoints...)
	if err != nil {
		return &exitError{exitFatal, err}
	}
	report, err := engine.Run(ctx)
	switch {
	case errors.Is(err, flowaudit.ErrTimeout):
		fmt.Fprintf(cmd.OutOrStdout(), "Timeout\n")
		return &exitError{exitTimeout, err}
	case err != nil:
		return &exitError{exitFatal, err}
	}

	// 6. print the verdict
	printReport(cmd.OutOrStdout(), report)
	if err := report.Verdict.Err(); err != nil {
		return &exitError{exitMismatch, err}
	}
	return nil
}

// printReport prints the probe summary, one line per flow, and the result.
func printReport(w io.Writer, report *flowaudit.Report) {
	fmt.Fprintf(w, "done %d %d\n", report.Sent, report.Received)
	if report.Probe != nil {
		fmt.Fprintf(w, "getsockopt(): %d/%d\n", report.Probe.Succeeded, report.Probe.Errors())
	}
	okColor := color.New(color.FgGreen)
	badColor := color.New(color.FgRed, color.Bold)
	noteColor := color.New(color.FgYellow)
	for _, fr := range report.Verdict.Flows {
		switch fr.Status {
		case flowaudit.StatusOK:
			okColor.Fprintln(w, fr.String())
		case flowaudit.StatusUnexpected:
			noteColor.Fprintln(w, fr.String())
		default:
			badColor.Fprintln(w, fr.String())
		}
	}
	if report.Verdict.OK {
		okColor.Fprintln(w, "Success")
		return
	}
	badColor.Fprintln(w, "Send/recv mismatch")
}

// execute runs the command with the given arguments and returns the exit code.
func execute(argv []string, stdout io.Writer) int {
	cmd := newRootCommand()
	cmd.SetArgs(argv)
	cmd.SetOut(stdout)
	cmd.SetErr(logOutput)
	err := cmd.Execute()
	if err == nil {
		return exitSuccess
	}
	fmt.Fprintf(logOutput, "flowaudit: %s\n", err.Error())
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFatal
}

func main() {
	exit(execute(args[1:], output))
}
