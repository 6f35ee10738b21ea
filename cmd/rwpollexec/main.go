// Command rwpollexec watches a directory for new files, runs a
// configured command against each with bounded concurrency, and archives
// or discards the result (spec.md 4.8, 4.9).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/flowkit/flowkit/internal/archive"
	"github.com/flowkit/flowkit/internal/cli"
	"github.com/flowkit/flowkit/internal/config"
	"github.com/flowkit/flowkit/internal/metrics"
	"github.com/flowkit/flowkit/internal/pollexec"
	"github.com/flowkit/flowkit/internal/rlimit"
	apperrors "github.com/flowkit/flowkit/pkg/errors"
)

func main() {
	var (
		configFile  = flag.String("config", "", "optional YAML config file")
		incoming    = flag.String("incoming-directory", "", "directory watched for new files")
		errorDir    = flag.String("error-directory", "", "files whose command fails move here")
		archiveDir  = flag.String("archive-directory", "", "successfully processed files move here")
		flatArchive = flag.Bool("flat-archive", false, "archive flat instead of YYYY/MM/DD/HH partitioned")
		command     = flag.String("command", "", "command to run against each file; the file path is appended")
		simultaneous = flag.Int("simultaneous", 0, "max concurrent command executions")
		pollInterval = flag.Duration("polling-interval", 0, "fallback directory scan interval")
		metricsAddr  = flag.String("metrics-addr", "", "address for /metrics and /healthz, empty disables")
	)
	var timeouts repeatedFlag
	flag.Var(&timeouts, "timeout", "SIG,N (repeatable, in escalation order): SIG is sent if the command is still running N seconds after the previous step's signal (after it started, for the first step)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		cli.Fail(err)
	}
	if *incoming != "" {
		cfg.PollExec.IncomingDirectory = *incoming
	}
	if *errorDir != "" {
		cfg.PollExec.ErrorDirectory = *errorDir
	}
	if *archiveDir != "" {
		cfg.PollExec.ArchiveDirectory = *archiveDir
	}
	if *flatArchive {
		cfg.PollExec.FlatArchive = true
	}
	if *command != "" {
		cfg.PollExec.Command = *command
	}
	if *simultaneous != 0 {
		cfg.PollExec.Simultaneous = *simultaneous
	}
	if *pollInterval != 0 {
		cfg.PollExec.PollingInterval = *pollInterval
	}
	if *metricsAddr != "" {
		cfg.PollExec.MetricsAddr = *metricsAddr
	}
	cliEscalation, err := parseEscalationFlags(timeouts)
	if err != nil {
		cli.Fail(apperrors.ConfigError("rwpollexec", "main", err.Error()))
	}
	if len(cliEscalation) > 0 {
		cfg.PollExec.Escalation = cliEscalation
	}

	logger := cli.NewLogger(cfg.LogLevel, cfg.LogFormat)

	if cfg.PollExec.IncomingDirectory == "" || cfg.PollExec.Command == "" {
		cli.Fail(apperrors.ConfigError("rwpollexec", "main", "--incoming-directory and --command are required"))
	}

	layout := archive.LayoutTimePartitioned
	if cfg.PollExec.FlatArchive {
		layout = archive.LayoutFlat
	}
	var filer *archive.Filer
	if cfg.PollExec.ArchiveDirectory != "" {
		filer = archive.New(archive.Config{Root: cfg.PollExec.ArchiveDirectory, Layout: layout}, logger)
	}

	monitor, err := rlimit.New(1024, 0, logger)
	if err != nil {
		logger.WithError(err).Warn("rwpollexec: resource monitor unavailable, continuing without it")
		monitor = nil
	}

	escalation, err := resolveEscalation(cfg.PollExec.Escalation)
	if err != nil {
		cli.Fail(apperrors.ConfigError("rwpollexec", "main", err.Error()))
	}

	commandTimeout := 5 * time.Minute
	if cfg.PollExec.TimeoutSeconds > 0 {
		commandTimeout = time.Duration(cfg.PollExec.TimeoutSeconds) * time.Second
	}

	poller := pollexec.New(pollexec.Config{
		WatchDir:       cfg.PollExec.IncomingDirectory,
		PollInterval:   cfg.PollExec.PollingInterval,
		MaxWorkers:     cfg.PollExec.Simultaneous,
		Command:        cfg.PollExec.Command,
		CommandTimeout: commandTimeout,
		Escalation:     escalation,
		ErrorDir:       cfg.PollExec.ErrorDirectory,
		Archiver:       filer,
		Logger:         logger,
		Monitor:        monitor,
	})

	var metricsServer *metrics.Server
	if cfg.PollExec.MetricsAddr != "" {
		metricsServer = metrics.NewServer(cfg.PollExec.MetricsAddr, logger)
		metricsServer.Start()
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("rwpollexec: shutdown signal received")
		cancel()
	}()

	if err := poller.Run(ctx); err != nil {
		cli.Fail(apperrors.WrapError(err, apperrors.CategoryConfiguration, "rwpollexec", "main", "poller exited"))
	}

	if metricsServer != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		metricsServer.Stop(stopCtx)
	}
}

type repeatedFlag []string

func (r *repeatedFlag) String() string { return "" }
func (r *repeatedFlag) Set(v string) error {
	*r = append(*r, v)
	return nil
}

// parseEscalationFlags parses repeated SIG,N tokens into ordered escalation
// steps, preserving both the signal name and the flag order: --timeout
// TERM,3 --timeout KILL,5 means "send TERM at 3s, then KILL 5s after that,
// at 8s" (spec.md 4.8), not just "kill by 5s".
func parseEscalationFlags(raw []string) ([]config.EscalationStep, error) {
	steps := make([]config.EscalationStep, 0, len(raw))
	for _, tok := range raw {
		parts := strings.SplitN(tok, ",", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("--timeout %q: expected SIG,N", tok)
		}
		n, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("--timeout %q: invalid seconds: %w", tok, err)
		}
		steps = append(steps, config.EscalationStep{Signal: strings.TrimSpace(parts[0]), Seconds: n})
	}
	return steps, nil
}

// resolveEscalation converts config-layer escalation steps (string signal
// names, from YAML or --timeout flags) into pollexec's ordered
// syscall.Signal/time.Duration steps.
func resolveEscalation(raw []config.EscalationStep) ([]pollexec.EscalationStep, error) {
	steps := make([]pollexec.EscalationStep, 0, len(raw))
	for _, s := range raw {
		sig, err := pollexec.ParseSignal(s.Signal)
		if err != nil {
			return nil, err
		}
		steps = append(steps, pollexec.EscalationStep{Signal: sig, Delay: time.Duration(s.Seconds) * time.Second})
	}
	return steps, nil
}
