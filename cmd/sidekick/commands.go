package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/sidekick/internal/config"
	"github.com/loykin/sidekick/internal/detector"
	"github.com/loykin/sidekick/internal/journal"
	"github.com/loykin/sidekick/internal/logger"
	"github.com/loykin/sidekick/internal/metrics"
	"github.com/loykin/sidekick/internal/server"
	"github.com/loykin/sidekick/internal/supervisor"
)

func createRunCommand(flags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Launch and supervise the configured subprocesses",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSupervisor(cmd.Context(), flags)
		},
	}
	cmd.Flags().StringVarP(&flags.ConfigPath, "config", "c", "sidekick.toml", "path to the TOML config file")
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "control API listen address (overrides config)")
	cmd.Flags().StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	return cmd
}

func runSupervisor(ctx context.Context, flags *RunFlags) error {
	fc, err := config.Load(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level := fc.LogLevel
	if flags.LogLevel != "" {
		level = flags.LogLevel
	}
	log := logger.Setup(level)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	sup := supervisor.New()
	sup.SetLogger(log)

	var jrnl *journal.Journal
	if path := fc.JournalPath(); path != "" {
		if fc.DataDir != "" {
			if err := os.MkdirAll(fc.DataDir, 0o750); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}
		}
		jrnl, err = journal.Open(path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer func() { _ = jrnl.Close() }()
		sup.SetJournal(jrnl)
	}

	opts := fc.Options()
	done := make(chan struct{})
	opts.OnShutdown = func() { close(done) }
	opts.OnPortChanged = func(name string, port int, url string) {
		log.Warn("subprocess moved to fallback port", "process", name, "port", port, "url", url)
	}

	listener := &logListener{log: log}

	listen := fc.Listen
	if flags.Listen != "" {
		listen = flags.Listen
	}
	if listen != "" {
		router := server.NewRouter(sup, jrnl, "")
		router.Restart = func(ctx context.Context) error {
			return sup.Restart(ctx, opts, listener)
		}
		router.Terminate = func(ctx context.Context) error {
			return sup.TerminateProcesses(ctx, false)
		}
		srv := server.NewServer(listen, router)
		defer func() { _ = srv.Close() }()
		log.Info("control API listening", "addr", listen)
	}

	if err := sup.Restart(ctx, opts, listener); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	case <-done:
		return nil
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sup.TerminateProcesses(stopCtx, false); err != nil {
		return fmt.Errorf("terminate: %w", err)
	}
	return nil
}

// logListener surfaces fatal subprocess conditions in the log. A desktop
// shell would show a dialog here instead.
type logListener struct {
	log interface {
		Error(msg string, args ...any)
		Warn(msg string, args ...any)
	}
}

func (l *logListener) OnProcessError(message string, code supervisor.BackendCode) {
	l.log.Error("backend failure", "code", code.String(), "message", message)
}

func (l *logListener) OnOrphansDetected(procs []detector.BackendProcess) {
	for _, p := range procs {
		l.log.Warn("orphaned backend process", "pid", p.PID, "cmdline", p.Cmdline)
	}
}

func createCheckCommand(flags *CheckFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Scan the system for leftover backend processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, flags)
		},
	}
	cmd.Flags().StringVarP(&flags.ConfigPath, "config", "c", "", "config file to derive patterns from")
	cmd.Flags().StringSliceVar(&flags.Patterns, "pattern", nil, "command-line substrings to match")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 10*time.Second, "scan timeout")
	return cmd
}

func runCheck(cmd *cobra.Command, flags *CheckFlags) error {
	patterns := flags.Patterns
	if len(patterns) == 0 && flags.ConfigPath != "" {
		fc, err := config.Load(flags.ConfigPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		patterns = fc.BackendPatterns
		if len(patterns) == 0 {
			patterns = append(patterns, fc.Options().Primary.Spec.ImageName())
		}
	}
	if len(patterns) == 0 {
		return fmt.Errorf("no patterns: pass --pattern or --config")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), flags.Timeout)
	defer cancel()
	procs, err := detector.Find(ctx, detector.SystemScanner, patterns)
	if err != nil {
		return err
	}
	if len(procs) == 0 {
		cmd.Println("no matching backend processes")
		return nil
	}
	for _, p := range procs {
		cmd.Printf("%d\t%s\n", p.PID, p.Cmdline)
	}
	return nil
}
