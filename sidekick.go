// Package sidekick supervises an application's backend subprocesses: it
// allocates their ports, launches them, gates startup on an HTTP health
// probe and restarts or terminates them on demand.
package sidekick

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/sidekick/internal/config"
	"github.com/loykin/sidekick/internal/detector"
	"github.com/loykin/sidekick/internal/journal"
	"github.com/loykin/sidekick/internal/metrics"
	"github.com/loykin/sidekick/internal/probe"
	"github.com/loykin/sidekick/internal/process"
	iapi "github.com/loykin/sidekick/internal/server"
	"github.com/loykin/sidekick/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = process.Spec

type Options = supervisor.Options

type ProcessOptions = supervisor.ProcessOptions

type ProcessStatus = supervisor.ProcessStatus

type State = supervisor.State

type BackendCode = supervisor.BackendCode

type Listener = supervisor.Listener

type BackendProcess = detector.BackendProcess

type HealthPolicy = probe.Policy

const (
	CodeUnsupportedMacOSVersion   = supervisor.CodeUnsupportedMacOSVersion
	CodeUnsupportedWindowsVersion = supervisor.CodeUnsupportedWindowsVersion
	CodeTerminated                = supervisor.CodeTerminated
)

// Supervisor is a thin facade over internal/supervisor.Supervisor.
// It provides a stable public API for embedding.
type Supervisor struct{ inner *supervisor.Supervisor }

func New() *Supervisor { return &Supervisor{inner: supervisor.New()} }

func (s *Supervisor) StartProcesses(ctx context.Context, opts Options, l Listener) error {
	return s.inner.StartProcesses(ctx, opts, l)
}

func (s *Supervisor) Restart(ctx context.Context, opts Options, l Listener) error {
	return s.inner.Restart(ctx, opts, l)
}

func (s *Supervisor) TerminateProcesses(ctx context.Context, restart bool) error {
	return s.inner.TerminateProcesses(ctx, restart)
}

func (s *Supervisor) CheckForBackendProcess(ctx context.Context) ([]BackendProcess, error) {
	return s.inner.CheckForBackendProcess(ctx)
}

func (s *Supervisor) State() State              { return s.inner.State() }
func (s *Supervisor) Statuses() []ProcessStatus { return s.inner.Statuses() }
func (s *Supervisor) Restarts() int             { return s.inner.Restarts() }

// AttachJournal persists lifecycle events to a sqlite file at path.
func (s *Supervisor) AttachJournal(path string) error {
	j, err := journal.Open(path)
	if err != nil {
		return err
	}
	s.inner.SetJournal(j)
	return nil
}

// LoadConfig parses a TOML config file.
func LoadConfig(path string) (*cfg.FileConfig, error) { return cfg.Load(path) }

// NewHTTPServer starts the control API on addr for the given supervisor.
func NewHTTPServer(addr, basePath string, s *Supervisor) *http.Server {
	return iapi.NewServer(addr, iapi.NewRouter(s.inner, nil, basePath))
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

func MetricsHandler() http.Handler { return metrics.Handler() }
