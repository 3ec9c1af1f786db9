// Package supervisor launches and tends the application's backend
// subprocesses. It owns the full lifecycle: platform gate, port selection,
// spawn, health gate, exit watching, restart and teardown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/loykin/sidekick/internal/detector"
	"github.com/loykin/sidekick/internal/journal"
	"github.com/loykin/sidekick/internal/metrics"
	"github.com/loykin/sidekick/internal/netport"
	"github.com/loykin/sidekick/internal/platform"
	"github.com/loykin/sidekick/internal/probe"
	"github.com/loykin/sidekick/internal/process"
)

var (
	// ErrAlreadyRunning is returned by StartProcesses while a run is active.
	ErrAlreadyRunning = errors.New("supervisor: processes already running")
	// ErrSpawnFailure wraps errors from launching a subprocess.
	ErrSpawnFailure = errors.New("supervisor: subprocess spawn failed")
	// ErrHealthCheckTimeout is returned when the primary process never
	// answered its health probe within the configured attempts.
	ErrHealthCheckTimeout = errors.New("supervisor: backend never became healthy")
)

// runner is the slice of process.Process the supervisor needs. Tests swap
// in fakes through the launch hook.
type runner interface {
	Start() error
	Stop(ctx context.Context) error
	Wait() <-chan process.ExitEvent
	PID() int
	Alive() bool
	StopRequested() bool
	Spec() process.Spec
}

var _ runner = (*process.Process)(nil)

// ProcessStatus is a point-in-time snapshot of one managed subprocess.
type ProcessStatus struct {
	Name    string `json:"name"`
	PID     int    `json:"pid"`
	Running bool   `json:"running"`
}

// Supervisor manages the primary backend and an optional auxiliary
// subprocess. All public methods are safe for concurrent use.
type Supervisor struct {
	mu         sync.Mutex
	state      State
	exiting    bool
	restarting bool // held for the whole Restart, not just a state blip
	restarts   int
	started    bool // set by the first start or restart, gates the orphan scan

	primary   runner
	auxiliary runner
	opts      Options
	listener  Listener

	// seams for tests
	launch     func(process.Spec) runner
	platformFn platform.InfoFunc
	selectPort func(preferred int, configuredURL string) (netport.Selection, error)
	scan       detector.Scanner

	journal *journal.Journal
	log     *slog.Logger
}

// New returns a Supervisor wired to the real system: processes are spawned
// with os/exec, ports probed with net.Listen and platform facts read from
// the host.
func New() *Supervisor {
	return &Supervisor{
		launch:     func(spec process.Spec) runner { return process.New(spec) },
		platformFn: platform.SystemInfo,
		selectPort: netport.Select,
		scan:       detector.SystemScanner,
		log:        slog.Default(),
	}
}

// SetLogger replaces the supervisor's logger. Defaults to slog.Default.
func (s *Supervisor) SetLogger(l *slog.Logger) { s.log = l }

// SetJournal attaches a lifecycle journal. Nil disables journaling.
func (s *Supervisor) SetJournal(j *journal.Journal) { s.journal = j }

// State reports the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Statuses snapshots the managed processes for status surfaces.
func (s *Supervisor) Statuses() []ProcessStatus {
	s.mu.Lock()
	procs := []runner{s.primary, s.auxiliary}
	s.mu.Unlock()
	var out []ProcessStatus
	for _, p := range procs {
		if p == nil {
			continue
		}
		out = append(out, ProcessStatus{Name: p.Spec().Name, PID: p.PID(), Running: p.Alive()})
	}
	return out
}

func (s *Supervisor) transition(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from == to {
		return
	}
	metrics.RecordStateTransition(from.String(), to.String())
	s.log.Debug("supervisor state change", "from", from.String(), "to", to.String())
}

// StartProcesses launches the primary process, gates on its health probe
// and then launches the auxiliary process. It returns ErrAlreadyRunning if
// a run is in flight; a NOT_RUNNING state is never an error.
func (s *Supervisor) StartProcesses(ctx context.Context, opts Options, listener Listener) error {
	s.mu.Lock()
	switch s.state {
	case StateStarting, StateHealthChecking, StateRunning:
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.opts = opts
	s.listener = listener
	s.mu.Unlock()

	s.scanOrphansOnce(ctx, listener)

	s.transition(StateStarting)

	if err := platform.Validate(ctx, s.platformFn); err != nil {
		s.transition(StateFailed)
		if code, ok := platformCode(err); ok && listener != nil {
			listener.OnProcessError(err.Error(), code)
		}
		return err
	}

	primaryURL, err := s.startOne(ctx, opts.Primary, listener, true)
	if err != nil {
		s.transition(StateFailed)
		return err
	}

	if primaryURL != "" {
		s.transition(StateHealthChecking)
		if err := s.waitHealthy(ctx, opts.Primary.Spec.Name, primaryURL, opts.Health); err != nil {
			s.teardownAfterStartFailure(ctx, opts.Primary.Spec.Name, err)
			return err
		}
	}

	if opts.Auxiliary.enabled() {
		auxURL, err := s.startOne(ctx, opts.Auxiliary, listener, false)
		if err != nil {
			s.teardownAfterStartFailure(ctx, opts.Auxiliary.Spec.Name, err)
			return err
		}
		if opts.Auxiliary.Probe && auxURL != "" {
			if err := s.waitHealthy(ctx, opts.Auxiliary.Spec.Name, auxURL, opts.Health); err != nil {
				s.teardownAfterStartFailure(ctx, opts.Auxiliary.Spec.Name, err)
				return err
			}
		}
	}

	s.transition(StateRunning)
	s.log.Info("all subprocesses running")
	return nil
}

// startOne selects a port, launches the process and installs its exit
// watcher. It returns the URL the process serves on, if any.
func (s *Supervisor) startOne(ctx context.Context, po ProcessOptions, listener Listener, primary bool) (string, error) {
	if !po.enabled() {
		return "", fmt.Errorf("supervisor: process has no command")
	}
	spec := po.Spec
	url := po.URL

	if po.PreferredPort > 0 {
		sel, err := s.selectPort(po.PreferredPort, po.URL)
		if err != nil {
			return "", fmt.Errorf("supervisor: select port for %s: %w", spec.Name, err)
		}
		url = sel.URL
		if po.PortFlag != "" {
			args := append([]string{}, spec.Args...)
			spec.Args = append(args, po.PortFlag, strconv.Itoa(sel.Port))
		}
		if sel.NonDefault {
			s.log.Warn("preferred port busy, using fallback",
				"process", spec.Name, "preferred", po.PreferredPort, "port", sel.Port)
			if cb := s.onPortChanged(); cb != nil {
				cb(spec.Name, sel.Port, sel.URL)
			}
		}
	}

	h := s.launch(spec)
	if err := h.Start(); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrSpawnFailure, spec.Name, err)
	}
	s.mu.Lock()
	if primary {
		s.primary = h
	} else {
		s.auxiliary = h
	}
	s.mu.Unlock()

	metrics.IncStart(spec.Name)
	s.journalEvent(ctx, journal.EventStart, spec.Name, h.PID(), "")
	s.log.Info("subprocess started", "process", spec.Name, "pid", h.PID())

	go s.watchExit(h, listener)
	return url, nil
}

func (s *Supervisor) onPortChanged() func(string, int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.OnPortChanged
}

// watchExit consumes the process's single exit event. Requested stops and
// tolerated exits are quiet; an unrequested non-zero exit code marks the run
// failed and notifies the listener.
func (s *Supervisor) watchExit(h runner, listener Listener) {
	ev, ok := <-h.Wait()
	if !ok {
		return
	}
	name := h.Spec().Name
	metrics.IncStop(name)

	if h.StopRequested() || s.shuttingDown() {
		s.journalEvent(context.Background(), journal.EventStop, name, h.PID(), "")
		s.log.Info("subprocess stopped", "process", name)
		return
	}

	// A zero exit code, or a nil one from signal termination, is tolerated
	// even when unrequested. Only a present non-zero code is a failure.
	if !ev.Abnormal() {
		s.journalEvent(context.Background(), journal.EventStop, name, h.PID(), "")
		s.log.Info("subprocess exited cleanly", "process", name, "signal", ev.Signal)
		return
	}

	detail := ev.LastErrLine
	if detail == "" && ev.Err != nil {
		detail = ev.Err.Error()
	}
	s.journalEvent(context.Background(), journal.EventFailure, name, h.PID(), detail)
	s.log.Error("subprocess exited unexpectedly",
		"process", name, "code", exitCodeAttr(ev), "signal", ev.Signal, "stderr", ev.LastErrLine)

	s.transition(StateFailed)
	if listener != nil {
		msg := detail
		if msg == "" {
			msg = fmt.Sprintf("%s exited unexpectedly", name)
		}
		listener.OnProcessError(msg, CodeTerminated)
	}
}

func exitCodeAttr(ev process.ExitEvent) any {
	if ev.Code == nil {
		return nil
	}
	return *ev.Code
}

func (s *Supervisor) shuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exiting || s.state == StateTerminating || s.state == StateTerminated
}

// waitHealthy runs the bounded probe loop against the process's base URL.
func (s *Supervisor) waitHealthy(ctx context.Context, name, baseURL string, pol probe.Policy) error {
	s.log.Info("waiting for subprocess health", "process", name, "url", baseURL)
	p := observedProber{inner: probe.NewPing(baseURL), name: name}
	if err := probe.Run(ctx, p, pol); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrHealthCheckTimeout, name, err)
	}
	s.journalEvent(ctx, journal.EventHealth, name, 0, "healthy")
	return nil
}

// observedProber counts every attempt in metrics.
type observedProber struct {
	inner probe.Prober
	name  string
}

func (o observedProber) Probe(ctx context.Context) error {
	err := o.inner.Probe(ctx)
	metrics.ObserveHealthAttempt(o.name, err == nil)
	return err
}

func (s *Supervisor) teardownAfterStartFailure(ctx context.Context, name string, cause error) {
	s.log.Error("startup gate failed, tearing down", "process", name, "error", cause)
	s.journalEvent(ctx, journal.EventFailure, name, 0, cause.Error())
	if err := s.TerminateProcesses(ctx, true); err != nil {
		s.log.Error("teardown after failed start", "error", err)
	}
	s.transition(StateFailed)
}

// Restart tears down any running processes and starts fresh. Concurrent
// calls are coalesced: the restarting latch is held until the new sequence
// has finished (or failed), so a second call arriving anywhere in that
// window is a no-op. The very first start additionally scans for backend
// processes orphaned by a previous session.
func (s *Supervisor) Restart(ctx context.Context, opts Options, listener Listener) error {
	s.mu.Lock()
	if s.restarting {
		s.mu.Unlock()
		s.log.Info("restart already in progress, ignoring")
		return nil
	}
	s.restarting = true
	s.opts = opts
	s.listener = listener
	from := s.state
	s.state = StateRestarting
	hasLive := s.primary != nil || s.auxiliary != nil
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.restarting = false
		s.mu.Unlock()
	}()
	metrics.RecordStateTransition(from.String(), StateRestarting.String())

	s.scanOrphansOnce(ctx, listener)

	if hasLive {
		if err := s.TerminateProcesses(ctx, true); err != nil {
			return err
		}
	}
	metrics.IncRestart()
	s.mu.Lock()
	s.restarts++
	s.mu.Unlock()
	return s.StartProcesses(ctx, opts, listener)
}

// scanOrphansOnce runs the first-start orphan diagnostic exactly once per
// Supervisor, whichever of StartProcesses or Restart gets there first.
func (s *Supervisor) scanOrphansOnce(ctx context.Context, listener Listener) {
	s.mu.Lock()
	first := !s.started
	s.started = true
	s.mu.Unlock()
	if !first {
		return
	}
	orphans, err := s.CheckForBackendProcess(ctx)
	if err != nil {
		s.log.Warn("orphan scan failed", "error", err)
		return
	}
	if len(orphans) == 0 {
		return
	}
	s.log.Warn("found backend processes from a previous session", "count", len(orphans))
	if r, ok := listener.(OrphanReporter); ok {
		r.OnOrphansDetected(orphans)
	}
}

// Restarts reports how many restart cycles have run.
func (s *Supervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// TerminateProcesses stops the auxiliary process first, then the primary.
// Re-entrant calls while a termination is in flight are no-ops. Stop
// failures are logged and shutdown proceeds; the method only fails when the
// context is done. When restart is false the OnShutdown hook fires after
// teardown completes.
func (s *Supervisor) TerminateProcesses(ctx context.Context, restart bool) error {
	s.mu.Lock()
	if s.exiting {
		s.mu.Unlock()
		return nil
	}
	if s.state == StateTerminated && s.primary == nil && s.auxiliary == nil {
		s.mu.Unlock()
		return nil
	}
	s.exiting = true
	primary, aux := s.primary, s.auxiliary
	s.primary, s.auxiliary = nil, nil
	onShutdown := s.opts.OnShutdown
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.exiting = false
		s.mu.Unlock()
	}()

	s.transition(StateTerminating)
	for _, p := range []runner{aux, primary} {
		if p == nil {
			continue
		}
		if err := p.Stop(ctx); err != nil {
			if ctx.Err() != nil {
				return err
			}
			s.log.Error("stopping subprocess", "process", p.Spec().Name, "error", err)
		}
	}
	s.transition(StateTerminated)
	if !restart && onShutdown != nil {
		onShutdown()
	}
	return nil
}

// CheckForBackendProcess looks for backend processes on the system whose
// command lines match the configured patterns. With no explicit patterns,
// the executable names of the configured specs are used.
func (s *Supervisor) CheckForBackendProcess(ctx context.Context) ([]detector.BackendProcess, error) {
	s.mu.Lock()
	patterns := append([]string{}, s.opts.BackendPatterns...)
	if len(patterns) == 0 {
		for _, po := range []ProcessOptions{s.opts.Primary, s.opts.Auxiliary} {
			if po.enabled() {
				patterns = append(patterns, po.Spec.ImageName())
			}
		}
	}
	scan := s.scan
	s.mu.Unlock()
	return detector.Find(ctx, scan, patterns)
}

func platformCode(err error) (BackendCode, bool) {
	switch {
	case errors.Is(err, platform.ErrUnsupportedMacOS):
		return CodeUnsupportedMacOSVersion, true
	case errors.Is(err, platform.ErrUnsupportedWindows):
		return CodeUnsupportedWindowsVersion, true
	}
	return 0, false
}

func (s *Supervisor) journalEvent(ctx context.Context, typ journal.EventType, name string, pid int, detail string) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Append(ctx, journal.Event{Type: typ, Name: name, PID: pid, Detail: detail}); err != nil {
		s.log.Warn("journal append failed", "error", err)
	}
}
