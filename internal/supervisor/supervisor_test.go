package supervisor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/loykin/sidekick/internal/detector"
	"github.com/loykin/sidekick/internal/netport"
	"github.com/loykin/sidekick/internal/platform"
	"github.com/loykin/sidekick/internal/probe"
	"github.com/loykin/sidekick/internal/process"
)

type fakeRunner struct {
	mu      sync.Mutex
	spec    process.Spec
	exitCh  chan process.ExitEvent
	stopReq bool
	started bool
	stops   *stopRecorder
}

type stopRecorder struct {
	mu    sync.Mutex
	order []string
}

func (r *stopRecorder) record(name string) {
	r.mu.Lock()
	r.order = append(r.order, name)
	r.mu.Unlock()
}

func newFakeRunner(spec process.Spec, stops *stopRecorder) *fakeRunner {
	return &fakeRunner{spec: spec, exitCh: make(chan process.ExitEvent, 1), stops: stops}
}

func (f *fakeRunner) Start() error {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	return nil
}

func (f *fakeRunner) Stop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	already := f.stopReq
	f.stopReq = true
	f.mu.Unlock()
	if already {
		return nil
	}
	if f.stops != nil {
		f.stops.record(f.spec.Name)
	}
	code := 0
	f.exitCh <- process.ExitEvent{Code: &code}
	close(f.exitCh)
	return nil
}

// crash emits an unrequested exit event, as if the process died on its own.
func (f *fakeRunner) crash(ev process.ExitEvent) {
	f.exitCh <- ev
	close(f.exitCh)
}

func (f *fakeRunner) Wait() <-chan process.ExitEvent { return f.exitCh }
func (f *fakeRunner) PID() int                       { return 4242 }

func (f *fakeRunner) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started && !f.stopReq
}

func (f *fakeRunner) StopRequested() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopReq
}

func (f *fakeRunner) Spec() process.Spec { return f.spec }

type recordingListener struct {
	mu      sync.Mutex
	errs    []string
	codes   []BackendCode
	orphans [][]detector.BackendProcess
	fired   chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{fired: make(chan struct{}, 8)}
}

func (l *recordingListener) OnProcessError(message string, code BackendCode) {
	l.mu.Lock()
	l.errs = append(l.errs, message)
	l.codes = append(l.codes, code)
	l.mu.Unlock()
	l.fired <- struct{}{}
}

func (l *recordingListener) OnOrphansDetected(procs []detector.BackendProcess) {
	l.mu.Lock()
	l.orphans = append(l.orphans, procs)
	l.mu.Unlock()
}

func (l *recordingListener) last() (string, BackendCode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.errs) == 0 {
		return "", 0
	}
	return l.errs[len(l.errs)-1], l.codes[len(l.codes)-1]
}

// newTestSupervisor wires a Supervisor with a fake launcher and a benign
// platform. Every launched fakeRunner is appended to the returned slice.
func newTestSupervisor(stops *stopRecorder) (*Supervisor, *[]*fakeRunner) {
	var launched []*fakeRunner
	var mu sync.Mutex
	s := New()
	s.launch = func(spec process.Spec) runner {
		f := newFakeRunner(spec, stops)
		mu.Lock()
		launched = append(launched, f)
		mu.Unlock()
		return f
	}
	s.platformFn = func(ctx context.Context) (platform.Info, error) {
		return platform.Info{OS: "linux"}, nil
	}
	s.selectPort = func(preferred int, configuredURL string) (netport.Selection, error) {
		return netport.Selection{Port: preferred, URL: configuredURL}, nil
	}
	s.scan = func(ctx context.Context) ([]detector.BackendProcess, error) { return nil, nil }
	return s, &launched
}

func fastPolicy(attempts int) probe.Policy {
	return probe.Policy{Attempts: attempts, Interval: time.Millisecond, Settle: -1}
}

func healthyServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStartProcessesRunsPrimaryAndAuxiliary(t *testing.T) {
	srv := healthyServer(t)
	s, launched := newTestSupervisor(nil)
	opts := Options{
		Primary:   ProcessOptions{Spec: process.Spec{Name: "core", Command: "/opt/core"}, URL: srv.URL},
		Auxiliary: ProcessOptions{Spec: process.Spec{Name: "colibri", Command: "/opt/colibri"}},
		Health:    fastPolicy(3),
	}
	if err := s.StartProcesses(context.Background(), opts, newRecordingListener()); err != nil {
		t.Fatalf("StartProcesses: %v", err)
	}
	if got := s.State(); got != StateRunning {
		t.Fatalf("state = %v, want %v", got, StateRunning)
	}
	if len(*launched) != 2 {
		t.Fatalf("launched %d processes, want 2", len(*launched))
	}
	sts := s.Statuses()
	if len(sts) != 2 || !sts[0].Running || !sts[1].Running {
		t.Fatalf("unexpected statuses %+v", sts)
	}
}

func TestStartProcessesRejectsSecondRun(t *testing.T) {
	srv := healthyServer(t)
	s, _ := newTestSupervisor(nil)
	opts := Options{
		Primary: ProcessOptions{Spec: process.Spec{Name: "core", Command: "/opt/core"}, URL: srv.URL},
		Health:  fastPolicy(3),
	}
	if err := s.StartProcesses(context.Background(), opts, nil); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := s.StartProcesses(context.Background(), opts, nil); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start err = %v, want ErrAlreadyRunning", err)
	}
}

func TestPortFallbackNotifiesAndRewritesArgs(t *testing.T) {
	srv := healthyServer(t)
	s, launched := newTestSupervisor(nil)
	s.selectPort = func(preferred int, configuredURL string) (netport.Selection, error) {
		return netport.Selection{Port: preferred + 21, URL: configuredURL, NonDefault: true}, nil
	}
	var gotName string
	var gotPort int
	opts := Options{
		Primary: ProcessOptions{
			Spec:          process.Spec{Name: "core", Command: "/opt/core", Args: []string{"--data-dir", "/tmp"}},
			PreferredPort: 4242,
			PortFlag:      "--rest-api-port",
			URL:           srv.URL,
		},
		Health: fastPolicy(3),
		OnPortChanged: func(name string, port int, url string) {
			gotName, gotPort = name, port
		},
	}
	if err := s.StartProcesses(context.Background(), opts, nil); err != nil {
		t.Fatalf("StartProcesses: %v", err)
	}
	if gotName != "core" || gotPort != 4263 {
		t.Fatalf("OnPortChanged got (%q, %d), want (core, 4263)", gotName, gotPort)
	}
	args := (*launched)[0].Spec().Args
	want := []string{"--data-dir", "/tmp", "--rest-api-port", "4263"}
	if len(args) != len(want) {
		t.Fatalf("args = %v, want %v", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("args = %v, want %v", args, want)
		}
	}
}

func TestPortExhaustionAbortsStart(t *testing.T) {
	s, launched := newTestSupervisor(nil)
	s.selectPort = func(preferred int, configuredURL string) (netport.Selection, error) {
		return netport.Selection{}, netport.ErrPortExhausted
	}
	opts := Options{
		Primary: ProcessOptions{
			Spec:          process.Spec{Name: "core", Command: "/opt/core"},
			PreferredPort: 4242,
		},
	}
	err := s.StartProcesses(context.Background(), opts, nil)
	if !errors.Is(err, netport.ErrPortExhausted) {
		t.Fatalf("err = %v, want ErrPortExhausted", err)
	}
	if len(*launched) != 0 {
		t.Fatal("process launched despite port exhaustion")
	}
	if got := s.State(); got != StateFailed {
		t.Fatalf("state = %v, want %v", got, StateFailed)
	}
}

func TestHealthGateFailureTearsDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	stops := &stopRecorder{}
	s, launched := newTestSupervisor(stops)
	opts := Options{
		Primary:   ProcessOptions{Spec: process.Spec{Name: "core", Command: "/opt/core"}, URL: srv.URL},
		Auxiliary: ProcessOptions{Spec: process.Spec{Name: "colibri", Command: "/opt/colibri"}},
		Health:    fastPolicy(2),
	}
	err := s.StartProcesses(context.Background(), opts, newRecordingListener())
	if !errors.Is(err, ErrHealthCheckTimeout) {
		t.Fatalf("err = %v, want ErrHealthCheckTimeout", err)
	}
	if got := s.State(); got != StateFailed {
		t.Fatalf("state = %v, want %v", got, StateFailed)
	}
	if len(*launched) != 1 {
		t.Fatalf("launched %d processes, want primary only", len(*launched))
	}
	if !(*launched)[0].StopRequested() {
		t.Fatal("primary was not stopped after failed health gate")
	}
	if len(stops.order) != 1 || stops.order[0] != "core" {
		t.Fatalf("stop order = %v, want [core]", stops.order)
	}
}

func TestAuxiliaryWaitsForPrimaryHealth(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, launched := newTestSupervisor(nil)
	opts := Options{
		Primary:   ProcessOptions{Spec: process.Spec{Name: "core", Command: "/opt/core"}, URL: srv.URL},
		Auxiliary: ProcessOptions{Spec: process.Spec{Name: "colibri", Command: "/opt/colibri"}},
		Health:    fastPolicy(5),
	}
	if err := s.StartProcesses(context.Background(), opts, nil); err != nil {
		t.Fatalf("StartProcesses: %v", err)
	}
	mu.Lock()
	got := attempts
	mu.Unlock()
	if got != 3 {
		t.Fatalf("probe attempts = %d, want 3", got)
	}
	if len(*launched) != 2 || (*launched)[1].Spec().Name != "colibri" {
		t.Fatalf("launch sequence = %+v", *launched)
	}
}

func TestPlatformGateReportsListener(t *testing.T) {
	s, launched := newTestSupervisor(nil)
	s.platformFn = func(ctx context.Context) (platform.Info, error) {
		return platform.Info{OS: "darwin", Version: "10.13.6"}, nil
	}
	l := newRecordingListener()
	err := s.StartProcesses(context.Background(), Options{
		Primary: ProcessOptions{Spec: process.Spec{Name: "core", Command: "/opt/core"}},
	}, l)
	if !errors.Is(err, platform.ErrUnsupportedMacOS) {
		t.Fatalf("err = %v, want ErrUnsupportedMacOS", err)
	}
	if _, code := l.last(); code != CodeUnsupportedMacOSVersion {
		t.Fatalf("listener code = %v, want %v", code, CodeUnsupportedMacOSVersion)
	}
	if len(*launched) != 0 {
		t.Fatal("process launched despite unsupported platform")
	}
}

func TestUnexpectedExitNotifiesListener(t *testing.T) {
	srv := healthyServer(t)
	s, launched := newTestSupervisor(nil)
	l := newRecordingListener()
	opts := Options{
		Primary: ProcessOptions{Spec: process.Spec{Name: "core", Command: "/opt/core"}, URL: srv.URL},
		Health:  fastPolicy(3),
	}
	if err := s.StartProcesses(context.Background(), opts, l); err != nil {
		t.Fatalf("StartProcesses: %v", err)
	}

	code := 1
	(*launched)[0].crash(process.ExitEvent{Code: &code, LastErrLine: "fatal: database is locked"})

	select {
	case <-l.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("listener was never notified of the crash")
	}
	msg, bc := l.last()
	if bc != CodeTerminated {
		t.Fatalf("code = %v, want %v", bc, CodeTerminated)
	}
	if msg != "fatal: database is locked" {
		t.Fatalf("message = %q, want last stderr line", msg)
	}
	if got := s.State(); got != StateFailed {
		t.Fatalf("state = %v, want %v", got, StateFailed)
	}
}

func TestToleratedExitCodesStaySilent(t *testing.T) {
	zero := 0
	cases := []struct {
		name string
		ev   process.ExitEvent
	}{
		{"zero exit code", process.ExitEvent{Code: &zero}},
		{"signal termination with nil code", process.ExitEvent{Signal: "terminated"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := healthyServer(t)
			s, launched := newTestSupervisor(nil)
			l := newRecordingListener()
			opts := Options{
				Primary: ProcessOptions{Spec: process.Spec{Name: "core", Command: "/opt/core"}, URL: srv.URL},
				Health:  fastPolicy(3),
			}
			if err := s.StartProcesses(context.Background(), opts, l); err != nil {
				t.Fatalf("StartProcesses: %v", err)
			}

			(*launched)[0].crash(tc.ev)

			select {
			case <-l.fired:
				t.Fatal("listener notified for a tolerated exit")
			case <-time.After(200 * time.Millisecond):
			}
			if got := s.State(); got == StateFailed {
				t.Fatalf("state = %v after a tolerated exit", got)
			}
		})
	}
}

func TestStartProcessesRunsOrphanScanOnce(t *testing.T) {
	srv := healthyServer(t)
	s, _ := newTestSupervisor(nil)
	scans := 0
	s.scan = func(ctx context.Context) ([]detector.BackendProcess, error) {
		scans++
		return []detector.BackendProcess{{PID: 321, Cmdline: "/opt/core --serve"}}, nil
	}
	l := newRecordingListener()
	opts := Options{
		Primary: ProcessOptions{Spec: process.Spec{Name: "core", Command: "/opt/core"}, URL: srv.URL},
		Health:  fastPolicy(3),
	}
	if err := s.StartProcesses(context.Background(), opts, l); err != nil {
		t.Fatalf("StartProcesses: %v", err)
	}
	if err := s.TerminateProcesses(context.Background(), false); err != nil {
		t.Fatalf("TerminateProcesses: %v", err)
	}
	if err := s.StartProcesses(context.Background(), opts, l); err != nil {
		t.Fatalf("second StartProcesses: %v", err)
	}
	if scans != 1 {
		t.Fatalf("orphan scan ran %d times, want 1", scans)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.orphans) != 1 || l.orphans[0][0].PID != 321 {
		t.Fatalf("orphan report = %+v", l.orphans)
	}
}

func TestTerminateStopsAuxiliaryBeforePrimary(t *testing.T) {
	srv := healthyServer(t)
	stops := &stopRecorder{}
	s, _ := newTestSupervisor(stops)
	var shutdowns int
	opts := Options{
		Primary:    ProcessOptions{Spec: process.Spec{Name: "core", Command: "/opt/core"}, URL: srv.URL},
		Auxiliary:  ProcessOptions{Spec: process.Spec{Name: "colibri", Command: "/opt/colibri"}},
		Health:     fastPolicy(3),
		OnShutdown: func() { shutdowns++ },
	}
	if err := s.StartProcesses(context.Background(), opts, nil); err != nil {
		t.Fatalf("StartProcesses: %v", err)
	}
	if err := s.TerminateProcesses(context.Background(), false); err != nil {
		t.Fatalf("TerminateProcesses: %v", err)
	}
	if len(stops.order) != 2 || stops.order[0] != "colibri" || stops.order[1] != "core" {
		t.Fatalf("stop order = %v, want [colibri core]", stops.order)
	}
	if shutdowns != 1 {
		t.Fatalf("OnShutdown fired %d times, want 1", shutdowns)
	}
	if got := s.State(); got != StateTerminated {
		t.Fatalf("state = %v, want %v", got, StateTerminated)
	}

	// A second terminate finds nothing to stop and must not re-fire the hook.
	if err := s.TerminateProcesses(context.Background(), false); err != nil {
		t.Fatalf("second TerminateProcesses: %v", err)
	}
	if len(stops.order) != 2 {
		t.Fatalf("stop order grew to %v", stops.order)
	}
}

func TestTerminateReentrantCallIsNoop(t *testing.T) {
	s, _ := newTestSupervisor(nil)
	s.mu.Lock()
	s.exiting = true
	s.mu.Unlock()
	if err := s.TerminateProcesses(context.Background(), false); err != nil {
		t.Fatalf("re-entrant terminate: %v", err)
	}
	if got := s.State(); got != StateIdle {
		t.Fatalf("state = %v, want %v (no transition while latched)", got, StateIdle)
	}
}

func TestRestartWhileRestartingIsIgnored(t *testing.T) {
	s, launched := newTestSupervisor(nil)
	s.mu.Lock()
	s.restarting = true
	s.mu.Unlock()
	if err := s.Restart(context.Background(), Options{}, nil); err != nil {
		t.Fatalf("coalesced restart: %v", err)
	}
	if len(*launched) != 0 {
		t.Fatal("coalesced restart launched processes")
	}
}

func TestRestartDuringHealthGateIsCoalesced(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(entered) })
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	stops := &stopRecorder{}
	s, launched := newTestSupervisor(stops)
	opts := Options{
		Primary: ProcessOptions{Spec: process.Spec{Name: "core", Command: "/opt/core"}, URL: srv.URL},
		Health:  fastPolicy(3),
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.Restart(context.Background(), opts, nil) }()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first restart never reached the health gate")
	}

	// The second restart lands while the first is blocked in the probe.
	// It must not touch the in-flight sequence.
	if err := s.Restart(context.Background(), opts, nil); err != nil {
		t.Fatalf("coalesced restart: %v", err)
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("first restart: %v", err)
	}
	if len(*launched) != 1 {
		t.Fatalf("launched %d primaries, want 1", len(*launched))
	}
	if len(stops.order) != 0 {
		t.Fatalf("stop order = %v, want none", stops.order)
	}
	if got := s.State(); got != StateRunning {
		t.Fatalf("state = %v, want %v", got, StateRunning)
	}
	if got := s.Restarts(); got != 1 {
		t.Fatalf("Restarts() = %d, want 1", got)
	}
}

func TestFailedTeardownDoesNotWedgeRestartLatch(t *testing.T) {
	srv := healthyServer(t)
	s, _ := newTestSupervisor(nil)
	opts := Options{
		Primary: ProcessOptions{Spec: process.Spec{Name: "core", Command: "/opt/core"}, URL: srv.URL},
		Health:  fastPolicy(3),
	}
	if err := s.Restart(context.Background(), opts, nil); err != nil {
		t.Fatalf("first restart: %v", err)
	}

	// A cancelled context makes the teardown inside the restart fail.
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Restart(cancelled, opts, nil); err == nil {
		t.Fatal("expected error from restart with cancelled context")
	}

	if err := s.Restart(context.Background(), opts, nil); err != nil {
		t.Fatalf("restart after failed teardown: %v", err)
	}
	if got := s.State(); got != StateRunning {
		t.Fatalf("state = %v, want %v", got, StateRunning)
	}
}

func TestRestartCyclesProcesses(t *testing.T) {
	srv := healthyServer(t)
	stops := &stopRecorder{}
	s, launched := newTestSupervisor(stops)
	opts := Options{
		Primary: ProcessOptions{Spec: process.Spec{Name: "core", Command: "/opt/core"}, URL: srv.URL},
		Health:  fastPolicy(3),
	}
	if err := s.Restart(context.Background(), opts, nil); err != nil {
		t.Fatalf("first restart: %v", err)
	}
	if err := s.Restart(context.Background(), opts, nil); err != nil {
		t.Fatalf("second restart: %v", err)
	}
	if len(*launched) != 2 {
		t.Fatalf("launched %d processes across two restarts, want 2", len(*launched))
	}
	if len(stops.order) != 1 || stops.order[0] != "core" {
		t.Fatalf("stop order = %v, want [core]", stops.order)
	}
	if got := s.Restarts(); got != 2 {
		t.Fatalf("Restarts() = %d, want 2", got)
	}
	if got := s.State(); got != StateRunning {
		t.Fatalf("state = %v, want %v", got, StateRunning)
	}
}

func TestFirstRestartScansForOrphans(t *testing.T) {
	srv := healthyServer(t)
	s, _ := newTestSupervisor(nil)
	scans := 0
	s.scan = func(ctx context.Context) ([]detector.BackendProcess, error) {
		scans++
		return []detector.BackendProcess{{PID: 999, Cmdline: "/opt/core --data-dir /tmp"}}, nil
	}
	l := newRecordingListener()
	opts := Options{
		Primary: ProcessOptions{Spec: process.Spec{Name: "core", Command: "/opt/core"}, URL: srv.URL},
		Health:  fastPolicy(3),
	}
	if err := s.Restart(context.Background(), opts, l); err != nil {
		t.Fatalf("first restart: %v", err)
	}
	if err := s.Restart(context.Background(), opts, l); err != nil {
		t.Fatalf("second restart: %v", err)
	}
	if scans != 1 {
		t.Fatalf("orphan scan ran %d times, want 1", scans)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.orphans) != 1 || len(l.orphans[0]) != 1 || l.orphans[0][0].PID != 999 {
		t.Fatalf("orphan report = %+v", l.orphans)
	}
}

func TestCheckForBackendProcessDerivesPatterns(t *testing.T) {
	s, _ := newTestSupervisor(nil)
	s.scan = func(ctx context.Context) ([]detector.BackendProcess, error) {
		return []detector.BackendProcess{
			{PID: 7, Cmdline: "/usr/bin/core-backend --serve"},
			{PID: 8, Cmdline: "vim notes.txt"},
		}, nil
	}
	s.mu.Lock()
	s.opts = Options{Primary: ProcessOptions{Spec: process.Spec{Name: "core", Command: "/usr/bin/core-backend"}}}
	s.mu.Unlock()

	procs, err := s.CheckForBackendProcess(context.Background())
	if err != nil {
		t.Fatalf("CheckForBackendProcess: %v", err)
	}
	if len(procs) != 1 || procs[0].PID != 7 {
		t.Fatalf("procs = %+v, want only the backend", procs)
	}
}
