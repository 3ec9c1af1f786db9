package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/loykin/sidekick/internal/reaper"
)

// Process supervises one OS process: it spawns it, forwards its output to
// the configured log writers, and delivers exactly one ExitEvent when it
// terminates.
type Process struct {
	spec Spec
	stop stopper

	mu       sync.Mutex
	cmd      *exec.Cmd
	stopping bool
	waitDone chan struct{} // closed by monitor when Wait returns

	exitCh chan ExitEvent
	outW   io.WriteCloser
	errW   io.WriteCloser
	tail   *lineTail
}

// stopper is the termination strategy bound to a Process at construction.
type stopper interface {
	stop(ctx context.Context, p *Process) error
}

func New(spec Spec) *Process {
	p := &Process{
		spec:   spec,
		exitCh: make(chan ExitEvent, 1),
		tail:   newLineTail(),
	}
	if spec.UseTaskKill {
		p.stop = taskKillStopper{reaper: reaper.New()}
	} else {
		p.stop = signalStopper{}
	}
	return p
}

func (p *Process) Spec() Spec { return p.spec }

// Start spawns the process. Stdout goes to the spec's rotating log writer,
// stderr additionally through the tail capture that feeds ExitEvent detail.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return fmt.Errorf("process %s: already started", p.spec.Name)
	}
	// #nosec G204 -- command comes from operator-owned configuration
	cmd := exec.Command(p.spec.Command, p.spec.Args...)
	if p.spec.WorkDir != "" {
		cmd.Dir = p.spec.WorkDir
	}
	if len(p.spec.Env) > 0 {
		cmd.Env = append(os.Environ(), p.spec.Env...)
	}
	cmd.SysProcAttr = sysProcAttr()

	outW, errW, err := p.spec.Log.Writers(p.spec.Name)
	if err != nil {
		return fmt.Errorf("process %s: log writers: %w", p.spec.Name, err)
	}
	p.outW, p.errW = outW, errW
	if outW != nil {
		cmd.Stdout = outW
	} else {
		cmd.Stdout = io.Discard
	}
	if errW != nil {
		cmd.Stderr = io.MultiWriter(errW, p.tail)
	} else {
		cmd.Stderr = p.tail
	}

	if err := cmd.Start(); err != nil {
		p.closeWritersLocked()
		return fmt.Errorf("process %s: spawn: %w", p.spec.Name, err)
	}
	p.cmd = cmd
	p.waitDone = make(chan struct{})
	go p.monitor(cmd)
	return nil
}

// monitor reaps the process and delivers the one-shot exit notification.
func (p *Process) monitor(cmd *exec.Cmd) {
	waitErr := cmd.Wait()
	ev := newExitEvent(cmd.ProcessState, waitErr, p.tail.Last())

	p.mu.Lock()
	p.closeWritersLocked()
	close(p.waitDone)
	p.mu.Unlock()

	p.exitCh <- ev
	close(p.exitCh)
}

// Wait returns the exit notification channel. It delivers exactly one event
// and is then closed; it never fires for a process that failed to spawn.
func (p *Process) Wait() <-chan ExitEvent { return p.exitCh }

// PID returns the OS pid, or 0 before a successful Start.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Alive reports whether the process was started and has not yet been reaped.
func (p *Process) Alive() bool {
	p.mu.Lock()
	wd := p.waitDone
	p.mu.Unlock()
	if wd == nil {
		return false
	}
	select {
	case <-wd:
		return false
	default:
		return true
	}
}

// StopRequested reports whether Stop has been called; the exit watcher uses
// it to tell deliberate termination from an unexpected exit.
func (p *Process) StopRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

// Stop terminates the process with the strategy selected at construction and
// waits for the exit notification. There is no forced escalation on the
// signal path beyond the OS's own semantics; the context bounds the wait.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	wd := p.waitDone
	alreadyStopping := p.stopping
	p.stopping = true
	p.mu.Unlock()

	if wd == nil {
		return nil // never started
	}
	select {
	case <-wd:
		return nil // already exited
	default:
	}
	if !alreadyStopping {
		if err := p.stop.stop(ctx, p); err != nil {
			return err
		}
	}
	select {
	case <-wd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Process) closeWritersLocked() {
	if p.outW != nil {
		_ = p.outW.Close()
		p.outW = nil
	}
	if p.errW != nil {
		_ = p.errW.Close()
		p.errW = nil
	}
}

// newExitEvent translates the os/exec wait outcome into the notification
// shape callers consume.
func newExitEvent(state *os.ProcessState, waitErr error, lastLine string) ExitEvent {
	ev := ExitEvent{LastErrLine: lastLine}
	if state == nil {
		ev.Err = waitErr
		return ev
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		ev.Signal = ws.Signal().String()
		return ev
	}
	code := state.ExitCode()
	ev.Code = &code
	if !state.Success() {
		ev.Err = waitErr
	}
	return ev
}

// taskKillStopper terminates by image-name enumeration instead of signaling
// the spawn handle.
type taskKillStopper struct {
	reaper *reaper.Reaper
}

func (t taskKillStopper) stop(ctx context.Context, p *Process) error {
	return t.reaper.KillByImage(ctx, p.spec.ImageName())
}
