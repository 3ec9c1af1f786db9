//go:build !windows

package process

import (
	"context"
	"errors"
	"fmt"
	"syscall"
)

// signalStopper sends SIGTERM to the process group; the monitor goroutine
// observes the resulting exit.
type signalStopper struct{}

func (signalStopper) stop(_ context.Context, p *Process) error {
	pid := p.PID()
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("process %s: signal: %w", p.spec.Name, err)
	}
	return nil
}
