//go:build windows

package process

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// signalStopper on Windows has no SIGTERM; Kill is the only reliable request
// for specs that did not opt into taskkill termination.
type signalStopper struct{}

func (signalStopper) stop(_ context.Context, p *Process) error {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("process %s: kill: %w", p.spec.Name, err)
	}
	return nil
}
