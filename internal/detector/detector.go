// Package detector finds already-running backend instances in the OS process
// list. Detection is purely diagnostic: orphans left behind by a previous
// session are reported, never adopted or killed by the current run.
package detector

import (
	"context"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// BackendProcess is a process whose command line matched a known backend
// invocation string.
type BackendProcess struct {
	PID     int32  `json:"pid"`
	Cmdline string `json:"cmdline"`
}

// Scanner lists candidate processes; injectable for tests.
type Scanner func(ctx context.Context) ([]BackendProcess, error)

// SystemScanner reads the live process table with command lines.
func SystemScanner(ctx context.Context) ([]BackendProcess, error) {
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]BackendProcess, 0, len(procs))
	for _, p := range procs {
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || cmdline == "" {
			continue
		}
		out = append(out, BackendProcess{PID: p.Pid, Cmdline: cmdline})
	}
	return out, nil
}

// Find returns every process whose command line contains any of the given
// patterns. Empty patterns are ignored.
func Find(ctx context.Context, scan Scanner, patterns []string) ([]BackendProcess, error) {
	if scan == nil {
		scan = SystemScanner
	}
	candidates, err := scan(ctx)
	if err != nil {
		return nil, err
	}
	var matched []BackendProcess
	for _, c := range candidates {
		for _, pat := range patterns {
			if pat == "" {
				continue
			}
			if strings.Contains(c.Cmdline, pat) {
				matched = append(matched, c)
				break
			}
		}
	}
	return matched, nil
}
