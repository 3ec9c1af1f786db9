// Package reaper force-terminates backend subprocesses on Windows. Some
// backend packaging spawns two OS-level executables per logical subprocess,
// so the handle returned by spawn may not be the process holding the
// listening port and signal delivery is unreliable. Instead the reaper
// enumerates the task list, matches by image name, and hands every matched
// pid to a single forceful tree kill.
package reaper

import (
	"context"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Entry is one row of the OS task list.
type Entry struct {
	PID   int32
	Image string
}

// Lister enumerates the OS task list.
type Lister func(ctx context.Context) ([]Entry, error)

// Killer force-kills the given pids, recursively, in one invocation. It must
// not return before the kill request itself has completed.
type Killer func(ctx context.Context, pids []int32) error

// Reaper matches processes by launched executable name and kills the whole
// matched set as a tree.
type Reaper struct {
	list Lister
	kill Killer
	log  *slog.Logger
}

// New returns a reaper backed by the real OS task list and taskkill.
func New() *Reaper {
	return &Reaper{list: systemTaskList, kill: taskKill, log: slog.Default()}
}

// NewWith injects the task list source and kill runner; used by tests and by
// platforms without taskkill.
func NewWith(list Lister, kill Killer, log *slog.Logger) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{list: list, kill: kill, log: log}
}

// KillByImage terminates every process whose reported image name equals the
// expected executable filename. It resolves only after the kill command has
// completed. A failing kill command is logged and swallowed so application
// shutdown never hangs on it.
func (r *Reaper) KillByImage(ctx context.Context, image string) error {
	entries, err := r.list(ctx)
	if err != nil {
		return err
	}
	var pids []int32
	for _, e := range entries {
		if matchImage(e.Image, image) {
			pids = append(pids, e.PID)
		}
	}
	if len(pids) == 0 {
		r.log.Debug("reaper: no processes matched", "image", image)
		return nil
	}
	r.log.Info("reaper: force killing process tree", "image", image, "pids", pids)
	if err := r.kill(ctx, pids); err != nil {
		// Shutdown proceeds regardless; blocking application exit on a
		// failed kill is worse than a leaked process.
		r.log.Warn("reaper: kill command failed", "image", image, "error", err)
	}
	return nil
}

// matchImage compares the task list image name against the launched
// executable's filename, tolerating the .exe suffix Windows reports.
func matchImage(reported, expected string) bool {
	if strings.EqualFold(reported, expected) {
		return true
	}
	return strings.EqualFold(reported, expected+".exe") ||
		strings.EqualFold(reported+".exe", expected)
}

// systemTaskList reads the live task list.
func systemTaskList(ctx context.Context) ([]Entry, error) {
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{PID: p.Pid, Image: name})
	}
	return entries, nil
}

// taskKill issues one `taskkill /f /t` naming every pid and waits for the
// command to finish.
func taskKill(ctx context.Context, pids []int32) error {
	args := []string{"/f", "/t"}
	for _, pid := range pids {
		args = append(args, "/pid", strconv.Itoa(int(pid)))
	}
	// #nosec G204 -- fixed binary name, numeric arguments only
	return exec.CommandContext(ctx, "taskkill", args...).Run()
}
