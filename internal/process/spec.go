package process

import (
	"path/filepath"

	"github.com/loykin/sidekick/internal/logger"
)

// Spec is the immutable description of how to launch one backend subprocess.
// It is created once at configuration time; the termination strategy is
// selected from it when the Process is constructed, not branched on later.
type Spec struct {
	Name    string   `json:"name" mapstructure:"name"`
	Command string   `json:"command" mapstructure:"command"`
	Args    []string `json:"args" mapstructure:"args"`
	WorkDir string   `json:"work_dir" mapstructure:"work_dir"`
	Env     []string `json:"env" mapstructure:"env"`
	// UseTaskKill selects enumerate-and-kill termination instead of signal
	// delivery. Required for backend packaging that emits more than one
	// OS-level executable per logical subprocess on Windows.
	UseTaskKill bool          `json:"use_task_kill" mapstructure:"use_task_kill"`
	Log         logger.Config `json:"log" mapstructure:"log"`
}

// ImageName is the executable filename the OS task list will report for a
// process launched from this spec.
func (s Spec) ImageName() string {
	if s.Command == "" {
		return ""
	}
	return filepath.Base(s.Command)
}

// ExitEvent is the one-shot exit notification of a spawned process.
type ExitEvent struct {
	// Code is nil when the OS reported no exit code; POSIX systems do that
	// for signal-terminated processes, and callers tolerate it as an
	// otherwise-successful termination.
	Code *int
	// Signal names the terminating signal when there was one.
	Signal string
	// LastErrLine is the most recent non-empty stderr line captured before
	// exit, used as human-readable detail in fatal-error reports.
	LastErrLine string
	// Err is the wait error for spawn/wait failures that produced no
	// process state.
	Err error
}

// Abnormal reports whether the exit should be treated as a failure: a
// present, non-zero exit code. A nil code (signal termination) is not
// abnormal by itself.
func (e ExitEvent) Abnormal() bool {
	return e.Code != nil && *e.Code != 0
}
