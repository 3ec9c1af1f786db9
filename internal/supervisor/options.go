package supervisor

import (
	"github.com/loykin/sidekick/internal/detector"
	"github.com/loykin/sidekick/internal/probe"
	"github.com/loykin/sidekick/internal/process"
)

// BackendCode classifies fatal subprocess conditions for the embedding
// application. Codes are stable identifiers, not exit codes.
type BackendCode int

const (
	CodeUnsupportedMacOSVersion BackendCode = iota + 1
	CodeUnsupportedWindowsVersion
	CodeTerminated
)

func (c BackendCode) String() string {
	switch c {
	case CodeUnsupportedMacOSVersion:
		return "unsupported-macos-version"
	case CodeUnsupportedWindowsVersion:
		return "unsupported-windows-version"
	case CodeTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Listener receives fatal subprocess conditions. The message is a
// human-readable diagnostic, typically the last stderr line of the
// process that died.
type Listener interface {
	OnProcessError(message string, code BackendCode)
}

// OrphanReporter is optionally implemented by a Listener that wants to be
// told about backend processes left over from a previous session.
type OrphanReporter interface {
	OnOrphansDetected(procs []detector.BackendProcess)
}

// ProcessOptions describes one managed subprocess. A zero Command leaves
// the slot disabled.
type ProcessOptions struct {
	Spec process.Spec

	// PreferredPort is the port the subprocess should listen on if free.
	// Zero disables port selection for this process.
	PreferredPort int

	// PortFlag, when set, causes the chosen port to be appended to the
	// command line as "<PortFlag> <port>".
	PortFlag string

	// URL is the base URL the subprocess serves on; its port component is
	// rewritten to the selected port.
	URL string

	// Probe enables an HTTP health gate after spawn. The primary process
	// is always probed when it has a URL; auxiliaries opt in here.
	Probe bool
}

func (po ProcessOptions) enabled() bool { return po.Spec.Command != "" }

// Options configures a supervision run.
type Options struct {
	Primary   ProcessOptions
	Auxiliary ProcessOptions

	// Health governs the probe loop for every probed process. Zero values
	// fall back to the probe package defaults.
	Health probe.Policy

	// BackendPatterns are the command-line substrings used to find orphaned
	// backend processes. When empty, the executable names of the configured
	// specs are used.
	BackendPatterns []string

	// OnPortChanged fires when a process could not get its preferred port.
	OnPortChanged func(name string, port int, url string)

	// OnShutdown fires after a full (non-restart) termination completes.
	OnShutdown func()
}
