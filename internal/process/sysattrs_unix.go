//go:build !windows

package process

import "syscall"

// sysProcAttr puts the child in its own process group so termination signals
// reach any grandchildren it forks.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
