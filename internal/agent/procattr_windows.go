//go:build windows

package agent

import "os/exec"

// setProcAttr is a no-op on Windows; context cancellation terminates
// the direct child and Windows has no POSIX process groups.
func setProcAttr(cmd *exec.Cmd) {}

func killProcessGroup(pid int) error {
	return nil
}
