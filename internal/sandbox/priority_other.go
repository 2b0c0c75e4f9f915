//go:build !unix

package sandbox

import "os/exec"

func reducePriority(cmd *exec.Cmd) {}

func lowerNiceness(pid int) {}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
