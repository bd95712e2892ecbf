//go:build windows

package tunnel

import "os/exec"

func configureProcess(cmd *exec.Cmd) {}

// Windows has no SIGINT for child processes, so interrupt is a kill.
func interruptProcess(cmd *exec.Cmd) error {
	return killProcess(cmd)
}

func killProcess(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
