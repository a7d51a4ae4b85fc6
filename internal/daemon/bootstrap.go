package daemon

import (
	"os"
	"os/exec"
	"syscall"
)

// StartMonitor spawns the monitor as a detached process via the hidden
// "monitor" command. The child ID travels by flag so the monitor does
// not depend on the parent's environment.
func StartMonitor(childID, configPath string) error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}

	args := []string{"monitor", "--child-id", childID}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	cmd := exec.Command(executable, args...)

	// New session, no terminal, no inherited stdio.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	return cmd.Start()
}
