//go:build windows

package launch

import (
	"os"
	"os/exec"
)

// Run spawns the assistant with plain stdio passthrough. Windows has no
// pty support here; resize and raw-mode handling are unix-only.
func Run(opts Options) (int, error) {
	cmd, err := buildCommand(opts)
	if err != nil {
		return -1, err
	}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}
