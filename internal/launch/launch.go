// Package launch spawns the assistant process with the environment the
// relay needs: placeholder credentials, the proxy address as API base,
// and the relay session id for hook handlers to report back with.
package launch

import (
	"fmt"
	"os"
	"os/exec"
)

// Options describes one assistant launch.
type Options struct {
	// Argv is the assistant command line, Argv[0] being the binary.
	Argv []string

	// WorkDir is the working directory for the child.
	WorkDir string

	// Env holds extra environment variables layered over the parent's.
	Env map[string]string
}

// Env variable names injected into assistant processes.
const (
	EnvSessionID = "AGENTRELAY_SESSION_ID"
	EnvWorkDir   = "AGENTRELAY_CWD"
)

// buildCommand assembles the exec.Cmd shared by both launch paths.
func buildCommand(opts Options) (*exec.Cmd, error) {
	if len(opts.Argv) == 0 {
		return nil, fmt.Errorf("launch: empty command")
	}
	bin, err := exec.LookPath(opts.Argv[0])
	if err != nil {
		return nil, fmt.Errorf("launch: %w", err)
	}

	cmd := exec.Command(bin, opts.Argv[1:]...)
	cmd.Dir = opts.WorkDir
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	return cmd, nil
}
