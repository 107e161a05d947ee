//go:build !windows
// +build !windows

package launch

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// Run spawns the assistant under a pseudo-terminal with full
// passthrough: the assistant believes it owns the terminal, while the
// relay stays in the process tree to observe its exit. Returns the
// child's exit code.
func Run(opts Options) (int, error) {
	cmd, err := buildCommand(opts)
	if err != nil {
		return -1, err
	}

	// Interactive assistants need a real terminal. Fall back to plain
	// passthrough when stdin is a pipe (scripted invocations, tests).
	if !term.IsTerminal(int(os.Stdin.Fd())) {
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

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return -1, fmt.Errorf("launch: start pty: %w", err)
	}
	defer ptmx.Close()

	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return -1, fmt.Errorf("launch: set raw mode: %w", err)
	}
	defer func() { _ = term.Restore(int(os.Stdin.Fd()), oldState) }()

	// Keep the child's window size in step with ours
	sigwinch := make(chan os.Signal, 1)
	signal.Notify(sigwinch, syscall.SIGWINCH)
	winchDone := make(chan struct{})
	defer func() {
		signal.Stop(sigwinch)
		close(winchDone)
	}()

	go func() {
		for {
			select {
			case <-winchDone:
				return
			case _, ok := <-sigwinch:
				if !ok {
					return
				}
				if ws, err := pty.GetsizeFull(os.Stdin); err == nil {
					_ = pty.Setsize(ptmx, ws)
				}
			}
		}
	}()
	sigwinch <- syscall.SIGWINCH

	// The stdin copy blocks on the terminal read until process exit;
	// it is not waited on.
	go func() {
		_, _ = io.Copy(ptmx, os.Stdin)
	}()
	_, _ = io.Copy(os.Stdout, ptmx)

	err = cmd.Wait()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}
