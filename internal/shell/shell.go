// Package shell runs wrapped commands and reports how they exited.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// ExitError wraps a non-zero exit or signal death of a subprocess.
type ExitError struct {
	Code int
	// Signal names the signal that killed the process, if any.
	Signal string
	Cmd    string
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("%s killed by %s", e.Cmd, e.Signal)
	}
	return fmt.Sprintf("%s exited with code %d", e.Cmd, e.Code)
}

// Runner executes commands with a shared working directory and environment.
// Nil streams default to the process's own stdio.
type Runner struct {
	Dir    string
	Env    []string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Command builds an exec.Cmd with the runner's directory and environment
// but no streams attached.
func (r *Runner) Command(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	cmd.Env = r.environ()
	return cmd
}

// RunInteractive runs a command connected to the runner's streams and
// returns an *ExitError when it does not exit cleanly.
func (r *Runner) RunInteractive(ctx context.Context, name string, args ...string) error {
	cmd := r.Command(ctx, name, args...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if r.Stdin != nil {
		cmd.Stdin = r.Stdin
	}
	if r.Stdout != nil {
		cmd.Stdout = r.Stdout
	}
	if r.Stderr != nil {
		cmd.Stderr = r.Stderr
	}

	return Wrap(cmd.Run(), name, args...)
}

// Wrap converts an *exec.ExitError into an *ExitError. Other errors are
// wrapped with the command name.
func Wrap(err error, name string, args ...string) error {
	if err == nil {
		return nil
	}
	line := strings.TrimSpace(name + " " + strings.Join(args, " "))
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return fmt.Errorf("running %s: %w", name, err)
	}
	e := &ExitError{Code: exitErr.ExitCode(), Cmd: line}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		e.Code = 128 + int(ws.Signal())
		e.Signal = ws.Signal().String()
	}
	return e
}

// ExitCode maps the result of a command to the code the wrapper should
// exit with. Errors that are not exits (command not found) map to 127.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if errors.Is(err, exec.ErrNotFound) {
		return 127
	}
	return 1
}

func (r *Runner) environ() []string {
	if len(r.Env) == 0 {
		return nil // inherit parent
	}
	return append(os.Environ(), r.Env...)
}
