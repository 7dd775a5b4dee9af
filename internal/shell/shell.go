// Package shell wraps external command execution behind a small Runner
// interface so that components driving git, docker, and kubectl can be
// exercised in tests without the real binaries.
package shell

import (
	"bytes"
	"io"
	"os/exec"
	"strings"
)

// Runner executes external commands.
type Runner interface {
	// Run executes a command and returns trimmed stdout. stderr is folded
	// into the returned error's message on failure.
	Run(name string, args ...string) (string, error)

	// RunDir is Run with an explicit working directory.
	RunDir(dir, name string, args ...string) (string, error)

	// RunStream executes a command, wiring stdout and stderr to the given
	// writers line-buffered, and waits for completion.
	RunStream(stdout, stderr io.Writer, name string, args ...string) error
}

// Exec is the production Runner.
type Exec struct{}

// Run executes a command and returns stdout only (trimmed).
func (Exec) Run(name string, args ...string) (string, error) {
	return Exec{}.RunDir("", name, args...)
}

// RunDir executes a command in dir and returns stdout only (trimmed).
func (Exec) RunDir(dir, name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return strings.TrimSpace(stdout.String()), &CommandError{Cmd: name, Stderr: msg, Err: err}
		}
	}
	return strings.TrimSpace(stdout.String()), err
}

// RunStream executes a command with live output capture.
func (Exec) RunStream(stdout, stderr io.Writer, name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}

// CommandError carries the stderr of a failed command.
type CommandError struct {
	Cmd    string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	return e.Cmd + ": " + e.Err.Error() + ": " + e.Stderr
}

func (e *CommandError) Unwrap() error { return e.Err }

// CommandExists checks if a binary is on PATH.
func CommandExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
