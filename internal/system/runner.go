// Package system wraps the host tools used to control and inspect timebeat:
// the service manager, the journal and the clock status utilities.
package system

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
)

// Result is the captured outcome of one tool invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Err is set when the tool could not be run at all (missing binary,
	// cancelled context). A non-zero exit is not an Err.
	Err error
}

// OK reports a zero exit status.
func (r Result) OK() bool {
	return r.Err == nil && r.ExitCode == 0
}

// Runner runs an external command to completion.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) Result
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) Result {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Stdout: stdout.String(),
		Stderr: strings.TrimSpace(stderr.String()),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr) && ctx.Err() == nil:
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
		res.Err = err
	}
	return res
}
