package system

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"
)

// DefaultLogLines is the journal tail length when none is requested.
const DefaultLogLines = 50

// Tools names the binaries invoked by Actions. Empty fields use the defaults.
type Tools struct {
	Systemctl   string
	Journalctl  string
	Chronyc     string
	Timedatectl string
}

func (t Tools) withDefaults() Tools {
	if t.Systemctl == "" {
		t.Systemctl = "systemctl"
	}
	if t.Journalctl == "" {
		t.Journalctl = "journalctl"
	}
	if t.Chronyc == "" {
		t.Chronyc = "chronyc"
	}
	if t.Timedatectl == "" {
		t.Timedatectl = "timedatectl"
	}
	return t
}

// Actions invokes the host tools for one service. Every method returns
// operator-facing text; failures are folded into that text and never returned
// as errors.
type Actions struct {
	runner  Runner
	service string
	tools   Tools
	logger  arbor.ILogger
}

// NewActions creates Actions for the named systemd unit.
func NewActions(runner Runner, service string, tools Tools, logger arbor.ILogger) *Actions {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Actions{
		runner:  runner,
		service: service,
		tools:   tools.withDefaults(),
		logger:  logger,
	}
}

// serviceVerb describes one systemctl verb and its messages.
type serviceVerb struct {
	verb   string
	past   string
	gerund string
}

var (
	verbStart   = serviceVerb{"start", "started", "starting"}
	verbStop    = serviceVerb{"stop", "stopped", "stopping"}
	verbRestart = serviceVerb{"restart", "restarted", "restarting"}
)

// Status returns the output of systemctl status. systemctl exits non-zero for
// inactive units, so the captured output is the answer either way.
func (a *Actions) Status(ctx context.Context) string {
	res := a.run(ctx, a.tools.Systemctl, "status", a.service)
	if res.Err != nil {
		return fmt.Sprintf("Error getting status: %v", res.Err)
	}
	if res.Stdout == "" && res.Stderr != "" {
		return res.Stderr
	}
	return res.Stdout
}

// Start starts the service.
func (a *Actions) Start(ctx context.Context) string {
	return a.control(ctx, verbStart)
}

// Stop stops the service.
func (a *Actions) Stop(ctx context.Context) string {
	return a.control(ctx, verbStop)
}

// Restart restarts the service.
func (a *Actions) Restart(ctx context.Context) string {
	return a.control(ctx, verbRestart)
}

func (a *Actions) control(ctx context.Context, v serviceVerb) string {
	res := a.run(ctx, a.tools.Systemctl, v.verb, a.service)
	switch {
	case res.Err != nil:
		return fmt.Sprintf("Error %s service: %v", v.gerund, res.Err)
	case res.ExitCode != 0:
		return fmt.Sprintf("Failed to %s %s: %s", v.verb, a.service, res.Stderr)
	}

	a.logger.Info().Str("service", a.service).Str("action", v.verb).Msg("Service action completed")
	return fmt.Sprintf("%s service %s successfully", displayName(a.service), v.past)
}

// Logs returns the last lines of the service journal. Negative counts use
// DefaultLogLines.
func (a *Actions) Logs(ctx context.Context, lines int) string {
	if lines < 0 {
		lines = DefaultLogLines
	}

	res := a.run(ctx, a.tools.Journalctl, "-u", a.service, "-n", strconv.Itoa(lines), "--no-pager")
	switch {
	case res.Err != nil:
		return fmt.Sprintf("Error getting logs: %v", res.Err)
	case res.ExitCode != 0 && res.Stdout == "":
		return fmt.Sprintf("Failed to get logs: %s", res.Stderr)
	}
	return res.Stdout
}

// ClockStatus concatenates the chrony source table and timedatectl status.
// A failing tool contributes an inline error note instead of its output.
func (a *Actions) ClockStatus(ctx context.Context) string {
	parts := []string{
		a.toolOutput(ctx, a.tools.Chronyc, "sources"),
		a.toolOutput(ctx, a.tools.Timedatectl, "status"),
	}
	return strings.Join(parts, "\n")
}

func (a *Actions) toolOutput(ctx context.Context, name string, args ...string) string {
	res := a.run(ctx, name, args...)
	switch {
	case res.Err != nil:
		return fmt.Sprintf("Error running %s: %v", name, res.Err)
	case res.ExitCode != 0 && res.Stdout == "":
		return fmt.Sprintf("Error running %s: exit status %d: %s", name, res.ExitCode, res.Stderr)
	}
	return res.Stdout
}

func (a *Actions) run(ctx context.Context, name string, args ...string) Result {
	res := a.runner.Run(ctx, name, args...)
	switch {
	case res.Err != nil:
		a.logger.Warn().Str("tool", name).Strs("args", args).Err(res.Err).Msg("Tool could not be run")
	case res.ExitCode != 0:
		a.logger.Warn().
			Str("tool", name).
			Strs("args", args).
			Str("stderr", res.Stderr).
			Msgf("Tool exited with status %d", res.ExitCode)
	}
	return res
}

// displayName capitalizes the unit name for success messages.
func displayName(service string) string {
	if service == "" {
		return service
	}
	return strings.ToUpper(service[:1]) + service[1:]
}
