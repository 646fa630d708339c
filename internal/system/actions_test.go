package system

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

// fakeRunner returns canned results keyed by tool name and records every call.
type fakeRunner struct {
	mu      sync.Mutex
	results map[string]Result
	calls   [][]string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{name}, args...))
	key := name
	if len(args) > 0 {
		key = name + " " + args[0]
	}
	if r, ok := f.results[key]; ok {
		return r
	}
	return f.results[name]
}

func newActions(results map[string]Result) (*Actions, *fakeRunner) {
	runner := &fakeRunner{results: results}
	return NewActions(runner, "timebeat", Tools{}, arbor.NewLogger()), runner
}

func TestActions_ServiceVerbs(t *testing.T) {
	actions, runner := newActions(map[string]Result{"systemctl": {}})
	ctx := context.Background()

	assert.Equal(t, "Timebeat service started successfully", actions.Start(ctx))
	assert.Equal(t, "Timebeat service stopped successfully", actions.Stop(ctx))
	assert.Equal(t, "Timebeat service restarted successfully", actions.Restart(ctx))

	require.Len(t, runner.calls, 3)
	assert.Equal(t, []string{"systemctl", "start", "timebeat"}, runner.calls[0])
	assert.Equal(t, []string{"systemctl", "stop", "timebeat"}, runner.calls[1])
	assert.Equal(t, []string{"systemctl", "restart", "timebeat"}, runner.calls[2])
}

func TestActions_ServiceVerbFailure(t *testing.T) {
	actions, _ := newActions(map[string]Result{
		"systemctl": {ExitCode: 5, Stderr: "Unit timebeat.service not found."},
	})

	assert.Equal(t, "Failed to restart timebeat: Unit timebeat.service not found.",
		actions.Restart(context.Background()))
}

func TestActions_ServiceVerbInvocationError(t *testing.T) {
	actions, _ := newActions(map[string]Result{
		"systemctl": {ExitCode: -1, Err: errors.New("executable file not found")},
	})

	assert.Equal(t, "Error stopping service: executable file not found",
		actions.Stop(context.Background()))
}

func TestActions_Status(t *testing.T) {
	actions, _ := newActions(map[string]Result{
		"systemctl status": {Stdout: "● timebeat.service - Timebeat\n   Active: inactive (dead)\n", ExitCode: 3},
	})

	out := actions.Status(context.Background())
	assert.Contains(t, out, "Active: inactive (dead)")
}

func TestActions_StatusFallsBackToStderr(t *testing.T) {
	actions, _ := newActions(map[string]Result{
		"systemctl status": {Stderr: "Unit timebeat.service could not be found.", ExitCode: 4},
	})

	assert.Equal(t, "Unit timebeat.service could not be found.", actions.Status(context.Background()))
}

func TestActions_Logs(t *testing.T) {
	actions, runner := newActions(map[string]Result{"journalctl": {Stdout: "line1\nline2\n"}})

	assert.Equal(t, "line1\nline2\n", actions.Logs(context.Background(), 7))
	require.Len(t, runner.calls, 1)
	assert.Equal(t, []string{"journalctl", "-u", "timebeat", "-n", "7", "--no-pager"}, runner.calls[0])

	actions.Logs(context.Background(), -3)
	assert.Equal(t, "50", runner.calls[1][4])
}

func TestActions_LogsFailure(t *testing.T) {
	actions, _ := newActions(map[string]Result{"journalctl": {ExitCode: 1, Stderr: "No journal files were found."}})

	assert.Equal(t, "Failed to get logs: No journal files were found.", actions.Logs(context.Background(), 50))
}

func TestActions_ClockStatus(t *testing.T) {
	actions, runner := newActions(map[string]Result{
		"chronyc":     {Stdout: "MS Name/IP address\n^* ntp1"},
		"timedatectl": {Stdout: "System clock synchronized: yes"},
	})

	out := actions.ClockStatus(context.Background())
	assert.Equal(t, "MS Name/IP address\n^* ntp1\nSystem clock synchronized: yes", out)
	assert.Equal(t, []string{"chronyc", "sources"}, runner.calls[0])
	assert.Equal(t, []string{"timedatectl", "status"}, runner.calls[1])
}

func TestActions_ClockStatusPartialFailure(t *testing.T) {
	actions, _ := newActions(map[string]Result{
		"chronyc":     {ExitCode: -1, Err: errors.New("not found")},
		"timedatectl": {Stdout: "Local time: Mon"},
	})

	out := actions.ClockStatus(context.Background())
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "Error running chronyc: not found", lines[0])
	assert.Equal(t, "Local time: Mon", lines[1])
}

func TestActions_CustomTools(t *testing.T) {
	runner := &fakeRunner{results: map[string]Result{}}
	actions := NewActions(runner, "tb", Tools{Systemctl: "/usr/bin/systemctl"}, arbor.NewLogger())

	actions.Start(context.Background())
	assert.Equal(t, []string{"/usr/bin/systemctl", "start", "tb"}, runner.calls[0])
}

func TestExecRunner(t *testing.T) {
	ctx := context.Background()
	var r ExecRunner

	res := r.Run(ctx, "sh", "-c", "echo out; echo err >&2; exit 3")
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err", res.Stderr)
	assert.Equal(t, 3, res.ExitCode)
	assert.NoError(t, res.Err)
	assert.False(t, res.OK())

	res = r.Run(ctx, "sh", "-c", "true")
	assert.True(t, res.OK())

	res = r.Run(ctx, "definitely-not-a-real-binary-timebeat")
	assert.Error(t, res.Err)
	assert.Equal(t, -1, res.ExitCode)
}

func TestExecRunner_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := ExecRunner{}.Run(ctx, "sh", "-c", "sleep 5")
	assert.Error(t, res.Err)
}
