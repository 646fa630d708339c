package console

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/timebeat-ssh/internal/timebeat"
)

const sampleConfig = `timebeat:
  clock_sync:
    primary_clocks:
      - protocol: ptp
        interface: eth0
        disable: true
      - protocol: ntp
        ip: 10.0.0.1
    secondary_clocks:
      - protocol: nmea
        device: /dev/ttyS0
`

type fakeActions struct {
	mu       sync.Mutex
	restarts int
	logLines []int
}

func (f *fakeActions) Status(context.Context) string { return "active (running)" }
func (f *fakeActions) Start(context.Context) string { return "Timebeat service started successfully" }
func (f *fakeActions) Stop(context.Context) string { return "Timebeat service stopped successfully" }

func (f *fakeActions) Restart(context.Context) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	return "Timebeat service restarted successfully"
}

func (f *fakeActions) Logs(_ context.Context, lines int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logLines = append(f.logLines, lines)
	return fmt.Sprintf("%d lines", lines)
}

func (f *fakeActions) ClockStatus(context.Context) string { return "synchronized" }

func newTable(t *testing.T) (*Table, *timebeat.Store, *fakeActions) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "timebeat.yml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0644))

	store := timebeat.NewStore(path, arbor.NewLogger())
	require.NoError(t, store.Load())

	actions := &fakeActions{}
	return NewTable(store, actions, arbor.NewLogger()), store, actions
}

func TestDispatch_Unknown(t *testing.T) {
	table, _, _ := newTable(t)

	resp := table.Dispatch(context.Background(), "foo bar")
	assert.Equal(t, StatusUnknown, resp.Status)
	assert.Equal(t, "Unknown command: foo\nType 'help' for available commands", resp.Text)
	assert.False(t, resp.Exit)
}

func TestDispatch_Empty(t *testing.T) {
	table, _, _ := newTable(t)

	resp := table.Dispatch(context.Background(), "   ")
	assert.Equal(t, StatusEmpty, resp.Status)
	assert.Empty(t, resp.Text)
}

func TestDispatch_CaseInsensitiveName(t *testing.T) {
	table, _, _ := newTable(t)

	resp := table.Dispatch(context.Background(), "STATUS")
	assert.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, "active (running)", resp.Text)
}

func TestDispatch_EnableRestarts(t *testing.T) {
	table, _, actions := newTable(t)
	ctx := context.Background()

	resp := table.Dispatch(ctx, "enable ptp")
	assert.Equal(t, "Protocol PTP ENABLED in primary clocks\nTimebeat service restarted successfully", resp.Text)
	assert.Equal(t, 1, actions.restarts)

	resp = table.Dispatch(ctx, "protocols")
	assert.Contains(t, resp.Text, "PTP: ENABLED (eth0)")
}

func TestDispatch_DisableSecondary(t *testing.T) {
	table, store, actions := newTable(t)

	resp := table.Dispatch(context.Background(), "disable nmea secondary")
	assert.Equal(t, "Protocol NMEA DISABLED in secondary clocks\nTimebeat service restarted successfully", resp.Text)
	assert.Equal(t, 1, actions.restarts)

	entries, err := store.Clocks(timebeat.Secondary)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Enabled)
}

func TestDispatch_ToggleWithoutRestart(t *testing.T) {
	table, _, actions := newTable(t)
	ctx := context.Background()

	resp := table.Dispatch(ctx, "enable gnss")
	assert.Equal(t, "Protocol gnss not found in primary clocks", resp.Text)

	// ntp is already enabled, so enable flips it off and no restart follows.
	resp = table.Dispatch(ctx, "enable ntp")
	assert.Equal(t, "Protocol NTP DISABLED in primary clocks", resp.Text)

	assert.Equal(t, 0, actions.restarts)
}

func TestDispatch_ToggleUsage(t *testing.T) {
	table, _, actions := newTable(t)

	assert.Equal(t, "Usage: enable <protocol> [primary|secondary]", table.Dispatch(context.Background(), "enable").Text)
	assert.Equal(t, "Usage: disable <protocol> [primary|secondary]", table.Dispatch(context.Background(), "disable").Text)
	assert.Equal(t, 0, actions.restarts)
}

func TestDispatch_Logs(t *testing.T) {
	table, _, actions := newTable(t)
	ctx := context.Background()

	table.Dispatch(ctx, "logs")
	table.Dispatch(ctx, "logs 7")
	table.Dispatch(ctx, "logs abc")
	table.Dispatch(ctx, "logs -4")

	assert.Equal(t, []int{50, 7, 50, 50}, actions.logLines)
}

func TestDispatch_ConfigAndReload(t *testing.T) {
	table, store, _ := newTable(t)
	ctx := context.Background()

	resp := table.Dispatch(ctx, "config")
	assert.Contains(t, resp.Text, "primary_clocks:")

	edited := strings.Replace(sampleConfig, "eth0", "eth7", 1)
	require.NoError(t, os.WriteFile(store.Path(), []byte(edited), 0644))

	assert.Equal(t, "Configuration reloaded successfully", table.Dispatch(ctx, "reload").Text)
	assert.Contains(t, table.Dispatch(ctx, "protocols").Text, "(eth7)")

	require.NoError(t, os.WriteFile(store.Path(), []byte("timebeat: [oops\n"), 0644))
	assert.Equal(t, "Failed to reload configuration", table.Dispatch(ctx, "reload").Text)
	assert.Contains(t, table.Dispatch(ctx, "protocols").Text, "(eth7)")
}

func TestDispatch_NotLoaded(t *testing.T) {
	store := timebeat.NewStore(filepath.Join(t.TempDir(), "absent.yml"), arbor.NewLogger())
	table := NewTable(store, &fakeActions{}, arbor.NewLogger())
	ctx := context.Background()

	assert.Equal(t, timebeat.NotLoadedMessage, table.Dispatch(ctx, "config").Text)
	assert.Equal(t, timebeat.NotLoadedMessage, table.Dispatch(ctx, "protocols").Text)
	assert.Equal(t, timebeat.NotLoadedMessage, table.Dispatch(ctx, "enable ptp").Text)
}

func TestDispatch_ExitAndQuit(t *testing.T) {
	table, _, _ := newTable(t)

	for _, name := range []string{"exit", "quit", "QUIT"} {
		resp := table.Dispatch(context.Background(), name)
		assert.True(t, resp.Exit, name)
		assert.Equal(t, "Goodbye!", resp.Text)
	}
}

func TestDispatch_PanicBecomesFault(t *testing.T) {
	table, _, _ := newTable(t)
	table.register(&Command{Name: "boom", Run: func(context.Context, []string) Response {
		panic("kaboom")
	}})

	resp := table.Dispatch(context.Background(), "boom")
	assert.Equal(t, StatusFault, resp.Status)
	assert.Equal(t, "Error executing command: kaboom", resp.Text)
}

func TestHelpText(t *testing.T) {
	table, _, _ := newTable(t)

	help := table.Dispatch(context.Background(), "help").Text
	assert.True(t, strings.HasPrefix(help, "Available Commands:\n"))
	assert.Contains(t, help, "status                  - Show timebeat service status\n")
	assert.Contains(t, help, "logs [lines]            - Show timebeat logs (default: 50 lines)\n")
	assert.Contains(t, help, "enable <proto> [class]  - Enable a protocol (ptp, ntp, pps, nmea, phc)\n")
	assert.Contains(t, help, "disable <proto> [class] - Disable a protocol\n")
	assert.Contains(t, help, "exit/quit               - Exit the session\n")
	assert.Contains(t, help, "timebeat> enable ptp")
}

func TestNames(t *testing.T) {
	table, _, _ := newTable(t)

	names := table.Names()
	assert.Contains(t, names, "quit")
	assert.Contains(t, names, "clock")
	assert.Len(t, names, 14)
}

type readWriter struct {
	io.Reader
	io.Writer
}

func runSession(t *testing.T, table *Table, input string) string {
	t.Helper()
	var out bytes.Buffer
	rw := readWriter{strings.NewReader(input), &out}

	term := NewStreamTerminal(rw, Prompt)
	require.NoError(t, NewSession(table, term, "alice", arbor.NewLogger()).Run(context.Background()))
	return out.String()
}

func TestSession_ContinuesAfterUnknown(t *testing.T) {
	table, _, _ := newTable(t)

	out := runSession(t, table, "bogus\nstatus\nexit\nstatus\n")

	assert.Contains(t, out, "Unknown command: bogus\nType 'help' for available commands\n\n")
	assert.Contains(t, out, "active (running)\n\n")
	assert.True(t, strings.HasSuffix(out, "Goodbye!\n\n"))
	assert.Equal(t, 1, strings.Count(out, "active (running)"))
}

func TestSession_SkipsBlankLines(t *testing.T) {
	table, _, _ := newTable(t)

	out := runSession(t, table, "\n   \nclock\n")
	assert.Equal(t, Prompt+Prompt+Prompt+"synchronized\n\n"+Prompt, out)
}

func TestSession_EOFWithoutNewline(t *testing.T) {
	table, _, _ := newTable(t)

	out := runSession(t, table, "clock")
	assert.Contains(t, out, "synchronized\n\n")
	assert.NotContains(t, out, "Goodbye!")
}

func TestSession_CancelledContext(t *testing.T) {
	table, _, _ := newTable(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	rw := readWriter{strings.NewReader("status\n"), &out}

	require.NoError(t, NewSession(table, NewStreamTerminal(rw, ""), "bob", arbor.NewLogger()).Run(ctx))
	assert.Empty(t, out.String())
}

func TestWriteBanner(t *testing.T) {
	var out bytes.Buffer
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, WriteBanner(&out, "alice", now))
	assert.Equal(t,
		"Welcome to Timebeat SSH CLI Interface\nUser: alice\nTime: 2026-03-01T12:00:00Z\nType 'help' for available commands\n\n",
		out.String())
}

func TestUserFrom(t *testing.T) {
	assert.Equal(t, "local", UserFrom(context.Background()))
	assert.Equal(t, "alice", UserFrom(WithUser(context.Background(), "alice")))
}
