// Package console implements the operator command table and the interactive
// session loop served over SSH.
package console

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/timebeat-ssh/internal/timebeat"
)

// Prompt is written before every input line.
const Prompt = "timebeat> "

// ServiceActions is the subset of system.Actions the commands need.
type ServiceActions interface {
	Status(ctx context.Context) string
	Start(ctx context.Context) string
	Stop(ctx context.Context) string
	Restart(ctx context.Context) string
	Logs(ctx context.Context, lines int) string
	ClockStatus(ctx context.Context) string
}

// Status classifies a dispatch.
type Status int

const (
	StatusOK Status = iota
	StatusEmpty
	StatusUnknown
	StatusFault
)

// Response is the result of dispatching one input line.
type Response struct {
	Text   string
	Status Status
	// Exit asks the session loop to end after writing Text.
	Exit bool
}

// HandlerFunc executes a command with its positional arguments.
type HandlerFunc func(ctx context.Context, args []string) Response

// Command is one entry of the command table.
type Command struct {
	Name    string
	Aliases []string
	Usage   string
	Summary string
	Run     HandlerFunc
}

// Table maps command names to commands. It is built once and never modified,
// so it is safe to share between sessions.
type Table struct {
	commands map[string]*Command
	ordered  []*Command
	store    *timebeat.Store
	actions  ServiceActions
	logger   arbor.ILogger
}

// NewTable builds the command table over store and actions.
func NewTable(store *timebeat.Store, actions ServiceActions, logger arbor.ILogger) *Table {
	t := &Table{
		commands: make(map[string]*Command),
		store:    store,
		actions:  actions,
		logger:   logger,
	}
	for _, c := range t.builtins() {
		t.register(c)
	}
	return t
}

func (t *Table) register(c *Command) {
	t.ordered = append(t.ordered, c)
	t.commands[c.Name] = c
	for _, alias := range c.Aliases {
		t.commands[alias] = c
	}
}

// Lookup finds a command by case-insensitive name.
func (t *Table) Lookup(name string) (*Command, bool) {
	c, ok := t.commands[strings.ToLower(name)]
	return c, ok
}

// Names returns every accepted command name, aliases included, sorted.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.commands))
	for name := range t.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch tokenizes line and runs the named command. The first token is the
// case-insensitive command name; the rest are case-sensitive arguments.
// Handler panics are recovered and reported as a fault response.
func (t *Table) Dispatch(ctx context.Context, line string) Response {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Response{Status: StatusEmpty}
	}

	name := strings.ToLower(fields[0])
	args := fields[1:]

	cmd, ok := t.commands[name]
	if !ok {
		t.logger.Debug().Str("user", UserFrom(ctx)).Str("command", name).Msg("Unknown command")
		return Response{
			Text:   fmt.Sprintf("Unknown command: %s\nType 'help' for available commands", name),
			Status: StatusUnknown,
		}
	}

	t.logger.Info().
		Str("user", UserFrom(ctx)).
		Str("command", cmd.Name).
		Strs("args", args).
		Msg("Executing command")

	return t.invoke(ctx, cmd, args)
}

func (t *Table) invoke(ctx context.Context, cmd *Command, args []string) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error().
				Str("command", cmd.Name).
				Str("stack", string(debug.Stack())).
				Msgf("Command panicked: %v", r)
			resp = Response{
				Text:   fmt.Sprintf("Error executing command: %v", r),
				Status: StatusFault,
			}
		}
	}()
	return cmd.Run(ctx, args)
}

type userKey struct{}

// WithUser attaches the authenticated user name to ctx for audit logging.
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFrom returns the user attached by WithUser, or "local".
func UserFrom(ctx context.Context) string {
	if u, ok := ctx.Value(userKey{}).(string); ok && u != "" {
		return u
	}
	return "local"
}
