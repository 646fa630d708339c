package console

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ternarybob/timebeat-ssh/internal/system"
	"github.com/ternarybob/timebeat-ssh/internal/timebeat"
)

func (t *Table) builtins() []*Command {
	return []*Command{
		{Name: "status", Summary: "Show timebeat service status", Run: t.status},
		{Name: "start", Summary: "Start timebeat service", Run: t.start},
		{Name: "stop", Summary: "Stop timebeat service", Run: t.stop},
		{Name: "restart", Summary: "Restart timebeat service", Run: t.restart},
		{Name: "logs", Usage: "[lines]", Summary: "Show timebeat logs (default: 50 lines)", Run: t.logs},
		{Name: "protocols", Summary: "List all configured protocols", Run: t.protocols},
		{Name: "enable", Usage: "<proto> [class]", Summary: "Enable a protocol (ptp, ntp, pps, nmea, phc)", Run: t.enable},
		{Name: "disable", Usage: "<proto> [class]", Summary: "Disable a protocol", Run: t.disable},
		{Name: "clock", Summary: "Show clock synchronization status", Run: t.clock},
		{Name: "config", Summary: "Show current configuration", Run: t.config},
		{Name: "reload", Summary: "Reload configuration from file", Run: t.reload},
		{Name: "help", Summary: "Show this help message", Run: t.help},
		{Name: "exit", Aliases: []string{"quit"}, Summary: "Exit the session", Run: t.exit},
	}
}

func ok(text string) Response {
	return Response{Text: text, Status: StatusOK}
}

func (t *Table) status(ctx context.Context, _ []string) Response {
	return ok(t.actions.Status(ctx))
}

func (t *Table) start(ctx context.Context, _ []string) Response {
	return ok(t.actions.Start(ctx))
}

func (t *Table) stop(ctx context.Context, _ []string) Response {
	return ok(t.actions.Stop(ctx))
}

func (t *Table) restart(ctx context.Context, _ []string) Response {
	return ok(t.actions.Restart(ctx))
}

// logs accepts an optional line count. Anything that is not a non-negative
// integer falls back to the default.
func (t *Table) logs(ctx context.Context, args []string) Response {
	lines := system.DefaultLogLines
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil && n >= 0 {
			lines = n
		}
	}
	return ok(t.actions.Logs(ctx, lines))
}

func (t *Table) protocols(_ context.Context, _ []string) Response {
	return ok(t.store.ListProtocols())
}

func (t *Table) enable(ctx context.Context, args []string) Response {
	return t.toggle(ctx, "enable", timebeat.OutcomeEnabled, args)
}

func (t *Table) disable(ctx context.Context, args []string) Response {
	return t.toggle(ctx, "disable", timebeat.OutcomeDisabled, args)
}

// toggle flips the named protocol and restarts the service only when the
// entry ended up in the requested state.
func (t *Table) toggle(ctx context.Context, verb string, want timebeat.Outcome, args []string) Response {
	if len(args) == 0 {
		return ok(fmt.Sprintf("Usage: %s <protocol> [primary|secondary]", verb))
	}

	class := ""
	if len(args) > 1 {
		class = args[1]
	}

	res := t.store.ToggleProtocol(args[0], class)
	if res.Err != nil {
		t.logger.Error().Str("user", UserFrom(ctx)).Str("protocol", args[0]).Err(res.Err).Msg("Protocol toggle failed")
	} else {
		t.logger.Info().
			Str("user", UserFrom(ctx)).
			Str("protocol", args[0]).
			Str("outcome", res.Outcome.String()).
			Msg("Protocol toggle")
	}

	text := res.String()
	if res.Outcome == want {
		text += "\n" + t.actions.Restart(ctx)
	}
	return ok(text)
}

func (t *Table) clock(ctx context.Context, _ []string) Response {
	return ok(t.actions.ClockStatus(ctx))
}

func (t *Table) config(_ context.Context, _ []string) Response {
	out, err := t.store.Render()
	if err != nil {
		return ok(timebeat.NotLoadedMessage)
	}
	return ok(strings.TrimRight(out, "\n"))
}

func (t *Table) reload(ctx context.Context, _ []string) Response {
	if err := t.store.Load(); err != nil {
		t.logger.Warn().Str("user", UserFrom(ctx)).Err(err).Msg("Configuration reload failed")
		return ok("Failed to reload configuration")
	}
	return ok("Configuration reloaded successfully")
}

func (t *Table) exit(_ context.Context, _ []string) Response {
	return Response{Text: "Goodbye!", Status: StatusOK, Exit: true}
}

func (t *Table) help(_ context.Context, _ []string) Response {
	return ok(t.HelpText())
}

// HelpText renders the command reference.
func (t *Table) HelpText() string {
	var b strings.Builder
	b.WriteString("Available Commands:\n")
	b.WriteString("------------------\n")
	for _, c := range t.ordered {
		label := c.Name
		for _, alias := range c.Aliases {
			label += "/" + alias
		}
		if c.Usage != "" {
			label += " " + c.Usage
		}
		fmt.Fprintf(&b, "%-24s- %s\n", label, c.Summary)
	}
	b.WriteString("\nExamples:\n")
	b.WriteString("---------\n")
	for _, ex := range []string{"status", "logs 100", "enable ptp", "enable ntp secondary", "disable nmea", "protocols"} {
		b.WriteString(Prompt + ex + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
