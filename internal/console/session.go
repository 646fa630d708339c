package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
)

// Terminal is a line-oriented duplex stream. ReadLine returns io.EOF when the
// peer has closed its side.
type Terminal interface {
	io.Writer
	ReadLine() (string, error)
}

// StreamTerminal implements Terminal over a raw byte stream with no line
// editing. It writes the prompt before each read.
type StreamTerminal struct {
	r      *bufio.Reader
	w      io.Writer
	prompt string
}

// NewStreamTerminal wraps rw. The prompt may be empty for non-interactive use.
func NewStreamTerminal(rw io.ReadWriter, prompt string) *StreamTerminal {
	return &StreamTerminal{r: bufio.NewReader(rw), w: rw, prompt: prompt}
}

// ReadLine implements Terminal. A final line without a terminator is returned
// before io.EOF.
func (s *StreamTerminal) ReadLine() (string, error) {
	if s.prompt != "" {
		if _, err := io.WriteString(s.w, s.prompt); err != nil {
			return "", err
		}
	}
	line, err := s.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Write implements io.Writer.
func (s *StreamTerminal) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

// WriteBanner writes the welcome text shown at session start.
func WriteBanner(w io.Writer, user string, now time.Time) error {
	_, err := fmt.Fprintf(w,
		"Welcome to Timebeat SSH CLI Interface\nUser: %s\nTime: %s\nType 'help' for available commands\n\n",
		user, now.Format(time.RFC3339))
	return err
}

// Session runs the read-dispatch-write loop for one connected operator.
type Session struct {
	table  *Table
	term   Terminal
	user   string
	logger arbor.ILogger
}

// NewSession creates a session for user reading from term.
func NewSession(table *Table, term Terminal, user string, logger arbor.ILogger) *Session {
	return &Session{table: table, term: term, user: user, logger: logger}
}

// Run loops until the operator exits, the stream ends, ctx is cancelled or a
// write fails. It returns nil for a normal end of session.
func (s *Session) Run(ctx context.Context) error {
	ctx = WithUser(ctx, s.user)
	s.logger.Info().Str("user", s.user).Msg("Session started")
	defer s.logger.Info().Str("user", s.user).Msg("Session ended")

	for {
		if ctx.Err() != nil {
			return nil
		}

		line, err := s.term.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		resp := s.table.Dispatch(ctx, line)
		if _, err := io.WriteString(s.term, resp.Text+"\n\n"); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
		if resp.Exit {
			return nil
		}
	}
}
