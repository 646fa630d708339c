// Package sshserver exposes the console command table over SSH. Clients
// authenticate with a public key from an authorized_keys file and get either
// an interactive shell or a single exec'd command per session channel.
package sshserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"

	"github.com/ternarybob/timebeat-ssh/internal/console"
)

// DefaultHandshakeTimeout bounds the SSH handshake of a new connection.
const DefaultHandshakeTimeout = 30 * time.Second

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("ssh server closed")

// Options configures a Server.
type Options struct {
	HostKey        ssh.Signer
	AuthorizedKeys AuthorizedKeys
	// MaxSessions caps concurrently open session channels. Zero means no cap.
	MaxSessions      int
	HandshakeTimeout time.Duration
	// Now stamps the welcome banner. Defaults to time.Now.
	Now func() time.Time
}

// Server accepts SSH connections and runs console sessions on them.
type Server struct {
	table  *console.Table
	opts   Options
	logger arbor.ILogger
	config *ssh.ServerConfig
	keys   atomic.Pointer[AuthorizedKeys]

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	active   int

	wg sync.WaitGroup
}

// New creates a Server. The host key is required.
func New(table *console.Table, opts Options, logger arbor.ILogger) (*Server, error) {
	if opts.HostKey == nil {
		return nil, errors.New("host key is required")
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Server{
		table:  table,
		opts:   opts,
		logger: logger,
		conns:  make(map[net.Conn]struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.SetAuthorizedKeys(opts.AuthorizedKeys)

	s.config = &ssh.ServerConfig{PublicKeyCallback: s.authenticate}
	s.config.AddHostKey(opts.HostKey)

	if len(opts.AuthorizedKeys) == 0 {
		logger.Warn().Msg("No authorized keys configured, all logins will be rejected")
	}
	return s, nil
}

// SetAuthorizedKeys replaces the key set used for new logins.
func (s *Server) SetAuthorizedKeys(keys AuthorizedKeys) {
	if keys == nil {
		keys = AuthorizedKeys{}
	}
	s.keys.Store(&keys)
}

func (s *Server) authenticate(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	fp := ssh.FingerprintSHA256(key)
	comment, ok := s.keys.Load().Contains(key)
	if !ok {
		s.logger.Warn().
			Str("user", meta.User()).
			Str("remote", meta.RemoteAddr().String()).
			Str("fingerprint", fp).
			Msg("Rejected public key")
		return nil, fmt.Errorf("unknown public key for %q", meta.User())
	}

	s.logger.Info().
		Str("user", meta.User()).
		Str("remote", meta.RemoteAddr().String()).
		Str("key", comment).
		Msg("Public key accepted")
	return &ssh.Permissions{Extensions: map[string]string{"pubkey-fp": fp}}, nil
}

// ListenAndServe listens on the TCP address and serves until Close.
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(l)
}

// Serve accepts connections on l until Close. It always returns a non-nil
// error; after Close that error is ErrServerClosed.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.mu.Unlock()

	s.logger.Info().Str("address", l.Addr().String()).Msg("SSH server listening")

	for {
		nc, err := l.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		if !s.track(nc) {
			nc.Close()
			return ErrServerClosed
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(nc)
			s.handleConn(nc)
		}()
	}
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting, drops every open connection and waits for the
// session goroutines to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for nc := range s.conns {
		nc.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("SSH server stopped")
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(nc net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[nc] = struct{}{}
	return true
}

func (s *Server) untrack(nc net.Conn) {
	s.mu.Lock()
	delete(s.conns, nc)
	s.mu.Unlock()
	nc.Close()
}

// acquire reserves a session slot.
func (s *Server) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.MaxSessions > 0 && s.active >= s.opts.MaxSessions {
		return false
	}
	s.active++
	return true
}

func (s *Server) release() {
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
}

// ActiveSessions returns the number of open session channels.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Server) handleConn(nc net.Conn) {
	nc.SetDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	sconn, chans, reqs, err := ssh.NewServerConn(nc, s.config)
	if err != nil {
		s.logger.Debug().Str("remote", nc.RemoteAddr().String()).Err(err).Msg("SSH handshake failed")
		return
	}
	nc.SetDeadline(time.Time{})
	defer sconn.Close()

	user := sconn.User()
	s.logger.Info().Str("user", user).Str("remote", sconn.RemoteAddr().String()).Msg("Client connected")
	defer s.logger.Info().Str("user", user).Msg("Client disconnected")

	go ssh.DiscardRequests(reqs)

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	var sessions sync.WaitGroup
	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		if !s.acquire() {
			s.logger.Warn().Str("user", user).Msgf("Session limit of %d reached", s.opts.MaxSessions)
			newCh.Reject(ssh.ResourceShortage, "too many sessions")
			continue
		}

		ch, chReqs, err := newCh.Accept()
		if err != nil {
			s.release()
			s.logger.Warn().Str("user", user).Err(err).Msg("Failed to accept channel")
			continue
		}

		sessions.Add(1)
		go func() {
			defer sessions.Done()
			defer s.release()
			s.handleSession(ctx, user, ch, chReqs)
		}()
	}
	cancel()
	sessions.Wait()
}

type ptyRequest struct {
	Term    string
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
	Modes   string
}

type windowChange struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

type execRequest struct {
	Command string
}

type exitStatus struct {
	Status uint32
}

// sessionStart is the first shell or exec request on a channel along with
// any pty negotiated before it.
type sessionStart struct {
	exec    bool
	command string
	pty     *ptyRequest
}

func (s *Server) handleSession(ctx context.Context, user string, ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()

	var terminal atomic.Pointer[term.Terminal]
	start := make(chan sessionStart, 1)

	go func() {
		defer close(start)
		var (
			pty     *ptyRequest
			started bool
		)
		for req := range reqs {
			switch req.Type {
			case "pty-req":
				var p ptyRequest
				if err := ssh.Unmarshal(req.Payload, &p); err != nil || started {
					req.Reply(false, nil)
					continue
				}
				pty = &p
				req.Reply(true, nil)
			case "window-change":
				var w windowChange
				if err := ssh.Unmarshal(req.Payload, &w); err == nil {
					if t := terminal.Load(); t != nil {
						t.SetSize(int(w.Columns), int(w.Rows))
					}
				}
				req.Reply(true, nil)
			case "shell", "exec":
				if started {
					req.Reply(false, nil)
					continue
				}
				st := sessionStart{pty: pty}
				if req.Type == "exec" {
					var e execRequest
					if err := ssh.Unmarshal(req.Payload, &e); err != nil {
						req.Reply(false, nil)
						continue
					}
					st.exec, st.command = true, e.Command
				}
				started = true
				req.Reply(true, nil)
				start <- st
			default:
				req.Reply(false, nil)
			}
		}
	}()

	var st sessionStart
	select {
	case v, ok := <-start:
		if !ok {
			return
		}
		st = v
	case <-ctx.Done():
		return
	}

	var status uint32
	if st.exec {
		status = s.runExec(ctx, user, ch, st.command)
	} else {
		s.runShell(ctx, user, ch, st.pty, &terminal)
	}

	if _, err := ch.SendRequest("exit-status", false, ssh.Marshal(&exitStatus{Status: status})); err != nil && !errors.Is(err, io.EOF) {
		s.logger.Debug().Str("user", user).Err(err).Msg("Failed to send exit status")
	}
}

// runExec dispatches a single command line and returns the exit status:
// zero for handled commands, one for unknown commands and handler faults.
func (s *Server) runExec(ctx context.Context, user string, ch ssh.Channel, command string) uint32 {
	resp := s.table.Dispatch(console.WithUser(ctx, user), command)
	if resp.Text != "" {
		io.WriteString(ch, resp.Text+"\n")
	}
	switch resp.Status {
	case console.StatusUnknown, console.StatusFault:
		return 1
	default:
		return 0
	}
}

func (s *Server) runShell(ctx context.Context, user string, ch ssh.Channel, pty *ptyRequest, holder *atomic.Pointer[term.Terminal]) {
	var t console.Terminal
	if pty != nil {
		tt := term.NewTerminal(ch, console.Prompt)
		if pty.Columns > 0 && pty.Rows > 0 {
			tt.SetSize(int(pty.Columns), int(pty.Rows))
		}
		holder.Store(tt)
		t = tt
	} else {
		t = console.NewStreamTerminal(ch, console.Prompt)
	}

	if err := console.WriteBanner(t, user, s.opts.Now()); err != nil {
		return
	}
	if err := console.NewSession(s.table, t, user, s.logger).Run(ctx); err != nil {
		s.logger.Debug().Str("user", user).Err(err).Msg("Session ended with error")
	}
}
