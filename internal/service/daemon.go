// Package service provides the core service lifecycle management.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/timebeat-ssh/internal/api"
	"github.com/ternarybob/timebeat-ssh/internal/config"
	"github.com/ternarybob/timebeat-ssh/internal/console"
	"github.com/ternarybob/timebeat-ssh/internal/fileutil"
	"github.com/ternarybob/timebeat-ssh/internal/sshserver"
	"github.com/ternarybob/timebeat-ssh/internal/system"
	"github.com/ternarybob/timebeat-ssh/internal/timebeat"
)

// Daemon manages the service lifecycle.
type Daemon struct {
	cfg     *config.Config
	logger  arbor.ILogger
	store   *timebeat.Store
	table   *console.Table
	ssh     *sshserver.Server
	http    *http.Server
	watcher *timebeat.Watcher

	sshAddr  net.Addr
	httpAddr net.Addr

	stopOnce  sync.Once
	stopCh    chan struct{}
	stoppedCh chan struct{}
	mu        sync.Mutex
	running   bool
	waiting   bool
}

// NewDaemon creates a new daemon instance.
func NewDaemon(cfg *config.Config, logger arbor.ILogger) *Daemon {
	return &Daemon{
		cfg:       cfg,
		logger:    logger,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// NewTable builds the command table for cfg. It is shared by the daemon and
// the one-shot exec and mcp entry points.
func NewTable(cfg *config.Config, logger arbor.ILogger) (*console.Table, *timebeat.Store) {
	store := timebeat.NewStore(cfg.Timebeat.ConfigPath, logger)
	if err := store.Load(); err != nil {
		logger.Warn().Err(err).Str("path", cfg.Timebeat.ConfigPath).Msg("Timebeat configuration not loaded")
	}

	tools := system.Tools{
		Systemctl:   cfg.Timebeat.Tools.Systemctl,
		Journalctl:  cfg.Timebeat.Tools.Journalctl,
		Chronyc:     cfg.Timebeat.Tools.Chronyc,
		Timedatectl: cfg.Timebeat.Tools.Timedatectl,
	}
	actions := system.NewActions(nil, cfg.Timebeat.ServiceName, tools, logger)
	return console.NewTable(store, actions, logger), store
}

// Start builds the components and starts the listeners. Bind failures are
// returned before anything is left running.
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("daemon already running")
	}

	// Ensure directories exist
	if err := d.cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	d.table, d.store = NewTable(d.cfg, d.logger)

	hostKey, err := sshserver.LoadOrCreateHostKey(d.cfg.HostKeyPath())
	if err != nil {
		return fmt.Errorf("host key: %w", err)
	}

	d.ssh, err = sshserver.New(d.table, sshserver.Options{
		HostKey:        hostKey,
		AuthorizedKeys: d.loadAuthorizedKeys(),
		MaxSessions:    d.cfg.SSH.MaxSessions,
	}, d.logger)
	if err != nil {
		return fmt.Errorf("create ssh server: %w", err)
	}

	sshListener, err := net.Listen("tcp", d.cfg.Address())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.cfg.Address(), err)
	}
	d.sshAddr = sshListener.Addr()

	var httpListener net.Listener
	if d.cfg.HTTP.Enabled {
		httpListener, err = net.Listen("tcp", d.cfg.HTTPAddress())
		if err != nil {
			sshListener.Close()
			return fmt.Errorf("listen on %s: %w", d.cfg.HTTPAddress(), err)
		}
		d.httpAddr = httpListener.Addr()
		d.http = &http.Server{
			Handler:      api.NewServer(d.cfg, d.store, d.logger).Handler(),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
	}

	if d.cfg.Timebeat.WatchConfig {
		w, err := timebeat.NewWatcher(d.store, timebeat.DefaultDebounce, d.logger)
		if err == nil {
			if err = w.Start(); err != nil {
				w.Stop()
			}
		}
		if err != nil {
			d.logger.Warn().Err(err).Msg("Config watcher disabled")
		} else {
			d.watcher = w
		}
	}

	// Write PID file
	if err := d.writePID(); err != nil {
		d.logger.Warn().Err(err).Str("path", d.cfg.PIDPath()).Msg("Failed to write PID file")
	}

	go func() {
		if err := d.ssh.Serve(sshListener); err != nil && !errors.Is(err, sshserver.ErrServerClosed) {
			d.logger.Error().Err(err).Msg("SSH server error")
		}
	}()

	if d.http != nil {
		go func() {
			d.logger.Info().Str("address", httpListener.Addr().String()).Msg("Starting status API")
			if err := d.http.Serve(httpListener); err != nil && err != http.ErrServerClosed {
				d.logger.Error().Err(err).Msg("Status API error")
			}
		}()
	}

	d.running = true
	d.logger.Info().
		Str("ssh", d.sshAddr.String()).
		Str("timebeat_config", d.cfg.Timebeat.ConfigPath).
		Str("service", d.cfg.Timebeat.ServiceName).
		Msg("timebeat-ssh started")
	return nil
}

// SSHAddr returns the bound SSH address once started.
func (d *Daemon) SSHAddr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sshAddr
}

// HTTPAddr returns the bound status API address, or nil when disabled.
func (d *Daemon) HTTPAddr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.httpAddr
}

// Reload re-reads the timebeat document and the authorized keys. A failed
// document load keeps the previous document.
func (d *Daemon) Reload() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return fmt.Errorf("daemon not running")
	}

	d.ssh.SetAuthorizedKeys(d.loadAuthorizedKeys())
	if err := d.store.Load(); err != nil {
		return fmt.Errorf("reload timebeat config: %w", err)
	}
	d.logger.Info().Msg("Configuration reloaded")
	return nil
}

func (d *Daemon) loadAuthorizedKeys() sshserver.AuthorizedKeys {
	keys, err := sshserver.LoadAuthorizedKeys(d.cfg.SSH.AuthorizedKeys)
	if err != nil {
		d.logger.Warn().Err(err).Str("path", d.cfg.SSH.AuthorizedKeys).Msg("Authorized keys not loaded")
		return nil
	}
	return keys
}

// Wait blocks until a terminating signal or Stop, then shuts down. SIGHUP
// reloads the configuration and keeps running.
func (d *Daemon) Wait() {
	d.mu.Lock()
	d.waiting = true
	d.mu.Unlock()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

loop:
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if err := d.Reload(); err != nil {
					d.logger.Warn().Err(err).Msg("Reload on SIGHUP failed")
				}
				continue
			}
			d.logger.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
			break loop
		case <-d.stopCh:
			d.logger.Info().Msg("Stop requested, shutting down")
			break loop
		}
	}

	d.shutdown()
}

// Stop shuts the daemon down and blocks until it has. With Wait running the
// shutdown happens there; otherwise Stop performs it directly.
func (d *Daemon) Stop() {
	d.mu.Lock()
	running, waiting := d.running, d.waiting
	d.mu.Unlock()
	if !running {
		return
	}

	d.stopOnce.Do(func() { close(d.stopCh) })
	if !waiting {
		d.shutdown()
	}
	<-d.stoppedCh
}

// shutdown performs graceful shutdown.
func (d *Daemon) shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return
	}

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if d.watcher != nil {
		d.watcher.Stop()
	}
	if d.http != nil {
		if err := d.http.Shutdown(ctx); err != nil {
			d.logger.Warn().Err(err).Msg("Status API shutdown error")
		}
	}
	if d.ssh != nil {
		d.ssh.Close()
	}

	// Remove PID file
	d.removePID()

	d.running = false
	close(d.stoppedCh)
	d.logger.Info().Msg("timebeat-ssh stopped")
}

// writePID writes the current process PID to a file.
func (d *Daemon) writePID() error {
	return fileutil.AtomicWrite(d.cfg.PIDPath(), []byte(strconv.Itoa(os.Getpid())), 0644)
}

// removePID removes the PID file.
func (d *Daemon) removePID() {
	_ = os.Remove(d.cfg.PIDPath())
}

// IsRunning checks if a daemon is already running.
func IsRunning(cfg *config.Config) (bool, int) {
	pidPath := cfg.PIDPath()

	data, err := os.ReadFile(pidPath)
	if err != nil {
		return false, 0
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false, 0
	}

	// Check if process exists by sending signal 0
	process, err := os.FindProcess(pid)
	if err != nil {
		return false, 0
	}

	if err := process.Signal(syscall.Signal(0)); err != nil {
		// Process doesn't exist, clean up stale PID file
		_ = os.Remove(pidPath)
		return false, 0
	}

	return true, pid
}

// StopRunning sends SIGTERM to a running daemon and waits for it to exit,
// killing it after three seconds.
func StopRunning(cfg *config.Config) error {
	running, pid := IsRunning(cfg)
	if !running {
		return fmt.Errorf("daemon not running")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process: %w", err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("send signal: %w", err)
	}

	for i := 0; i < 30; i++ {
		time.Sleep(100 * time.Millisecond)
		if running, _ := IsRunning(cfg); !running {
			return nil
		}
	}

	if err := process.Kill(); err != nil {
		return fmt.Errorf("kill process: %w", err)
	}

	_ = os.Remove(cfg.PIDPath())
	return nil
}

// ReloadRunning sends SIGHUP to a running daemon.
func ReloadRunning(cfg *config.Config) error {
	running, pid := IsRunning(cfg)
	if !running {
		return fmt.Errorf("daemon not running")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process: %w", err)
	}
	if err := process.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("send signal: %w", err)
	}
	return nil
}
