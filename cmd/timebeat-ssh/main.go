// Package main provides the entry point for timebeat-ssh.
//
// timebeat-ssh is a management console for a timebeat time synchronization
// daemon, providing:
// - SSH command console (interactive shell and one-shot exec)
// - Optional read-only HTTP status API
// - MCP server exposing the console commands as tools
//
// Usage:
//
//	timebeat-ssh                    Start the service (default)
//	timebeat-ssh serve              Start the service
//	timebeat-ssh version            Show version
//	timebeat-ssh status             Show service status
//	timebeat-ssh stop               Stop the running service
//	timebeat-ssh reload             Ask the running service to reload
//	timebeat-ssh exec <command>     Run one console command locally
//	timebeat-ssh mcp                Start MCP server (stdio mode)
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ternarybob/timebeat-ssh/internal/api"
	"github.com/ternarybob/timebeat-ssh/internal/config"
	"github.com/ternarybob/timebeat-ssh/internal/console"
	"github.com/ternarybob/timebeat-ssh/internal/logger"
	"github.com/ternarybob/timebeat-ssh/internal/mcp"
	"github.com/ternarybob/timebeat-ssh/internal/service"
)

// version is set via -ldflags at build time
var version = "dev"

func main() {
	api.SetVersion(version)

	if len(os.Args) < 2 {
		// Default: start service
		if err := cmdServe(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	var err error
	switch os.Args[1] {
	case "serve", "start":
		err = cmdServe()
	case "version", "-v", "--version":
		cmdVersion()
	case "status":
		err = cmdStatus()
	case "stop":
		err = cmdStop()
	case "reload":
		err = cmdReload()
	case "exec":
		var code int
		code, err = cmdExec(os.Args[2:])
		if err == nil && code != 0 {
			logger.Stop()
			os.Exit(code)
		}
	case "mcp", "mcp-server":
		err = cmdMCP()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	logger.Stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`timebeat-ssh - SSH management console for timebeat

Usage:
  timebeat-ssh [command]

Commands:
  serve            Start the service (default)
  version          Show version information
  status           Show service status
  stop             Stop the running service
  reload           Reload timebeat config and authorized keys (SIGHUP)
  exec <command>   Run one console command locally and print the result
  mcp              Start MCP server (stdio mode)
  help             Show this help

Environment:
  TIMEBEAT_SSH_CONFIG   Settings file (default /etc/timebeat/timebeat-ssh.yml)

Examples:
  timebeat-ssh                          Start the service
  timebeat-ssh exec protocols           List configured clocks
  timebeat-ssh exec enable ptp          Enable PTP and restart timebeat
  ssh -p 2222 ops@timehost status       Run a command over SSH`)
}

func cmdVersion() {
	fmt.Printf("timebeat-ssh version %s\n", version)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.DefaultConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func cmdServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Check if already running
	if running, pid := service.IsRunning(cfg); running {
		return fmt.Errorf("service already running (PID %d)", pid)
	}

	log := logger.SetupLogger(cfg)
	log.Info().Str("version", version).Msg("Starting timebeat-ssh")

	daemon := service.NewDaemon(cfg, log)
	if err := daemon.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	fmt.Printf("timebeat-ssh v%s started\n", version)
	fmt.Printf("SSH: %s\n", daemon.SSHAddr())
	if addr := daemon.HTTPAddr(); addr != nil {
		fmt.Printf("API: http://%s/health\n", addr)
	}

	// Wait for shutdown signal
	daemon.Wait()

	return nil
}

func cmdStatus() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	running, pid := service.IsRunning(cfg)
	if running {
		fmt.Printf("timebeat-ssh: running (PID %d)\n", pid)
		fmt.Printf("SSH: %s\n", cfg.Address())
		if cfg.HTTP.Enabled {
			fmt.Printf("API: http://%s\n", cfg.HTTPAddress())
		}
	} else {
		fmt.Println("timebeat-ssh: stopped")
	}

	return nil
}

func cmdStop() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	running, pid := service.IsRunning(cfg)
	if !running {
		fmt.Println("timebeat-ssh is not running")
		return nil
	}

	fmt.Printf("Stopping timebeat-ssh (PID %d)...\n", pid)
	if err := service.StopRunning(cfg); err != nil {
		return err
	}

	fmt.Println("timebeat-ssh stopped")
	return nil
}

func cmdReload() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := service.ReloadRunning(cfg); err != nil {
		return err
	}
	fmt.Println("Reload requested")
	return nil
}

// cmdExec runs one command line against the local table and returns the
// process exit code.
func cmdExec(args []string) (int, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("usage: timebeat-ssh exec <command> [args...]")
	}

	cfg, err := loadConfig()
	if err != nil {
		return 0, err
	}

	log := logger.SetupFileLogger(cfg)
	table, _ := service.NewTable(cfg, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	user := os.Getenv("USER")
	resp := table.Dispatch(console.WithUser(ctx, user), strings.Join(args, " "))
	if resp.Text != "" {
		fmt.Println(resp.Text)
	}

	switch resp.Status {
	case console.StatusUnknown, console.StatusFault:
		return 1, nil
	}
	return 0, nil
}

func cmdMCP() error {
	cfg, err := loadConfig()
	if err != nil {
		cfg = config.DefaultConfig()
	}

	log := logger.SetupFileLogger(cfg)
	table, store := service.NewTable(cfg, log)

	if !store.Loaded() {
		fmt.Fprintf(os.Stderr, "[timebeat-ssh] Warning: %s not loaded, clock tools will report it.\n", cfg.Timebeat.ConfigPath)
	}

	return mcp.NewServer(table, store, version).ServeStdio()
}
