// Package config provides configuration management for timebeat-ssh.
//
// The settings file may be YAML (.yml, .yaml) or TOML (.toml); the format is
// chosen by extension.
package config

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/timebeat-ssh/internal/fileutil"
)

// EnvConfigPath overrides DefaultConfigPath when set.
const EnvConfigPath = "TIMEBEAT_SSH_CONFIG"

// Config represents the service configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service" toml:"service"`
	SSH      SSHConfig      `yaml:"ssh" toml:"ssh"`
	Timebeat TimebeatConfig `yaml:"timebeat" toml:"timebeat"`
	HTTP     HTTPConfig     `yaml:"http" toml:"http"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// ServiceConfig contains service-level settings.
type ServiceConfig struct {
	DataDir string `yaml:"data_dir" toml:"data_dir"`
	PIDFile string `yaml:"pid_file,omitempty" toml:"pid_file,omitempty"`
}

// SSHConfig contains the SSH listener settings.
type SSHConfig struct {
	Host           string `yaml:"host" toml:"host"`
	Port           int    `yaml:"port" toml:"port"`
	HostKey        string `yaml:"host_key,omitempty" toml:"host_key,omitempty"`
	AuthorizedKeys string `yaml:"authorized_keys" toml:"authorized_keys"`
	MaxSessions    int    `yaml:"max_sessions" toml:"max_sessions"`
}

// TimebeatConfig describes the managed daemon.
type TimebeatConfig struct {
	ConfigPath  string      `yaml:"config_path" toml:"config_path"`
	ServiceName string      `yaml:"service_name" toml:"service_name"`
	WatchConfig bool        `yaml:"watch_config" toml:"watch_config"`
	Tools       ToolsConfig `yaml:"tools" toml:"tools"`
}

// ToolsConfig names the external binaries used by the system actions.
type ToolsConfig struct {
	Systemctl   string `yaml:"systemctl" toml:"systemctl"`
	Journalctl  string `yaml:"journalctl" toml:"journalctl"`
	Chronyc     string `yaml:"chronyc" toml:"chronyc"`
	Timedatectl string `yaml:"timedatectl" toml:"timedatectl"`
}

// HTTPConfig contains the optional status API settings.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Host    string `yaml:"host" toml:"host"`
	Port    int    `yaml:"port" toml:"port"`
	APIKey  string `yaml:"api_key" toml:"api_key"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string   `yaml:"level" toml:"level"`
	Format     string   `yaml:"format" toml:"format"`
	Output     []string `yaml:"output" toml:"output"`
	File       string   `yaml:"file" toml:"file"`
	TimeFormat string   `yaml:"time_format,omitempty" toml:"time_format,omitempty"`
	MaxSizeMB  int      `yaml:"max_size_mb,omitempty" toml:"max_size_mb,omitempty"`
	MaxBackups int      `yaml:"max_backups,omitempty" toml:"max_backups,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			DataDir: DefaultDataDir(),
		},
		SSH: SSHConfig{
			Host:           "0.0.0.0",
			Port:           2222,
			AuthorizedKeys: "/etc/timebeat/authorized_keys",
			MaxSessions:    10,
		},
		Timebeat: TimebeatConfig{
			ConfigPath:  "/etc/timebeat/timebeat.yml",
			ServiceName: "timebeat",
			Tools: ToolsConfig{
				Systemctl:   "systemctl",
				Journalctl:  "journalctl",
				Chronyc:     "chronyc",
				Timedatectl: "timedatectl",
			},
		},
		HTTP: HTTPConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    8089,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"file", "stdout"},
			File:   "/var/log/timebeat/timebeat_ssh_cli.log",
		},
	}
}

// DefaultDataDir returns the default data directory. Root gets the system
// location; everyone else gets a directory under XDG_DATA_HOME or $HOME.
func DefaultDataDir() string {
	if os.Geteuid() == 0 {
		return "/var/lib/timebeat-ssh"
	}
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "timebeat-ssh")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".timebeat-ssh")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return "/etc/timebeat/timebeat-ssh.yml"
}

// Load loads configuration from a file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	if isTOML(path) {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.Service.DataDir = expandHome(cfg.Service.DataDir)
	cfg.SSH.HostKey = expandHome(cfg.SSH.HostKey)
	cfg.SSH.AuthorizedKeys = expandHome(cfg.SSH.AuthorizedKeys)
	cfg.Timebeat.ConfigPath = expandHome(cfg.Timebeat.ConfigPath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves the configuration to a file.
func (c *Config) Save(path string) error {
	var data []byte
	if isTOML(path) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		data = buf.Bytes()
	} else {
		out, err := yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		data = out
	}

	if err := fileutil.AtomicWrite(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks the values that would otherwise fail late at startup.
func (c *Config) Validate() error {
	if c.SSH.Port <= 0 || c.SSH.Port > 65535 {
		return fmt.Errorf("invalid ssh.port %d", c.SSH.Port)
	}
	if c.HTTP.Enabled && (c.HTTP.Port <= 0 || c.HTTP.Port > 65535) {
		return fmt.Errorf("invalid http.port %d", c.HTTP.Port)
	}
	if c.Timebeat.ConfigPath == "" {
		return fmt.Errorf("timebeat.config_path is required")
	}
	if c.Timebeat.ServiceName == "" {
		return fmt.Errorf("timebeat.service_name is required")
	}
	if c.SSH.MaxSessions < 0 {
		return fmt.Errorf("invalid ssh.max_sessions %d", c.SSH.MaxSessions)
	}
	return nil
}

// Address returns the SSH listen address.
func (c *Config) Address() string {
	return net.JoinHostPort(c.SSH.Host, strconv.Itoa(c.SSH.Port))
}

// HTTPAddress returns the status API listen address.
func (c *Config) HTTPAddress() string {
	return net.JoinHostPort(c.HTTP.Host, strconv.Itoa(c.HTTP.Port))
}

// HostKeyPath returns the SSH host key path, defaulting into the data directory.
func (c *Config) HostKeyPath() string {
	if c.SSH.HostKey != "" {
		return c.SSH.HostKey
	}
	return filepath.Join(c.Service.DataDir, "ssh_host_ed25519_key")
}

// PIDPath returns the path to the PID file.
func (c *Config) PIDPath() string {
	if c.Service.PIDFile != "" {
		return c.Service.PIDFile
	}
	return filepath.Join(c.Service.DataDir, "timebeat-ssh.pid")
}

// LogPath returns the path to the service log file.
func (c *Config) LogPath() string {
	if c.Logging.File != "" {
		return c.Logging.File
	}
	return filepath.Join(c.Service.DataDir, "logs", "timebeat-ssh.log")
}

// EnsureDirectories creates all necessary directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Service.DataDir,
		filepath.Dir(c.PIDPath()),
		filepath.Dir(c.HostKeyPath()),
	}

	for _, dir := range dirs {
		if err := fileutil.EnsureDir(dir); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}
