// Package logger provides centralized logging using arbor.
package logger

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/ternarybob/arbor"
	arborcommon "github.com/ternarybob/arbor/common"
	"github.com/ternarybob/arbor/models"

	"github.com/ternarybob/timebeat-ssh/internal/config"
)

var (
	globalLogger arbor.ILogger
	loggerMutex  sync.RWMutex
)

// GetLogger returns the global logger instance.
// If SetupLogger() hasn't been called yet, returns a fallback console logger.
func GetLogger() arbor.ILogger {
	loggerMutex.RLock()
	if globalLogger != nil {
		loggerMutex.RUnlock()
		return globalLogger
	}
	loggerMutex.RUnlock()

	loggerMutex.Lock()
	defer loggerMutex.Unlock()

	if globalLogger == nil {
		globalLogger = arbor.NewLogger().WithConsoleWriter(createWriterConfig(nil, models.LogWriterTypeConsole, ""))
	}
	return globalLogger
}

// InitLogger stores the provided logger as the global singleton instance.
func InitLogger(logger arbor.ILogger) {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()
	globalLogger = logger
}

// outputs reports which writers the logging section asks for.
func outputs(cfg *config.Config) (file, console bool) {
	for _, output := range cfg.Logging.Output {
		switch output {
		case "file":
			file = true
		case "stdout", "console":
			console = true
		case "both":
			file, console = true, true
		}
	}
	return file, console
}

// SetupLogger configures and initializes the global logger based on configuration.
// The log file is append-only; a directory that cannot be created degrades to
// console output with a warning rather than failing startup.
func SetupLogger(cfg *config.Config) arbor.ILogger {
	logger := arbor.NewLogger()

	hasFile, hasConsole := outputs(cfg)

	if hasFile {
		logPath := cfg.LogPath()
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			tempLogger := logger.WithConsoleWriter(createWriterConfig(cfg, models.LogWriterTypeConsole, ""))
			tempLogger.Warn().Err(err).Str("log_file", logPath).Msg("Failed to create log directory")
			hasFile = false
			hasConsole = true
		} else {
			logger = logger.WithFileWriter(createWriterConfig(cfg, models.LogWriterTypeFile, logPath))
		}
	}

	if hasConsole {
		logger = logger.WithConsoleWriter(createWriterConfig(cfg, models.LogWriterTypeConsole, ""))
	}

	if !hasFile && !hasConsole {
		logger = logger.WithConsoleWriter(createWriterConfig(cfg, models.LogWriterTypeConsole, ""))
		logger.Warn().
			Strs("configured_outputs", cfg.Logging.Output).
			Msg("No visible log outputs configured - falling back to console")
	}

	logger = logger.WithLevelFromString(cfg.Logging.Level)

	InitLogger(logger)

	return logger
}

// SetupFileLogger initializes a logger that never writes to the console, for
// entry points whose stdout carries a protocol or command output. If the log
// directory cannot be created logging is discarded.
func SetupFileLogger(cfg *config.Config) arbor.ILogger {
	logger := arbor.NewLogger()

	logPath := cfg.LogPath()
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err == nil {
		logger = logger.WithFileWriter(createWriterConfig(cfg, models.LogWriterTypeFile, logPath))
	}
	logger = logger.WithLevelFromString(cfg.Logging.Level)

	InitLogger(logger)

	return logger
}

// createWriterConfig creates a writer configuration from the logging section.
func createWriterConfig(cfg *config.Config, writerType models.LogWriterType, filename string) models.WriterConfiguration {
	timeFormat := "2006-01-02 15:04:05.000"
	if cfg != nil && cfg.Logging.TimeFormat != "" {
		timeFormat = cfg.Logging.TimeFormat
	}

	outputType := models.OutputFormatLogfmt
	if cfg != nil && cfg.Logging.Format == "json" {
		outputType = models.OutputFormatJSON
	}

	var maxSize int64 = 50 * 1024 * 1024
	if cfg != nil && cfg.Logging.MaxSizeMB > 0 {
		maxSize = int64(cfg.Logging.MaxSizeMB) * 1024 * 1024
	}

	maxBackups := 5
	if cfg != nil && cfg.Logging.MaxBackups > 0 {
		maxBackups = cfg.Logging.MaxBackups
	}

	return models.WriterConfiguration{
		Type:             writerType,
		FileName:         filename,
		TimeFormat:       timeFormat,
		OutputType:       outputType,
		DisableTimestamp: false,
		MaxSize:          maxSize,
		MaxBackups:       maxBackups,
	}
}

// Stop flushes any buffered log entries before shutdown.
func Stop() {
	arborcommon.Stop()
}
