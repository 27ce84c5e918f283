// Package logging builds the process-wide slog logger. Every component
// logs through slog.Default, so commands install a configured logger at
// startup and the rest of the tree stays handler-agnostic.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	// EnvFormat selects the handler: json (default) or text.
	EnvFormat = "LOG_FORMAT"
	// EnvLevel sets the minimum severity: debug, info (default), warn, error.
	EnvLevel = "LOG_LEVEL"
)

var levelNames = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// Config is the validated logging configuration.
type Config struct {
	Format string
	Level  slog.Level
}

// DefaultConfig is what an unset environment resolves to.
func DefaultConfig() Config {
	return Config{Format: "json", Level: slog.LevelInfo}
}

// LoadConfigFromEnv parses LOG_FORMAT and LOG_LEVEL, rejecting values
// outside the supported sets.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if raw := normalizeEnv(EnvFormat); raw != "" {
		if raw != "json" && raw != "text" {
			return Config{}, fmt.Errorf("%s must be one of: json, text", EnvFormat)
		}
		cfg.Format = raw
	}
	if raw := normalizeEnv(EnvLevel); raw != "" {
		level, ok := levelNames[raw]
		if !ok {
			return Config{}, fmt.Errorf("%s must be one of: debug, info, warn, error", EnvLevel)
		}
		cfg.Level = level
	}
	return cfg, nil
}

func normalizeEnv(key string) string {
	return strings.ToLower(strings.TrimSpace(os.Getenv(key)))
}

// NewLogger builds a handler for cfg and stamps every record with the app
// name and the executing command.
func NewLogger(cfg Config, writer io.Writer, command string) *slog.Logger {
	if writer == nil {
		writer = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: cfg.Level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(writer, opts)
	} else {
		handler = slog.NewJSONHandler(writer, opts)
	}

	command = strings.TrimSpace(command)
	if command == "" {
		command = "oktamirror"
	}
	return slog.New(handler).With("app", "oktamirror", "command", command)
}

// BootstrapOptions controls logger initialization behavior.
type BootstrapOptions struct {
	Command string
	Writer  io.Writer
}

// BootstrapFromEnv loads config from the environment, installs the logger
// as the process default, and returns it.
func BootstrapFromEnv(opts BootstrapOptions) (*slog.Logger, error) {
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	logger := NewLogger(cfg, opts.Writer, opts.Command)
	slog.SetDefault(logger)
	return logger, nil
}
