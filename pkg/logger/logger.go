// Package logger configures the shared logrus logger the orchestrator's
// components log through. Setup runs once at process start; everything
// else holds a Component entry.
package logger

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// LoggingConfig selects the level, line format, and destination of the
// orchestrator's log output.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"LOG_FORMAT"`

	// Output is "stdout" (the default), "stderr", or a file path the
	// process appends to.
	Output string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
}

// Setup applies cfg to the standard logrus logger. Component entries
// minted before or after inherit the settings. A level or output that
// cannot be applied is an error; logging misconfiguration should stop
// the daemon rather than be papered over.
func Setup(cfg LoggingConfig) error {
	if cfg.Level != "" {
		level, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return fmt.Errorf("logging: unknown level %q", cfg.Level)
		}
		logrus.SetLevel(level)
	}

	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	switch cfg.Output {
	case "", "stdout":
		logrus.SetOutput(os.Stdout)
	case "stderr":
		logrus.SetOutput(os.Stderr)
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("logging: open %s: %w", cfg.Output, err)
		}
		logrus.SetOutput(file)
	}
	return nil
}

// Component returns the entry a long-running worker logs through.
func Component(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}
