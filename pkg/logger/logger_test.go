package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func restoreDefaults() {
	logrus.SetLevel(logrus.InfoLevel)
	logrus.SetFormatter(&logrus.TextFormatter{})
	logrus.SetOutput(os.Stderr)
}

func TestSetupAppliesLevelAndFormat(t *testing.T) {
	defer restoreDefaults()

	if err := Setup(LoggingConfig{Level: "debug", Format: "json"}); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if logrus.GetLevel() != logrus.DebugLevel {
		t.Fatalf("level = %v", logrus.GetLevel())
	}
	if _, ok := logrus.StandardLogger().Formatter.(*logrus.JSONFormatter); !ok {
		t.Fatalf("formatter = %T", logrus.StandardLogger().Formatter)
	}
}

func TestSetupRejectsUnknownLevel(t *testing.T) {
	defer restoreDefaults()

	if err := Setup(LoggingConfig{Level: "chatty"}); err == nil {
		t.Fatal("expected an error for an unknown level")
	}
}

func TestSetupOpensOutputFile(t *testing.T) {
	defer restoreDefaults()

	path := filepath.Join(t.TempDir(), "orchestrator.log")
	if err := Setup(LoggingConfig{Output: path}); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	logrus.Info("probe")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("nothing written to the log file")
	}
}

func TestSetupRejectsUnwritableOutput(t *testing.T) {
	defer restoreDefaults()

	path := filepath.Join(t.TempDir(), "missing", "orchestrator.log")
	if err := Setup(LoggingConfig{Output: path}); err == nil {
		t.Fatal("expected an error for an unopenable output path")
	}
}

func TestComponentTagsEntries(t *testing.T) {
	entry := Component("poller")
	if entry.Data["component"] != "poller" {
		t.Fatalf("component field missing: %+v", entry.Data)
	}
}
