package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "nachat.log")

	logger, err := New(path, "@alice:example.org", false)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Info("room state loaded")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(data)
	if !strings.Contains(line, `"room state loaded"`) {
		t.Errorf("log line missing message: %s", line)
	}
	if !strings.Contains(line, `"user":"@alice:example.org"`) {
		t.Errorf("log line missing user field: %s", line)
	}
}

func TestDebugLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nachat.log")

	logger, err := New(path, "@alice:example.org", true)
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("verbose detail")
	_ = logger.Sync()

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "verbose detail") {
		t.Error("debug line not written with debug enabled")
	}

	quiet, err := New(filepath.Join(t.TempDir(), "quiet.log"), "@a:hs", false)
	if err != nil {
		t.Fatal(err)
	}
	if quiet.Core().Enabled(-1) {
		t.Error("debug level enabled without the debug flag")
	}
}
