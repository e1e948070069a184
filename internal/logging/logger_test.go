package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewCreatesLogDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions", "main", "logs", "convd.log")

	logger, err := New(path, "main")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Info("hello")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"session":"main"`) {
		t.Errorf("log line missing session field: %s", data)
	}
}
