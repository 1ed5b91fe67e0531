package logging

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesConsoleAndFile(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "ezdevbox.log")

	logger, closeFn, err := New(Options{Path: path, Level: "info", Console: &console})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	logger.Named("bridge").Info("session ready")
	logger.Debug("hidden at info level")
	closeFn()

	if !strings.Contains(console.String(), "session ready") {
		t.Errorf("console output missing message: %q", console.String())
	}
	if strings.Contains(console.String(), "hidden at info level") {
		t.Error("debug line written at info level")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "session ready") {
		t.Errorf("log file missing message: %q", data)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("log file mode = %o, want 600", perm)
	}
}

func TestNewWithoutSinksIsNop(t *testing.T) {
	logger, closeFn, err := New(Options{})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer closeFn()
	logger.Info("dropped")
}

func TestNewJSONFormat(t *testing.T) {
	var console bytes.Buffer
	logger, closeFn, err := New(Options{Format: "json", Console: &console})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	logger.Warn("json line")
	closeFn()

	if !strings.HasPrefix(strings.TrimSpace(console.String()), "{") {
		t.Errorf("expected JSON output, got %q", console.String())
	}
}

func TestRedirectStdLog(t *testing.T) {
	var console bytes.Buffer
	logger, closeFn, err := New(Options{Console: &console})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer closeFn()

	restore := RedirectStdLog(logger)
	log.Printf("from stdlib")
	restore()

	if !strings.Contains(console.String(), "from stdlib") {
		t.Errorf("stdlib log line not redirected: %q", console.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]string{
		"debug":   "debug",
		"WARN":    "warn",
		"warning": "warn",
		"error":   "error",
		"":        "info",
		"bogus":   "info",
	}
	for in, want := range tests {
		if got := parseLevel(in).String(); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
