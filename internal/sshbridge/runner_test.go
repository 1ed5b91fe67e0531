package sshbridge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/gluk-w/ezdevbox/internal/sshkeys"
)

func attachableSession() *Session {
	return &Session{
		ID:             "s",
		PrivateKeyPath: "/tmp/s/id_ed25519",
		KnownHostsPath: "/tmp/s/known_hosts",
		ForwarderURL:   "wss://8081-sbx.example",
	}
}

func runnerOpts() RunnerOptions {
	return RunnerOptions{ProxyBinary: "/usr/local/bin/ezdevbox", RemoteUser: "user"}
}

// optionValue returns the value of the first "-o Key=value" pair.
func optionValue(args []string, key string) (string, bool) {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == "-o" && strings.HasPrefix(args[i+1], key+"=") {
			return strings.TrimPrefix(args[i+1], key+"="), true
		}
	}
	return "", false
}

func TestBuildSSHArgs_StrictHostChecking(t *testing.T) {
	args, err := BuildSSHArgs(attachableSession(), runnerOpts())
	if err != nil {
		t.Fatalf("build args: %v", err)
	}

	want := map[string]string{
		"StrictHostKeyChecking":    "yes",
		"UserKnownHostsFile":       "/tmp/s/known_hosts",
		"GlobalKnownHostsFile":     "/dev/null",
		"IdentitiesOnly":           "yes",
		"PasswordAuthentication":   "no",
		"IdentityAgent":            "none",
		"UpdateHostKeys":           "no",
		"PreferredAuthentications": "publickey",
	}
	for key, v := range want {
		if got, ok := optionValue(args, key); !ok || got != v {
			t.Errorf("%s = %q (present %v), want %q", key, got, ok, v)
		}
	}

	i := slices.Index(args, "-i")
	if i < 0 || args[i+1] != "/tmp/s/id_ed25519" {
		t.Errorf("identity file missing: %v", args)
	}
	if !slices.Contains(args, "user@"+PinnedTarget) {
		t.Errorf("target missing: %v", args)
	}
	if args[len(args)-1] != DefaultRemoteCommand {
		t.Errorf("default command = %q", args[len(args)-1])
	}
	for _, a := range args {
		if strings.Contains(a, "StrictHostKeyChecking=no") || strings.Contains(a, "accept-new") {
			t.Errorf("relaxed host checking in %v", args)
		}
	}
}

func TestBuildSSHArgs_ProxyCommand(t *testing.T) {
	s := attachableSession()
	s.ForwarderURL = "wss://host.example/path?token=a%20b"
	opts := runnerOpts()
	opts.ProxyBinary = "/opt/my tools/ezdevbox"

	args, err := BuildSSHArgs(s, opts)
	if err != nil {
		t.Fatalf("build args: %v", err)
	}
	got, _ := optionValue(args, "ProxyCommand")
	want := `'/opt/my tools/ezdevbox' ws-proxy wss://host.example/path\?token=a%%20b`
	if got != want {
		t.Errorf("ProxyCommand = %q, want %q", got, want)
	}
}

func TestBuildSSHArgs_ProxyArgsPrecedeSubcommand(t *testing.T) {
	opts := runnerOpts()
	opts.ProxyArgs = []string{"--config", "/etc/ezdevbox/config.yaml", "--verbose"}

	args, err := BuildSSHArgs(attachableSession(), opts)
	if err != nil {
		t.Fatalf("build args: %v", err)
	}
	got, _ := optionValue(args, "ProxyCommand")
	want := "/usr/local/bin/ezdevbox --config /etc/ezdevbox/config.yaml --verbose ws-proxy wss://8081-sbx.example"
	if got != want {
		t.Errorf("ProxyCommand = %q, want %q", got, want)
	}
}

func TestBuildSSHArgs_TTY(t *testing.T) {
	opts := runnerOpts()
	args, _ := BuildSSHArgs(attachableSession(), opts)
	if !slices.Contains(args, "-T") || slices.Contains(args, "-t") {
		t.Errorf("expected -T without a terminal: %v", args)
	}

	opts.TTY = true
	args, _ = BuildSSHArgs(attachableSession(), opts)
	if !slices.Contains(args, "-t") {
		t.Errorf("expected -t with a terminal: %v", args)
	}

	opts.NoTTY = true
	args, _ = BuildSSHArgs(attachableSession(), opts)
	if slices.Contains(args, "-t") {
		t.Errorf("NoTTY ignored: %v", args)
	}
}

func TestBuildSSHArgs_Command(t *testing.T) {
	opts := runnerOpts()
	opts.Command = "codex --full-auto"
	args, _ := BuildSSHArgs(attachableSession(), opts)
	if args[len(args)-1] != "codex --full-auto" || args[len(args)-2] != "--" {
		t.Errorf("command not appended after --: %v", args)
	}
}

func TestBuildSSHArgs_MissingFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Session, *RunnerOptions)
	}{
		{"key", func(s *Session, _ *RunnerOptions) { s.PrivateKeyPath = "" }},
		{"known hosts", func(s *Session, _ *RunnerOptions) { s.KnownHostsPath = "" }},
		{"url", func(s *Session, _ *RunnerOptions) { s.ForwarderURL = "" }},
		{"proxy", func(_ *Session, o *RunnerOptions) { o.ProxyBinary = "" }},
		{"user", func(_ *Session, o *RunnerOptions) { o.RemoteUser = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := attachableSession()
			opts := runnerOpts()
			tt.mutate(s, &opts)
			if _, err := BuildSSHArgs(s, opts); err == nil {
				t.Error("expected error")
			}
		})
	}
}

// fakeSSH writes a shell script standing in for the ssh client.
func fakeSSH(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ssh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatalf("write fake ssh: %v", err)
	}
	return path
}

func runWithFakeSSH(t *testing.T, body string) (string, error) {
	t.Helper()
	var stdout, stderr strings.Builder
	opts := runnerOpts()
	opts.SSHBinary = fakeSSH(t, body)
	opts.Stdin = strings.NewReader("")
	opts.Stdout = &stdout
	opts.Stderr = &stderr
	err := RunInteractive(context.Background(), attachableSession(), opts)
	return stdout.String(), err
}

func TestRunInteractive_Success(t *testing.T) {
	out, err := runWithFakeSSH(t, `echo "$@"`)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "StrictHostKeyChecking=yes") || !strings.Contains(out, "-T") {
		t.Errorf("ssh did not receive the expected args: %q", out)
	}
}

func TestRunInteractive_HostKeyMismatch(t *testing.T) {
	_, err := runWithFakeSSH(t, `echo "Host key verification failed." >&2; exit 255`)
	var mismatch *sshkeys.HostKeyMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected HostKeyMismatchError, got %v", err)
	}
	if !strings.Contains(err.Error(), "refused for security reasons") {
		t.Errorf("message = %q", err.Error())
	}
}

func TestRunInteractive_RemoteExitCode(t *testing.T) {
	_, err := runWithFakeSSH(t, `exit 3`)
	var exitErr *SessionExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected SessionExitError, got %v", err)
	}
	if exitErr.ExitCode() != 3 {
		t.Errorf("exit code = %d", exitErr.ExitCode())
	}
}

func TestRunInteractive_MissingBinary(t *testing.T) {
	opts := runnerOpts()
	opts.SSHBinary = filepath.Join(t.TempDir(), "nope")
	opts.Stdin = strings.NewReader("")
	if err := RunInteractive(context.Background(), attachableSession(), opts); err == nil {
		t.Fatal("expected error for missing ssh binary")
	}
}

func TestTailBuffer(t *testing.T) {
	tb := newTailBuffer(8)
	tb.Write([]byte("hello "))
	tb.Write([]byte("world"))
	if got := tb.String(); got != "lo world" {
		t.Errorf("tail = %q", got)
	}
}

func TestModeCommand(t *testing.T) {
	tests := map[string]string{
		"":           "bash -l",
		ModeShell:    "bash -l",
		ModeCodex:    "codex",
		ModeOpenCode: "opencode",
	}
	for mode, want := range tests {
		got, err := ModeCommand(mode)
		if err != nil || got != want {
			t.Errorf("ModeCommand(%q) = %q, %v", mode, got, err)
		}
	}
	if _, err := ModeCommand("ssh-vim"); err == nil {
		t.Error("expected error for unknown mode")
	}
	if _, err := ModeCommand(ModeWeb); err == nil {
		t.Error("expected error for web mode")
	}
	modes := strings.Join(Modes(), ",")
	if modes != "ssh-codex,ssh-opencode,ssh-shell,web" {
		t.Errorf("Modes() = %s", modes)
	}
}
