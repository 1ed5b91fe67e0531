package sshbridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/gluk-w/ezdevbox/internal/sshkeys"
)

// DefaultRemoteCommand is requested when the caller names no command.
const DefaultRemoteCommand = "bash -l"

// RunnerOptions configures the local ssh client.
type RunnerOptions struct {
	// SSHBinary is the ssh client to execute. Defaults to "ssh".
	SSHBinary string
	// ProxyBinary is invoked as "<ProxyBinary> [ProxyArgs...] ws-proxy <url>".
	ProxyBinary string
	ProxyArgs   []string
	RemoteUser  string
	// Command is the remote command line. Empty means DefaultRemoteCommand.
	Command string
	// TTY requests a remote terminal. RunInteractive also enables it when
	// stdin is a terminal unless NoTTY is set.
	TTY   bool
	NoTTY bool

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Logger *zap.Logger
}

// BuildSSHArgs returns the ssh argument list for a bootstrapped session.
// Host key checking is strict and bound to the session's pinned file; no
// agent, password or keyboard-interactive authentication is offered.
func BuildSSHArgs(s *Session, opts RunnerOptions) ([]string, error) {
	switch {
	case s.PrivateKeyPath == "":
		return nil, errors.New("session has no private key")
	case s.KnownHostsPath == "":
		return nil, errors.New("session has no pinned host key")
	case s.ForwarderURL == "":
		return nil, errors.New("session has no forwarder URL")
	case opts.ProxyBinary == "":
		return nil, errors.New("proxy binary not configured")
	case opts.RemoteUser == "":
		return nil, errors.New("remote user not configured")
	}

	// ssh expands %-tokens inside ProxyCommand.
	proxyArgv := append([]string{opts.ProxyBinary}, opts.ProxyArgs...)
	proxyArgv = append(proxyArgv, "ws-proxy", s.ForwarderURL)
	proxy := strings.ReplaceAll(shellquote.Join(proxyArgv...), "%", "%%")

	args := []string{
		"-i", s.PrivateKeyPath,
		"-o", "IdentitiesOnly=yes",
		"-o", "IdentityAgent=none",
		"-o", "StrictHostKeyChecking=yes",
		"-o", "UserKnownHostsFile=" + s.KnownHostsPath,
		"-o", "GlobalKnownHostsFile=/dev/null",
		"-o", "UpdateHostKeys=no",
		"-o", "CheckHostIP=no",
		"-o", "PasswordAuthentication=no",
		"-o", "KbdInteractiveAuthentication=no",
		"-o", "PreferredAuthentications=publickey",
		"-o", "ProxyCommand=" + proxy,
	}
	if opts.TTY && !opts.NoTTY {
		args = append(args, "-t")
	} else {
		args = append(args, "-T")
	}

	command := strings.TrimSpace(opts.Command)
	if command == "" {
		command = DefaultRemoteCommand
	}
	args = append(args, opts.RemoteUser+"@"+PinnedTarget, "--", command)
	return args, nil
}

// RunInteractive runs the local ssh client against the session with the
// caller's stdio attached and waits for it to exit. A host key rejection
// reported by ssh becomes *sshkeys.HostKeyMismatchError; other non-zero
// exits become *SessionExitError.
func RunInteractive(ctx context.Context, s *Session, opts RunnerOptions) error {
	if opts.SSHBinary == "" {
		opts.SSHBinary = "ssh"
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if !opts.NoTTY && isTerminal(opts.Stdin) {
		opts.TTY = true
	}

	args, err := BuildSSHArgs(s, opts)
	if err != nil {
		return err
	}

	tail := newTailBuffer(8 << 10)
	cmd := exec.CommandContext(ctx, opts.SSHBinary, args...)
	cmd.Stdin = opts.Stdin
	cmd.Stdout = opts.Stdout
	cmd.Stderr = io.MultiWriter(opts.Stderr, tail)

	opts.Logger.Named("runner").Info("attaching",
		zap.String("session_id", s.ID),
		zap.String("user", opts.RemoteUser),
		zap.Bool("tty", opts.TTY && !opts.NoTTY))

	err = cmd.Run()
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return fmt.Errorf("run %s: %w", opts.SSHBinary, err)
	}
	if isHostKeyRejection(tail.String()) {
		return &sshkeys.HostKeyMismatchError{Target: PinnedTarget}
	}
	return &SessionExitError{Code: exitErr.ExitCode(), Err: err}
}

func isHostKeyRejection(stderr string) bool {
	return strings.Contains(stderr, "Host key verification failed") ||
		strings.Contains(stderr, "REMOTE HOST IDENTIFICATION HAS CHANGED")
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = bytes.Clone(t.buf[over:])
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
