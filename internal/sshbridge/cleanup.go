package sshbridge

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/gluk-w/ezdevbox/internal/sandbox"
)

// Cleanup step names, as reported in CleanupError.Step.
const (
	CleanupStopForwarder = "stop-forwarder"
	CleanupStopSSHD      = "stop-sshd"
	CleanupRemoveFiles   = "remove-files"
)

// CleanupOptions bounds each teardown command.
type CleanupOptions struct {
	CommandTimeout time.Duration
	Logger         *zap.Logger
}

// Cleanup tears a session down. It issues exactly three remote commands in
// a fixed order: stop the forwarder, stop sshd, remove the session's files.
// Every failure is logged and reported but never aborts the remaining
// steps, then the local temp directory is removed.
//
// Cleanup runs even when ctx is already cancelled; each step gets its own
// timeout instead. It tolerates a partial bootstrap and is safe to call
// more than once. A nil rt skips the remote steps.
func Cleanup(ctx context.Context, rt sandbox.Runtime, s *Session, opts CleanupOptions) []*CleanupError {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	log := opts.Logger.Named("cleanup").With(zap.String("session_id", s.ID))
	ctx = context.WithoutCancel(ctx)

	var failures []*CleanupError
	if rt != nil {
		for _, step := range cleanupSteps(s.Artifacts) {
			if err := runCleanupStep(ctx, rt, step.command, opts.CommandTimeout); err != nil {
				cerr := &CleanupError{Step: step.name, Err: err}
				log.Warn("cleanup step failed", zap.String("step", step.name), zap.Error(err))
				failures = append(failures, cerr)
			}
		}
	}

	if s.TempDir != "" {
		if err := os.RemoveAll(s.TempDir); err != nil {
			log.Warn("removing local session directory", zap.Error(err))
		}
	}
	_ = s.advance(StateCleaned)
	return failures
}

type cleanupStep struct {
	name    string
	command string
}

func cleanupSteps(a RemoteArtifacts) []cleanupStep {
	return []cleanupStep{
		{name: CleanupStopForwarder, command: stopByPidFile(a.ForwarderPidPath)},
		{name: CleanupStopSSHD, command: stopByPidFile(a.SSHDPidPath)},
		{name: CleanupRemoveFiles, command: removeFiles(a)},
	}
}

// stopByPidFile kills the process recorded in pidPath, waits up to two
// seconds for it to exit so its port is free, and removes the file. A
// missing file or an already dead process is not an error.
func stopByPidFile(pidPath string) string {
	if pidPath == "" {
		return "true"
	}
	p := shellquote.Join(pidPath)
	return fmt.Sprintf(`if [ -f %[1]s ]; then pid="$(cat %[1]s)"; kill "$pid" 2>/dev/null || true; `+
		`i=0; while [ "$i" -lt 20 ] && kill -0 "$pid" 2>/dev/null; do sleep 0.1; i=$((i+1)); done; `+
		`rm -f %[1]s; fi`, p)
}

// removeAuthorizedEntry deletes the session's authorized_keys line and the
// file itself once nothing else is left in it.
func removeAuthorizedEntry(a RemoteArtifacts) string {
	auth := shellquote.Join(a.AuthorizedKeysPath)
	tmp := shellquote.Join(a.AuthorizedKeysPath + ".ezdevbox-tmp")
	return fmt.Sprintf(`if [ -f %[1]s ]; then umask 077; %[3]s; `+
		`if [ -s %[2]s ]; then cat %[2]s > %[1]s; else rm -f %[1]s; fi; rm -f %[2]s; fi`,
		auth, tmp, dropAuthorizedEntries(a.AuthorizedKeysPath, a.AuthorizedKeyTag, tmp))
}

func removeFiles(a RemoteArtifacts) string {
	files := a.TrustMaterial()
	files = append(files, a.ForwarderPidPath)

	var parts []string
	if a.AuthorizedKeysPath != "" && a.AuthorizedKeyTag != "" {
		parts = append(parts, removeAuthorizedEntry(a))
	}
	if existing := nonEmpty(files); len(existing) > 0 {
		parts = append(parts, shellquote.Join(append([]string{"rm", "-f"}, existing...)...))
	}
	if a.Dir != "" {
		parts = append(parts, shellquote.Join("rmdir", a.Dir)+" 2>/dev/null")
	}
	if len(parts) == 0 {
		return "true"
	}
	return strings.Join(parts, "; ") + " || true"
}

func nonEmpty(paths []string) []string {
	out := paths[:0:0]
	for _, p := range paths {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func runCleanupStep(ctx context.Context, rt sandbox.Runtime, command string, timeout time.Duration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	_, err = sandbox.RunChecked(ctx, rt, command, sandbox.RunOptions{Timeout: timeout})
	return err
}
