// Package sandbox defines the command-execution capability the bridge uses to
// reach a remote sandbox, and a Docker implementation of it.
//
// The bridge never depends on a concrete sandbox backend. It receives a
// [Runtime] value, which lets tests drive it with an in-memory fake.
package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gluk-w/ezdevbox/internal/logutil"
)

// RunOptions tunes a single remote command. A zero Timeout means the
// caller's context is the only bound.
type RunOptions struct {
	Cwd     string
	Env     map[string]string
	Timeout time.Duration
}

// CommandResult is the outcome of a command that ran to completion.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Failed reports whether the command exited non-zero.
func (r CommandResult) Failed() bool {
	return r.ExitCode != 0
}

// Runtime is the capability consumed by the bridge.
//
// Run returns an error only when the command could not be executed or
// timed out; a command that ran and exited non-zero is reported through
// CommandResult.ExitCode.
type Runtime interface {
	Run(ctx context.Context, command string, opts RunOptions) (CommandResult, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	// GetHost returns the externally reachable address of a sandbox port,
	// either a bare host or a scheme-prefixed URL.
	GetHost(ctx context.Context, port int) (string, error)
}

// Provider resolves a sandbox ID to a Runtime. Creating, listing and killing
// sandboxes is left to the provider's own tooling.
type Provider interface {
	Connect(ctx context.Context, sandboxID string) (Runtime, error)
}

// ExitError describes a command that ran but exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

// Error redacts credentials from both the command and its stderr.
func (e *ExitError) Error() string {
	command := logutil.RedactSensitive(e.Command)
	stderr := logutil.RedactSensitive(strings.TrimSpace(e.Stderr))
	if stderr == "" {
		return fmt.Sprintf("command %q exited with code %d", command, e.ExitCode)
	}
	return fmt.Sprintf("command %q exited with code %d: %s", command, e.ExitCode, stderr)
}

// RunChecked runs command and converts a non-zero exit into an *ExitError.
func RunChecked(ctx context.Context, rt Runtime, command string, opts RunOptions) (CommandResult, error) {
	res, err := rt.Run(ctx, command, opts)
	if err != nil {
		return res, err
	}
	if res.Failed() {
		return res, &ExitError{Command: command, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res, nil
}
