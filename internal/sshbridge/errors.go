package sshbridge

import (
	"fmt"
)

// BootstrapError is fatal for one bootstrap attempt. The caller may run a
// new bootstrap from scratch; the bridge never retries a step itself.
type BootstrapError struct {
	Step        string
	Remediation string
	Err         error
}

func (e *BootstrapError) Error() string {
	msg := fmt.Sprintf("bootstrap %s failed", e.Step)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Remediation != "" {
		msg += " (" + e.Remediation + ")"
	}
	return msg
}

func (e *BootstrapError) Unwrap() error {
	return e.Err
}

// CleanupError describes one failed teardown step. It is logged and
// reported, never returned as an error from Cleanup.
type CleanupError struct {
	Step string
	Err  error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("cleanup %s: %v", e.Step, e.Err)
}

func (e *CleanupError) Unwrap() error {
	return e.Err
}

// SessionExitError reports a non-zero exit of the local ssh client. Code 255
// means ssh itself failed; other codes come from the remote command.
type SessionExitError struct {
	Code int
	Err  error
}

func (e *SessionExitError) Error() string {
	if e.Code == 255 {
		return fmt.Sprintf("ssh connection failed (exit code %d)", e.Code)
	}
	return fmt.Sprintf("remote session exited with code %d", e.Code)
}

func (e *SessionExitError) Unwrap() error {
	return e.Err
}

// ExitCode is used by the CLI to mirror the remote exit status.
func (e *SessionExitError) ExitCode() int {
	return e.Code
}
