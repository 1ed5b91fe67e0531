package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/gluk-w/ezdevbox/internal/logutil"
	"github.com/gluk-w/ezdevbox/internal/sshbridge"
)

// Exit codes.
const (
	ExitSuccess = 0
	ExitGeneral = 1
	ExitUsage   = 2
)

// ExitError carries an explicit process exit code.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func usageError(format string, args ...any) error {
	return &ExitError{Code: ExitUsage, Err: fmt.Errorf(format, args...)}
}

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	var sessionErr *sshbridge.SessionExitError
	if errors.As(err, &sessionErr) {
		return sessionErr.ExitCode()
	}
	return ExitGeneral
}

// PrintError writes err to w with credentials redacted. A remote command's
// own non-zero exit is not reported; its output already was.
func PrintError(w io.Writer, err error) {
	var sessionErr *sshbridge.SessionExitError
	if errors.As(err, &sessionErr) && sessionErr.Code != 255 {
		return
	}
	fmt.Fprintf(w, "ezdevbox: %s\n", logutil.RedactSensitive(err.Error()))
}
