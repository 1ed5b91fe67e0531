// Package setup runs the user-configured setup commands in a sandbox
// before a session attaches, retrying each one under a fixed policy.
package setup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/gluk-w/ezdevbox/internal/logutil"
	"github.com/gluk-w/ezdevbox/internal/sandbox"
)

// Policy bounds retries of a single command. Attempts counts the first try.
type Policy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultPolicy runs every command once.
var DefaultPolicy = Policy{Attempts: 1}

// Validate rejects policies that cannot be executed.
func (p Policy) Validate() error {
	if p.Attempts <= 0 {
		return fmt.Errorf("invalid retry policy: attempts must be a positive integer, got %d", p.Attempts)
	}
	if p.Delay < 0 {
		return fmt.Errorf("invalid retry policy: delay must not be negative, got %s", p.Delay)
	}
	return nil
}

func (p Policy) backoff() retry.Backoff {
	var base retry.Backoff
	if p.Delay > 0 {
		base = retry.NewConstant(p.Delay)
	} else {
		base = retry.BackoffFunc(func() (time.Duration, bool) { return 0, false })
	}
	return retry.WithMaxRetries(uint64(p.Attempts-1), base)
}

// Options configures a pipeline run.
type Options struct {
	Cwd     string
	Timeout time.Duration
	// GitHubToken is exported as GH_TOKEN and GITHUB_TOKEN to each command
	// and never placed on the command line.
	GitHubToken string
	// ContinueOnError keeps running later commands after one fails for good.
	ContinueOnError bool
	// OnRetry is called before each retry with the failed attempt number.
	OnRetry func(command string, attempt int, err error)
	Logger  *zap.Logger
}

// StepResult reports one command.
type StepResult struct {
	Command  string
	Attempts int
	ExitCode int
	Err      error
}

// Result reports a pipeline run in command order.
type Result struct {
	Steps []StepResult
}

// Failed returns the steps that did not succeed.
func (r *Result) Failed() []StepResult {
	var out []StepResult
	for _, s := range r.Steps {
		if s.Err != nil {
			out = append(out, s)
		}
	}
	return out
}

// Run executes commands in order. A non-zero exit is retried under policy;
// an execution error from the runtime is not. The first command that still
// fails stops the pipeline unless ContinueOnError is set, in which case the
// returned error joins every failure.
func Run(ctx context.Context, rt sandbox.Runtime, commands []string, policy Policy, opts Options) (*Result, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("setup")

	runOpts := sandbox.RunOptions{Cwd: opts.Cwd, Timeout: opts.Timeout}
	if opts.GitHubToken != "" {
		runOpts.Env = map[string]string{
			"GH_TOKEN":     opts.GitHubToken,
			"GITHUB_TOKEN": opts.GitHubToken,
		}
	}

	res := &Result{}
	var errs []error
	for _, command := range commands {
		step := runOne(ctx, rt, command, policy, runOpts, opts.OnRetry, log)
		res.Steps = append(res.Steps, step)
		if step.Err == nil {
			continue
		}
		errs = append(errs, step.Err)
		if !opts.ContinueOnError {
			break
		}
	}
	return res, errors.Join(errs...)
}

func runOne(ctx context.Context, rt sandbox.Runtime, command string, policy Policy, runOpts sandbox.RunOptions, onRetry func(string, int, error), log *zap.Logger) StepResult {
	step := StepResult{Command: command}
	display := logutil.RedactSensitive(command)

	err := retry.Do(ctx, policy.backoff(), func(ctx context.Context) error {
		step.Attempts++
		if step.Attempts > 1 && onRetry != nil {
			onRetry(command, step.Attempts-1, step.Err)
		}

		out, err := sandbox.RunChecked(ctx, rt, command, runOpts)
		step.ExitCode = out.ExitCode
		if err == nil {
			return nil
		}
		step.Err = err

		var exitErr *sandbox.ExitError
		if errors.As(err, &exitErr) {
			log.Warn("setup command failed",
				zap.String("command", display),
				zap.Int("attempt", step.Attempts),
				zap.Int("exit_code", exitErr.ExitCode),
				zap.String("stderr", logutil.RedactSensitive(exitErr.Stderr)))
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		step.Err = fmt.Errorf("setup %q failed after %d attempt(s): %w", display, step.Attempts, err)
		return step
	}
	step.Err = nil
	log.Info("setup command succeeded", zap.String("command", display), zap.Int("attempts", step.Attempts))
	return step
}
