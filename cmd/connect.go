package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	shellquote "github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gluk-w/ezdevbox/internal/sandbox"
	"github.com/gluk-w/ezdevbox/internal/setup"
	"github.com/gluk-w/ezdevbox/internal/sshbridge"
)

var (
	connectMode      string
	connectNoTTY     bool
	connectSkipSetup bool
	connectSetupCwd  string
	continueOnError  bool
)

var connectCmd = &cobra.Command{
	Use:   "connect <sandbox-id> [-- <command>...]",
	Short: "Open an interactive SSH session in a sandbox",
	Long: `Open an interactive SSH session in a sandbox.

The sandbox gets sshd and websockify on first use. Each session mints a new
keypair, pins a newly generated host key and removes both when it ends.

Modes: ssh-shell (bash -l), ssh-codex (codex), ssh-opencode (opencode).
A command after "--" overrides the mode.

Mode web starts "opencode serve" on port 3000 instead of an SSH session and
prints its URL.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runConnect,
}

func init() {
	connectCmd.Flags().StringVarP(&connectMode, "mode", "m", sshbridge.ModeShell, "Session mode")
	connectCmd.Flags().BoolVarP(&connectNoTTY, "no-tty", "T", false, "Do not request a remote terminal")
	connectCmd.Flags().BoolVar(&connectSkipSetup, "skip-setup", false, "Skip the configured setup commands")
	connectCmd.Flags().StringVar(&connectSetupCwd, "setup-dir", "", "Working directory for setup commands")
	connectCmd.Flags().BoolVar(&continueOnError, "setup-continue-on-error", false, "Attach even if a setup command fails")
	rootCmd.AddCommand(connectCmd)
}

func runConnect(cmd *cobra.Command, args []string) error {
	sandboxID := args[0]
	if at := cmd.ArgsLenAtDash(); (at >= 0 && at != 1) || (at < 0 && len(args) > 1) {
		return usageError("usage: ezdevbox connect <sandbox-id> [-- <command>...]")
	}
	extra := commandAfterDash(cmd, args)
	if connectMode == sshbridge.ModeWeb {
		if len(extra) > 0 {
			return usageError("mode %s does not take a command", sshbridge.ModeWeb)
		}
		return runWeb(cmd, sandboxID)
	}
	var command string
	if len(extra) > 0 {
		command = shellquote.Join(extra...)
	} else if _, err := sshbridge.ModeCommand(connectMode); err != nil {
		return usageError("%v", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, release, err := connectSandbox(ctx, sandboxID)
	if err != nil {
		return err
	}
	defer release()

	if !connectSkipSetup && len(settings.SetupCommands) > 0 {
		if err := runSetup(ctx, rt); err != nil {
			return err
		}
	}

	auditor, closeAudit, err := openAuditor()
	if err != nil {
		return err
	}
	defer closeAudit()
	if _, err := auditor.PurgeOlderThan(0); err != nil {
		logger.Warn("purging old audit events", zap.Error(err))
	}

	proxy, err := proxyBinary()
	if err != nil {
		return err
	}

	bridge := &sshbridge.Bridge{
		Runtime:   rt,
		SandboxID: sandboxID,
		Options: sshbridge.Options{
			RemoteUser:     settings.RemoteUser,
			SSHBinary:      settings.SSHBinary,
			ProxyBinary:    proxy,
			ProxyArgs:      proxyArgs(),
			InstallTimeout: settings.InstallTimeout,
			CommandTimeout: settings.CommandTimeout,
		},
		Audit:  auditor,
		Logger: logger,
	}
	return bridge.Run(ctx, sshbridge.Request{
		Mode:    connectMode,
		Command: command,
		NoTTY:   connectNoTTY,
	})
}

func runWeb(cmd *cobra.Command, sandboxID string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, release, err := connectSandbox(ctx, sandboxID)
	if err != nil {
		return err
	}
	defer release()

	if !connectSkipSetup && len(settings.SetupCommands) > 0 {
		if err := runSetup(ctx, rt); err != nil {
			return err
		}
	}

	res, err := sshbridge.StartWeb(ctx, rt, sshbridge.BootstrapOptions{
		CommandTimeout: settings.CommandTimeout,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Started web mode in sandbox %s at %s\n", sandboxID, res.URL)
	return nil
}

func runSetup(ctx context.Context, rt sandbox.Runtime) error {
	policy := setup.Policy{Attempts: settings.SetupAttempts, Delay: settings.SetupDelay}
	res, err := setup.Run(ctx, rt, settings.SetupCommands, policy, setup.Options{
		Cwd:             connectSetupCwd,
		Timeout:         settings.InstallTimeout,
		GitHubToken:     settings.GitHubToken,
		ContinueOnError: continueOnError,
		Logger:          logger,
		OnRetry: func(_ string, attempt int, _ error) {
			logger.Info("retrying setup command", zap.Int("attempt", attempt+1), zap.Int("of", policy.Attempts))
		},
	})
	if err != nil && !continueOnError {
		return err
	}
	if res != nil {
		for _, failed := range res.Failed() {
			logger.Warn("setup command failed, continuing", zap.Error(failed.Err))
		}
	}
	return nil
}
