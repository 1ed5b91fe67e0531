package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gluk-w/ezdevbox/internal/sandbox"
	"github.com/gluk-w/ezdevbox/internal/sessionaudit"
)

// connectSandbox resolves a sandbox ID to a Runtime through Docker. The
// returned func releases the Docker client.
func connectSandbox(ctx context.Context, sandboxID string) (sandbox.Runtime, func(), error) {
	cli, err := sandbox.NewDockerClient(ctx, settings.DockerHost)
	if err != nil {
		return nil, nil, err
	}
	provider := &sandbox.DockerProvider{Client: cli, User: settings.RemoteUser, Logger: logger}
	rt, err := provider.Connect(ctx, sandboxID)
	if err != nil {
		cli.Close()
		return nil, nil, err
	}
	return rt, func() { cli.Close() }, nil
}

// openAuditor returns nil when auditing is disabled. A nil *Auditor
// discards events.
func openAuditor() (*sessionaudit.Auditor, func(), error) {
	if settings.AuditDBPath == "" {
		return nil, func() {}, nil
	}
	db, err := sessionaudit.Open(settings.AuditDBPath)
	if err != nil {
		return nil, nil, err
	}
	a, err := sessionaudit.NewAuditor(db, settings.AuditRetentionDays, logger)
	if err != nil {
		sessionaudit.Close(db)
		return nil, nil, err
	}
	return a, func() { sessionaudit.Close(db) }, nil
}

// proxyBinary is the executable ssh runs as its ProxyCommand.
func proxyBinary() (string, error) {
	if settings.ProxyBinary != "" {
		return settings.ProxyBinary, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate ezdevbox executable: %w", err)
	}
	return exe, nil
}

// proxyArgs are the global flags handed on to the ws-proxy child so it
// loads the same config and logs the same way.
func proxyArgs() []string {
	var args []string
	if configFile != "" {
		args = append(args, "--config", configFile)
	}
	if verbose {
		args = append(args, "--verbose")
	}
	if jsonOutput {
		args = append(args, "--json")
	}
	return args
}

// commandAfterDash returns the arguments after "--", or nil.
func commandAfterDash(cmd *cobra.Command, args []string) []string {
	if at := cmd.ArgsLenAtDash(); at >= 0 {
		return args[at:]
	}
	return nil
}
