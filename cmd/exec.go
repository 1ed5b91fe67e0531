package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	shellquote "github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"

	"github.com/gluk-w/ezdevbox/internal/sandbox"
)

var (
	execCwd string
	execEnv []string
)

var execCmd = &cobra.Command{
	Use:   "exec <sandbox-id> -- <command>...",
	Short: "Run one command in a sandbox through the runtime",
	Long: `Run one command in a sandbox without SSH, through the sandbox runtime,
and print its output. The exit code of the command becomes the exit code of
ezdevbox.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVar(&execCwd, "cwd", "", "Working directory in the sandbox")
	execCmd.Flags().StringArrayVarP(&execEnv, "env", "e", nil, "Environment variable KEY=VALUE (repeatable)")
	rootCmd.AddCommand(execCmd)
}

func runExec(cmd *cobra.Command, args []string) error {
	if cmd.ArgsLenAtDash() != 1 {
		return usageError("usage: ezdevbox exec <sandbox-id> -- <command>...")
	}
	command := shellquote.Join(commandAfterDash(cmd, args)...)

	env, err := parseEnv(execEnv)
	if err != nil {
		return usageError("%v", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, release, err := connectSandbox(ctx, args[0])
	if err != nil {
		return err
	}
	defer release()

	res, err := rt.Run(ctx, command, sandbox.RunOptions{
		Cwd:     execCwd,
		Env:     env,
		Timeout: settings.CommandTimeout,
	})
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), res.Stdout)
	fmt.Fprint(cmd.ErrOrStderr(), res.Stderr)
	if res.Failed() {
		return &ExitError{Code: res.ExitCode, Err: fmt.Errorf("command exited with code %d", res.ExitCode)}
	}
	return nil
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --env %q: expected KEY=VALUE", p)
		}
		env[key] = value
	}
	return env, nil
}
