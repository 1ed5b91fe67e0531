package cmd

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gluk-w/ezdevbox/internal/wsproxy"
)

var wsProxyCmd = &cobra.Command{
	Use:   "ws-proxy <url>",
	Short: "Relay stdin/stdout over a WebSocket (ssh ProxyCommand)",
	Long: `Relay stdin/stdout over a WebSocket. ssh runs this as its ProxyCommand;
it is not meant to be started by hand.

Exits 0 when the socket closes normally (code 1000) and 1 otherwise.`,
	Annotations: map[string]string{annotationFileLogOnly: "true"},
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 || args[0] == "" {
			return &ExitError{Code: ExitUsage, Err: errors.New("usage: ezdevbox ws-proxy <url>")}
		}
		return nil
	},
	RunE: runWSProxy,
}

func init() {
	rootCmd.AddCommand(wsProxyCmd)
}

func runWSProxy(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	p := &wsproxy.Proxy{
		URL:    args[0],
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Logger: logger,
	}
	return p.Run(ctx)
}
