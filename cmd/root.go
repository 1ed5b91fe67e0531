package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gluk-w/ezdevbox/internal/config"
	"github.com/gluk-w/ezdevbox/internal/logging"
)

// annotationFileLogOnly marks commands whose stdio belongs to another
// process, so logs go to the log file only.
const annotationFileLogOnly = "ezdevbox/file-log-only"

var (
	configFile string
	verbose    bool
	jsonOutput bool

	settings config.Settings
	logger   = zap.NewNop()
	closeLog = func() {}
	restore  = func() {}
)

var rootCmd = &cobra.Command{
	Use:   "ezdevbox",
	Short: "Secure interactive shells in remote sandboxes",
	Long: `ezdevbox attaches your terminal to a sandbox over SSH tunnelled through a
WebSocket.

Every session uses a freshly minted keypair and a freshly generated host key
that is pinned before the first connection. All key material is removed from
both ends when the session ends.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		teardown()
	},
}

// Execute runs the CLI.
func Execute() error {
	defer teardown()
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file (default $EZDEVBOX_CONFIG_FILE)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output logs in JSON format")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func initRuntime(cmd *cobra.Command, args []string) error {
	var (
		cfg config.Settings
		err error
	)
	if configFile != "" {
		if configFile, err = filepath.Abs(configFile); err != nil {
			return fmt.Errorf("config: %w", err)
		}
		cfg, err = config.LoadFile(configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	if jsonOutput {
		cfg.LogFormat = "json"
	}
	settings = cfg

	opts := logging.Options{Path: cfg.LogPath, Level: cfg.LogLevel, Format: cfg.LogFormat, Console: os.Stderr}
	if cmd.Annotations[annotationFileLogOnly] != "" {
		opts.Console = nil
	}
	l, closeFn, err := logging.New(opts)
	if err != nil {
		return err
	}
	logger, closeLog = l, closeFn
	restore = logging.RedirectStdLog(l)
	return nil
}

func teardown() {
	restore()
	closeLog()
	restore, closeLog = func() {}, func() {}
}
