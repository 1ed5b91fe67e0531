package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/gluk-w/ezdevbox/internal/sessionaudit"
)

var (
	auditSession string
	auditSandbox string
	auditEvent   string
	auditSince   time.Duration
	auditLimit   int
	auditJSONL   bool
	auditPurge   bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the session audit trail",
	Args:  cobra.NoArgs,
	RunE:  runAudit,
}

func init() {
	auditCmd.Flags().StringVar(&auditSession, "session", "", "Only events of this session ID")
	auditCmd.Flags().StringVar(&auditSandbox, "sandbox", "", "Only events of this sandbox")
	auditCmd.Flags().StringVar(&auditEvent, "event", "", "Only events of this type")
	auditCmd.Flags().DurationVar(&auditSince, "since", 0, "Only events newer than this (e.g. 24h)")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum number of events")
	auditCmd.Flags().BoolVar(&auditJSONL, "jsonl", false, "Output events as JSON lines")
	auditCmd.Flags().BoolVar(&auditPurge, "purge", false, "Delete events older than the retention period first")
	rootCmd.AddCommand(auditCmd)
}

func runAudit(cmd *cobra.Command, args []string) error {
	auditor, closeAudit, err := openAuditor()
	if err != nil {
		return err
	}
	defer closeAudit()
	if auditor == nil {
		return errors.New("auditing is disabled: set EZDEVBOX_AUDIT_DB_PATH")
	}

	if auditPurge {
		n, err := auditor.PurgeOlderThan(0)
		if err != nil {
			return fmt.Errorf("purge audit log: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Purged %d event(s) older than %d days\n", n, auditor.RetentionDays())
	}

	opts := sessionaudit.QueryOptions{
		SessionID: auditSession,
		SandboxID: auditSandbox,
		EventType: auditEvent,
		Limit:     auditLimit,
	}
	if auditSince > 0 {
		since := time.Now().Add(-auditSince)
		opts.Since = &since
	}
	res, err := auditor.Query(opts)
	if err != nil {
		return fmt.Errorf("query audit log: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(res.Entries) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "No events found")
		return nil
	}
	for _, e := range res.Entries {
		if auditJSONL {
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("marshal event: %w", err)
			}
			fmt.Fprintln(out, string(data))
			continue
		}
		fmt.Fprintln(out, formatEvent(e))
	}
	return nil
}

func formatEvent(e sessionaudit.SessionEvent) string {
	ts := e.CreatedAt.Local().Format("2006-01-02 15:04:05")
	line := fmt.Sprintf("[%s] %-20s %s %s", ts, e.EventType, shortID(e.SessionID), e.SandboxID)
	if e.DurationMs > 0 {
		line += " after " + units.HumanDuration(time.Duration(e.DurationMs)*time.Millisecond)
	}
	if e.Details != "" {
		line += " (" + e.Details + ")"
	}
	return line
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
