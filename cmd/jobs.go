package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/meko-christian/mail-intake/internal/pipeline"
)

var fetchBouncesCmd = &cobra.Command{
	Use:   "fetch-bounces",
	Short: "Process bounces from the default mailboxes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runJob(cmd, "fetch_bounces")
	},
}

var fetchActivitiesCmd = &cobra.Command{
	Use:   "fetch-activities",
	Short: "File inbound mail from the other mailboxes as activities",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runJob(cmd, "fetch_activities")
	},
}

func init() {
	for _, c := range []*cobra.Command{fetchBouncesCmd, fetchActivitiesCmd} {
		c.Flags().Bool("json", false, "Print the run report as JSON")
	}
}

// runJob runs one job to completion. Failed messages do not fail the
// command; only configuration errors do.
func runJob(cmd *cobra.Command, job string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := rt.service.Run(ctx, job)
	rt.writeMetrics()
	if err != nil {
		return err
	}

	asJSON, _ := cmd.Flags().GetBool("json")
	return printReport(cmd.OutOrStdout(), report, asJSON)
}

func printReport(w io.Writer, report pipeline.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintf(w, "%s: %d resolved, %d filed, %d skipped, %d failed",
		report.Job, report.Resolved, report.Filed, report.Skipped, report.Failed)
	if report.Quarantined > 0 {
		fmt.Fprintf(w, ", %d quarantined", report.Quarantined)
	}
	fmt.Fprintln(w)

	for _, f := range report.Failures {
		fmt.Fprintf(w, "  failed %s/%s at %s: %s\n", f.Mailbox, f.MessageID, f.Stage, f.Error)
	}
	for _, e := range report.MailboxErrors {
		fmt.Fprintf(w, "  mailbox %s: %s\n", e.Mailbox, e.Error)
	}
	return nil
}
