package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meko-christian/mail-intake/internal/model"
	"github.com/meko-christian/mail-intake/internal/source"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run both jobs now and again whenever a mailbox receives mail",
	RunE: func(_ *cobra.Command, _ []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		slog.Info("Starting watch mode")
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return watchMailboxes(ctx, rt)
	},
}

// watchMailboxes runs the jobs once, then on every mailbox notification and
// every watch interval, until ctx ends. Runs never overlap since they happen
// on this goroutine.
func watchMailboxes(ctx context.Context, rt *runtime) error {
	jobFor := make(map[string]string)
	var jobs []string
	if len(rt.settings.BounceMailboxes()) > 0 {
		jobs = append(jobs, "fetch_bounces")
	}
	if len(rt.settings.ActivityMailboxes()) > 0 {
		jobs = append(jobs, "fetch_activities")
	}
	for _, m := range rt.settings.Mailboxes {
		if m.IsDefault {
			jobFor[m.Name] = "fetch_bounces"
		} else {
			jobFor[m.Name] = "fetch_activities"
		}
	}

	run := func(reason string, jobs ...string) error {
		for _, job := range jobs {
			report, err := rt.service.Run(ctx, job)
			if model.IsConfigError(err) {
				return err
			}
			slog.Info("Run finished", "reason", reason, "job", job,
				"processed", report.Processed(), "failed", report.Failed)
		}
		rt.writeMetrics()
		return nil
	}

	if err := run("startup", jobs...); err != nil {
		return err
	}

	events, err := source.Watch(ctx, rt.settings.Mailboxes, rt.settings.Watch.Interval, slog.Default())
	if err != nil {
		return err
	}

	var tick <-chan time.Time
	if rt.settings.Watch.Interval > 0 {
		ticker := time.NewTicker(rt.settings.Watch.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("Watch mode stopped")
			return nil
		case name, ok := <-events:
			if !ok {
				return nil
			}
			if err := run("new mail in "+name, jobFor[name]); err != nil {
				return err
			}
		case <-tick:
			if err := run("interval", jobs...); err != nil {
				return err
			}
		}
	}
}
