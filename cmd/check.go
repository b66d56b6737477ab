package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/meko-christian/mail-intake/internal/source"
	"github.com/meko-christian/mail-intake/internal/store"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and test every mailbox and the database",
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()

		settings, err := loadSettings()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "Configuration OK")

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		failed := 0

		st, err := store.Open(settings.Database)
		if err != nil {
			fmt.Fprintf(out, "Database: FAILED (%v)\n", err)
			failed++
		} else {
			version, err := st.SchemaVersion(ctx)
			if err != nil {
				fmt.Fprintf(out, "Database: FAILED (%v)\n", err)
				failed++
			} else {
				fmt.Fprintf(out, "Database: OK (%s, schema version %d)\n", st.Driver(), version)
			}
			st.Close()
		}

		for _, m := range settings.Mailboxes {
			src, err := source.Open(ctx, m, nil)
			if err != nil {
				fmt.Fprintf(out, "Mailbox %s (%s): FAILED (%v)\n", m.Name, m.Protocol, err)
				failed++
				continue
			}
			// Nothing was acknowledged, so closing leaves the mailbox untouched.
			if err := src.Close(); err != nil {
				fmt.Fprintf(out, "Mailbox %s (%s): FAILED on close (%v)\n", m.Name, m.Protocol, err)
				failed++
				continue
			}
			fmt.Fprintf(out, "Mailbox %s (%s): OK\n", m.Name, m.Protocol)
		}

		if failed > 0 {
			return fmt.Errorf("%d check(s) failed", failed)
		}
		return nil
	},
}
