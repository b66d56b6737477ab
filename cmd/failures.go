package cmd

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/meko-christian/mail-intake/internal/ledger"
)

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "List messages that keep failing, from the failure ledger",
	RunE: func(cmd *cobra.Command, _ []string) error {
		settings, err := loadSettings()
		if err != nil {
			return err
		}
		if settings.Ledger.Path == "" {
			return fmt.Errorf("ledger.path is not configured")
		}

		l, err := ledger.Open(settings.Ledger.Path, settings.Ledger.MaxAttempts)
		if err != nil {
			return err
		}
		defer l.Close()

		entries, err := l.Entries()
		if err != nil {
			return err
		}
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].LastSeen.After(entries[j].LastSeen)
		})

		out := cmd.OutOrStdout()
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}

		if len(entries) == 0 {
			fmt.Fprintln(out, "No failing messages.")
			return nil
		}
		for _, e := range entries {
			fmt.Fprintf(out, "%s\t%d attempt(s)\tlast %s\t%s\n",
				e.Mailbox, e.Attempts, e.LastSeen.Format(time.RFC3339), e.LastError)
		}
		return nil
	},
}

func init() {
	failuresCmd.Flags().Bool("json", false, "Print the entries as JSON")
}
