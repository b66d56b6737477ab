package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meko-christian/mail-intake/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		settings, err := loadSettings()
		if err != nil {
			return err
		}

		// Open applies pending migrations.
		st, err := store.Open(settings.Database)
		if err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		defer st.Close()

		version, err := st.SchemaVersion(context.Background())
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Database schema is at version %d (latest %d)\n",
			version, store.LatestSchemaVersion(st.Driver()))
		return nil
	},
}
