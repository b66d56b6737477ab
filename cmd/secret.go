package cmd

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/meko-christian/mail-intake/internal/config"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage credentials stored in the system keyring",
}

var secretSetCmd = &cobra.Command{
	Use:   "set <key>",
	Short: "Store a password in the keyring; reference it as keyring:<key> in config.yaml",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		out := cmd.OutOrStdout()

		fmt.Fprintf(out, "Value for %s: ", key)
		value, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && value == "" {
			return fmt.Errorf("failed to read secret: %w", err)
		}
		value = strings.TrimRight(value, "\r\n")
		if value == "" {
			return fmt.Errorf("refusing to store an empty secret")
		}

		if err := config.StoreSecret(key, value); err != nil {
			return err
		}
		fmt.Fprintf(out, "Stored. Use \"keyring:%s\" as the password in config.yaml.\n", key)
		return nil
	},
}

func init() {
	secretCmd.AddCommand(secretSetCmd)
}
