package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/meko-christian/mail-intake/internal/server"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Interactively generate a config.yaml file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		configFile := "config.yaml"
		force, _ := cmd.Flags().GetBool("force")

		out := cmd.OutOrStdout()

		if _, err := os.Stat(configFile); err == nil && !force {
			fmt.Fprintln(out, "config.yaml already exists. Use --force to overwrite.")
			return nil
		}

		reader := bufio.NewReader(cmd.InOrStdin())

		fmt.Fprintln(out, "Let's set up your config.yaml!")

		fmt.Fprintln(out, "\n--- DATABASE ---")
		dbDriver := promptDefault(reader, out, "Driver (sqlite/pgx)", "sqlite")
		dbDSN := promptDefault(reader, out, "DSN", "mail-intake.db")

		fmt.Fprintln(out, "\n--- BOUNCE MAILBOX ---")
		bounce := promptMailbox(reader, out, "bounces")
		domain := promptDefault(reader, out, "VERP domain (e.g. example.org)", "")
		localpart := promptDefault(reader, out, "VERP local part prefix", "civimail+")

		fmt.Fprintln(out, "\n--- ACTIVITY MAILBOX ---")
		inbox := promptMailbox(reader, out, "inbox")
		skipNonCase := promptDefault(reader, out, "Skip mail without a case token (yes/no)", "no")
		noCreate := promptDefault(reader, out, "Never create contacts for unknown senders (yes/no)", "no")

		fmt.Fprintln(out, "\n--- SMTP (reply forwarding, leave server empty to disable) ---")
		smtpServer := promptDefault(reader, out, "SMTP server (e.g. smtp.strato.de)", "")
		var smtpBlock string
		if smtpServer != "" {
			smtpBlock = fmt.Sprintf(`smtp:
  server: %s
  port: %s
  security: %s
  username: %s
  password: %s
  from: %s
`, smtpServer,
				promptDefault(reader, out, "SMTP port", "465"),
				promptDefault(reader, out, "SMTP security (ssl/starttls/none)", "ssl"),
				promptDefault(reader, out, "SMTP username", ""),
				promptDefault(reader, out, "SMTP password (or keyring:<key>)", ""),
				promptDefault(reader, out, "From address for forwarded replies", ""))
		}

		token, err := server.GenerateToken()
		if err != nil {
			return fmt.Errorf("failed to generate API token: %w", err)
		}
		tokenHash, err := server.HashToken(token)
		if err != nil {
			return fmt.Errorf("failed to hash API token: %w", err)
		}

		content := fmt.Sprintf(`database:
  driver: %s
  dsn: %s

ledger:
  path: mail-intake.ledger
  max_attempts: 5

server:
  bind: 127.0.0.1
  port: 8080
  token_hash: %q

%s
mailboxes:
  - name: bounces
    is_default: true
    domain: %s
    localpart: %q
%s
  - name: inbox
    is_default: false
    domain: %s
    localpart: %q
    is_non_case_email_skipped: %t
    is_contact_creation_disabled_if_no_match: %t
%s`, dbDriver, dbDSN, tokenHash, smtpBlock,
			domain, localpart, bounce,
			domain, localpart, isYes(skipNonCase), isYes(noCreate), inbox)

		if err := os.WriteFile(configFile, []byte(content), 0o600); err != nil {
			return fmt.Errorf("failed to write config.yaml: %w", err)
		}

		fmt.Fprintln(out, "\n✅ config.yaml created successfully.")
		fmt.Fprintf(out, "API token (shown only once): %s\n", token)
		return nil
	},
}

func init() {
	initCmd.Flags().Bool("force", false, "Overwrite an existing config.yaml")
}

// promptMailbox asks for the connection settings of one mailbox and returns
// them as indented YAML keys.
func promptMailbox(r *bufio.Reader, w io.Writer, name string) string {
	protocol := promptDefault(r, w, "Protocol (localdir/mbox/imap/pop3)", "imap")

	var lines []string
	lines = append(lines, "    protocol: "+protocol)

	switch protocol {
	case "localdir", "mbox":
		lines = append(lines, "    source: "+promptDefault(r, w, "Path", "./mail/"+name))
	default:
		lines = append(lines,
			"    server: "+promptDefault(r, w, "Server (e.g. imap.strato.de)", ""),
			"    security: "+promptDefault(r, w, "Security (ssl/starttls/none)", "ssl"),
			"    username: "+promptDefault(r, w, "Username", ""),
			"    password: "+promptDefault(r, w, "Password (or keyring:<key>)", ""),
		)
		if protocol == "imap" {
			lines = append(lines, "    source: "+promptDefault(r, w, "Folder", "INBOX"))
		}
	}

	return strings.Join(lines, "\n")
}

func promptDefault(r *bufio.Reader, w io.Writer, label, def string) string {
	if def != "" {
		fmt.Fprintf(w, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(w, "%s: ", label)
	}
	text, _ := r.ReadString('\n')
	text = strings.TrimSpace(text)
	if text == "" {
		return def
	}
	return text
}

func isYes(s string) bool {
	switch strings.ToLower(s) {
	case "y", "yes", "true":
		return true
	}
	return false
}
