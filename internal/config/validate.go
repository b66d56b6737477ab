package config

import (
	"fmt"
	"log/slog"
	"net/mail"
	"slices"

	"github.com/meko-christian/mail-intake/internal/model"
)

// Validator collects every configuration problem instead of stopping at the first.
type Validator struct {
	errors []string
}

// Validate checks s and returns a *model.ConfigError listing all problems, or nil.
func Validate(s Settings) error {
	v := &Validator{}
	v.validateDatabase(s.Database)
	v.validateMailboxes(s.Mailboxes)
	v.validateSMTP(s.SMTP)
	v.validateLimits(s)

	if len(v.errors) > 0 {
		return &model.ConfigError{Problems: v.errors}
	}
	return nil
}

func (v *Validator) addError(format string, args ...any) {
	message := fmt.Sprintf(format, args...)
	v.errors = append(v.errors, message)
	slog.Debug("Config validation error", "error", message)
}

func (v *Validator) validateDatabase(db DatabaseConfig) {
	if !slices.Contains([]string{"sqlite", "pgx"}, db.Driver) {
		v.addError("database driver must be one of: sqlite, pgx")
	}
	if db.DSN == "" {
		v.addError("database dsn is required")
	}
}

func (v *Validator) validateMailboxes(mailboxes []MailboxConfig) {
	if len(mailboxes) == 0 {
		v.addError("at least one mailbox is required")
		return
	}

	seen := make(map[string]bool)
	for i, m := range mailboxes {
		label := m.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
			v.addError("mailbox %s: name is required", label)
		} else if seen[m.Name] {
			v.addError("mailbox %s: duplicate name", label)
		}
		seen[m.Name] = true

		switch m.Protocol {
		case ProtocolLocalDir, ProtocolMbox:
			if m.Source == "" {
				v.addError("mailbox %s: source path is required for %s", label, m.Protocol)
			}
		case ProtocolIMAP, ProtocolPOP3:
			v.validateRemote(label, m)
		default:
			v.addError("mailbox %s: protocol must be one of: localdir, mbox, imap, pop3", label)
		}

		if m.IsDefault && m.Domain == "" {
			v.addError("mailbox %s: domain is required for the default (bounce) mailbox", label)
		}
		if m.ProcessedFolder == m.IgnoredFolder {
			v.addError("mailbox %s: processed_folder and ignored_folder must differ", label)
		}
	}
}

func (v *Validator) validateRemote(label string, m MailboxConfig) {
	if m.Server == "" {
		v.addError("mailbox %s: server is required", label)
	}
	if m.Port <= 0 || m.Port > 65535 {
		v.addError("mailbox %s: port must be between 1 and 65535", label)
	}
	if !slices.Contains([]string{"ssl", "starttls", "none"}, m.Security) {
		v.addError("mailbox %s: security must be one of: ssl, starttls, none", label)
	}
	if m.Protocol == ProtocolPOP3 && m.Security == "starttls" {
		v.addError("mailbox %s: pop3 supports security ssl or none", label)
	}
	if m.Username == "" {
		v.addError("mailbox %s: username is required", label)
	}
}

func (v *Validator) validateSMTP(smtp SMTPConfig) {
	if !smtp.Enabled() {
		return
	}
	if smtp.Port <= 0 || smtp.Port > 65535 {
		v.addError("SMTP port must be between 1 and 65535")
	}
	if !slices.Contains([]string{"ssl", "starttls", "none"}, smtp.Security) {
		v.addError("SMTP security must be one of: ssl, starttls, none")
	}
	if smtp.From == "" {
		v.addError("SMTP from address is required when smtp.server is set")
	} else if _, err := mail.ParseAddress(smtp.From); err != nil {
		v.addError("invalid SMTP from address: %s", smtp.From)
	}
}

func (v *Validator) validateLimits(s Settings) {
	if s.Parser.MaxDepth < 1 {
		v.addError("parser max_depth must be at least 1")
	}
	if s.Parser.MaxMessageBytes <= 0 {
		v.addError("parser max_message_bytes must be positive")
	}
	if s.Filer.BodyLimit <= 0 {
		v.addError("filer body_limit must be positive")
	}
	if s.Bounce.Header == "" {
		v.addError("bounce header name is required")
	}
	if s.Bounce.HardThreshold < 0 || s.Bounce.SoftThreshold < 0 {
		v.addError("bounce thresholds must not be negative")
	}
	if s.Ledger.MaxAttempts < 0 {
		v.addError("ledger max_attempts must not be negative")
	}
}
