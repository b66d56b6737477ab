package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/meko-christian/mail-intake/internal/model"
)

// Protocol identifies how a mailbox is read.
type Protocol string

const (
	ProtocolLocalDir Protocol = "localdir"
	ProtocolMbox     Protocol = "mbox"
	ProtocolIMAP     Protocol = "imap"
	ProtocolPOP3     Protocol = "pop3"
)

// MailboxConfig describes one mailbox the pipeline reads from. It is loaded
// once per run and never mutated afterwards.
type MailboxConfig struct {
	Name     string   `mapstructure:"name" yaml:"name"`
	Protocol Protocol `mapstructure:"protocol" yaml:"protocol"`

	// Source is a directory (localdir), a file (mbox) or a folder name (imap).
	Source string `mapstructure:"source" yaml:"source"`

	Server   string `mapstructure:"server" yaml:"server"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Security string `mapstructure:"security" yaml:"security"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`

	// Domain and Localpart form the VERP return addresses this mailbox receives.
	Domain    string `mapstructure:"domain" yaml:"domain"`
	Localpart string `mapstructure:"localpart" yaml:"localpart"`

	IsDefault                       bool `mapstructure:"is_default" yaml:"is_default"`
	SkipNonCaseEmail                bool `mapstructure:"is_non_case_email_skipped" yaml:"is_non_case_email_skipped"`
	DisableContactCreationIfNoMatch bool `mapstructure:"is_contact_creation_disabled_if_no_match" yaml:"is_contact_creation_disabled_if_no_match"`

	ProcessedFolder string `mapstructure:"processed_folder" yaml:"processed_folder"`
	IgnoredFolder   string `mapstructure:"ignored_folder" yaml:"ignored_folder"`
	DeleteProcessed bool   `mapstructure:"delete_processed" yaml:"delete_processed"`
}

// Address returns host:port for network mailboxes.
func (m MailboxConfig) Address() string {
	return fmt.Sprintf("%s:%d", m.Server, m.Port)
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type LedgerConfig struct {
	Path        string `mapstructure:"path"`
	MaxAttempts int    `mapstructure:"max_attempts"`
}

type SMTPConfig struct {
	Server   string `mapstructure:"server"`
	Port     int    `mapstructure:"port"`
	Security string `mapstructure:"security"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// Enabled reports whether reply forwarding has somewhere to send.
func (s SMTPConfig) Enabled() bool {
	return s.Server != ""
}

type ServerConfig struct {
	Bind      string `mapstructure:"bind"`
	Port      int    `mapstructure:"port"`
	TokenHash string `mapstructure:"token_hash"`
}

type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

type ParserConfig struct {
	MaxDepth        int   `mapstructure:"max_depth"`
	MaxMessageBytes int64 `mapstructure:"max_message_bytes"`
}

type FilerConfig struct {
	ActivityType    string `mapstructure:"activity_type"`
	BodyLimit       int    `mapstructure:"body_limit"`
	AttachmentLimit int64  `mapstructure:"attachment_limit"`
}

type BounceConfig struct {
	Header        string `mapstructure:"header"`
	HardThreshold int    `mapstructure:"hard_threshold"`
	SoftThreshold int    `mapstructure:"soft_threshold"`
}

type WatchConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// Settings is the full application configuration.
type Settings struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	SMTP      SMTPConfig      `mapstructure:"smtp"`
	Server    ServerConfig    `mapstructure:"server"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Parser    ParserConfig    `mapstructure:"parser"`
	Filer     FilerConfig     `mapstructure:"filer"`
	Bounce    BounceConfig    `mapstructure:"bounce"`
	Watch     WatchConfig     `mapstructure:"watch"`
	Mailboxes []MailboxConfig `mapstructure:"mailboxes"`
}

// SetDefaults registers the default value of every scalar key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "mail-intake.db")
	v.SetDefault("ledger.max_attempts", 5)
	v.SetDefault("smtp.port", 465)
	v.SetDefault("smtp.security", "ssl")
	v.SetDefault("server.bind", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("parser.max_depth", 16)
	v.SetDefault("parser.max_message_bytes", 32<<20)
	v.SetDefault("filer.activity_type", "Inbound Email")
	v.SetDefault("filer.body_limit", 20000)
	v.SetDefault("filer.attachment_limit", 10<<20)
	v.SetDefault("bounce.header", "X-Mailing-Bounce")
	v.SetDefault("bounce.hard_threshold", 3)
	v.SetDefault("bounce.soft_threshold", 30)
	v.SetDefault("watch.interval", 5*time.Minute)
}

// Load unmarshals v into Settings, fills per-mailbox defaults, resolves
// secret references and validates the result.
func Load(v *viper.Viper) (Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("failed to decode config: %w", err)
	}

	for i := range s.Mailboxes {
		applyMailboxDefaults(&s.Mailboxes[i])
	}

	if err := s.resolveSecrets(); err != nil {
		return Settings{}, err
	}

	if err := Validate(s); err != nil {
		return Settings{}, err
	}

	return s, nil
}

func applyMailboxDefaults(m *MailboxConfig) {
	m.Protocol = Protocol(strings.ToLower(string(m.Protocol)))
	m.Security = strings.ToLower(m.Security)

	if m.ProcessedFolder == "" {
		m.ProcessedFolder = "processed"
	}
	if m.IgnoredFolder == "" {
		m.IgnoredFolder = "ignored"
	}

	switch m.Protocol {
	case ProtocolIMAP:
		if m.Source == "" {
			m.Source = "INBOX"
		}
		if m.Security == "" {
			m.Security = "ssl"
		}
		if m.Port == 0 {
			m.Port = 993
			if m.Security != "ssl" {
				m.Port = 143
			}
		}
	case ProtocolPOP3:
		if m.Security == "" {
			m.Security = "ssl"
		}
		if m.Port == 0 {
			m.Port = 995
			if m.Security != "ssl" {
				m.Port = 110
			}
		}
	}
}

// resolveSecrets expands every secret reference. Unresolvable references
// are configuration problems, reported together.
func (s *Settings) resolveSecrets() error {
	var problems []string

	for i := range s.Mailboxes {
		pw, err := ResolveSecret(s.Mailboxes[i].Password)
		if err != nil {
			problems = append(problems, fmt.Sprintf("mailbox %s: password: %v", s.Mailboxes[i].Name, err))
			continue
		}
		s.Mailboxes[i].Password = pw
	}

	pw, err := ResolveSecret(s.SMTP.Password)
	if err != nil {
		problems = append(problems, fmt.Sprintf("smtp password: %v", err))
	} else {
		s.SMTP.Password = pw
	}

	if len(problems) > 0 {
		return &model.ConfigError{Problems: problems}
	}
	return nil
}

// BounceMailboxes returns the mailboxes processed by the bounce job.
func (s Settings) BounceMailboxes() []MailboxConfig {
	var out []MailboxConfig
	for _, m := range s.Mailboxes {
		if m.IsDefault {
			out = append(out, m)
		}
	}
	return out
}

// ActivityMailboxes returns the mailboxes processed by the activity job.
func (s Settings) ActivityMailboxes() []MailboxConfig {
	var out []MailboxConfig
	for _, m := range s.Mailboxes {
		if !m.IsDefault {
			out = append(out, m)
		}
	}
	return out
}
