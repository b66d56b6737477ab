package mailing

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"

	gomail "gopkg.in/gomail.v2"

	"github.com/meko-christian/mail-intake/internal/config"
	"github.com/meko-christian/mail-intake/internal/parser"
)

// Forwarder passes a reply on to the address a mailing asked replies to go to.
type Forwarder interface {
	Forward(ctx context.Context, to string, msg *parser.ParsedMessage) error
}

// SMTPForwarder sends forwarded replies through an SMTP relay.
type SMTPForwarder struct {
	cfg    config.SMTPConfig
	logger *slog.Logger
	send   func(m ...*gomail.Message) error
}

func NewSMTPForwarder(cfg config.SMTPConfig, logger *slog.Logger) *SMTPForwarder {
	if logger == nil {
		logger = slog.Default()
	}

	dialer := gomail.NewDialer(cfg.Server, cfg.Port, cfg.Username, cfg.Password)
	switch cfg.Security {
	case "ssl":
		dialer.SSL = true
	case "starttls":
		dialer.TLSConfig = &tls.Config{ServerName: cfg.Server}
	}

	return &SMTPForwarder{cfg: cfg, logger: logger, send: dialer.DialAndSend}
}

// Forward keeps the subject, both bodies and all attachments of msg. The
// original sender becomes Reply-To so answers reach them directly.
func (f *SMTPForwarder) Forward(ctx context.Context, to string, msg *parser.ParsedMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	out := composeForward(f.cfg.From, to, msg)
	if err := f.send(out); err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}

	f.logger.Info("Forwarded reply", "to", to, "subject", msg.Subject())
	return nil
}

func composeForward(from, to string, msg *parser.ParsedMessage) *gomail.Message {
	out := gomail.NewMessage()
	out.SetHeader("From", from)
	out.SetHeader("To", to)
	if sender := msg.Header.Get("From"); sender != "" {
		out.SetHeader("Reply-To", sender)
	}
	out.SetHeader("Subject", msg.Subject())

	text := msg.TextBody()
	html := msg.HTMLBody()
	switch {
	case text != "":
		out.SetBody("text/plain", text)
		if html != "" {
			out.AddAlternative("text/html", html)
		}
	case html != "":
		out.SetBody("text/html", html)
	default:
		out.SetBody("text/plain", "")
	}

	for _, att := range msg.Attachments() {
		data := att.Data
		if data == nil {
			data = []byte(att.Text)
		}
		name := att.Filename
		if name == "" {
			name = "attachment"
		}
		out.Attach(name,
			gomail.SetHeader(map[string][]string{
				"Content-Type": {att.ContentType},
			}),
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(data)
				return err
			}),
		)
	}

	return out
}
