package source

import (
	"context"
	"log/slog"

	"github.com/meko-christian/mail-intake/internal/config"
	"github.com/meko-christian/mail-intake/internal/model"
)

// RawMessage is one undecoded message as read from a mailbox. ID is only
// meaningful to the source that produced it.
type RawMessage struct {
	ID   string
	Data []byte
}

// Source enumerates the messages of one mailbox.
//
// Next returns io.EOF once the mailbox is exhausted. A *model.SourceReadError
// means that single message could not be read and the caller should move on;
// any other error means the mailbox cannot be read any further.
type Source interface {
	Next(ctx context.Context) (RawMessage, error)
	Acknowledge(ctx context.Context, id string) error
	Close() error
}

// Quarantiner is implemented by sources that can set a message aside
// without deleting it.
type Quarantiner interface {
	Quarantine(ctx context.Context, id string) error
}

// Open connects to the mailbox described by cfg.
func Open(ctx context.Context, cfg config.MailboxConfig, logger *slog.Logger) (Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("mailbox", cfg.Name)

	switch cfg.Protocol {
	case config.ProtocolLocalDir:
		return OpenLocalDir(cfg, logger)
	case config.ProtocolMbox:
		return OpenMbox(cfg, logger)
	case config.ProtocolIMAP:
		return OpenIMAP(ctx, cfg, logger)
	case config.ProtocolPOP3:
		return OpenPOP3(ctx, cfg, logger)
	default:
		return nil, model.NewConfigError("mailbox %s: unsupported protocol %q", cfg.Name, cfg.Protocol)
	}
}
