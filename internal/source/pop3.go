package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/knadh/go-pop3"

	"github.com/meko-christian/mail-intake/internal/config"
	"github.com/meko-christian/mail-intake/internal/model"
)

// POP3 reads a POP3 maildrop. Acknowledged messages are marked with DELE,
// which the server only commits when the session ends with QUIT.
type POP3 struct {
	logger *slog.Logger
	conn   *pop3.Conn
	ids    []int
	pos    int
}

// DialPOP3 connects and authenticates against the server named in cfg.
func DialPOP3(cfg config.MailboxConfig) (*pop3.Conn, error) {
	client := pop3.New(pop3.Opt{
		Host:       cfg.Server,
		Port:       cfg.Port,
		TLSEnabled: cfg.Security == "ssl",
	})

	conn, err := client.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to POP3 server: %w", err)
	}
	if err := conn.Auth(cfg.Username, cfg.Password); err != nil {
		_ = conn.Quit()
		return nil, fmt.Errorf("failed to login: %w", err)
	}
	return conn, nil
}

// OpenPOP3 logs in and lists the maildrop.
func OpenPOP3(ctx context.Context, cfg config.MailboxConfig, logger *slog.Logger) (*POP3, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := DialPOP3(cfg)
	if err != nil {
		return nil, err
	}

	msgs, err := conn.List(0)
	if err != nil {
		_ = conn.Quit()
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	ids := make([]int, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}

	logger.Debug("Listed POP3 maildrop", "count", len(ids))
	return &POP3{logger: logger, conn: conn, ids: ids}, nil
}

func (s *POP3) Next(ctx context.Context) (RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return RawMessage{}, err
	}
	if s.pos >= len(s.ids) {
		return RawMessage{}, io.EOF
	}

	msgID := s.ids[s.pos]
	s.pos++
	id := strconv.Itoa(msgID)

	buf, err := s.conn.RetrRaw(msgID)
	if err != nil {
		return RawMessage{}, &model.SourceReadError{MessageID: id, Err: err}
	}
	return RawMessage{ID: id, Data: buf.Bytes()}, nil
}

func (s *POP3) Acknowledge(_ context.Context, id string) error {
	msgID, err := strconv.Atoi(id)
	if err != nil {
		return fmt.Errorf("invalid POP3 message number %q: %w", id, err)
	}
	if err := s.conn.Dele(msgID); err != nil {
		return fmt.Errorf("failed to delete message %d: %w", msgID, err)
	}
	return nil
}

// Close ends the session, committing deletions.
func (s *POP3) Close() error {
	if err := s.conn.Quit(); err != nil {
		return fmt.Errorf("failed to quit POP3 session: %w", err)
	}
	return nil
}
