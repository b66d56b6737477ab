package source

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/meko-christian/mail-intake/internal/config"
	"github.com/meko-christian/mail-intake/internal/model"
)

// IMAP reads one folder of an IMAP account. Messages are addressed by UID.
type IMAP struct {
	cfg     config.MailboxConfig
	logger  *slog.Logger
	c       *client.Client
	uids    []uint32
	pos     int
	created map[string]bool
	deleted bool
}

// Dial connects to the server named in cfg and logs in, honouring the
// configured transport security.
func Dial(cfg config.MailboxConfig) (*client.Client, error) {
	tlsConfig := &tls.Config{
		ServerName: cfg.Server,
	}

	var (
		c   *client.Client
		err error
	)
	switch cfg.Security {
	case "ssl":
		c, err = client.DialTLS(cfg.Address(), tlsConfig)
	default:
		c, err = client.Dial(cfg.Address())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	if cfg.Security == "starttls" {
		if err := c.StartTLS(tlsConfig); err != nil {
			_ = c.Logout()
			return nil, fmt.Errorf("failed to start TLS: %w", err)
		}
	}

	if err := c.Login(cfg.Username, cfg.Password); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("failed to login: %w", err)
	}

	return c, nil
}

// OpenIMAP logs in, selects cfg.Source read-write and lists the UIDs of all
// messages not already flagged for deletion.
func OpenIMAP(ctx context.Context, cfg config.MailboxConfig, logger *slog.Logger) (*IMAP, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c, err := Dial(cfg)
	if err != nil {
		return nil, err
	}

	if _, err := c.Select(cfg.Source, false); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("failed to select %s: %w", cfg.Source, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.DeletedFlag}

	uids, err := c.UidSearch(criteria)
	if err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	logger.Debug("Listed IMAP folder", "folder", cfg.Source, "count", len(uids))
	return &IMAP{cfg: cfg, logger: logger, c: c, uids: uids, created: make(map[string]bool)}, nil
}

func (s *IMAP) Next(ctx context.Context) (RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return RawMessage{}, err
	}
	if s.pos >= len(s.uids) {
		return RawMessage{}, io.EOF
	}

	uid := s.uids[s.pos]
	s.pos++
	id := strconv.FormatUint(uint64(uid), 10)

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	// Peek so a failed run leaves the \Seen flag untouched.
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	if err := s.c.UidFetch(seqset, items, messages); err != nil {
		return RawMessage{}, fmt.Errorf("failed to fetch message %d: %w", uid, err)
	}

	msg := <-messages
	if msg == nil {
		return RawMessage{}, &model.SourceReadError{MessageID: id, Err: errors.New("message vanished")}
	}
	body := msg.GetBody(section)
	if body == nil {
		return RawMessage{}, &model.SourceReadError{MessageID: id, Err: errors.New("no body returned")}
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return RawMessage{}, &model.SourceReadError{MessageID: id, Err: err}
	}
	return RawMessage{ID: id, Data: data}, nil
}

// Acknowledge moves the message to the processed folder, or flags it
// \Deleted when processed mail is deleted. Flagged messages are expunged on
// Close.
func (s *IMAP) Acknowledge(_ context.Context, id string) error {
	seqset, err := uidSet(id)
	if err != nil {
		return err
	}

	if s.cfg.DeleteProcessed {
		item := imap.FormatFlagsOp(imap.AddFlags, true)
		if err := s.c.UidStore(seqset, item, []any{imap.DeletedFlag}, nil); err != nil {
			return fmt.Errorf("failed to flag message %s as \\Deleted: %w", id, err)
		}
		s.deleted = true
		return nil
	}
	return s.moveTo(seqset, s.cfg.ProcessedFolder)
}

// Quarantine moves the message to the ignored folder.
func (s *IMAP) Quarantine(_ context.Context, id string) error {
	seqset, err := uidSet(id)
	if err != nil {
		return err
	}
	return s.moveTo(seqset, s.cfg.IgnoredFolder)
}

func (s *IMAP) moveTo(seqset *imap.SeqSet, folder string) error {
	if !s.created[folder] {
		// CREATE fails when the folder exists; the move below reports real problems.
		if err := s.c.Create(folder); err != nil {
			s.logger.Debug("Folder not created", "folder", folder, "error", err)
		}
		s.created[folder] = true
	}

	if err := s.c.UidMove(seqset, folder); err != nil {
		return fmt.Errorf("failed to move message to %s: %w", folder, err)
	}
	return nil
}

// Close expunges deleted messages and logs out.
func (s *IMAP) Close() error {
	var expungeErr error
	if s.deleted {
		if err := s.c.Expunge(nil); err != nil {
			expungeErr = fmt.Errorf("failed to expunge: %w", err)
		}
	}

	if err := s.c.Logout(); err != nil {
		s.logger.Debug("Logout failed", "error", err)
	} else {
		s.logger.Debug("Logged out from IMAP server")
	}
	return expungeErr
}

func uidSet(id string) (*imap.SeqSet, error) {
	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid IMAP uid %q: %w", id, err)
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uint32(uid))
	return seqset, nil
}
