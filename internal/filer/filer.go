package filer

import (
	"context"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meko-christian/mail-intake/internal/classify"
	"github.com/meko-christian/mail-intake/internal/config"
	"github.com/meko-christian/mail-intake/internal/model"
	"github.com/meko-christian/mail-intake/internal/parser"
)

// Repository is the store surface the filer writes through, scoped to one transaction.
type Repository interface {
	FindContactByEmail(ctx context.Context, address string) (model.Contact, bool, error)
	CreateContact(ctx context.Context, displayName, address string) (model.Contact, error)
	FindOpenCaseByToken(ctx context.Context, token string) (model.Case, bool, error)
	CreateActivity(ctx context.Context, activity *model.Activity) error
}

// Outcome is what happened to a filed message. Activity is nil when the
// message was skipped.
type Outcome struct {
	Activity   *model.Activity
	SkipReason string
}

// Skipped reports whether no activity was created.
func (o Outcome) Skipped() bool {
	return o.Activity == nil
}

// Filer turns inbound messages into activity records.
type Filer struct {
	cfg    config.FilerConfig
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg config.FilerConfig, logger *slog.Logger) *Filer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Filer{cfg: cfg, logger: logger, now: time.Now}
}

// File records msg as an activity of the sender. Case activity is attached
// to the case its token names; an unknown token files it without a case,
// even on mailboxes that skip mail without a token.
func (f *Filer) File(ctx context.Context, repo Repository, mailbox config.MailboxConfig, msg *parser.ParsedMessage, res classify.Result) (Outcome, error) {
	sender := msg.Sender()
	if sender == nil || sender.Address == "" {
		return Outcome{SkipReason: "no sender address"}, nil
	}

	var caseID *int64
	if res.Category == classify.CaseActivity {
		c, found, err := repo.FindOpenCaseByToken(ctx, res.CaseToken)
		if err != nil {
			return Outcome{}, &model.StoreWriteError{Op: "find case", Err: err}
		}
		if found {
			id := c.ID
			caseID = &id
		} else {
			f.logger.Info("Case token does not match an open case, filing without case",
				"mailbox", mailbox.Name,
				"case_token", res.CaseToken,
			)
		}
	}

	contact, ok, err := f.contactFor(ctx, repo, mailbox, sender.Name, sender.Address)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{SkipReason: "unknown sender"}, nil
	}

	targets, err := f.targets(ctx, repo, mailbox, msg, sender.Address)
	if err != nil {
		return Outcome{}, err
	}

	activity := &model.Activity{
		ID:              uuid.NewString(),
		ActivityType:    f.cfg.ActivityType,
		Subject:         msg.Subject(),
		Details:         f.details(msg),
		ActivityDate:    f.activityDate(msg),
		SourceContactID: contact.ID,
		CaseID:          caseID,
		Mailbox:         mailbox.Name,
		MessageID:       msg.MessageID(),
		TargetIDs:       targets,
		Attachments:     f.attachments(mailbox, msg),
	}
	for i := range activity.Attachments {
		activity.Attachments[i].ActivityID = activity.ID
	}

	if err := repo.CreateActivity(ctx, activity); err != nil {
		return Outcome{}, &model.StoreWriteError{Op: "create activity", Err: err}
	}

	f.logger.Info("Activity filed",
		"mailbox", mailbox.Name,
		"activity_id", activity.ID,
		"contact_id", contact.ID,
		"case", caseID != nil,
		"targets", len(targets),
		"attachments", len(activity.Attachments),
	)

	return Outcome{Activity: activity}, nil
}

// contactFor finds the contact owning address, creating one unless the
// mailbox forbids it. ok is false when no contact exists and none was created.
func (f *Filer) contactFor(ctx context.Context, repo Repository, mailbox config.MailboxConfig, name, address string) (model.Contact, bool, error) {
	contact, found, err := repo.FindContactByEmail(ctx, address)
	if err != nil {
		return model.Contact{}, false, &model.StoreWriteError{Op: "find contact", Err: err}
	}
	if found {
		return contact, true, nil
	}
	if mailbox.DisableContactCreationIfNoMatch {
		return model.Contact{}, false, nil
	}

	contact, err = repo.CreateContact(ctx, name, address)
	if err != nil {
		return model.Contact{}, false, &model.StoreWriteError{Op: "create contact", Err: err}
	}
	f.logger.Debug("Contact created", "contact_id", contact.ID, "address", address)
	return contact, true, nil
}

func (f *Filer) targets(ctx context.Context, repo Repository, mailbox config.MailboxConfig, msg *parser.ParsedMessage, sender string) ([]int64, error) {
	seen := map[string]bool{strings.ToLower(sender): true}
	var ids []int64

	addresses := append(msg.Header.Addresses("To"), msg.Header.Addresses("Cc")...)
	for _, addr := range addresses {
		key := strings.ToLower(addr.Address)
		if key == "" || seen[key] || onDomain(key, mailbox.Domain) {
			continue
		}
		seen[key] = true

		contact, ok, err := f.contactFor(ctx, repo, mailbox, addr.Name, addr.Address)
		if err != nil {
			return nil, err
		}
		if ok {
			ids = append(ids, contact.ID)
		}
	}
	return ids, nil
}

func onDomain(address, domain string) bool {
	if domain == "" {
		return false
	}
	_, host, ok := strings.Cut(address, "@")
	return ok && strings.EqualFold(host, domain)
}

func (f *Filer) details(msg *parser.ParsedMessage) string {
	body := strings.TrimSpace(msg.TextBody())
	if body == "" {
		if doc := msg.HTMLBody(); doc != "" {
			body = htmlToText(doc)
		}
	}
	return truncateRunes(body, f.cfg.BodyLimit)
}

func (f *Filer) activityDate(msg *parser.ParsedMessage) time.Time {
	if raw := msg.Header.Get("Date"); raw != "" {
		if date, err := mail.ParseDate(raw); err == nil {
			return date.UTC()
		}
	}
	return f.now().UTC()
}

func (f *Filer) attachments(mailbox config.MailboxConfig, msg *parser.ParsedMessage) []model.Attachment {
	var out []model.Attachment
	for _, part := range msg.Attachments() {
		data := part.Data
		if data == nil {
			data = []byte(part.Text)
		}
		if f.cfg.AttachmentLimit > 0 && int64(len(data)) > f.cfg.AttachmentLimit {
			f.logger.Warn("Attachment too large, not stored",
				"mailbox", mailbox.Name,
				"filename", part.Filename,
				"size", len(data),
			)
			continue
		}
		name := part.Filename
		if name == "" {
			name = "attachment"
		}
		out = append(out, model.Attachment{
			ID:          uuid.NewString(),
			Filename:    name,
			ContentType: part.ContentType,
			Data:        data,
		})
	}
	return out
}
