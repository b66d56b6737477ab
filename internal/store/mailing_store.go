package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/meko-christian/mail-intake/internal/model"
)

// FindQueueRecord looks up the delivery a VERP token or bounce header refers
// to. The record only counts as found while its email still exists.
func (t *Tx) FindQueueRecord(ctx context.Context, token model.QueueToken) (model.QueueRecord, bool, error) {
	var rec model.QueueRecord
	err := t.tx.GetContext(ctx, &rec, t.tx.Rebind(`
		SELECT q.id, q.job_id, q.mailing_id, q.email_id, q.contact_id, q.hash,
			COALESCE(m.reply_address, '') AS reply_address
		FROM mailing_queue q
		JOIN emails e ON e.id = q.email_id
		LEFT JOIN mailings m ON m.id = q.mailing_id
		WHERE q.id = ? AND q.job_id = ? AND q.hash = ?`),
		token.QueueID, token.JobID, token.Hash,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.QueueRecord{}, false, nil
	}
	if err != nil {
		return model.QueueRecord{}, false, fmt.Errorf("finding queue record %d: %w", token.QueueID, err)
	}
	return rec, true, nil
}

// CreateBounceEvent appends a bounce event.
func (t *Tx) CreateBounceEvent(ctx context.Context, event *model.BounceEvent) error {
	err := t.exec(ctx, `
		INSERT INTO bounce_events (id, queue_id, kind, reason, mailbox, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.QueueID, string(event.Kind), event.Reason, event.Mailbox, event.OccurredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("creating bounce event: %w", err)
	}
	return nil
}

// CountBounces counts the bounces of one kind recorded for an email across all mailings.
func (t *Tx) CountBounces(ctx context.Context, emailID int64, kind model.BounceKind) (int, error) {
	var n int
	err := t.tx.GetContext(ctx, &n, t.tx.Rebind(`
		SELECT COUNT(*)
		FROM bounce_events b
		JOIN mailing_queue q ON q.id = b.queue_id
		WHERE q.email_id = ? AND b.kind = ?`),
		emailID, string(kind),
	)
	if err != nil {
		return 0, fmt.Errorf("counting bounces for email %d: %w", emailID, err)
	}
	return n, nil
}

// SetEmailOnHold stops further mailings to an email.
func (t *Tx) SetEmailOnHold(ctx context.Context, emailID int64) error {
	if err := t.exec(ctx, "UPDATE emails SET on_hold = ? WHERE id = ?", true, emailID); err != nil {
		return fmt.Errorf("holding email %d: %w", emailID, err)
	}
	return nil
}

// CreateReplyEvent appends a reply event.
func (t *Tx) CreateReplyEvent(ctx context.Context, event *model.ReplyEvent) error {
	err := t.exec(ctx, `
		INSERT INTO reply_events (id, queue_id, from_address, subject, forwarded, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.QueueID, event.FromAddr, event.Subject, event.Forwarded, event.OccurredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("creating reply event: %w", err)
	}
	return nil
}

// CreateUnsubscribeEvent appends an unsubscribe event.
func (t *Tx) CreateUnsubscribeEvent(ctx context.Context, event *model.UnsubscribeEvent) error {
	err := t.exec(ctx, `
		INSERT INTO unsubscribe_events (id, queue_id, opt_out, occurred_at)
		VALUES (?, ?, ?, ?)`,
		event.ID, event.QueueID, event.OptOut, event.OccurredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("creating unsubscribe event: %w", err)
	}
	return nil
}

// SetContactOptOut flags a contact as opted out of bulk mail.
func (t *Tx) SetContactOptOut(ctx context.Context, contactID int64) error {
	if err := t.exec(ctx, "UPDATE contacts SET is_opt_out = ? WHERE id = ?", true, contactID); err != nil {
		return fmt.Errorf("opting out contact %d: %w", contactID, err)
	}
	return nil
}
