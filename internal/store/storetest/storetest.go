// Package storetest provides an in-memory store and seeding helpers for tests.
package storetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/meko-christian/mail-intake/internal/config"
	"github.com/meko-christian/mail-intake/internal/model"
	"github.com/meko-christian/mail-intake/internal/store"
)

// New creates an in-memory SQLite store with all migrations applied.
// It automatically closes the store when the test completes.
func New(t testing.TB) *store.Store {
	t.Helper()

	s, err := store.Open(config.DatabaseConfig{Driver: store.DriverSQLite, DSN: ":memory:"})
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// SeedContact creates a contact with one email and returns both ids.
func SeedContact(ctx context.Context, s *store.Store, name, address string) (contactID, emailID int64, err error) {
	err = s.WithinTx(ctx, func(tx *store.Tx) error {
		c, err := tx.CreateContact(ctx, name, address)
		if err != nil {
			return err
		}
		contactID = c.ID
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	db := s.DB()
	if err := db.GetContext(ctx, &emailID, db.Rebind("SELECT id FROM emails WHERE contact_id = ?"), contactID); err != nil {
		return 0, 0, fmt.Errorf("reading email of contact %d: %w", contactID, err)
	}
	return contactID, emailID, nil
}

// SeedCase creates a case with the given token and status.
func SeedCase(ctx context.Context, s *store.Store, token, subject, status string) (int64, error) {
	db := s.DB()
	var id int64
	err := db.GetContext(ctx, &id,
		db.Rebind("INSERT INTO cases (token, subject, status) VALUES (?, ?, ?) RETURNING id"),
		token, subject, status)
	if err != nil {
		return 0, fmt.Errorf("seeding case %s: %w", token, err)
	}
	return id, nil
}

// SeedQueueRecord creates a mailing and one queue record for the given
// recipient, returning the queue record.
func SeedQueueRecord(ctx context.Context, s *store.Store, jobID, contactID, emailID int64, hash, replyAddress string) (model.QueueRecord, error) {
	rec := model.QueueRecord{JobID: jobID, EmailID: emailID, ContactID: contactID, Hash: hash, ReplyAddress: replyAddress}

	tx, err := s.DB().BeginTxx(ctx, nil)
	if err != nil {
		return rec, err
	}
	defer tx.Rollback()

	err = tx.GetContext(ctx, &rec.MailingID,
		tx.Rebind("INSERT INTO mailings (name, reply_address) VALUES (?, ?) RETURNING id"),
		"Test mailing", replyAddress)
	if err != nil {
		return rec, fmt.Errorf("seeding mailing: %w", err)
	}
	err = tx.GetContext(ctx, &rec.ID, tx.Rebind(`
		INSERT INTO mailing_queue (job_id, mailing_id, email_id, contact_id, hash)
		VALUES (?, ?, ?, ?, ?) RETURNING id`),
		jobID, rec.MailingID, emailID, contactID, hash,
	)
	if err != nil {
		return rec, fmt.Errorf("seeding queue record: %w", err)
	}

	return rec, tx.Commit()
}

// DeleteEmail removes an email row, leaving queue records that point at it.
func DeleteEmail(ctx context.Context, s *store.Store, emailID int64) error {
	db := s.DB()
	if _, err := db.ExecContext(ctx, db.Rebind("DELETE FROM emails WHERE id = ?"), emailID); err != nil {
		return fmt.Errorf("deleting email %d: %w", emailID, err)
	}
	return nil
}

// Count returns the number of rows in table.
func Count(ctx context.Context, s *store.Store, table string) (int, error) {
	switch table {
	case "contacts", "emails", "cases", "mailing_queue", "bounce_events", "reply_events",
		"unsubscribe_events", "activities", "activity_targets", "attachments":
	default:
		return 0, fmt.Errorf("unknown table %q", table)
	}

	var n int
	if err := s.DB().GetContext(ctx, &n, "SELECT COUNT(*) FROM "+table); err != nil {
		return 0, fmt.Errorf("counting %s: %w", table, err)
	}
	return n, nil
}

// Activities returns all activities ordered by date.
func Activities(ctx context.Context, s *store.Store) ([]model.Activity, error) {
	var out []model.Activity
	err := s.DB().SelectContext(ctx, &out, `
		SELECT id, activity_type, subject, details, activity_date,
			source_contact_id, case_id, mailbox, message_id
		FROM activities
		ORDER BY activity_date`)
	if err != nil {
		return nil, fmt.Errorf("listing activities: %w", err)
	}
	return out, nil
}

// BounceEvents returns all bounce events ordered by time.
func BounceEvents(ctx context.Context, s *store.Store) ([]model.BounceEvent, error) {
	var out []model.BounceEvent
	err := s.DB().SelectContext(ctx, &out, `
		SELECT id, queue_id, kind, reason, mailbox, occurred_at
		FROM bounce_events
		ORDER BY occurred_at`)
	if err != nil {
		return nil, fmt.Errorf("listing bounce events: %w", err)
	}
	return out, nil
}
