package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/meko-christian/mail-intake/internal/model"
)

// FindContactByEmail returns the oldest contact owning address. Whether the
// match ignores case depends on the column collation.
func (t *Tx) FindContactByEmail(ctx context.Context, address string) (model.Contact, bool, error) {
	var c model.Contact
	err := t.tx.GetContext(ctx, &c, t.tx.Rebind(`
		SELECT c.id, c.display_name, c.is_opt_out
		FROM contacts c
		JOIN emails e ON e.contact_id = c.id
		WHERE e.address = ?
		ORDER BY c.id
		LIMIT 1`),
		address,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Contact{}, false, nil
	}
	if err != nil {
		return model.Contact{}, false, fmt.Errorf("finding contact for %s: %w", address, err)
	}
	return c, true, nil
}

// CreateContact creates a contact with address as its only email.
func (t *Tx) CreateContact(ctx context.Context, displayName, address string) (model.Contact, error) {
	if displayName == "" {
		displayName = address
	}

	id, err := t.insertReturningID(ctx, "INSERT INTO contacts (display_name) VALUES (?)", displayName)
	if err != nil {
		return model.Contact{}, fmt.Errorf("creating contact: %w", err)
	}

	if err := t.exec(ctx, "INSERT INTO emails (contact_id, address) VALUES (?, ?)", id, address); err != nil {
		return model.Contact{}, fmt.Errorf("creating email for contact %d: %w", id, err)
	}

	return model.Contact{ID: id, DisplayName: displayName}, nil
}

// FindOpenCaseByToken returns the case with token unless it is closed.
func (t *Tx) FindOpenCaseByToken(ctx context.Context, token string) (model.Case, bool, error) {
	var c model.Case
	err := t.tx.GetContext(ctx, &c, t.tx.Rebind(`
		SELECT id, token, subject, status
		FROM cases
		WHERE token = ? AND status <> 'closed'`),
		token,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Case{}, false, nil
	}
	if err != nil {
		return model.Case{}, false, fmt.Errorf("finding case %s: %w", token, err)
	}
	return c, true, nil
}

// CreateActivity inserts an activity with its targets and attachments.
func (t *Tx) CreateActivity(ctx context.Context, a *model.Activity) error {
	err := t.exec(ctx, `
		INSERT INTO activities (
			id, activity_type, subject, details, activity_date,
			source_contact_id, case_id, mailbox, message_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ActivityType, a.Subject, a.Details, a.ActivityDate.UTC(),
		a.SourceContactID, a.CaseID, a.Mailbox, a.MessageID,
	)
	if err != nil {
		return fmt.Errorf("creating activity: %w", err)
	}

	for _, contactID := range a.TargetIDs {
		if err := t.exec(ctx,
			"INSERT INTO activity_targets (activity_id, contact_id) VALUES (?, ?)",
			a.ID, contactID,
		); err != nil {
			return fmt.Errorf("adding target %d to activity %s: %w", contactID, a.ID, err)
		}
	}

	for _, att := range a.Attachments {
		if err := t.exec(ctx, `
			INSERT INTO attachments (id, activity_id, filename, content_type, data)
			VALUES (?, ?, ?, ?, ?)`,
			att.ID, a.ID, att.Filename, att.ContentType, att.Data,
		); err != nil {
			return fmt.Errorf("storing attachment %s: %w", att.Filename, err)
		}
	}

	return nil
}
