package model

import "time"

// Contact is a person known to the host store.
type Contact struct {
	ID          int64  `db:"id"`
	DisplayName string `db:"display_name"`
	IsOptOut    bool   `db:"is_opt_out"`
}

// Email is an address owned by a contact.
type Email struct {
	ID        int64  `db:"id"`
	ContactID int64  `db:"contact_id"`
	Address   string `db:"address"`
	OnHold    bool   `db:"on_hold"`
}

// Case is a support case that inbound mail can be filed against.
type Case struct {
	ID      int64  `db:"id"`
	Token   string `db:"token"`
	Subject string `db:"subject"`
	Status  string `db:"status"`
}

// QueueToken identifies a sent mailing delivery as encoded in a VERP address or bounce header.
type QueueToken struct {
	JobID   int64
	QueueID int64
	Hash    string
}

// QueueRecord is one scheduled/sent delivery of a mailing to a recipient.
// EmailID is a weak reference: the email row may have been deleted since sending.
type QueueRecord struct {
	ID           int64  `db:"id"`
	JobID        int64  `db:"job_id"`
	MailingID    int64  `db:"mailing_id"`
	EmailID      int64  `db:"email_id"`
	ContactID    int64  `db:"contact_id"`
	Hash         string `db:"hash"`
	ReplyAddress string `db:"reply_address"`
}

// BounceKind is the coarse severity of a delivery failure.
type BounceKind string

const (
	BounceHard    BounceKind = "hard"
	BounceSoft    BounceKind = "soft"
	BounceOther   BounceKind = "other"
	BounceUnknown BounceKind = "unknown"
)

// BounceEvent records one bounce against a queue record. Append-only.
type BounceEvent struct {
	ID         string     `db:"id"`
	QueueID    int64      `db:"queue_id"`
	Kind       BounceKind `db:"kind"`
	Reason     string     `db:"reason"`
	Mailbox    string     `db:"mailbox"`
	OccurredAt time.Time  `db:"occurred_at"`
}

// ReplyEvent records a reply received for a mailing delivery.
type ReplyEvent struct {
	ID         string    `db:"id"`
	QueueID    int64     `db:"queue_id"`
	FromAddr   string    `db:"from_address"`
	Subject    string    `db:"subject"`
	Forwarded  bool      `db:"forwarded"`
	OccurredAt time.Time `db:"occurred_at"`
}

// UnsubscribeEvent records an unsubscribe or opt-out request for a mailing delivery.
type UnsubscribeEvent struct {
	ID         string    `db:"id"`
	QueueID    int64     `db:"queue_id"`
	OptOut     bool      `db:"opt_out"`
	OccurredAt time.Time `db:"occurred_at"`
}

// Activity is the record filed for one inbound message.
type Activity struct {
	ID              string       `db:"id"`
	ActivityType    string       `db:"activity_type"`
	Subject         string       `db:"subject"`
	Details         string       `db:"details"`
	ActivityDate    time.Time    `db:"activity_date"`
	SourceContactID int64        `db:"source_contact_id"`
	CaseID          *int64       `db:"case_id"`
	Mailbox         string       `db:"mailbox"`
	MessageID       string       `db:"message_id"`
	TargetIDs       []int64      `db:"-"`
	Attachments     []Attachment `db:"-"`
}

// Attachment is a file carried by an inbound message and stored with its activity.
type Attachment struct {
	ID          string `db:"id"`
	ActivityID  string `db:"activity_id"`
	Filename    string `db:"filename"`
	ContentType string `db:"content_type"`
	Data        []byte `db:"data"`
}
