package pipeline

import "time"

// State is the position of one message in the pipeline.
type State string

const (
	StateFetched    State = "fetched"
	StateParsed     State = "parsed"
	StateClassified State = "classified"
	StateResolved   State = "resolved"
	StateFiled      State = "filed"
	StateSkipped    State = "skipped"
	StateFailed     State = "failed"
)

// Acknowledged reports whether reaching s removes the message from its mailbox.
func (s State) Acknowledged() bool {
	return s == StateResolved || s == StateFiled || s == StateSkipped
}

// Failure is one message that did not complete, or completed but could not
// be acknowledged.
type Failure struct {
	Mailbox   string `json:"mailbox"`
	MessageID string `json:"message_id"`
	Stage     string `json:"stage"`
	Error     string `json:"error"`
}

// MailboxError is a mailbox that could not be opened or read to the end.
type MailboxError struct {
	Mailbox string `json:"mailbox"`
	Error   string `json:"error"`
}

// Report summarises one job run.
type Report struct {
	RunID      string    `json:"run_id"`
	Job        string    `json:"job"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Mailboxes   int `json:"mailboxes"`
	Resolved    int `json:"resolved"`
	Filed       int `json:"filed"`
	Skipped     int `json:"skipped"`
	Failed      int `json:"failed"`
	Degraded    int `json:"degraded"`
	Quarantined int `json:"quarantined"`

	Failures      []Failure      `json:"failures,omitempty"`
	MailboxErrors []MailboxError `json:"mailbox_errors,omitempty"`
}

// Processed is the number of messages that reached a terminal state.
func (r *Report) Processed() int {
	return r.Resolved + r.Filed + r.Skipped + r.Failed
}

func (r *Report) count(state State) {
	switch state {
	case StateResolved:
		r.Resolved++
	case StateFiled:
		r.Filed++
	case StateSkipped:
		r.Skipped++
	case StateFailed:
		r.Failed++
	}
}

func (r *Report) fail(mailbox, messageID, stage string, err error) {
	r.Failures = append(r.Failures, Failure{
		Mailbox:   mailbox,
		MessageID: messageID,
		Stage:     stage,
		Error:     err.Error(),
	})
}

func (r *Report) mailboxError(mailbox string, err error) {
	r.MailboxErrors = append(r.MailboxErrors, MailboxError{Mailbox: mailbox, Error: err.Error()})
}
