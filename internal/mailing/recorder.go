package mailing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/meko-christian/mail-intake/internal/classify"
	"github.com/meko-christian/mail-intake/internal/model"
	"github.com/meko-christian/mail-intake/internal/parser"
)

// Repository is the store surface for reply and unsubscribe handling.
type Repository interface {
	FindQueueRecord(ctx context.Context, token model.QueueToken) (model.QueueRecord, bool, error)
	CreateReplyEvent(ctx context.Context, event *model.ReplyEvent) error
	CreateUnsubscribeEvent(ctx context.Context, event *model.UnsubscribeEvent) error
	SetContactOptOut(ctx context.Context, contactID int64) error
}

// Recorder handles VERP replies and unsubscribe requests for sent mailings.
type Recorder struct {
	forwarder Forwarder
	logger    *slog.Logger
	now       func() time.Time
}

// NewRecorder returns a Recorder. A nil forwarder records replies without
// passing them on.
func NewRecorder(forwarder Forwarder, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{forwarder: forwarder, logger: logger, now: time.Now}
}

// RecordReply stores a reply event and forwards the message to the mailing's
// reply address when one is set.
func (r *Recorder) RecordReply(ctx context.Context, repo Repository, msg *parser.ParsedMessage, res classify.Result) (*model.ReplyEvent, error) {
	record, err := r.lookup(ctx, repo, res)
	if err != nil {
		return nil, err
	}

	event := &model.ReplyEvent{
		ID:         uuid.NewString(),
		QueueID:    record.ID,
		FromAddr:   senderAddress(msg),
		Subject:    msg.Subject(),
		OccurredAt: r.now().UTC(),
	}

	if r.forwarder != nil && record.ReplyAddress != "" {
		if err := r.forwarder.Forward(ctx, record.ReplyAddress, msg); err != nil {
			return nil, fmt.Errorf("failed to forward reply for queue %d: %w", record.ID, err)
		}
		event.Forwarded = true
	}

	if err := repo.CreateReplyEvent(ctx, event); err != nil {
		return nil, &model.StoreWriteError{Op: "create reply event", Err: err}
	}

	r.logger.Info("Reply recorded", "queue_id", record.ID, "forwarded", event.Forwarded)
	return event, nil
}

// RecordUnsubscribe stores an unsubscribe event. An opt-out also flags the
// contact so no further bulk mail is sent.
func (r *Recorder) RecordUnsubscribe(ctx context.Context, repo Repository, res classify.Result) (*model.UnsubscribeEvent, error) {
	record, err := r.lookup(ctx, repo, res)
	if err != nil {
		return nil, err
	}

	optOut := res.Token.Action == classify.ActionOptOut
	event := &model.UnsubscribeEvent{
		ID:         uuid.NewString(),
		QueueID:    record.ID,
		OptOut:     optOut,
		OccurredAt: r.now().UTC(),
	}
	if err := repo.CreateUnsubscribeEvent(ctx, event); err != nil {
		return nil, &model.StoreWriteError{Op: "create unsubscribe event", Err: err}
	}

	if optOut {
		if err := repo.SetContactOptOut(ctx, record.ContactID); err != nil {
			return nil, &model.StoreWriteError{Op: "opt out contact", Err: err}
		}
	}

	r.logger.Info("Unsubscribe recorded", "queue_id", record.ID, "opt_out", optOut)
	return event, nil
}

func (r *Recorder) lookup(ctx context.Context, repo Repository, res classify.Result) (model.QueueRecord, error) {
	if !res.HasToken {
		return model.QueueRecord{}, fmt.Errorf("no queue token: %w", model.ErrResolutionNotFound)
	}

	record, found, err := repo.FindQueueRecord(ctx, res.Token.Queue)
	if err != nil {
		return model.QueueRecord{}, &model.StoreWriteError{Op: "find queue record", Err: err}
	}
	if !found {
		return model.QueueRecord{}, fmt.Errorf("queue %d: %w", res.Token.Queue.QueueID, model.ErrResolutionNotFound)
	}
	return record, nil
}

func senderAddress(msg *parser.ParsedMessage) string {
	if addr := msg.Sender(); addr != nil {
		return addr.Address
	}
	return msg.Header.Get("From")
}
