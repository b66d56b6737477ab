package bounce

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

// QueueFinder resolves a queue token to the delivery it identifies. A record
// whose email was deleted is reported as not found.
type QueueFinder interface {
	FindQueueRecord(ctx context.Context, token model.QueueToken) (model.QueueRecord, bool, error)
}

// Repository is the store surface the resolver writes through. It is expected
// to be scoped to one transaction.
type Repository interface {
	QueueFinder
	CreateBounceEvent(ctx context.Context, event *model.BounceEvent) error
	CountBounces(ctx context.Context, emailID int64, kind model.BounceKind) (int, error)
	SetEmailOnHold(ctx context.Context, emailID int64) error
}

// Thresholds put an email on hold once it has bounced this many times.
// Zero disables the hold for that kind.
type Thresholds struct {
	Hard int
	Soft int
}

// Resolver records bounce events against the deliveries they refer to.
type Resolver struct {
	thresholds Thresholds
	logger     *slog.Logger
	now        func() time.Time
}

func NewResolver(thresholds Thresholds, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{thresholds: thresholds, logger: logger, now: time.Now}
}

// Resolve records a bounce for msg. It returns model.ErrResolutionNotFound
// when the message carries no usable token or the token does not lead to a
// live queue record.
func (r *Resolver) Resolve(ctx context.Context, repo Repository, mailbox string, msg *parser.ParsedMessage, res classify.Result) (*model.BounceEvent, error) {
	if !res.HasToken {
		return nil, fmt.Errorf("no queue token: %w", model.ErrResolutionNotFound)
	}

	record, found, err := repo.FindQueueRecord(ctx, res.Token.Queue)
	if err != nil {
		return nil, &model.StoreWriteError{Op: "find queue record", Err: err}
	}
	if !found {
		return nil, fmt.Errorf("queue %d: %w", res.Token.Queue.QueueID, model.ErrResolutionNotFound)
	}

	kind, reason := Classify(msg)
	event := &model.BounceEvent{
		ID:         uuid.NewString(),
		QueueID:    record.ID,
		Kind:       kind,
		Reason:     reason,
		Mailbox:    mailbox,
		OccurredAt: r.now().UTC(),
	}
	if err := repo.CreateBounceEvent(ctx, event); err != nil {
		return nil, &model.StoreWriteError{Op: "create bounce event", Err: err}
	}

	if err := r.applyHold(ctx, repo, record, kind); err != nil {
		return nil, err
	}

	r.logger.Info("Bounce recorded",
		"mailbox", mailbox,
		"queue_id", record.ID,
		"kind", kind,
		"reason", reason,
	)

	return event, nil
}

func (r *Resolver) applyHold(ctx context.Context, repo Repository, record model.QueueRecord, kind model.BounceKind) error {
	var threshold int
	switch kind {
	case model.BounceHard:
		threshold = r.thresholds.Hard
	case model.BounceSoft:
		threshold = r.thresholds.Soft
	}
	if threshold <= 0 {
		return nil
	}

	count, err := repo.CountBounces(ctx, record.EmailID, kind)
	if err != nil {
		return &model.StoreWriteError{Op: "count bounces", Err: err}
	}
	if count < threshold {
		return nil
	}

	if err := repo.SetEmailOnHold(ctx, record.EmailID); err != nil {
		return &model.StoreWriteError{Op: "hold email", Err: err}
	}
	r.logger.Info("Email put on hold", "email_id", record.EmailID, "kind", kind, "bounces", count)
	return nil
}
