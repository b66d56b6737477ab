package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meko-christian/mail-intake/internal/bounce"
	"github.com/meko-christian/mail-intake/internal/classify"
	"github.com/meko-christian/mail-intake/internal/config"
	"github.com/meko-christian/mail-intake/internal/filer"
	"github.com/meko-christian/mail-intake/internal/ledger"
	"github.com/meko-christian/mail-intake/internal/mailing"
	"github.com/meko-christian/mail-intake/internal/metrics"
	"github.com/meko-christian/mail-intake/internal/model"
	"github.com/meko-christian/mail-intake/internal/parser"
	"github.com/meko-christian/mail-intake/internal/source"
	"github.com/meko-christian/mail-intake/internal/store"
)

// Opener connects to a mailbox. source.Open is the default.
type Opener func(ctx context.Context, cfg config.MailboxConfig, logger *slog.Logger) (source.Source, error)

// Option configures a Service.
type Option func(*Service)

// WithLedger enables quarantining of messages that keep failing.
func WithLedger(l *ledger.Ledger) Option {
	return func(s *Service) { s.ledger = l }
}

// WithMetrics records run and message outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithForwarder passes VERP replies on to the mailing's reply address.
func WithForwarder(f mailing.Forwarder) Option {
	return func(s *Service) { s.forwarder = f }
}

// WithOpener replaces the mailbox connector, mainly for tests.
func WithOpener(open Opener) Option {
	return func(s *Service) { s.open = open }
}

// Service runs the bounce and activity jobs. Runs are serialized: a second
// call waits for the first to finish, or fails fast through TryRun.
type Service struct {
	settings  config.Settings
	store     *store.Store
	parser    *parser.Parser
	resolver  *bounce.Resolver
	recorder  *mailing.Recorder
	filer     *filer.Filer
	forwarder mailing.Forwarder
	ledger    *ledger.Ledger
	metrics   *metrics.Metrics
	open      Opener
	logger    *slog.Logger

	mu sync.Mutex
}

// New wires the pipeline components from settings.
func New(settings config.Settings, st *store.Store, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		settings: settings,
		store:    st,
		open:     source.Open,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.parser = parser.New(parser.Options{
		MaxDepth:        settings.Parser.MaxDepth,
		MaxMessageBytes: settings.Parser.MaxMessageBytes,
	})
	s.resolver = bounce.NewResolver(bounce.Thresholds{
		Hard: settings.Bounce.HardThreshold,
		Soft: settings.Bounce.SoftThreshold,
	}, logger)
	s.recorder = mailing.NewRecorder(s.forwarder, logger)
	s.filer = filer.New(settings.Filer, logger)

	return s
}

// ErrRunInProgress is returned by TryRun while another run holds the service.
var ErrRunInProgress = errors.New("a job is already running")

// FetchBounces processes the default mailboxes. Mail without bounce or VERP
// evidence is skipped. The error is non-nil only for a *model.ConfigError.
func (s *Service) FetchBounces(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchBounces(ctx)
}

// FetchActivities processes every mailbox that is not a default mailbox.
// The error is non-nil only for a *model.ConfigError.
func (s *Service) FetchActivities(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchActivities(ctx)
}

// Run dispatches by job name: "fetch_bounces" or "fetch_activities". It
// waits for a run already in progress.
func (s *Service) Run(ctx context.Context, job string) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatch(ctx, job)
}

// TryRun is Run without waiting: it returns ErrRunInProgress when another
// run, from any caller, holds the service.
func (s *Service) TryRun(ctx context.Context, job string) (Report, error) {
	if !s.mu.TryLock() {
		return Report{Job: job}, ErrRunInProgress
	}
	defer s.mu.Unlock()
	return s.dispatch(ctx, job)
}

func (s *Service) dispatch(ctx context.Context, job string) (Report, error) {
	switch job {
	case classify.ModeBounce.String():
		return s.fetchBounces(ctx)
	case classify.ModeActivity.String():
		return s.fetchActivities(ctx)
	default:
		return Report{Job: job}, model.NewConfigError("unknown job %q", job)
	}
}

func (s *Service) fetchBounces(ctx context.Context) (Report, error) {
	mailboxes := s.settings.BounceMailboxes()
	if len(mailboxes) == 0 {
		return Report{Job: classify.ModeBounce.String()}, model.NewConfigError("no default mailbox is configured for bounce processing")
	}
	return s.run(ctx, classify.ModeBounce, mailboxes)
}

func (s *Service) fetchActivities(ctx context.Context) (Report, error) {
	return s.run(ctx, classify.ModeActivity, s.settings.ActivityMailboxes())
}

// run holds s.mu, taken by the exported entry points.
func (s *Service) run(ctx context.Context, mode classify.Mode, mailboxes []config.MailboxConfig) (Report, error) {
	report := Report{
		RunID:     uuid.NewString(),
		Job:       mode.String(),
		StartedAt: time.Now().UTC(),
		Mailboxes: len(mailboxes),
	}
	logger := s.logger.With("job", report.Job, "run_id", report.RunID)
	logger.Info("Job started", "mailboxes", len(mailboxes))

	for _, mb := range mailboxes {
		if err := s.processMailbox(ctx, mode, mb, &report, logger.With("mailbox", mb.Name)); err != nil {
			report.FinishedAt = time.Now().UTC()
			logger.Error("Job aborted", "mailbox", mb.Name, "error", err)
			return report, err
		}
	}

	report.FinishedAt = time.Now().UTC()
	if s.metrics != nil {
		s.metrics.ObserveRun(report.Job, report.StartedAt, report.FinishedAt)
	}

	logger.Info("Job finished",
		"resolved", report.Resolved,
		"filed", report.Filed,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"quarantined", report.Quarantined,
		"mailbox_errors", len(report.MailboxErrors),
		"duration", report.FinishedAt.Sub(report.StartedAt),
	)
	return report, nil
}

// processMailbox drains one mailbox. Only a configuration error is returned;
// everything else ends up in the report.
func (s *Service) processMailbox(ctx context.Context, mode classify.Mode, mb config.MailboxConfig, report *Report, logger *slog.Logger) error {
	if mode == classify.ModeBounce && mb.Domain == "" {
		return model.NewConfigError("mailbox %s: domain is required for bounce processing", mb.Name)
	}

	src, err := s.open(ctx, mb, logger)
	if err != nil {
		if model.IsConfigError(err) {
			return err
		}
		s.mailboxFailed(report, mode, mb.Name, err, logger)
		return nil
	}
	defer func() {
		if err := src.Close(); err != nil {
			s.mailboxFailed(report, mode, mb.Name, err, logger)
		}
	}()

	classifier := classify.New(mb, mode, s.settings.Bounce.Header)

	for {
		raw, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			var readErr *model.SourceReadError
			if errors.As(err, &readErr) {
				logger.Warn("Skipping unreadable message", "message_id", readErr.MessageID, "error", readErr.Err)
				report.count(StateFailed)
				report.fail(mb.Name, readErr.MessageID, string(StateFetched), err)
				s.observe(mode, mb.Name, StateFailed)
				continue
			}
			s.mailboxFailed(report, mode, mb.Name, err, logger)
			return nil
		}

		msgLogger := logger.With("message_id", raw.ID)
		state, stage, err := s.processMessage(ctx, mb, classifier, raw, report, msgLogger)
		report.count(state)
		s.observe(mode, mb.Name, state)

		if state.Acknowledged() {
			s.acknowledge(ctx, src, mb.Name, raw, report, msgLogger)
			continue
		}

		msgLogger.Error("Message failed", "stage", stage, "error", err)
		report.fail(mb.Name, raw.ID, stage, err)
		s.recordFailure(ctx, src, mb.Name, raw, err, report, msgLogger)
	}
}

// processMessage moves one message through parse, classify and record. The
// writes for a message share one transaction. stage names the last state
// reached when the message failed.
func (s *Service) processMessage(ctx context.Context, mb config.MailboxConfig, classifier *classify.Classifier, raw source.RawMessage, report *Report, logger *slog.Logger) (State, string, error) {
	msg := s.parser.Parse(raw.Data)
	if msg.IsDegraded() {
		report.Degraded++
		logger.Warn("Message decoded with fallbacks", "reasons", msg.Degraded)
	}

	res := classifier.Classify(msg)
	logger = logger.With("category", res.Category)
	logger.Debug("Message classified", "subject", msg.Subject(), "dsn", res.DSN, "token", res.HasToken)

	if res.Category == classify.Skipped {
		logger.Info("Message skipped", "reason", res.Reason)
		return StateSkipped, string(StateClassified), nil
	}

	state := StateResolved
	var skipReason string
	err := s.store.WithinTx(ctx, func(tx *store.Tx) error {
		switch res.Category {
		case classify.Bounce:
			_, err := s.resolver.Resolve(ctx, tx, mb.Name, msg, res)
			return err
		case classify.Reply:
			_, err := s.recorder.RecordReply(ctx, tx, msg, res)
			return err
		case classify.Unsubscribe:
			_, err := s.recorder.RecordUnsubscribe(ctx, tx, res)
			return err
		case classify.CaseActivity, classify.GenericActivity:
			out, err := s.filer.File(ctx, tx, mb, msg, res)
			if err != nil {
				return err
			}
			if out.Skipped() {
				state, skipReason = StateSkipped, out.SkipReason
			} else {
				state = StateFiled
			}
			return nil
		default:
			return fmt.Errorf("unhandled category %q", res.Category)
		}
	})

	switch {
	case errors.Is(err, model.ErrResolutionNotFound):
		logger.Info("No matching delivery, skipping", "reason", err)
		return StateSkipped, string(StateClassified), nil
	case err != nil:
		return StateFailed, string(StateClassified), err
	}

	if state == StateSkipped {
		logger.Info("Message skipped", "reason", skipReason)
	}
	return state, string(StateClassified), nil
}

func (s *Service) acknowledge(ctx context.Context, src source.Source, mailbox string, raw source.RawMessage, report *Report, logger *slog.Logger) {
	if err := src.Acknowledge(ctx, raw.ID); err != nil {
		logger.Error("Failed to acknowledge message", "error", err)
		report.fail(mailbox, raw.ID, "acknowledge", err)
		return
	}
	if s.ledger != nil {
		if err := s.ledger.Clear(mailbox, raw.Data); err != nil {
			logger.Warn("Failed to clear failure ledger", "error", err)
		}
	}
}

// recordFailure counts the failure in the ledger and quarantines the
// message once it has failed too often, if the source can do that.
func (s *Service) recordFailure(ctx context.Context, src source.Source, mailbox string, raw source.RawMessage, cause error, report *Report, logger *slog.Logger) {
	if s.ledger == nil {
		return
	}

	attempts, exhausted, err := s.ledger.RecordFailure(mailbox, raw.Data, cause)
	if err != nil {
		logger.Warn("Failed to update failure ledger", "error", err)
		return
	}
	if !exhausted {
		logger.Debug("Message left for retry", "attempts", attempts)
		return
	}

	q, ok := src.(source.Quarantiner)
	if !ok {
		logger.Warn("Message keeps failing but the mailbox cannot quarantine it", "attempts", attempts)
		return
	}
	if err := q.Quarantine(ctx, raw.ID); err != nil {
		logger.Error("Failed to quarantine message", "error", err)
		return
	}
	report.Quarantined++
	logger.Warn("Message quarantined", "attempts", attempts)

	if err := s.ledger.Clear(mailbox, raw.Data); err != nil {
		logger.Warn("Failed to clear failure ledger", "error", err)
	}
}

func (s *Service) mailboxFailed(report *Report, mode classify.Mode, mailbox string, err error, logger *slog.Logger) {
	logger.Error("Mailbox failed", "error", err)
	report.mailboxError(mailbox, err)
	if s.metrics != nil {
		s.metrics.ObserveMailboxError(mode.String(), mailbox)
	}
}

func (s *Service) observe(mode classify.Mode, mailbox string, state State) {
	if s.metrics != nil {
		s.metrics.ObserveMessage(mode.String(), mailbox, string(state))
	}
}
