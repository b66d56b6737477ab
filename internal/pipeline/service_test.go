package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/meko-christian/mail-intake/internal/config"
	"github.com/meko-christian/mail-intake/internal/ledger"
	"github.com/meko-christian/mail-intake/internal/metrics"
	"github.com/meko-christian/mail-intake/internal/model"
	"github.com/meko-christian/mail-intake/internal/parser"
	"github.com/meko-christian/mail-intake/internal/source"
	"github.com/meko-christian/mail-intake/internal/store"
	"github.com/meko-christian/mail-intake/internal/store/storetest"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSettings(mailboxes ...config.MailboxConfig) config.Settings {
	return config.Settings{
		Parser: config.ParserConfig{MaxDepth: 16, MaxMessageBytes: 1 << 20},
		Filer: config.FilerConfig{
			ActivityType:    "Inbound Email",
			BodyLimit:       20000,
			AttachmentLimit: 1 << 20,
		},
		Bounce: config.BounceConfig{
			Header:        "X-Mailing-Bounce",
			HardThreshold: 3,
			SoftThreshold: 30,
		},
		Mailboxes: mailboxes,
	}
}

func localMailbox(t *testing.T, name string, isDefault bool) config.MailboxConfig {
	t.Helper()
	return config.MailboxConfig{
		Name:            name,
		Protocol:        config.ProtocolLocalDir,
		Source:          t.TempDir(),
		Domain:          "example.com",
		Localpart:       "civimail+",
		IsDefault:       isDefault,
		ProcessedFolder: "processed",
		IgnoredFolder:   "ignored",
		DeleteProcessed: true,
	}
}

func deliver(t *testing.T, mb config.MailboxConfig, name, raw string) string {
	t.Helper()
	path := filepath.Join(mb.Source, name)
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func assertGone(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("%s still present in mailbox", filepath.Base(path))
	}
}

func assertPresent(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); err != nil {
		t.Errorf("%s missing from mailbox: %v", filepath.Base(path), err)
	}
}

func count(t *testing.T, st *store.Store, table string) int {
	t.Helper()
	n, err := storetest.Count(context.Background(), st, table)
	if err != nil {
		t.Fatalf("counting %s: %v", table, err)
	}
	return n
}

func seedDelivery(t *testing.T, st *store.Store, replyAddress string) (model.QueueRecord, int64) {
	t.Helper()
	ctx := context.Background()
	contactID, emailID, err := storetest.SeedContact(ctx, st, "Undeliverable", "undeliverable@example.com")
	if err != nil {
		t.Fatalf("seeding contact: %v", err)
	}
	rec, err := storetest.SeedQueueRecord(ctx, st, 1, contactID, emailID, queueHash, replyAddress)
	if err != nil {
		t.Fatalf("seeding queue record: %v", err)
	}
	return rec, emailID
}

func TestFetchBounces_ValidHash(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := storetest.New(t)
	mb := localMailbox(t, "bounces", true)
	rec, _ := seedDelivery(t, st, "")
	path := deliver(t, mb, "bounce.eml", verpBounce(rec.JobID, rec.ID))

	svc := New(testSettings(mb), st, quietLogger())
	report, err := svc.FetchBounces(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Resolved != 1 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}

	events, err := storetest.BounceEvents(ctx, st)
	if err != nil {
		t.Fatalf("listing events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one bounce event, got %d", len(events))
	}
	if events[0].QueueID != rec.ID || events[0].Kind != model.BounceHard || events[0].Mailbox != "bounces" {
		t.Errorf("unexpected event %+v", events[0])
	}
	assertGone(t, path)

	// The mailbox is now empty: a second run changes nothing.
	again, err := svc.FetchBounces(ctx)
	if err != nil || again.Processed() != 0 || len(again.Failures) != 0 {
		t.Errorf("second run: %+v, %v", again, err)
	}
	if n := count(t, st, "bounce_events"); n != 1 {
		t.Errorf("second run created records: %d bounce events", n)
	}
}

func TestFetchBounces_DeletedEmail(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := storetest.New(t)
	mb := localMailbox(t, "bounces", true)
	rec, emailID := seedDelivery(t, st, "")
	if err := storetest.DeleteEmail(ctx, st, emailID); err != nil {
		t.Fatal(err)
	}
	path := deliver(t, mb, "bounce.eml", verpBounce(rec.JobID, rec.ID))

	report, err := New(testSettings(mb), st, quietLogger()).FetchBounces(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Skipped != 1 || report.Failed != 0 || len(report.Failures) != 0 {
		t.Errorf("unexpected report %+v", report)
	}
	if n := count(t, st, "bounce_events"); n != 0 {
		t.Errorf("expected no bounce events, got %d", n)
	}
	assertGone(t, path)
}

func TestFetchBounces_OrdinaryMailIsSkipped(t *testing.T) {
	t.Parallel()

	st := storetest.New(t)
	mb := localMailbox(t, "bounces", true)
	mb.DeleteProcessed = false
	deliver(t, mb, "plain.eml", plainMail)

	report, err := New(testSettings(mb), st, quietLogger()).FetchBounces(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Skipped != 1 {
		t.Errorf("unexpected report %+v", report)
	}
	if n := count(t, st, "activities"); n != 0 {
		t.Errorf("bounce job filed %d activities", n)
	}
	assertPresent(t, filepath.Join(mb.Source, "processed", "plain.eml"))
}

func TestFetchBounces_NoDefaultMailbox(t *testing.T) {
	t.Parallel()

	mb := localMailbox(t, "inbox", false)
	_, err := New(testSettings(mb), storetest.New(t), quietLogger()).FetchBounces(context.Background())
	if !model.IsConfigError(err) {
		t.Errorf("expected ConfigError, got %v", err)
	}
}

func TestFetchActivities_MultipartAndNested(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := storetest.New(t)
	mb := localMailbox(t, "inbox", false)
	nested := deliver(t, mb, "1-nested.eml", nestedRelated)
	plain := deliver(t, mb, "2-plain.eml", plainMail)

	report, err := New(testSettings(mb), st, quietLogger()).FetchActivities(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Filed != 2 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Degraded == 0 {
		t.Errorf("broken sub-part not reported as degraded")
	}

	activities, err := storetest.Activities(ctx, st)
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, a := range activities {
		if a.Subject == "Newsletter feedback" {
			found = true
			if !strings.Contains(a.Details, "Loved the photo.") {
				t.Errorf("unexpected details %q", a.Details)
			}
		}
	}
	if !found {
		t.Errorf("nested message not filed: %+v", activities)
	}
	assertGone(t, nested)
	assertGone(t, plain)
}

func TestFetchActivities_InvalidCharset(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := storetest.New(t)
	mb := localMailbox(t, "inbox", false)
	deliver(t, mb, "latin1.eml", invalidCharset)

	report, err := New(testSettings(mb), st, quietLogger()).FetchActivities(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Filed != 1 || report.Degraded != 1 {
		t.Fatalf("unexpected report %+v", report)
	}

	activities, err := storetest.Activities(ctx, st)
	if err != nil || len(activities) != 1 {
		t.Fatalf("unexpected activities %+v, %v", activities, err)
	}
	if !strings.Contains(activities[0].Details, "caf\uFFFD au lait") {
		t.Errorf("invalid bytes not replaced: %q", activities[0].Details)
	}
}

func TestFetchActivities_SkipNonCaseEmail(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := storetest.New(t)
	caseID, err := storetest.SeedCase(ctx, st, "214bf6d", "Printer", "open")
	if err != nil {
		t.Fatal(err)
	}

	mb := localMailbox(t, "support", false)
	mb.SkipNonCaseEmail = true
	withToken := deliver(t, mb, "case.eml", caseMail)
	withoutToken := deliver(t, mb, "nocase.eml", noCaseMail)

	report, err := New(testSettings(mb), st, quietLogger()).FetchActivities(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Filed != 1 || report.Skipped != 1 {
		t.Fatalf("unexpected report %+v", report)
	}

	activities, err := storetest.Activities(ctx, st)
	if err != nil || len(activities) != 1 {
		t.Fatalf("expected one activity, got %+v, %v", activities, err)
	}
	if activities[0].CaseID == nil || *activities[0].CaseID != caseID {
		t.Errorf("activity not linked to case: %+v", activities[0])
	}
	// Only the sender of the case mail becomes a contact.
	if n := count(t, st, "contacts"); n != 1 {
		t.Errorf("expected 1 contact, got %d", n)
	}
	assertGone(t, withToken)
	assertGone(t, withoutToken)
}

func TestFetchActivities_UnknownCaseTokenIsFiled(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := storetest.New(t)

	mb := localMailbox(t, "support", false)
	mb.SkipNonCaseEmail = true
	path := deliver(t, mb, "case.eml", caseMail)

	report, err := New(testSettings(mb), st, quietLogger()).FetchActivities(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Filed != 1 || report.Skipped != 0 {
		t.Fatalf("unexpected report %+v", report)
	}

	activities, err := storetest.Activities(ctx, st)
	if err != nil || len(activities) != 1 {
		t.Fatalf("expected one activity, got %+v, %v", activities, err)
	}
	if activities[0].CaseID != nil {
		t.Errorf("activity linked to a case that does not exist: %+v", activities[0])
	}
	assertGone(t, path)
}

func TestFetchActivities_ContactCreationDisabled(t *testing.T) {
	t.Parallel()

	st := storetest.New(t)
	mb := localMailbox(t, "inbox", false)
	mb.DisableContactCreationIfNoMatch = true
	path := deliver(t, mb, "plain.eml", plainMail)

	report, err := New(testSettings(mb), st, quietLogger()).FetchActivities(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Skipped != 1 {
		t.Errorf("unexpected report %+v", report)
	}
	if n := count(t, st, "contacts"); n != 0 {
		t.Errorf("expected no contacts, got %d", n)
	}
	if n := count(t, st, "activities"); n != 0 {
		t.Errorf("expected no activities, got %d", n)
	}
	assertGone(t, path)
}

func TestFetchActivities_EmptyMailbox(t *testing.T) {
	t.Parallel()

	st := storetest.New(t)
	mb := localMailbox(t, "inbox", false)

	report, err := New(testSettings(mb), st, quietLogger()).FetchActivities(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Processed() != 0 || len(report.Failures) != 0 || len(report.MailboxErrors) != 0 {
		t.Errorf("unexpected report %+v", report)
	}
}

type recordingForwarder struct {
	to []string
}

func (f *recordingForwarder) Forward(_ context.Context, to string, _ *parser.ParsedMessage) error {
	f.to = append(f.to, to)
	return nil
}

func TestFetchActivities_VerpReplyIsForwarded(t *testing.T) {
	t.Parallel()

	st := storetest.New(t)
	rec, _ := seedDelivery(t, st, "office@example.com")
	mb := localMailbox(t, "inbox", false)
	deliver(t, mb, "reply.eml", verpReply(rec.JobID, rec.ID))

	fwd := &recordingForwarder{}
	report, err := New(testSettings(mb), st, quietLogger(), WithForwarder(fwd)).FetchActivities(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Resolved != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(fwd.to) != 1 || fwd.to[0] != "office@example.com" {
		t.Errorf("unexpected forwards %v", fwd.to)
	}
	if n := count(t, st, "reply_events"); n != 1 {
		t.Errorf("expected 1 reply event, got %d", n)
	}
	if n := count(t, st, "activities"); n != 0 {
		t.Errorf("reply filed as activity")
	}
}

func TestStoreFailure_LeavesMessageThenQuarantines(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	st, err := store.Open(config.DatabaseConfig{Driver: store.DriverSQLite, DSN: filepath.Join(dir, "intake.db")})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	st.Close()

	l, err := ledger.Open(filepath.Join(dir, "ledger.db"), 2)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	mb := localMailbox(t, "inbox", false)
	path := deliver(t, mb, "plain.eml", plainMail)
	svc := New(testSettings(mb), st, quietLogger(), WithLedger(l))

	report, err := svc.FetchActivities(ctx)
	if err != nil {
		t.Fatalf("store failure aborted the run: %v", err)
	}
	if report.Failed != 1 || len(report.Failures) != 1 || report.Quarantined != 0 {
		t.Fatalf("unexpected first report %+v", report)
	}
	assertPresent(t, path)

	report, err = svc.FetchActivities(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Quarantined != 1 {
		t.Fatalf("unexpected second report %+v", report)
	}
	assertGone(t, path)
	assertPresent(t, filepath.Join(mb.Source, "ignored", "plain.eml"))

	if entries, _ := l.Entries(); len(entries) != 0 {
		t.Errorf("ledger not cleared after quarantine: %+v", entries)
	}
}

// scriptedSource replays a fixed list of results.
type scriptedSource struct {
	results []func() (source.RawMessage, error)
	acked   []string
}

func (s *scriptedSource) Next(context.Context) (source.RawMessage, error) {
	if len(s.results) == 0 {
		return source.RawMessage{}, io.EOF
	}
	next := s.results[0]
	s.results = s.results[1:]
	return next()
}

func (s *scriptedSource) Acknowledge(_ context.Context, id string) error {
	s.acked = append(s.acked, id)
	return nil
}

func (s *scriptedSource) Close() error { return nil }

func TestUnreadableMessageDoesNotStopBatch(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{results: []func() (source.RawMessage, error){
		func() (source.RawMessage, error) {
			return source.RawMessage{}, &model.SourceReadError{MessageID: "1", Err: errors.New("i/o timeout")}
		},
		func() (source.RawMessage, error) {
			return source.RawMessage{ID: "2", Data: []byte(plainMail)}, nil
		},
	}}
	open := func(context.Context, config.MailboxConfig, *slog.Logger) (source.Source, error) {
		return src, nil
	}

	mb := localMailbox(t, "inbox", false)
	m := metrics.New()
	report, err := New(testSettings(mb), storetest.New(t), quietLogger(), WithOpener(open), WithMetrics(m)).
		FetchActivities(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Failed != 1 || report.Filed != 1 {
		t.Errorf("unexpected report %+v", report)
	}
	if len(src.acked) != 1 || src.acked[0] != "2" {
		t.Errorf("unexpected acknowledgements %v", src.acked)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	want := `mail_intake_messages_total{job="fetch_activities",mailbox="inbox",outcome="filed"} 1`
	if !strings.Contains(rec.Body.String(), want) {
		t.Errorf("metrics missing %q", want)
	}
}

func TestMailboxErrors(t *testing.T) {
	t.Parallel()

	a := localMailbox(t, "a", false)
	b := localMailbox(t, "b", false)
	deliver(t, b, "plain.eml", plainMail)

	open := func(ctx context.Context, cfg config.MailboxConfig, logger *slog.Logger) (source.Source, error) {
		if cfg.Name == "a" {
			return nil, errors.New("connection refused")
		}
		return source.Open(ctx, cfg, logger)
	}

	report, err := New(testSettings(a, b), storetest.New(t), quietLogger(), WithOpener(open)).
		FetchActivities(context.Background())
	if err != nil {
		t.Fatalf("mailbox error aborted the run: %v", err)
	}
	if len(report.MailboxErrors) != 1 || report.MailboxErrors[0].Mailbox != "a" || report.Filed != 1 {
		t.Errorf("unexpected report %+v", report)
	}
}

func TestConfigErrorAbortsRun(t *testing.T) {
	t.Parallel()

	mb := localMailbox(t, "inbox", false)
	mb.Protocol = "uucp"

	_, err := New(testSettings(mb), storetest.New(t), quietLogger()).FetchActivities(context.Background())
	if !model.IsConfigError(err) {
		t.Errorf("expected ConfigError, got %v", err)
	}
}

func TestRun_UnknownJob(t *testing.T) {
	t.Parallel()

	_, err := New(testSettings(), storetest.New(t), quietLogger()).Run(context.Background(), "fetch_everything")
	if !model.IsConfigError(err) {
		t.Errorf("expected ConfigError, got %v", err)
	}
}
