package classify

import (
	"testing"

	"github.com/meko-christian/mail-intake/internal/config"
	"github.com/meko-christian/mail-intake/internal/parser"
)

const hash = "aaaaaaaaaaaaaaaa"

var bounceMailbox = config.MailboxConfig{
	Name:      "bounces",
	Domain:    "example.com",
	Localpart: "civimail+",
	IsDefault: true,
}

func parse(raw string) *parser.ParsedMessage {
	return parser.New(parser.Options{}).Parse([]byte(raw))
}

func TestClassify_VerpActions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		to     string
		want   Category
		action Action
	}{
		{to: "civimail+b.1.2." + hash + "@example.com", want: Bounce, action: ActionBounce},
		{to: "civimail+bounce.1.2." + hash + "@example.com", want: Bounce, action: ActionBounce},
		{to: "<civimail+r.1.2." + hash + "@example.com>", want: Reply, action: ActionReply},
		{to: "Reply <civimail+reply.1.2." + hash + "@example.com>", want: Reply, action: ActionReply},
		{to: "civimail+u.1.2." + hash + "@example.com", want: Unsubscribe, action: ActionUnsubscribe},
		{to: "civimail+optOut.1.2." + hash + "@example.com", want: Unsubscribe, action: ActionOptOut},
		{to: "civimail+e.1.2." + hash + "@example.com", want: Skipped, action: ActionResubscribe},
		{to: "civimail+c.1.2." + hash + "@example.com", want: Skipped, action: ActionConfirm},
	}

	c := New(bounceMailbox, ModeBounce, "X-Mailing-Bounce")
	for _, tc := range cases {
		res := c.Classify(parse("From: someone@example.org\r\nTo: " + tc.to + "\r\nSubject: hi\r\n\r\nbody\r\n"))
		if res.Category != tc.want {
			t.Errorf("%s: got category %s, want %s", tc.to, res.Category, tc.want)
			continue
		}
		if !res.HasToken || res.Token.Action != tc.action {
			t.Errorf("%s: unexpected token %+v", tc.to, res.Token)
			continue
		}
		if res.Token.Queue.JobID != 1 || res.Token.Queue.QueueID != 2 || res.Token.Queue.Hash != hash {
			t.Errorf("%s: unexpected queue token %+v", tc.to, res.Token.Queue)
		}
	}
}

func TestClassify_VerpOnOtherDomainIsIgnored(t *testing.T) {
	t.Parallel()

	c := New(bounceMailbox, ModeActivity, "X-Mailing-Bounce")
	res := c.Classify(parse("From: a@example.org\r\nTo: civimail+b.1.2." + hash + "@elsewhere.net\r\n\r\nhello\r\n"))

	if res.Category != GenericActivity {
		t.Errorf("unexpected category %s", res.Category)
	}
}

const nonVerpBounce = "From: MAILER-DAEMON@mx.example.net\r\n" +
	"To: bounces@example.com\r\n" +
	"Subject: Undelivered Mail Returned to Sender\r\n" +
	"Content-Type: multipart/report; report-type=delivery-status; boundary=\"r\"\r\n" +
	"\r\n" +
	"--r\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"The mail system could not deliver your message.\r\n" +
	"--r\r\n" +
	"Content-Type: message/delivery-status\r\n" +
	"\r\n" +
	"Reporting-MTA: dns; mx.example.net\r\n" +
	"\r\n" +
	"Final-Recipient: rfc822; undeliverable@example.com\r\n" +
	"Action: failed\r\n" +
	"Status: 5.1.1\r\n" +
	"--r\r\n" +
	"Content-Type: message/rfc822\r\n" +
	"\r\n" +
	"From: news@example.com\r\n" +
	"To: undeliverable@example.com\r\n" +
	"X-Mailing-Bounce: civimail+b.7.9." + hash + "@example.com\r\n" +
	"Subject: Newsletter\r\n" +
	"\r\n" +
	"Hello\r\n" +
	"--r--\r\n"

func TestClassify_BounceHeaderInReturnedOriginal(t *testing.T) {
	t.Parallel()

	res := New(bounceMailbox, ModeBounce, "X-Mailing-Bounce").Classify(parse(nonVerpBounce))

	if res.Category != Bounce || !res.DSN {
		t.Fatalf("unexpected result %+v", res)
	}
	if !res.HasToken || res.Token.Queue.JobID != 7 || res.Token.Queue.QueueID != 9 {
		t.Errorf("unexpected token %+v", res.Token)
	}
}

func TestClassify_RFC822HeadersPart(t *testing.T) {
	t.Parallel()

	raw := "From: postmaster@mx.example.net\r\n" +
		"Subject: Delivery Status Notification (Failure)\r\n" +
		"Content-Type: multipart/report; report-type=delivery-status; boundary=\"r\"\r\n" +
		"\r\n" +
		"--r\r\n" +
		"Content-Type: text/rfc822-headers\r\n" +
		"\r\n" +
		"Return-Path: <civimail+b.3.4." + hash + "@example.com>\r\n" +
		"Subject: Newsletter\r\n" +
		"--r--\r\n"

	res := New(bounceMailbox, ModeBounce, "X-Mailing-Bounce").Classify(parse(raw))

	if res.Category != Bounce || res.DSN {
		t.Fatalf("unexpected result %+v", res)
	}
	if !res.HasToken || res.Token.Queue.QueueID != 4 {
		t.Errorf("unexpected token %+v", res.Token)
	}
}

func TestClassify_BounceWithoutToken(t *testing.T) {
	t.Parallel()

	raw := "From: MAILER-DAEMON@mx.example.net\r\n" +
		"Subject: failure notice\r\n" +
		"\r\n" +
		"Sorry, we were unable to deliver your message.\r\n"

	res := New(bounceMailbox, ModeBounce, "").Classify(parse(raw))

	if res.Category != Bounce || res.HasToken {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestClassify_BounceModeSkipsOrdinaryMail(t *testing.T) {
	t.Parallel()

	res := New(bounceMailbox, ModeBounce, "X-Mailing-Bounce").Classify(parse("From: a@example.org\r\nSubject: [case #214bf6d] hi\r\n\r\nbody\r\n"))

	if res.Category != Skipped {
		t.Errorf("unexpected category %s", res.Category)
	}
}

func TestClassify_ActivityMailbox(t *testing.T) {
	t.Parallel()

	inbox := config.MailboxConfig{Name: "inbox", Domain: "example.com"}
	skipping := inbox
	skipping.SkipNonCaseEmail = true

	cases := []struct {
		name    string
		mailbox config.MailboxConfig
		raw     string
		want    Category
		token   string
	}{
		{
			name:    "token in subject",
			mailbox: skipping,
			raw:     "From: from@test.test\r\nSubject: Re: [case #214bf6d] Help\r\n\r\nthanks\r\n",
			want:    CaseActivity,
			token:   "214bf6d",
		},
		{
			name:    "token in body",
			mailbox: inbox,
			raw:     "From: from@test.test\r\nSubject: Re: Help\r\n\r\nabout [CASE #214BF6D]\r\n",
			want:    CaseActivity,
			token:   "214bf6d",
		},
		{
			name:    "no token, skipping",
			mailbox: skipping,
			raw:     "From: from@test.test\r\nSubject: Hello\r\n\r\nthanks\r\n",
			want:    Skipped,
		},
		{
			name:    "no token, not skipping",
			mailbox: inbox,
			raw:     "From: from@test.test\r\nSubject: Hello\r\n\r\nthanks\r\n",
			want:    GenericActivity,
		},
		{
			name:    "malformed token",
			mailbox: skipping,
			raw:     "From: from@test.test\r\nSubject: [case #zz]\r\n\r\nthanks\r\n",
			want:    Skipped,
		},
	}

	for _, tc := range cases {
		res := New(tc.mailbox, ModeActivity, "X-Mailing-Bounce").Classify(parse(tc.raw))
		if res.Category != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, res.Category, tc.want)
		}
		if res.CaseToken != tc.token {
			t.Errorf("%s: got token %q, want %q", tc.name, res.CaseToken, tc.token)
		}
	}
}

func TestClassify_ForwardedMailingIsNotABounce(t *testing.T) {
	t.Parallel()

	raw := "From: member@example.org\r\n" +
		"To: info@example.com\r\n" +
		"Subject: Fwd: Newsletter\r\n" +
		"Content-Type: multipart/mixed; boundary=\"f\"\r\n" +
		"\r\n" +
		"--f\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"Look at this\r\n" +
		"--f\r\n" +
		"Content-Type: message/rfc822\r\n" +
		"\r\n" +
		"Return-Path: <civimail+b.1.2." + hash + "@example.com>\r\n" +
		"Subject: Newsletter\r\n" +
		"\r\n" +
		"Hello\r\n" +
		"--f--\r\n"

	res := New(config.MailboxConfig{Name: "inbox", Localpart: "civimail+", Domain: "example.com"}, ModeActivity, "X-Mailing-Bounce").Classify(parse(raw))

	if res.Category != GenericActivity {
		t.Errorf("unexpected category %s", res.Category)
	}
}

func TestFindCaseToken(t *testing.T) {
	t.Parallel()

	if got, ok := FindCaseToken("x [case #0123abc] y"); !ok || got != "0123abc" {
		t.Errorf("got %q %v", got, ok)
	}
	if _, ok := FindCaseToken("[case #0123ab]"); ok {
		t.Errorf("six digits must not match")
	}
}
