package parser

import (
	"fmt"
	"strings"
	"testing"
)

func TestParse_TextAndHtml(t *testing.T) {
	t.Parallel()

	raw := `From: Sender <sender@example.org>
Subject: Hello
Content-Type: multipart/alternative; boundary="xyz"

--xyz
Content-Type: text/plain

This is the plain text version.

--xyz
Content-Type: text/html

<b>This is the HTML version.</b>

--xyz--`

	msg := New(Options{}).Parse([]byte(raw))

	if msg.IsDegraded() {
		t.Errorf("unexpected degradation: %v", msg.Degraded)
	}
	if msg.Subject() != "Hello" {
		t.Errorf("unexpected subject: %q", msg.Subject())
	}
	if msg.TextBody() != "This is the plain text version.\n" {
		t.Errorf("unexpected text body: %q", msg.TextBody())
	}
	if msg.HTMLBody() != "<b>This is the HTML version.</b>\n" {
		t.Errorf("unexpected HTML body: %q", msg.HTMLBody())
	}
	if len(msg.Attachments()) != 0 {
		t.Errorf("unexpected attachments found")
	}
}

func TestParse_MultipartRelatedWithAttachment(t *testing.T) {
	t.Parallel()

	raw := "From: a@example.org\r\n" +
		"Subject: Related\r\n" +
		"Content-Type: multipart/mixed; boundary=\"outer\"\r\n" +
		"\r\n" +
		"--outer\r\n" +
		"Content-Type: multipart/related; boundary=\"inner\"\r\n" +
		"\r\n" +
		"--inner\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<p>See <img src=\"cid:logo\"></p>\r\n" +
		"--inner\r\n" +
		"Content-Type: image/gif\r\n" +
		"Content-ID: <logo>\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		"R0lGODlhAQABAAAAACw=\r\n" +
		"--inner--\r\n" +
		"--outer\r\n" +
		"Content-Type: application/pdf; name=\"report.pdf\"\r\n" +
		"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
		"\r\n" +
		"%PDF-1.4\r\n" +
		"--outer--\r\n"

	msg := New(Options{}).Parse([]byte(raw))

	if !strings.Contains(msg.HTMLBody(), "cid:logo") {
		t.Errorf("html body not found in related part: %q", msg.HTMLBody())
	}

	attachments := msg.Attachments()
	if len(attachments) != 1 || attachments[0].Filename != "report.pdf" {
		t.Fatalf("unexpected attachments: %+v", attachments)
	}
	if !strings.HasPrefix(string(attachments[0].Data), "%PDF") {
		t.Errorf("attachment payload not kept")
	}

	gif := msg.FindPart("image/gif")
	if gif == nil || len(gif.Data) == 0 {
		t.Errorf("inline image not decoded")
	}
}

func TestParse_InvalidCharactersAreReplaced(t *testing.T) {
	t.Parallel()

	raw := []byte("From: x@example.org\r\n" +
		"Subject: bad \xff\xfe bytes\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"caf\xe9 and \xc3\x28 here\r\n")

	msg := New(Options{}).Parse(raw)

	if !msg.IsDegraded() {
		t.Errorf("expected degradation notes")
	}
	if !strings.Contains(msg.Subject(), "�") {
		t.Errorf("subject not sanitized: %q", msg.Subject())
	}
	body := msg.TextBody()
	if !strings.Contains(body, "caf�") || !strings.Contains(body, "here") {
		t.Errorf("body not sanitized: %q", body)
	}
}

func TestParse_DeclaredCharsetIsDecoded(t *testing.T) {
	t.Parallel()

	raw := []byte("From: x@example.org\r\n" +
		"Subject: =?ISO-8859-1?Q?Gr=FC=DFe?=\r\n" +
		"Content-Type: text/plain; charset=iso-8859-1\r\n" +
		"\r\n" +
		"Sch\xf6ne Gr\xfc\xdfe\r\n")

	msg := New(Options{}).Parse(raw)

	if msg.Subject() != "Grüße" {
		t.Errorf("unexpected subject: %q", msg.Subject())
	}
	if msg.TextBody() != "Schöne Grüße\r\n" {
		t.Errorf("unexpected body: %q", msg.TextBody())
	}
}

func TestParse_UnknownCharsetKeepsBody(t *testing.T) {
	t.Parallel()

	raw := []byte("From: x@example.org\r\n" +
		"Content-Type: text/plain; charset=x-made-up\r\n" +
		"\r\n" +
		"still here\r\n")

	msg := New(Options{}).Parse(raw)

	if msg.TextBody() != "still here\r\n" {
		t.Errorf("unexpected body: %q", msg.TextBody())
	}
	if !msg.IsDegraded() {
		t.Errorf("expected unknown charset to be noted")
	}
}

func TestParse_FourByteCharacters(t *testing.T) {
	t.Parallel()

	raw := []byte("From: x@example.org\r\n" +
		"Subject: =?UTF-8?B?8J+YgCBlbW9qaQ==?=\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"smile \xf0\x9f\x98\x80\r\n")

	msg := New(Options{}).Parse(raw)

	if msg.IsDegraded() {
		t.Errorf("unexpected degradation: %v", msg.Degraded)
	}
	if msg.Subject() != "😀 emoji" {
		t.Errorf("unexpected subject: %q", msg.Subject())
	}
	if !strings.Contains(msg.TextBody(), "😀") {
		t.Errorf("unexpected body: %q", msg.TextBody())
	}
}

func TestParse_NestingIsBounded(t *testing.T) {
	t.Parallel()

	const levels = 40
	var b strings.Builder
	b.WriteString("From: x@example.org\r\n")
	for i := 0; i < levels; i++ {
		fmt.Fprintf(&b, "Content-Type: multipart/mixed; boundary=\"b%d\"\r\n\r\n--b%d\r\n", i, i)
	}
	b.WriteString("Content-Type: text/plain\r\n\r\ndeep\r\n")
	for i := levels - 1; i >= 0; i-- {
		fmt.Fprintf(&b, "--b%d--\r\n", i)
	}

	msg := New(Options{MaxDepth: 5}).Parse([]byte(b.String()))

	if !msg.IsDegraded() {
		t.Fatalf("expected depth limit to be noted")
	}

	maxDepth := 0
	msg.Walk(func(_ *Part, depth int) bool {
		if depth > maxDepth {
			maxDepth = depth
		}
		return true
	})
	if maxDepth > 5 {
		t.Errorf("walked %d levels, want at most 5", maxDepth)
	}
}

func TestParse_EmbeddedMessageHeadersAreReachable(t *testing.T) {
	t.Parallel()

	raw := "From: MAILER-DAEMON@example.net\r\n" +
		"Subject: Undelivered Mail\r\n" +
		"Content-Type: multipart/report; report-type=delivery-status; boundary=\"r\"\r\n" +
		"\r\n" +
		"--r\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"Delivery failed.\r\n" +
		"--r\r\n" +
		"Content-Type: message/delivery-status\r\n" +
		"\r\n" +
		"Reporting-MTA: dns; mx.example.net\r\n" +
		"\r\n" +
		"Final-Recipient: rfc822; gone@example.org\r\n" +
		"Action: failed\r\n" +
		"Status: 5.1.1\r\n" +
		"--r\r\n" +
		"Content-Type: message/rfc822\r\n" +
		"\r\n" +
		"Message-ID: <original@example.com>\r\n" +
		"Subject: Newsletter\r\n" +
		"\r\n" +
		"Original body\r\n" +
		"--r--\r\n"

	msg := New(Options{}).Parse([]byte(raw))

	status := msg.FindPart("message/delivery-status")
	if status == nil || !strings.Contains(status.Text, "Status: 5.1.1") {
		t.Fatalf("delivery status part missing: %+v", status)
	}

	embedded := msg.FindPart("message/rfc822")
	if embedded == nil || len(embedded.Parts) != 1 {
		t.Fatalf("embedded message not expanded: %+v", embedded)
	}
	if got := embedded.Parts[0].Header.Get("Message-Id"); got != "<original@example.com>" {
		t.Errorf("unexpected embedded message id: %q", got)
	}
	if msg.TextBody() != "Delivery failed." {
		t.Errorf("text body should come from the report, got %q", msg.TextBody())
	}
}

func TestParse_UnreadableHeaderFallsBack(t *testing.T) {
	t.Parallel()

	raw := []byte("this is not a header line\r\n\r\nbody text\r\n")

	msg := New(Options{}).Parse(raw)

	if !msg.IsDegraded() {
		t.Errorf("expected degradation")
	}
	if len(msg.Parts) != 1 || msg.Parts[0].ContentType != "text/plain" {
		t.Fatalf("unexpected parts: %+v", msg.Parts)
	}
}
