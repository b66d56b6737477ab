package pipeline

import "fmt"

const queueHash = "aaaaaaaaaaaaaaaa"

// verpBounce is a DSN returned to the VERP address of queue record queueID.
func verpBounce(jobID, queueID int64) string {
	return fmt.Sprintf("Return-Path: <>\r\n"+
		"Delivered-To: civimail+b.%d.%d.%s@example.com\r\n"+
		"From: MAILER-DAEMON@mx.example.net\r\n"+
		"To: civimail+b.%d.%d.%s@example.com\r\n"+
		"Subject: Undelivered Mail Returned to Sender\r\n"+
		"Message-ID: <dsn-1@mx.example.net>\r\n"+
		"MIME-Version: 1.0\r\n"+
		"Content-Type: multipart/report; report-type=delivery-status; boundary=\"dsn\"\r\n"+
		"\r\n"+
		"--dsn\r\n"+
		"Content-Type: text/plain; charset=us-ascii\r\n"+
		"\r\n"+
		"This is the mail system at host mx.example.net.\r\n"+
		"I'm sorry to have to inform you that your message could not be delivered.\r\n"+
		"--dsn\r\n"+
		"Content-Type: message/delivery-status\r\n"+
		"\r\n"+
		"Reporting-MTA: dns; mx.example.net\r\n"+
		"\r\n"+
		"Final-Recipient: rfc822; undeliverable@example.com\r\n"+
		"Action: failed\r\n"+
		"Status: 5.1.1\r\n"+
		"Diagnostic-Code: smtp; 550 5.1.1 <undeliverable@example.com>: Recipient address rejected\r\n"+
		"--dsn--\r\n",
		jobID, queueID, queueHash, jobID, queueID, queueHash)
}

// plainMail is an ordinary message with no bounce evidence.
const plainMail = "From: Jane Doe <jane@example.org>\r\n" +
	"To: info@example.com\r\n" +
	"Subject: Opening hours\r\n" +
	"Message-ID: <plain-1@example.org>\r\n" +
	"Date: Tue, 14 Mar 2023 10:00:00 +0000\r\n" +
	"\r\n" +
	"When are you open on Saturdays?\r\n"

// nestedRelated is a multipart/mixed message wrapping multipart/related with
// an inline image, plus a sub-part whose content type cannot be parsed.
const nestedRelated = "From: Sam Sender <sam@example.org>\r\n" +
	"To: info@example.com\r\n" +
	"Subject: Newsletter feedback\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"outer\"\r\n" +
	"\r\n" +
	"--outer\r\n" +
	"Content-Type: multipart/related; boundary=\"inner\"\r\n" +
	"\r\n" +
	"--inner\r\n" +
	"Content-Type: multipart/alternative; boundary=\"alt\"\r\n" +
	"\r\n" +
	"--alt\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Loved the photo.\r\n" +
	"--alt\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>Loved the <img src=\"cid:photo\"> photo.</p>\r\n" +
	"--alt--\r\n" +
	"--inner\r\n" +
	"Content-Type: image/png\r\n" +
	"Content-ID: <photo>\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"iVBORw0KGgo=\r\n" +
	"--inner--\r\n" +
	"--outer\r\n" +
	"Content-Type: ;;broken\r\n" +
	"\r\n" +
	"garbage\r\n" +
	"--outer--\r\n"

// invalidCharset declares UTF-8 but carries Latin-1 bytes.
const invalidCharset = "From: Zoe <zoe@example.org>\r\n" +
	"To: info@example.com\r\n" +
	"Subject: Caf\xe9 order\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"One caf\xe9 au lait, please.\r\n"

// caseMail carries a case token in its subject.
const caseMail = "From: Carl Client <carl@example.org>\r\n" +
	"To: support@example.com\r\n" +
	"Subject: Re: [case #214bf6d] Printer still broken\r\n" +
	"Message-ID: <case-1@example.org>\r\n" +
	"\r\n" +
	"It is still broken.\r\n"

// noCaseMail looks like support mail but has no case token.
const noCaseMail = "From: Nina New <nina@example.org>\r\n" +
	"To: support@example.com\r\n" +
	"Subject: Printer broken\r\n" +
	"\r\n" +
	"Please help.\r\n"

// verpReply is a reply sent to the reply VERP address of queue record queueID.
func verpReply(jobID, queueID int64) string {
	return fmt.Sprintf("From: Reader <reader@example.org>\r\n"+
		"To: civimail+r.%d.%d.%s@example.com\r\n"+
		"Subject: Re: Newsletter\r\n"+
		"\r\n"+
		"Thanks for the newsletter!\r\n",
		jobID, queueID, queueHash)
}
