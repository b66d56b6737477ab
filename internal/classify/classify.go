package classify

import (
	"regexp"
	"strings"

	"github.com/meko-christian/mail-intake/internal/config"
	"github.com/meko-christian/mail-intake/internal/parser"
)

// Category is the outcome of classifying one message.
type Category string

const (
	Bounce          Category = "bounce"
	CaseActivity    Category = "case_activity"
	GenericActivity Category = "generic_activity"
	Reply           Category = "reply"
	Unsubscribe     Category = "unsubscribe"
	Skipped         Category = "skipped"
)

// Mode selects what a run does with mail that carries no bounce or VERP evidence.
type Mode int

const (
	// ModeBounce skips such mail.
	ModeBounce Mode = iota
	// ModeActivity files it as an activity.
	ModeActivity
)

func (m Mode) String() string {
	if m == ModeBounce {
		return "fetch_bounces"
	}
	return "fetch_activities"
}

// Result is the classification of one message.
type Result struct {
	Category Category

	// Token is set when a VERP address or bounce header was found.
	Token    Token
	HasToken bool

	// DSN is set when the message carries a delivery status report.
	DSN bool

	// CaseToken is the case identifier for CaseActivity.
	CaseToken string

	// Reason explains Skipped results.
	Reason string
}

// headers that carry the envelope recipient after local delivery
var recipientHeaders = []string{
	"Delivered-To",
	"X-Original-To",
	"Envelope-To",
	"X-Envelope-To",
	"To",
	"Cc",
}

// headers of a returned original that can echo its return path or identity
var nestedTokenHeaders = []string{
	"Return-Path",
	"Message-Id",
	"In-Reply-To",
	"References",
}

var (
	bounceSubject = regexp.MustCompile(`(?i)(undeliver|delivery (status notification|failure|has failed)|mail delivery failed|returned mail|failure notice|delivery problem|non.?delivery)`)
	bounceSender  = regexp.MustCompile(`(?i)\b(mailer-daemon|postmaster)@`)
)

// Classifier decides the category of messages read from one mailbox.
type Classifier struct {
	mailbox      config.MailboxConfig
	mode         Mode
	bounceHeader string
	tokens       *tokenMatcher
}

// New returns a Classifier for mailbox. bounceHeader names the header that
// carries a queue token in outgoing mail, e.g. "X-Mailing-Bounce".
func New(mailbox config.MailboxConfig, mode Mode, bounceHeader string) *Classifier {
	return &Classifier{
		mailbox:      mailbox,
		mode:         mode,
		bounceHeader: bounceHeader,
		tokens:       newTokenMatcher(mailbox.Localpart, mailbox.Domain),
	}
}

// Classify inspects msg and returns its category.
func (c *Classifier) Classify(msg *parser.ParsedMessage) Result {
	var res Result

	if token, ok := c.recipientToken(msg); ok {
		res.Token, res.HasToken = token, true
		res.DSN = hasDeliveryStatus(msg)
		return c.fromAction(res)
	}

	res.DSN = hasDeliveryStatus(msg)
	bounced := res.DSN || looksLikeBounce(msg)

	// A forwarded copy of a mailing in an activity mailbox is not a bounce.
	if bounced || c.mode == ModeBounce {
		if token, ok := c.nestedToken(msg); ok {
			res.Token, res.HasToken = token, true
			res.Token.Action = ActionBounce
			bounced = true
		}
	}

	if bounced {
		res.Category = Bounce
		return res
	}

	if c.mode == ModeBounce {
		res.Category = Skipped
		res.Reason = "no bounce evidence"
		return res
	}

	if token, ok := caseToken(msg); ok {
		res.Category = CaseActivity
		res.CaseToken = token
		return res
	}

	if c.mailbox.SkipNonCaseEmail {
		res.Category = Skipped
		res.Reason = "no case token"
		return res
	}

	res.Category = GenericActivity
	return res
}

func (c *Classifier) fromAction(res Result) Result {
	switch res.Token.Action {
	case ActionBounce:
		res.Category = Bounce
	case ActionReply:
		res.Category = Reply
	case ActionUnsubscribe, ActionOptOut:
		res.Category = Unsubscribe
	default:
		res.Category = Skipped
		res.Reason = "unsupported action " + string(res.Token.Action)
	}
	return res
}

func (c *Classifier) recipientToken(msg *parser.ParsedMessage) (Token, bool) {
	for _, name := range recipientHeaders {
		for _, value := range msg.Header.Values(name) {
			if token, ok := c.tokens.matchRecipient(value); ok {
				return token, true
			}
		}
	}
	return Token{}, false
}

// nestedToken looks for a queue token in the bounce header of the message,
// then in the headers of any returned original.
func (c *Classifier) nestedToken(msg *parser.ParsedMessage) (Token, bool) {
	if c.bounceHeader != "" {
		for _, value := range msg.Header.Values(c.bounceHeader) {
			if token, ok := c.tokens.matchLoose(value); ok {
				return token, true
			}
		}
	}

	var found Token
	var ok bool
	msg.Walk(func(p *parser.Part, depth int) bool {
		if depth == 0 {
			return true
		}
		if c.bounceHeader != "" {
			for _, value := range p.Header.Values(c.bounceHeader) {
				if found, ok = c.tokens.matchLoose(value); ok {
					return false
				}
			}
		}
		for _, name := range nestedTokenHeaders {
			for _, value := range p.Header.Values(name) {
				if found, ok = c.tokens.matchLoose(value); ok {
					return false
				}
			}
		}
		if p.ContentType == "text/rfc822-headers" {
			if found, ok = c.headerText(p.Text); ok {
				return false
			}
		}
		return true
	})
	if ok {
		return found, true
	}

	// Some MTAs quote the original headers in the plain text body.
	return c.headerText(msg.TextBody())
}

// headerText scans header-formatted text for a token in the bounce header or
// one of the nested token headers.
func (c *Classifier) headerText(text string) (Token, bool) {
	for _, line := range strings.Split(text, "\n") {
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		name = strings.TrimSpace(name)
		if !c.isTokenHeader(name) {
			continue
		}
		if token, ok := c.tokens.matchLoose(strings.TrimSpace(value)); ok {
			return token, true
		}
	}
	return Token{}, false
}

func (c *Classifier) isTokenHeader(name string) bool {
	if c.bounceHeader != "" && strings.EqualFold(name, c.bounceHeader) {
		return true
	}
	for _, h := range nestedTokenHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

func hasDeliveryStatus(msg *parser.ParsedMessage) bool {
	return msg.FindPart("message/delivery-status") != nil ||
		msg.FindPart("message/global-delivery-status") != nil
}

func looksLikeBounce(msg *parser.ParsedMessage) bool {
	if !bounceSender.MatchString(msg.Header.Get("From")) {
		return false
	}
	return bounceSubject.MatchString(msg.Subject())
}

func caseToken(msg *parser.ParsedMessage) (string, bool) {
	if token, ok := FindCaseToken(msg.Subject()); ok {
		return token, true
	}
	if token, ok := FindCaseToken(msg.TextBody()); ok {
		return token, true
	}
	return FindCaseToken(msg.HTMLBody())
}
