package classify

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/meko-christian/mail-intake/internal/model"
)

// Action is the verb encoded in a VERP return address.
type Action string

const (
	ActionBounce      Action = "bounce"
	ActionReply       Action = "reply"
	ActionUnsubscribe Action = "unsubscribe"
	ActionOptOut      Action = "optout"
	ActionResubscribe Action = "resubscribe"
	ActionConfirm     Action = "confirm"
)

// longest spellings first so "reply." wins over "r."
const actionPattern = `(bounce|reply|re|unsubscribe|optout|resubscribe|confirm|b|r|u|o|e|c)`

const tokenTail = `\.(\d+)\.(\d+)\.([0-9a-f]{16})@`

var actionAliases = map[string]Action{
	"b":           ActionBounce,
	"bounce":      ActionBounce,
	"r":           ActionReply,
	"re":          ActionReply,
	"reply":       ActionReply,
	"u":           ActionUnsubscribe,
	"unsubscribe": ActionUnsubscribe,
	"o":           ActionOptOut,
	"optout":      ActionOptOut,
	"e":           ActionResubscribe,
	"resubscribe": ActionResubscribe,
	"c":           ActionConfirm,
	"confirm":     ActionConfirm,
}

// Token is a queue token together with the action it was sent for.
type Token struct {
	Action Action
	Queue  model.QueueToken
}

// tokenMatcher finds VERP tokens. recipient only accepts addresses on the
// mailbox domain; loose accepts any domain, for headers quoted inside a bounce.
type tokenMatcher struct {
	recipient *regexp.Regexp
	loose     *regexp.Regexp
}

func newTokenMatcher(localpart, domain string) *tokenMatcher {
	boundary := `(?:^|[^a-z0-9])`
	if localpart != "" {
		boundary = `(?:^|[^a-z0-9]|` + regexp.QuoteMeta(localpart) + `)`
	}
	loose := regexp.MustCompile(`(?i)` + boundary + actionPattern + tokenTail)

	recipient := loose
	if localpart != "" || domain != "" {
		prefix := boundary
		if localpart != "" {
			prefix = regexp.QuoteMeta(localpart)
		}
		suffix := ""
		if domain != "" {
			suffix = regexp.QuoteMeta(domain) + `\b`
		}
		recipient = regexp.MustCompile(`(?i)` + prefix + actionPattern + tokenTail + suffix)
	}

	return &tokenMatcher{recipient: recipient, loose: loose}
}

func (m *tokenMatcher) matchRecipient(value string) (Token, bool) {
	return parseToken(m.recipient.FindStringSubmatch(value))
}

func (m *tokenMatcher) matchLoose(value string) (Token, bool) {
	return parseToken(m.loose.FindStringSubmatch(value))
}

func parseToken(groups []string) (Token, bool) {
	if len(groups) != 5 {
		return Token{}, false
	}

	action, ok := actionAliases[strings.ToLower(groups[1])]
	if !ok {
		return Token{}, false
	}
	jobID, err := strconv.ParseInt(groups[2], 10, 64)
	if err != nil {
		return Token{}, false
	}
	queueID, err := strconv.ParseInt(groups[3], 10, 64)
	if err != nil {
		return Token{}, false
	}

	return Token{
		Action: action,
		Queue: model.QueueToken{
			JobID:   jobID,
			QueueID: queueID,
			Hash:    strings.ToLower(groups[4]),
		},
	}, true
}

var caseTokenPattern = regexp.MustCompile(`(?i)\[case #([0-9a-f]{7})\]`)

// FindCaseToken returns the hex identifier of the first "[case #xxxxxxx]" marker in s.
func FindCaseToken(s string) (string, bool) {
	groups := caseTokenPattern.FindStringSubmatch(s)
	if groups == nil {
		return "", false
	}
	return strings.ToLower(groups[1]), true
}
