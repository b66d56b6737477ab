package bounce

import (
	"bufio"
	"regexp"
	"strings"

	"github.com/meko-christian/mail-intake/internal/model"
	"github.com/meko-christian/mail-intake/internal/parser"
)

const maxReasonLength = 255

// Status is the per-recipient part of a delivery status notification.
type Status struct {
	Recipient  string
	Action     string
	Status     string
	Diagnostic string
}

// Kind maps the status to a bounce kind.
func (s Status) Kind() model.BounceKind {
	switch {
	case strings.HasPrefix(s.Status, "5."), s.Action == "failed":
		return model.BounceHard
	case strings.HasPrefix(s.Status, "4."), s.Action == "delayed":
		return model.BounceSoft
	default:
		return model.BounceOther
	}
}

// ParseDeliveryStatus reads the first recipient block that carries an Action
// or Status field from the body of a message/delivery-status part.
func ParseDeliveryStatus(text string) (Status, bool) {
	var (
		current Status
		found   bool
		lastKey string
	)

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")

		if strings.TrimSpace(line) == "" {
			if current.Action != "" || current.Status != "" {
				return current, true
			}
			current, lastKey = Status{}, ""
			continue
		}

		// folded continuation of the previous field
		if line[0] == ' ' || line[0] == '\t' {
			if lastKey == "diagnostic-code" {
				current.Diagnostic += " " + strings.TrimSpace(line)
			}
			continue
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		lastKey = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch lastKey {
		case "final-recipient", "original-recipient":
			if current.Recipient == "" {
				current.Recipient = stripAddressType(value)
			}
		case "action":
			current.Action = strings.ToLower(value)
			found = true
		case "status":
			if fields := strings.Fields(value); len(fields) > 0 {
				current.Status = fields[0]
				found = true
			}
		case "diagnostic-code":
			current.Diagnostic = stripAddressType(value)
		}
	}

	return current, found
}

// stripAddressType drops the "rfc822;" or "smtp;" type prefix of a DSN field.
func stripAddressType(value string) string {
	if kind, rest, ok := strings.Cut(value, ";"); ok && !strings.ContainsAny(kind, " @") {
		return strings.TrimSpace(rest)
	}
	return value
}

var failurePhrases = regexp.MustCompile(`(?i)(user unknown|unknown user|no such (user|address|mailbox)|mailbox (unavailable|not found|is full|full)|does not exist|invalid (recipient|address)|recipient (rejected|address rejected)|quota exceeded|over quota|relay(ing)? denied|host not found|message rejected|could not be delivered|delivery (failed|has failed))`)

// Classify derives kind and reason from msg. Without a delivery status report
// the kind is unknown and the reason is the first line naming a known failure.
func Classify(msg *parser.ParsedMessage) (model.BounceKind, string) {
	for _, mediaType := range []string{"message/delivery-status", "message/global-delivery-status"} {
		part := msg.FindPart(mediaType)
		if part == nil {
			continue
		}
		status, ok := ParseDeliveryStatus(part.Text)
		if !ok {
			return model.BounceOther, truncate(firstFailureLine(msg))
		}
		reason := status.Diagnostic
		if reason == "" {
			reason = strings.TrimSpace(status.Status + " " + status.Action)
		}
		return status.Kind(), truncate(reason)
	}

	return model.BounceUnknown, truncate(firstFailureLine(msg))
}

func firstFailureLine(msg *parser.ParsedMessage) string {
	for _, line := range strings.Split(msg.TextBody(), "\n") {
		if failurePhrases.MatchString(line) {
			return strings.TrimSpace(line)
		}
	}
	return msg.Subject()
}

func truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= maxReasonLength {
		return s
	}
	return string(runes[:maxReasonLength])
}
