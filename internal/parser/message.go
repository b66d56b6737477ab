package parser

import (
	"net/textproto"
	"strings"

	"github.com/emersion/go-message/mail"
)

// Header maps canonical header names to their decoded values in order of appearance.
type Header map[string][]string

// Get returns the first value for name, or "".
func (h Header) Get(name string) string {
	values := h[textproto.CanonicalMIMEHeaderKey(name)]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Values returns every value for name.
func (h Header) Values(name string) []string {
	return h[textproto.CanonicalMIMEHeaderKey(name)]
}

// Addresses parses every value of name as an address list. Values that do
// not parse are skipped.
func (h Header) Addresses(name string) []*mail.Address {
	var out []*mail.Address
	for _, value := range h.Values(name) {
		list, err := mail.ParseAddressList(value)
		if err != nil {
			if addr, err := mail.ParseAddress(value); err == nil {
				out = append(out, addr)
			}
			continue
		}
		out = append(out, list...)
	}
	return out
}

// Sender returns the first From address, or nil.
func (m *ParsedMessage) Sender() *mail.Address {
	from := m.Header.Addresses("From")
	if len(from) == 0 {
		return nil
	}
	return from[0]
}

func (h Header) add(name, value string) {
	key := textproto.CanonicalMIMEHeaderKey(name)
	h[key] = append(h[key], value)
}

// Part is one node of a message body. Multipart nodes and embedded messages
// carry children in Parts; leaves carry Text (textual media) or Data.
type Part struct {
	Header      Header
	ContentType string
	Charset     string
	Disposition string
	Filename    string
	Text        string
	Data        []byte
	Parts       []*Part
}

// IsAttachment reports whether the part was sent as a file rather than inline body content.
func (p *Part) IsAttachment() bool {
	return p.Disposition == "attachment" || (p.Filename != "" && len(p.Parts) == 0)
}

// ParsedMessage is the decoded form of one raw message. Decoding never fails:
// problems are recorded in Degraded and the best-effort result is kept.
type ParsedMessage struct {
	Header   Header
	Parts    []*Part
	Size     int
	Degraded []string
}

// IsDegraded reports whether any decoding fallback was used.
func (m *ParsedMessage) IsDegraded() bool {
	return len(m.Degraded) > 0
}

// Subject returns the decoded Subject header.
func (m *ParsedMessage) Subject() string {
	return m.Header.Get("Subject")
}

// MessageID returns the Message-ID header without angle brackets.
func (m *ParsedMessage) MessageID() string {
	return strings.Trim(strings.TrimSpace(m.Header.Get("Message-Id")), "<>")
}

// Walk visits every part depth-first. Returning false from fn stops the walk.
func (m *ParsedMessage) Walk(fn func(p *Part, depth int) bool) {
	var visit func(parts []*Part, depth int) bool
	visit = func(parts []*Part, depth int) bool {
		for _, p := range parts {
			if !fn(p, depth) {
				return false
			}
			if !visit(p.Parts, depth+1) {
				return false
			}
		}
		return true
	}
	visit(m.Parts, 0)
}

// TextBody returns the first inline text/plain body of the top-level message,
// not descending into embedded messages.
func (m *ParsedMessage) TextBody() string {
	return firstInline(m.Parts, "text/plain")
}

// HTMLBody returns the first inline text/html body of the top-level message.
func (m *ParsedMessage) HTMLBody() string {
	return firstInline(m.Parts, "text/html")
}

func firstInline(parts []*Part, mediaType string) string {
	for _, p := range parts {
		if p.ContentType == "message/rfc822" {
			continue
		}
		if p.ContentType == mediaType && !p.IsAttachment() {
			return p.Text
		}
		if text := firstInline(p.Parts, mediaType); text != "" {
			return text
		}
	}
	return ""
}

// Attachments returns every attachment leaf in the message.
func (m *ParsedMessage) Attachments() []*Part {
	var out []*Part
	m.Walk(func(p *Part, _ int) bool {
		if p.IsAttachment() {
			out = append(out, p)
		}
		return true
	})
	return out
}

// FindPart returns the first part with the given media type, at any depth.
func (m *ParsedMessage) FindPart(mediaType string) *Part {
	var found *Part
	m.Walk(func(p *Part, _ int) bool {
		if p.ContentType == mediaType {
			found = p
			return false
		}
		return true
	})
	return found
}
