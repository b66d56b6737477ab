package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message"
	htmlcharset "golang.org/x/net/html/charset"
)

const maxDegradedNotes = 32

func init() {
	message.CharsetReader = func(label string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(label, input)
	}
}

// Options bounds the work done on a single message.
type Options struct {
	MaxDepth        int
	MaxMessageBytes int64
}

// Parser turns raw RFC 5322 bytes into a ParsedMessage.
type Parser struct {
	opts Options
}

// New returns a Parser; non-positive limits fall back to safe defaults.
func New(opts Options) *Parser {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 16
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 32 << 20
	}
	return &Parser{opts: opts}
}

// Parse decodes raw. It never fails: malformed headers, unknown charsets,
// broken multipart boundaries and invalid byte sequences are replaced or
// skipped, and the reasons are recorded on the result.
func (p *Parser) Parse(raw []byte) *ParsedMessage {
	msg := &ParsedMessage{Header: Header{}, Size: len(raw)}

	if int64(len(raw)) > p.opts.MaxMessageBytes {
		raw = raw[:p.opts.MaxMessageBytes]
		msg.degrade("message truncated to %d bytes", p.opts.MaxMessageBytes)
	}

	entity, err := message.Read(bytes.NewReader(raw))
	if entity == nil {
		msg.degrade("unreadable header: %v", err)
		msg.Parts = []*Part{fallbackPart(raw, msg)}
		return msg
	}
	if err != nil {
		msg.degrade("%v", err)
	}

	root := p.readEntity(entity, msg, 0)
	msg.Header = root.Header
	msg.Parts = []*Part{root}

	return msg
}

// readEntity converts one entity and, for multipart and embedded messages,
// its children. depth counts nesting levels below the top-level message.
func (p *Parser) readEntity(e *message.Entity, msg *ParsedMessage, depth int) *Part {
	part := &Part{Header: decodeHeader(&e.Header, msg)}

	mediaType, params, err := e.Header.ContentType()
	switch {
	case e.Header.Get("Content-Type") == "":
		mediaType = "text/plain"
	case err != nil:
		mediaType = fallbackMediaType(e.Header.Get("Content-Type"))
		msg.degrade("content type %q: %v", e.Header.Get("Content-Type"), err)
	}
	part.ContentType = strings.ToLower(mediaType)
	part.Charset = strings.ToLower(params["charset"])

	if disposition, dparams, err := e.Header.ContentDisposition(); err == nil {
		part.Disposition = strings.ToLower(disposition)
		part.Filename = dparams["filename"]
	}
	if part.Filename == "" {
		part.Filename = params["name"]
	}

	if mr := e.MultipartReader(); mr != nil {
		if depth >= p.opts.MaxDepth {
			msg.degrade("multipart nesting deeper than %d levels not expanded", p.opts.MaxDepth)
			part.Data = readBody(e.Body, msg)
			return part
		}

		for {
			child, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			if child == nil {
				msg.degrade("multipart %s: %v", part.ContentType, err)
				break
			}
			if err != nil {
				msg.degrade("%v", err)
			}
			part.Parts = append(part.Parts, p.readEntity(child, msg, depth+1))
		}
		return part
	}

	data := readBody(e.Body, msg)

	switch {
	case part.ContentType == "message/rfc822" || part.ContentType == "message/global":
		if depth >= p.opts.MaxDepth {
			msg.degrade("embedded message deeper than %d levels not expanded", p.opts.MaxDepth)
			part.Data = data
			return part
		}
		inner, err := message.Read(bytes.NewReader(data))
		if inner == nil {
			msg.degrade("embedded message: %v", err)
			part.Parts = []*Part{fallbackPart(data, msg)}
			return part
		}
		if err != nil {
			msg.degrade("embedded message: %v", err)
		}
		part.Parts = []*Part{p.readEntity(inner, msg, depth+1)}
	case isTextual(part.ContentType):
		part.Text = sanitize(data, msg)
	default:
		part.Data = data
	}

	return part
}

func isTextual(mediaType string) bool {
	switch mediaType {
	case "message/delivery-status", "message/global-delivery-status",
		"message/disposition-notification", "message/feedback-report":
		return true
	}
	return strings.HasPrefix(mediaType, "text/")
}

func decodeHeader(h *message.Header, msg *ParsedMessage) Header {
	out := Header{}
	fields := h.Fields()
	for fields.Next() {
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
			msg.degrade("header %s: %v", fields.Key(), err)
		}
		out.add(fields.Key(), sanitizeString(value, msg))
	}
	return out
}

func readBody(body io.Reader, msg *ParsedMessage) []byte {
	data, err := io.ReadAll(body)
	if err != nil {
		msg.degrade("body read stopped early: %v", err)
	}
	return data
}

// fallbackPart keeps whatever follows the first blank line as plain text.
func fallbackPart(raw []byte, msg *ParsedMessage) *Part {
	body := raw
	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		body = raw[idx+4:]
	} else if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		body = raw[idx+2:]
	}
	return &Part{Header: Header{}, ContentType: "text/plain", Text: sanitize(body, msg)}
}

func fallbackMediaType(value string) string {
	mediaType, _, _ := strings.Cut(value, ";")
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	if !strings.Contains(mediaType, "/") {
		return "application/octet-stream"
	}
	return mediaType
}

func sanitize(data []byte, msg *ParsedMessage) string {
	return sanitizeString(string(data), msg)
}

// sanitizeString replaces invalid UTF-8 and NUL bytes with U+FFFD.
func sanitizeString(s string, msg *ParsedMessage) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "\uFFFD")
		msg.degrade("invalid byte sequence replaced")
	}
	if strings.IndexByte(s, 0) >= 0 {
		s = strings.ReplaceAll(s, "\x00", "\uFFFD")
	}
	return s
}

func (m *ParsedMessage) degrade(format string, args ...any) {
	if len(m.Degraded) >= maxDegradedNotes {
		return
	}
	note := fmt.Sprintf(format, args...)
	for _, existing := range m.Degraded {
		if existing == note {
			return
		}
	}
	m.Degraded = append(m.Degraded, note)
}
