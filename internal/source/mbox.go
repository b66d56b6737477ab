package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/emersion/go-mbox"

	"github.com/meko-christian/mail-intake/internal/config"
	"github.com/meko-christian/mail-intake/internal/model"
)

const (
	lockRetryInterval = 100 * time.Millisecond
	lockTimeout       = 10 * time.Second
	staleLockAge      = 5 * time.Minute
)

var fromLine = []byte("From ")

// mboxEntry is one message of the file: its verbatim span, including the
// From_ line, and the decoded message. msg is nil when decoding failed.
type mboxEntry struct {
	span []byte
	msg  []byte
	err  error
}

// Mbox reads a single mbox file. Acknowledged messages are dropped from the
// file when the source is closed; everything else, including unreadable
// entries and mail delivered while the run was in progress, is kept.
type Mbox struct {
	cfg     config.MailboxConfig
	logger  *slog.Logger
	data    []byte
	entries []mboxEntry
	acked   map[int]bool
	pos     int
}

// OpenMbox reads cfg.Source into memory. A missing file is an empty mailbox.
func OpenMbox(cfg config.MailboxConfig, logger *slog.Logger) (*Mbox, error) {
	m := &Mbox{cfg: cfg, logger: logger, acked: make(map[int]bool)}

	data, err := os.ReadFile(cfg.Source)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open mbox %s: %w", cfg.Source, err)
	}
	m.data = data

	for idx, span := range splitMbox(data) {
		entry := mboxEntry{span: span}
		entry.msg, entry.err = decodeMboxEntry(span)
		if entry.err != nil {
			// Keep the slot so ids stay aligned with file order.
			logger.Warn("Unreadable mbox message", "index", idx, "error", entry.err)
		}
		m.entries = append(m.entries, entry)
	}

	logger.Debug("Read mbox", "path", cfg.Source, "count", len(m.entries), "bytes", len(data))
	return m, nil
}

// splitMbox cuts data at every line starting with "From ", the separator
// go-mbox recognises. A non-blank prefix before the first separator is kept
// as an entry of its own.
func splitMbox(data []byte) [][]byte {
	var spans [][]byte
	start := 0
	for i := 0; i < len(data); {
		end := bytes.IndexByte(data[i:], '\n')
		next := len(data)
		if end >= 0 {
			next = i + end + 1
		}
		if i > start && bytes.HasPrefix(data[i:], fromLine) {
			spans = appendSpan(spans, data[start:i])
			start = i
		}
		i = next
	}
	return appendSpan(spans, data[start:])
}

func appendSpan(spans [][]byte, span []byte) [][]byte {
	if len(bytes.TrimSpace(span)) == 0 {
		return spans
	}
	return append(spans, span)
}

func decodeMboxEntry(span []byte) ([]byte, error) {
	msgReader, err := mbox.NewReader(bytes.NewReader(span)).NextMessage()
	if err != nil {
		return nil, err
	}
	return io.ReadAll(msgReader)
}

func (m *Mbox) Next(ctx context.Context) (RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return RawMessage{}, err
	}
	if m.pos >= len(m.entries) {
		return RawMessage{}, io.EOF
	}

	idx := m.pos
	m.pos++

	id := strconv.Itoa(idx)
	entry := m.entries[idx]
	if entry.err != nil {
		return RawMessage{}, &model.SourceReadError{MessageID: id, Err: entry.err}
	}
	return RawMessage{ID: id, Data: entry.msg}, nil
}

func (m *Mbox) Acknowledge(_ context.Context, id string) error {
	idx, err := strconv.Atoi(id)
	if err != nil || idx < 0 || idx >= len(m.entries) {
		return fmt.Errorf("unknown mbox message %q", id)
	}
	m.acked[idx] = true
	return nil
}

// Close rewrites the mbox without the acknowledged messages, holding the
// dotlock while it does. Mail appended since the file was read is carried
// over unchanged. The new file replaces the old one with a rename so a crash
// never leaves it half written.
func (m *Mbox) Close() error {
	if len(m.acked) == 0 {
		return nil
	}

	unlock, err := lockMbox(m.cfg.Source)
	if err != nil {
		return err
	}
	defer unlock()

	info, err := os.Stat(m.cfg.Source)
	if err != nil {
		return fmt.Errorf("failed to stat mbox: %w", err)
	}
	current, err := os.ReadFile(m.cfg.Source)
	if err != nil {
		return fmt.Errorf("failed to re-read mbox: %w", err)
	}
	if len(current) < len(m.data) || !bytes.Equal(current[:len(m.data)], m.data) {
		// Someone else rewrote the file. The acknowledged messages are
		// processed again on the next run.
		return fmt.Errorf("mbox %s changed during the run, leaving it untouched", m.cfg.Source)
	}
	tail := current[len(m.data):]

	tmp, err := os.CreateTemp(filepath.Dir(m.cfg.Source), ".mbox-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary mbox: %w", err)
	}
	defer os.Remove(tmp.Name())

	var out bytes.Buffer
	kept := 0
	for idx, entry := range m.entries {
		if m.acked[idx] {
			continue
		}
		out.Write(entry.span)
		kept++
	}
	if len(tail) > 0 {
		if out.Len() > 0 && !bytes.HasSuffix(out.Bytes(), []byte("\n")) {
			out.WriteByte('\n')
		}
		out.Write(tail)
	}

	if _, err := tmp.Write(out.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write mbox: %w", err)
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set mbox mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary mbox: %w", err)
	}

	if err := os.Rename(tmp.Name(), m.cfg.Source); err != nil {
		return fmt.Errorf("failed to replace mbox: %w", err)
	}

	m.logger.Debug("Rewrote mbox", "removed", len(m.acked), "kept", kept, "appended_bytes", len(tail))
	return nil
}

// lockMbox takes the "<path>.lock" dotlock used by MDAs such as procmail.
// A lock older than staleLockAge is considered abandoned and removed.
func lockMbox(path string) (func(), error) {
	lockPath := path + ".lock"
	deadline := time.Now().Add(lockTimeout)

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { _ = os.Remove(lockPath) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to lock mbox: %w", err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > staleLockAge {
			_ = os.Remove(lockPath)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("failed to lock mbox: %s is held", lockPath)
		}
		time.Sleep(lockRetryInterval)
	}
}
