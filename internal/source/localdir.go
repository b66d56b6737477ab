package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/meko-christian/mail-intake/internal/config"
	"github.com/meko-christian/mail-intake/internal/model"
)

// LocalDir reads a directory holding one message per file. Hidden files and
// subdirectories (including the processed and ignored folders) are not
// messages.
type LocalDir struct {
	cfg    config.MailboxConfig
	logger *slog.Logger
	names  []string
	pos    int
}

// OpenLocalDir lists the message files currently in cfg.Source. Files added
// later are picked up by the next run.
func OpenLocalDir(cfg config.MailboxConfig, logger *slog.Logger) (*LocalDir, error) {
	entries, err := os.ReadDir(cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", cfg.Source, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	slices.Sort(names)

	logger.Debug("Listed local directory", "path", cfg.Source, "count", len(names))
	return &LocalDir{cfg: cfg, logger: logger, names: names}, nil
}

func (d *LocalDir) Next(ctx context.Context) (RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return RawMessage{}, err
	}
	if d.pos >= len(d.names) {
		return RawMessage{}, io.EOF
	}

	name := d.names[d.pos]
	d.pos++

	data, err := os.ReadFile(filepath.Join(d.cfg.Source, name))
	if err != nil {
		return RawMessage{}, &model.SourceReadError{MessageID: name, Err: err}
	}
	return RawMessage{ID: name, Data: data}, nil
}

// Acknowledge moves the file into the processed folder, or removes it when
// the mailbox is configured to delete processed mail.
func (d *LocalDir) Acknowledge(_ context.Context, id string) error {
	path := filepath.Join(d.cfg.Source, id)
	if d.cfg.DeleteProcessed {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to delete %s: %w", id, err)
		}
		return nil
	}
	return d.moveTo(d.cfg.ProcessedFolder, id)
}

// Quarantine moves the file into the ignored folder.
func (d *LocalDir) Quarantine(_ context.Context, id string) error {
	return d.moveTo(d.cfg.IgnoredFolder, id)
}

func (d *LocalDir) moveTo(folder, id string) error {
	dir := filepath.Join(d.cfg.Source, folder)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	if err := os.Rename(filepath.Join(d.cfg.Source, id), filepath.Join(dir, id)); err != nil {
		return fmt.Errorf("failed to move %s to %s: %w", id, folder, err)
	}
	d.logger.Debug("Moved message", "message_id", id, "folder", folder)
	return nil
}

func (d *LocalDir) Close() error { return nil }
