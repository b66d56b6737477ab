package source

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap-idle"
	"github.com/emersion/go-imap/client"
	"github.com/fsnotify/fsnotify"

	"github.com/meko-christian/mail-intake/internal/config"
)

const maxReconnectSteps = 6

// reconnectDelay grows linearly with the attempt number, in steps of ten
// seconds, up to one minute.
func reconnectDelay(attempt int) time.Duration {
	if attempt > maxReconnectSteps {
		attempt = maxReconnectSteps
	}
	return time.Duration(attempt) * 10 * time.Second
}

// pendingSet queues mailbox names in arrival order, holding each name at
// most once until it is taken.
type pendingSet struct {
	mu      sync.Mutex
	pending map[string]bool
	order   []string
	wake    chan struct{}
}

func newPendingSet() *pendingSet {
	return &pendingSet{pending: make(map[string]bool), wake: make(chan struct{}, 1)}
}

func (p *pendingSet) add(name string) {
	p.mu.Lock()
	if !p.pending[name] {
		p.pending[name] = true
		p.order = append(p.order, name)
	}
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *pendingSet) take() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.order) == 0 {
		return "", false
	}
	name := p.order[0]
	p.order = p.order[1:]
	delete(p.pending, name)
	return name, true
}

// deliver hands pending names to out until ctx ends or stopped closes.
func (p *pendingSet) deliver(ctx context.Context, out chan<- string, stopped <-chan struct{}) {
	for {
		for name, ok := p.take(); ok; name, ok = p.take() {
			select {
			case out <- name:
			case <-ctx.Done():
				return
			case <-stopped:
				return
			}
		}

		select {
		case <-p.wake:
		case <-ctx.Done():
			return
		case <-stopped:
			return
		}
	}
}

// Watch reports the names of mailboxes that may have received new mail.
// Local directories and mbox files are watched with fsnotify, IMAP folders
// with IDLE (falling back to polling every pollInterval). POP3 has no push
// mechanism and is never reported. Notifications are coalesced per mailbox:
// a mailbox already pending is not queued twice, and no mailbox is dropped
// because another one is busy. The channel closes when ctx ends.
func Watch(ctx context.Context, mailboxes []config.MailboxConfig, pollInterval time.Duration, logger *slog.Logger) (<-chan string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}

	out := make(chan string)
	pending := newPendingSet()
	notify := pending.add

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	paths := make(map[string]string)
	var remote []config.MailboxConfig
	for _, m := range mailboxes {
		switch m.Protocol {
		case config.ProtocolLocalDir:
			if err := fsw.Add(m.Source); err != nil {
				fsw.Close()
				return nil, fmt.Errorf("failed to watch %s: %w", m.Source, err)
			}
			paths[filepath.Clean(m.Source)] = m.Name
		case config.ProtocolMbox:
			// Watch the directory since mbox files are replaced by rename.
			if err := fsw.Add(filepath.Dir(m.Source)); err != nil {
				fsw.Close()
				return nil, fmt.Errorf("failed to watch %s: %w", m.Source, err)
			}
			paths[filepath.Clean(m.Source)] = m.Name
		case config.ProtocolIMAP:
			remote = append(remote, m)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer fsw.Close()
		watchFiles(ctx, fsw, paths, notify, logger)
	}()

	imapDone := make(chan struct{}, len(remote))
	for _, m := range remote {
		m := m
		go func() {
			defer func() { imapDone <- struct{}{} }()
			watchIMAP(ctx, m, pollInterval, notify, logger.With("mailbox", m.Name))
		}()
	}

	stopped := make(chan struct{})
	go func() {
		<-done
		for range remote {
			<-imapDone
		}
		close(stopped)
	}()

	go func() {
		pending.deliver(ctx, out, stopped)
		close(out)
	}()

	return out, nil
}

func watchFiles(ctx context.Context, fsw *fsnotify.Watcher, paths map[string]string, notify func(string), logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if name, ok := mailboxForEvent(event.Name, paths); ok {
				logger.Debug("File change detected", "mailbox", name, "path", event.Name)
				notify(name)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			logger.Error("File watcher error", "error", err)
		}
	}
}

// mailboxForEvent maps a changed path to its mailbox: an mbox file itself,
// or a visible file directly inside a watched directory.
func mailboxForEvent(path string, paths map[string]string) (string, bool) {
	path = filepath.Clean(path)
	if name, ok := paths[path]; ok {
		return name, true
	}
	if strings.HasPrefix(filepath.Base(path), ".") {
		return "", false
	}
	name, ok := paths[filepath.Dir(path)]
	return name, ok
}

// watchIMAP keeps an IDLE session open on the mailbox folder until ctx ends,
// reconnecting with a growing delay when the connection fails.
func watchIMAP(ctx context.Context, cfg config.MailboxConfig, pollInterval time.Duration, notify func(string), logger *slog.Logger) {
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		attempt++
		logger.Info("Connecting to IMAP server for IDLE", "attempt", attempt)

		c, err := Dial(cfg)
		if err == nil {
			if _, err = c.Select(cfg.Source, true); err != nil {
				_ = c.Logout()
			}
		}
		if err != nil {
			delay := reconnectDelay(attempt)
			logger.Error("Failed to connect", "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		idleOnce(ctx, c, cfg.Name, pollInterval, notify, logger)
		_ = c.Logout()

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay(1)):
		}
	}
}

func idleOnce(ctx context.Context, c *client.Client, name string, pollInterval time.Duration, notify func(string), logger *slog.Logger) {
	// Buffered so the IDLE goroutine can deliver its final updates.
	updates := make(chan client.Update, 64)
	c.Updates = updates

	stop := make(chan struct{})
	ended := make(chan error, 1)
	go func() {
		ended <- idle.NewClient(c).IdleWithFallback(stop, pollInterval)
	}()

	for {
		select {
		case <-ctx.Done():
			close(stop)
			<-ended
			return
		case update := <-updates:
			if u, ok := update.(*client.MailboxUpdate); ok {
				logger.Info("New mail detected", "exists", u.Mailbox.Messages, "recent", u.Mailbox.Recent)
				notify(name)
			}
		case err := <-ended:
			logger.Warn("IDLE ended, reconnecting", "error", err)
			return
		}
	}
}
