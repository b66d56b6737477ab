package cmd

import (
	"fmt"
	"log/slog"

	"github.com/meko-christian/mail-intake/internal/config"
	"github.com/meko-christian/mail-intake/internal/ledger"
	"github.com/meko-christian/mail-intake/internal/mailing"
	"github.com/meko-christian/mail-intake/internal/metrics"
	"github.com/meko-christian/mail-intake/internal/pipeline"
	"github.com/meko-christian/mail-intake/internal/store"
)

// runtime holds everything a job run needs, opened from one Settings value.
type runtime struct {
	settings config.Settings
	store    *store.Store
	ledger   *ledger.Ledger
	metrics  *metrics.Metrics
	service  *pipeline.Service
}

func openRuntime() (*runtime, error) {
	settings, err := loadSettings()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(settings.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	rt := &runtime{
		settings: settings,
		store:    st,
		metrics:  metrics.New(),
	}

	opts := []pipeline.Option{pipeline.WithMetrics(rt.metrics)}

	if settings.Ledger.Path != "" {
		l, err := ledger.Open(settings.Ledger.Path, settings.Ledger.MaxAttempts)
		if err != nil {
			st.Close()
			return nil, err
		}
		rt.ledger = l
		opts = append(opts, pipeline.WithLedger(l))
	}

	if settings.SMTP.Enabled() {
		opts = append(opts, pipeline.WithForwarder(mailing.NewSMTPForwarder(settings.SMTP, slog.Default())))
	} else {
		slog.Debug("SMTP not configured, replies are recorded without forwarding")
	}

	rt.service = pipeline.New(settings, st, slog.Default(), opts...)
	return rt, nil
}

// writeMetrics dumps the collected metrics for the node exporter when a
// textfile path is configured.
func (r *runtime) writeMetrics() {
	if r.settings.Metrics.Textfile == "" {
		return
	}
	if err := r.metrics.WriteTextfile(r.settings.Metrics.Textfile); err != nil {
		slog.Error("Failed to write metrics", "error", err)
	}
}

func (r *runtime) Close() {
	if r.ledger != nil {
		if err := r.ledger.Close(); err != nil {
			slog.Error("Failed to close ledger", "error", err)
		}
	}
	if err := r.store.Close(); err != nil {
		slog.Error("Failed to close database", "error", err)
	}
}
