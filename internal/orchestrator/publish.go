package orchestrator

import (
	"context"
	"time"

	"stack-back/internal/config"
	"stack-back/internal/gc"
	"stack-back/internal/logger"
	"stack-back/internal/webhook"
	"stack-back/internal/writer"

	"go.uber.org/zap"
)

// Publisher stores finished run reports, expires old ones and sends the
// webhook. None of it affects the exit code of a run.
type Publisher struct {
	store     writer.ReportWriter
	retention time.Duration
	dryRun    bool
	sender    *webhook.Sender
}

// NewPublisher wires the configured destinations. Both may be absent.
func NewPublisher(cfg config.ReportConfig) *Publisher {
	p := &Publisher{dryRun: cfg.GCDryRun}
	if writer.Enabled(cfg) {
		store, err := writer.GetWriter(cfg)
		if err != nil {
			logger.Log.Warn("Run reports disabled, writer could not be created", zap.Error(err))
		} else {
			p.store = store
		}
		if p.retention, err = cfg.RetentionPeriod(); err != nil {
			logger.Log.Warn("Invalid REPORT_RETENTION, stored reports are kept", zap.Error(err))
		}
	}
	p.sender = webhook.NewSender(cfg)
	return p
}

// Publish handles one finished report.
func (p *Publisher) Publish(ctx context.Context, r *writer.RunReport) {
	var location string
	if p.store != nil {
		var err error
		if location, err = writer.WriteReport(ctx, p.store, r); err != nil {
			logger.Log.Warn("Failed to store run report", zap.Error(err))
		}
		if _, err := gc.NewRunner(p.store, writer.ReportDir(r.Project), p.retention, p.dryRun).RunGC(ctx); err != nil {
			logger.Log.Warn("Run report retention failed", zap.Error(err))
		}
	}
	if p.sender != nil {
		p.sender.Enqueue(webhook.PayloadFromReport(r, location))
	}
}

// Close waits for queued notifications.
func (p *Publisher) Close() {
	if p.sender != nil {
		p.sender.Stop()
	}
}
