package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"stack-back/internal/config"
	"stack-back/internal/logger"
	"stack-back/internal/writer"

	"go.uber.org/zap"
)

const (
	HMACHeaderName = "X-Stack-Back-Signature-SHA256"
	userAgent      = "stack-back/1.0"
	queueSize      = 16
)

// NotificationPayload is the JSON body posted when a run finishes.
type NotificationPayload struct {
	RunID           string              `json:"run_id"`
	Operation       string              `json:"operation"`
	Project         string              `json:"project,omitempty"`
	Status          writer.Status       `json:"status"`
	Success         bool                `json:"success"`
	ExitCode        int                 `json:"exit_code"`
	DurationSeconds float64             `json:"duration_seconds"`
	Timestamp       string              `json:"timestamp_utc"`
	Failures        []writer.StepResult `json:"failures,omitempty"`
	ReportLocation  string              `json:"report_location,omitempty"`
}

// PayloadFromReport keeps the failed steps only, the full report is
// available at ReportLocation when reports are stored.
func PayloadFromReport(r *writer.RunReport, location string) NotificationPayload {
	p := NotificationPayload{
		RunID:           r.RunID,
		Operation:       r.Operation,
		Project:         r.Project,
		Status:          r.Status,
		Success:         r.Status == writer.StatusSuccess,
		ExitCode:        r.ExitCode,
		DurationSeconds: r.DurationSeconds,
		Timestamp:       r.FinishedAt.UTC().Format(time.RFC3339),
		ReportLocation:  location,
	}
	for _, s := range r.Steps {
		if !s.Success {
			p.Failures = append(p.Failures, s)
		}
	}
	return p
}

// Sender posts notifications from a background worker with retries.
type Sender struct {
	httpClient *http.Client
	targetURL  string
	secret     string
	maxRetries int
	backoff    time.Duration
	queue      chan NotificationPayload
	stopChan   chan struct{}
	wg         sync.WaitGroup
}

// NewSender returns nil when no WEBHOOK_URL is configured.
func NewSender(cfg config.ReportConfig) *Sender {
	if cfg.WebhookURL == "" {
		return nil
	}
	timeout := time.Duration(cfg.WebhookTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxRetries := cfg.WebhookMaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	s := &Sender{
		httpClient: &http.Client{Timeout: timeout},
		targetURL:  cfg.WebhookURL,
		secret:     cfg.WebhookSecret,
		maxRetries: maxRetries,
		backoff:    2 * time.Second,
		queue:      make(chan NotificationPayload, queueSize),
		stopChan:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.worker()

	logger.Log.Debug("Webhook sender initialized",
		zap.String("targetHost", extractHost(s.targetURL)),
		zap.Int("maxRetries", s.maxRetries),
		zap.Duration("timeout", timeout),
		zap.Bool("hmacSecretConfigured", s.secret != ""),
	)
	return s
}

// extractHost returns the hostname of a URL for logging, never the full
// URL since it may carry a token.
func extractHost(urlString string) string {
	u, err := url.Parse(urlString)
	if err != nil || u.Hostname() == "" {
		return "unknown_host"
	}
	return u.Hostname()
}

// Enqueue schedules a notification. It never blocks.
func (s *Sender) Enqueue(payload NotificationPayload) {
	select {
	case s.queue <- payload:
		logger.Log.Debug("Enqueued webhook notification", zap.String("runID", payload.RunID))
	default:
		logger.Log.Warn("Webhook queue full, dropping notification", zap.String("runID", payload.RunID))
	}
}

func (s *Sender) worker() {
	defer s.wg.Done()
	for {
		select {
		case p := <-s.queue:
			s.sendWithRetries(p)
		case <-s.stopChan:
			// deliver what is already queued before exiting
			for {
				select {
				case p := <-s.queue:
					s.sendWithRetries(p)
				default:
					return
				}
			}
		}
	}
}

func (s *Sender) sendWithRetries(p NotificationPayload) {
	fields := []zap.Field{zap.String("runID", p.RunID), zap.String("targetHost", extractHost(s.targetURL))}
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if lastErr = s.sendAttempt(p); lastErr == nil {
			logger.Log.Info("Webhook sent", append(fields, zap.Int("attempt", attempt+1))...)
			return
		}
		logger.Log.Warn("Webhook send attempt failed", append(fields, zap.Int("attempt", attempt+1), zap.Error(lastErr))...)
		if attempt < s.maxRetries {
			time.Sleep(s.backoff << attempt)
		}
	}
	logger.Log.Error("Webhook failed after all retries", append(fields, zap.Error(lastErr))...)
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Sender) sendAttempt(p NotificationPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.httpClient.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.targetURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if s.secret != "" {
		req.Header.Set(HMACHeaderName, Sign(s.secret, body))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned non-2xx status %s: %s", resp.Status, snippet)
	}
	return nil
}

// Stop delivers pending notifications and shuts the worker down.
func (s *Sender) Stop() {
	close(s.stopChan)
	s.wg.Wait()
}
