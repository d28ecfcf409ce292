package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/faucetdb/valve/internal/model"
)

// Notifier delivers fired alerts.
type Notifier interface {
	Notify(ctx context.Context, ev model.AlertEvent) error
}

// LogNotifier writes fired alerts to the structured log.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, ev model.AlertEvent) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("alert triggered",
		"rule_id", ev.Rule.ID,
		"key_id", ev.Rule.KeyID,
		"key_prefix", ev.KeyPrefix,
		"alert_type", string(ev.Rule.AlertType),
		"threshold_percent", ev.Rule.ThresholdPercent,
		"percent", ev.Percent,
		"window_start", ev.WindowStart,
	)
	return nil
}

// Multi fans an alert out to several notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev model.AlertEvent) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

const (
	webhookRetries = 3
	webhookBackoff = 100 * time.Millisecond
)

// WebhookNotifier POSTs alerts as JSON to a URL. Deliveries run in the
// background with retries; Shutdown waits for the ones in flight.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
	backoff time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewWebhookNotifier creates a notifier posting to url.
func NewWebhookNotifier(url string, timeout time.Duration, logger *slog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		logger:  logger,
		backoff: webhookBackoff,
	}
}

type webhookPayload struct {
	Event       string    `json:"event"`
	RuleID      string    `json:"rule_id"`
	KeyID       string    `json:"key_id"`
	KeyName     string    `json:"key_name"`
	KeyPrefix   string    `json:"key_prefix"`
	AlertType   string    `json:"alert_type"`
	Threshold   int       `json:"threshold_percent"`
	Percent     float64   `json:"percent"`
	WindowStart time.Time `json:"window_start"`
	TriggeredAt time.Time `json:"triggered_at"`
}

// Notify queues a delivery and returns immediately. Alerts raised after
// Shutdown are discarded.
func (n *WebhookNotifier) Notify(_ context.Context, ev model.AlertEvent) error {
	payload, err := json.Marshal(webhookPayload{
		Event:       "valve.alert.triggered",
		RuleID:      ev.Rule.ID,
		KeyID:       ev.Rule.KeyID,
		KeyName:     ev.KeyName,
		KeyPrefix:   ev.KeyPrefix,
		AlertType:   string(ev.Rule.AlertType),
		Threshold:   ev.Rule.ThresholdPercent,
		Percent:     ev.Percent,
		WindowStart: ev.WindowStart,
		TriggeredAt: ev.TriggeredAt,
	})
	if err != nil {
		return fmt.Errorf("encode alert payload: %w", err)
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.wg.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.wg.Done()
		// Not tied to the evaluation context: a cancelled cycle must not
		// abort alerts already raised.
		ctx, cancel := context.WithTimeout(context.Background(), webhookRetries*n.timeout)
		defer cancel()
		if err := n.send(ctx, payload); err != nil {
			n.logger.Error("alert webhook failed", "rule_id", ev.Rule.ID, "error", err)
		}
	}()
	return nil
}

func (n *WebhookNotifier) send(ctx context.Context, payload []byte) error {
	var lastErr error
	for attempt := 0; attempt < webhookRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(n.backoff << (attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("attempt %d/%d: %w", attempt+1, webhookRetries, err)
			continue
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("attempt %d/%d: status %d", attempt+1, webhookRetries, resp.StatusCode)
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// Shutdown stops accepting alerts and waits for pending deliveries until ctx
// is done.
func (n *WebhookNotifier) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("alert webhook shutdown: %w", ctx.Err())
	}
}
