// Package callbacks delivers payment events to the merchant's endpoint with
// retries and a circuit breaker, so a flapping endpoint never blocks webhook
// processing.
package callbacks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tunglvm/store-server/internal/config"
	"github.com/tunglvm/store-server/internal/logger"
	"github.com/tunglvm/store-server/internal/metrics"
)

// PaymentEvent is the payload posted to the merchant on completion.
type PaymentEvent struct {
	PaymentRef      string    `json:"paymentRef"`
	BuyerID         string    `json:"buyerId"`
	TransactionCode string    `json:"transactionCode"`
	Amount          int64     `json:"amount"`
	PaidAt          time.Time `json:"paidAt"`
	ProductIDs      []string  `json:"productIds"`
}

// Notifier delivers payment events.
type Notifier interface {
	PaymentCompleted(ctx context.Context, event PaymentEvent) error
}

// NoopNotifier drops every event. Used when no callback URL is configured.
type NoopNotifier struct{}

// PaymentCompleted implements Notifier.
func (NoopNotifier) PaymentCompleted(context.Context, PaymentEvent) error { return nil }

// HTTPNotifier posts events to a configured URL.
type HTTPNotifier struct {
	url     string
	headers map[string]string
	client  *http.Client
	retry   config.RetryConfig
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
}

// NewNotifier builds a Notifier from config. An empty callback URL yields the
// no-op implementation.
func NewNotifier(cfg config.CallbacksConfig, m *metrics.Metrics) Notifier {
	if cfg.PaymentSuccessURL == "" {
		return NoopNotifier{}
	}

	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	n := &HTTPNotifier{
		url:     cfg.PaymentSuccessURL,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: timeout},
		retry:   cfg.Retry,
		metrics: m,
	}

	if cfg.Breaker.Enabled {
		failures := cfg.Breaker.ConsecutiveFailures
		if failures == 0 {
			failures = 5
		}
		n.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "payment-callback",
			MaxRequests: cfg.Breaker.MaxRequests,
			Interval:    cfg.Breaker.Interval.Duration,
			Timeout:     cfg.Breaker.Timeout.Duration,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
		})
	}

	return n
}

// PaymentCompleted posts the event, retrying with exponential backoff until
// the attempts run out or the context is cancelled.
func (n *HTTPNotifier) PaymentCompleted(ctx context.Context, event PaymentEvent) error {
	log := logger.FromContext(ctx)

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal callback payload: %w", err)
	}

	attempts := 1
	interval := time.Second
	if n.retry.Enabled {
		if n.retry.MaxAttempts > 0 {
			attempts = n.retry.MaxAttempts
		}
		if n.retry.InitialInterval.Duration > 0 {
			interval = n.retry.InitialInterval.Duration
		}
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = n.post(ctx, body)
		if lastErr == nil {
			n.metrics.ObserveCallback("ok")
			log.Info().
				Str("event", "callback.delivered").
				Str("payment_ref", event.PaymentRef).
				Int("attempt", attempt).
				Msg("Payment callback delivered")
			return nil
		}

		log.Warn().
			Str("event", "callback.attempt.failed").
			Str("payment_ref", event.PaymentRef).
			Int("attempt", attempt).
			Err(lastErr).
			Msg("Payment callback attempt failed")

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			n.metrics.ObserveCallback("cancelled")
			return ctx.Err()
		case <-time.After(interval):
		}
		interval = n.nextInterval(interval)
	}

	n.metrics.ObserveCallback("failed")
	return fmt.Errorf("callback delivery failed after %d attempt(s): %w", attempts, lastErr)
}

func (n *HTTPNotifier) post(ctx context.Context, body []byte) error {
	do := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range n.headers {
			req.Header.Set(k, v)
		}

		resp, err := n.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("callback endpoint returned %d", resp.StatusCode)
		}
		return nil
	}

	if n.breaker == nil {
		return do()
	}
	_, err := n.breaker.Execute(func() (interface{}, error) {
		return nil, do()
	})
	return err
}

func (n *HTTPNotifier) nextInterval(current time.Duration) time.Duration {
	multiplier := n.retry.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}
	next := time.Duration(float64(current) * multiplier)
	if max := n.retry.MaxInterval.Duration; max > 0 && next > max {
		next = max
	}
	return next
}
