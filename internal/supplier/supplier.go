// Package supplier hands validated orders to the downstream supplier.
package supplier

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/orderflow/internal/config"
	"github.com/sells-group/orderflow/internal/model"
	"github.com/sells-group/orderflow/internal/resilience"
)

// Submission is the payload sent to a supplier.
type Submission struct {
	Order model.Order     `json:"order"`
	Items []model.SKUItem `json:"sku_items"`
}

// Receipt acknowledges a submission.
type Receipt struct {
	Supplier  string `json:"supplier"`
	Reference string `json:"reference"`
}

// Submitter submits orders. Errors wrapped as resilience.TransientError are
// worth retrying.
type Submitter interface {
	Name() string
	Submit(ctx context.Context, s Submission) (Receipt, error)
}

// New returns the Submitter selected by cfg: a webhook when a URL is set,
// otherwise a log submitter.
func New(cfg config.SupplierConfig, retry resilience.RetryConfig, circuit resilience.CircuitBreakerConfig) Submitter {
	if cfg.WebhookURL == "" {
		return LogSubmitter{SupplierName: cfg.Name}
	}
	return NewWebhook(WebhookOptions{
		Name:    cfg.Name,
		URL:     cfg.WebhookURL,
		Timeout: time.Duration(cfg.TimeoutSecs) * time.Second,
		Retry:   retry,
		Circuit: circuit,
	})
}

// LogSubmitter logs submissions and issues a local reference.
type LogSubmitter struct {
	SupplierName string
}

// Name implements Submitter.
func (l LogSubmitter) Name() string {
	if l.SupplierName == "" {
		return "log"
	}
	return l.SupplierName
}

// Submit implements Submitter.
func (l LogSubmitter) Submit(_ context.Context, s Submission) (Receipt, error) {
	ref := "LOG-" + uuid.NewString()[:8]
	zap.L().Info("supplier: order logged",
		zap.String("supplier", l.Name()),
		zap.String("order_id", s.Order.ID),
		zap.String("order_number", s.Order.OrderNumber),
		zap.Int("sku_count", len(s.Items)),
		zap.String("reference", ref),
	)
	return Receipt{Supplier: l.Name(), Reference: ref}, nil
}

// WebhookOptions configures a Webhook.
type WebhookOptions struct {
	Name    string
	URL     string
	Timeout time.Duration
	Retry   resilience.RetryConfig
	Circuit resilience.CircuitBreakerConfig
	Client  *http.Client
}

// Webhook posts submissions as JSON to an HTTP endpoint. Calls go through a
// circuit breaker so a failing supplier is not hammered.
type Webhook struct {
	name    string
	url     string
	client  *http.Client
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
}

// NewWebhook creates a Webhook.
func NewWebhook(opts WebhookOptions) *Webhook {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Name == "" {
		opts.Name = "webhook"
	}
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = resilience.RetryLogger("supplier", "submit")
	}
	opts.Circuit.ShouldTrip = resilience.IsTransient
	return &Webhook{
		name:    opts.Name,
		url:     opts.URL,
		client:  opts.Client,
		retry:   opts.Retry,
		breaker: resilience.NewCircuitBreaker(opts.Circuit),
	}
}

// Name implements Submitter.
func (w *Webhook) Name() string { return w.name }

// Breaker exposes the circuit breaker state.
func (w *Webhook) Breaker() *resilience.CircuitBreaker { return w.breaker }

// Submit implements Submitter.
func (w *Webhook) Submit(ctx context.Context, s Submission) (Receipt, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return Receipt{}, eris.Wrap(err, "supplier: marshal submission")
	}
	return resilience.ExecuteVal(ctx, w.breaker, func(ctx context.Context) (Receipt, error) {
		return resilience.DoVal(ctx, w.retry, func(ctx context.Context) (Receipt, error) {
			return w.post(ctx, s.Order.ID, body)
		})
	})
}

func (w *Webhook) post(ctx context.Context, orderID string, body []byte) (Receipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, resilience.Permanent(eris.Wrap(err, "supplier: build request"))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", orderID)

	resp, err := w.client.Do(req)
	if err != nil {
		return Receipt{}, eris.Wrap(err, "supplier: post")
	}
	defer resp.Body.Close() //nolint:errcheck
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Receipt{}, resilience.NewTransientError(eris.Wrap(err, "supplier: read response"), resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := eris.Errorf("supplier: %s returned %d: %s", w.name, resp.StatusCode, truncate(string(data), 200))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return Receipt{}, resilience.NewTransientError(err, resp.StatusCode)
		}
		return Receipt{}, resilience.Permanent(err)
	}

	var r Receipt
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &r); err != nil {
			return Receipt{}, resilience.Permanent(eris.Wrap(err, "supplier: decode receipt"))
		}
	}
	r.Supplier = w.name
	if r.Reference == "" {
		return Receipt{}, resilience.Permanent(eris.Errorf("supplier: %s returned no reference", w.name))
	}
	return r, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
