package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/onesub/vendorauth/pkg/observability"
	"github.com/onesub/vendorauth/pkg/tools"
)

// ToolSource resolves the delivery target for a tool.
type ToolSource interface {
	GetTool(ctx context.Context, id string) (*tools.Tool, error)
}

// Event is one webhook delivery waiting in the queue.
type Event struct {
	ID        string      `json:"id"`
	ToolID    string      `json:"-"`
	Type      string      `json:"type"`
	CreatedAt time.Time   `json:"createdAt"`
	Data      interface{} `json:"data"`
}

// Config holds notifier settings.
type Config struct {
	Workers        int
	QueueSize      int
	RequestTimeout time.Duration
	Retry          RetryConfig
}

// Notifier queues events and delivers them to tool webhook endpoints from a
// worker pool. Delivery is fire and forget from the caller's perspective;
// failures are retried with backoff and then dropped with a log entry.
type Notifier struct {
	queue      chan *Event
	toolSource ToolSource
	client     *http.Client
	policy     *RetryPolicy
	logger     *logrus.Logger
	metrics    *observability.Metrics
	workers    int

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewNotifier creates a webhook notifier. metrics may be nil.
func NewNotifier(cfg Config, toolSource ToolSource, logger *logrus.Logger, metrics *observability.Metrics) *Notifier {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	return &Notifier{
		queue:      make(chan *Event, cfg.QueueSize),
		toolSource: toolSource,
		client:     &http.Client{Timeout: cfg.RequestTimeout},
		policy:     NewRetryPolicy(cfg.Retry),
		logger:     logger,
		metrics:    metrics,
		workers:    cfg.Workers,
	}
}

// Start launches the delivery workers.
func (n *Notifier) Start(ctx context.Context) {
	for i := 0; i < n.workers; i++ {
		n.wg.Add(1)
		go n.worker(ctx)
	}
}

// Stop closes the queue and waits for in-flight deliveries to finish.
func (n *Notifier) Stop() {
	n.stopOnce.Do(func() { close(n.queue) })
	n.wg.Wait()
}

// Enqueue queues an event for delivery. A full queue drops the event
// rather than blocking the caller; webhook delivery never backpressures
// the authorization flow.
func (n *Notifier) Enqueue(ctx context.Context, toolID, eventType string, payload interface{}) {
	event := &Event{
		ID:        uuid.NewString(),
		ToolID:    toolID,
		Type:      eventType,
		CreatedAt: time.Now().UTC(),
		Data:      payload,
	}

	select {
	case n.queue <- event:
	default:
		n.logger.WithFields(logrus.Fields{
			"tool_id":    toolID,
			"event_type": eventType,
		}).Warn("webhook queue full, dropping event")
		if n.metrics != nil {
			n.metrics.WebhookDeliveriesTotal.WithLabelValues("dropped").Inc()
		}
	}
}

func (n *Notifier) worker(ctx context.Context) {
	defer n.wg.Done()
	for event := range n.queue {
		n.deliverWithRetries(ctx, event)
	}
}

func (n *Notifier) deliverWithRetries(ctx context.Context, event *Event) {
	tool, err := n.toolSource.GetTool(ctx, event.ToolID)
	if err != nil {
		n.logger.WithError(err).WithField("tool_id", event.ToolID).
			Warn("failed to resolve tool for webhook delivery")
		return
	}
	if tool.WebhookURL == "" {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		n.logger.WithError(err).WithField("event_id", event.ID).
			Error("failed to encode webhook payload")
		return
	}

	attempts := 0
	for {
		attempts++
		start := time.Now()
		err := n.deliver(ctx, tool, payload)
		if n.metrics != nil {
			n.metrics.WebhookDeliveryDuration.Observe(time.Since(start).Seconds())
		}
		if err == nil {
			if n.metrics != nil {
				n.metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
			}
			return
		}

		if !n.policy.ShouldRetry(attempts) {
			n.logger.WithError(err).WithFields(logrus.Fields{
				"tool_id":  tool.ID,
				"event_id": event.ID,
				"attempts": attempts,
			}).Error("webhook delivery failed permanently")
			if n.metrics != nil {
				n.metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()
			}
			return
		}

		select {
		case <-time.After(n.policy.NextRetryDelay(attempts)):
		case <-ctx.Done():
			return
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, tool *tools.Tool, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tool.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, SignPayload(tool.WebhookSecret, time.Now(), payload))

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}
