// Package notify delivers lifecycle notifications to the notification
// collaborator.
//
// Every method is fire-and-forget: failures are logged and counted, never
// returned, and never roll back the financial transition that triggered
// them.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/replypay/replypay/internal/idgen"
	"github.com/replypay/replypay/internal/money"
	"github.com/replypay/replypay/internal/retry"
)

var (
	notifyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "replypay",
		Subsystem: "notify",
		Name:      "emit_total",
		Help:      "Total notification attempts by event type.",
	}, []string{"event_type"})

	notifyErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "replypay",
		Subsystem: "notify",
		Name:      "emit_errors_total",
		Help:      "Total notification failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(notifyTotal, notifyErrors)
}

// EventType identifies a notification event.
type EventType string

const (
	EventRefunded           EventType = "escrow.refunded"
	EventPayoutSetupPending EventType = "escrow.payout_setup_pending"
	EventTransferSucceeded  EventType = "escrow.transfer_succeeded"
)

// Event is the payload delivered to the notification collaborator.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]string `json:"data"`
}

// Notifier exposes the notification surface consumed by the escrow core.
type Notifier interface {
	NotifyRefund(txnID string, amountMinor int64, reason string)
	NotifyPayoutSetupPending(txnID, recipientID string, amountMinor int64)
	NotifyTransferSucceeded(txnID, recipientID string, payeeMinor int64)
}

// WebhookNotifier posts events to the notification collaborator's endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewWebhookNotifier creates a webhook-backed notifier.
func NewWebhookNotifier(url string, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

func (n *WebhookNotifier) emit(eventType EventType, data map[string]string) {
	if n == nil || n.url == "" {
		return
	}
	notifyTotal.WithLabelValues(string(eventType)).Inc()

	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	body, err := json.Marshal(event)
	if err != nil {
		notifyErrors.WithLabelValues(string(eventType)).Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err = retry.Do(ctx, 3, time.Second, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 500 {
			return &statusError{code: resp.StatusCode}
		}
		if resp.StatusCode >= 400 {
			return retry.Permanent(&statusError{code: resp.StatusCode})
		}
		return nil
	})
	if err != nil {
		notifyErrors.WithLabelValues(string(eventType)).Inc()
		n.logger.Warn("notification delivery failed", "event", eventType, "error", err)
	}
}

type statusError struct{ code int }

func (e *statusError) Error() string {
	return http.StatusText(e.code)
}

// NotifyRefund tells both parties the hold was cancelled at the deadline.
func (n *WebhookNotifier) NotifyRefund(txnID string, amountMinor int64, reason string) {
	n.emit(EventRefunded, map[string]string{
		"transactionId": txnID,
		"amount":        money.Format(amountMinor),
		"reason":        reason,
	})
}

// NotifyPayoutSetupPending tells the recipient their payout setup blocks a payout.
func (n *WebhookNotifier) NotifyPayoutSetupPending(txnID, recipientID string, amountMinor int64) {
	n.emit(EventPayoutSetupPending, map[string]string{
		"transactionId": txnID,
		"recipientId":   recipientID,
		"amount":        money.Format(amountMinor),
	})
}

// NotifyTransferSucceeded tells both parties the payout went through.
func (n *WebhookNotifier) NotifyTransferSucceeded(txnID, recipientID string, payeeMinor int64) {
	n.emit(EventTransferSucceeded, map[string]string{
		"transactionId": txnID,
		"recipientId":   recipientID,
		"payeeShare":    money.Format(payeeMinor),
	})
}

// Nop is a no-op notifier for tests and demo mode.
type Nop struct{}

func (Nop) NotifyRefund(string, int64, string)             {}
func (Nop) NotifyPayoutSetupPending(string, string, int64) {}
func (Nop) NotifyTransferSucceeded(string, string, int64)  {}

// Fanout delivers each notification to every wrapped notifier.
type Fanout []Notifier

func (f Fanout) NotifyRefund(txnID string, amountMinor int64, reason string) {
	for _, n := range f {
		n.NotifyRefund(txnID, amountMinor, reason)
	}
}

func (f Fanout) NotifyPayoutSetupPending(txnID, recipientID string, amountMinor int64) {
	for _, n := range f {
		n.NotifyPayoutSetupPending(txnID, recipientID, amountMinor)
	}
}

func (f Fanout) NotifyTransferSucceeded(txnID, recipientID string, payeeMinor int64) {
	for _, n := range f {
		n.NotifyTransferSucceeded(txnID, recipientID, payeeMinor)
	}
}

var (
	_ Notifier = (*WebhookNotifier)(nil)
	_ Notifier = Nop{}
	_ Notifier = Fanout{}
)
