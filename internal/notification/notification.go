package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"eth-trading-agent/internal/logging"
)

// EventType classifies what happened
type EventType string

const (
	EventCycleCompleted EventType = "cycle_completed"
	EventTradeExecuted  EventType = "trade_executed"
	EventError          EventType = "error"
)

// Event is one notification payload
type Event struct {
	Type      EventType      `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Notifier delivers events to one destination
type Notifier interface {
	Send(ctx context.Context, event Event) error
	Name() string
}

// Manager fans events out to every registered notifier. Delivery failures
// are logged, never propagated: notifications must not break a cycle.
type Manager struct {
	notifiers []Notifier
	log       *logging.Logger
}

func NewManager(notifiers ...Notifier) *Manager {
	return &Manager{
		notifiers: notifiers,
		log:       logging.WithComponent("notification"),
	}
}

func (m *Manager) Add(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

func (m *Manager) Notify(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	for _, n := range m.notifiers {
		if err := n.Send(ctx, event); err != nil {
			m.log.Warn("notification delivery failed",
				"notifier", n.Name(), "type", string(event.Type), "error", err)
		}
	}
}

// LogNotifier writes events to the structured log. Always registered so
// every cycle leaves a trace even with no external destination configured.
type LogNotifier struct {
	log *logging.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: logging.WithComponent("notify")}
}

func (l *LogNotifier) Name() string { return "log" }

func (l *LogNotifier) Send(_ context.Context, event Event) error {
	l.log.Info(event.Title, "type", string(event.Type), "message", event.Message)
	return nil
}

// WebhookNotifier POSTs events as JSON to a configured URL
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookNotifier) Name() string { return "webhook" }

func (w *WebhookNotifier) Send(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
