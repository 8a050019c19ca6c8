// Package notifier delivers service audit alerts to administrators.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"consentry/internal/platform/kafka/producer"
	"consentry/internal/servicescan/models"
	"consentry/pkg/platform/circuit"
)

// Message is a templated alert for a recipient list.
type Message struct {
	ID         string         `json:"id"`
	Recipients []string       `json:"recipients"`
	Subject    string         `json:"subject"`
	Body       string         `json:"body"`
	Alert      models.Alert   `json:"alert"`
	SentAt     time.Time      `json:"sent_at"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// NewAlertMessage renders the alert into a message.
func NewAlertMessage(site string, recipients []string, alert models.Alert, now time.Time) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "The set of third-party services on %s has changed.\n", site)
	if len(alert.Added) > 0 {
		fmt.Fprintf(&b, "\nAdded: %s\n", strings.Join(models.Names(alert.Added), ", "))
	}
	if len(alert.Removed) > 0 {
		fmt.Fprintf(&b, "\nRemoved: %s\n", strings.Join(models.Names(alert.Removed), ", "))
	}
	b.WriteString("\nReview your consent categories and cookie policy.\n")

	return Message{
		ID:         uuid.NewString(),
		Recipients: recipients,
		Subject:    fmt.Sprintf("[%s] Third-party services changed", site),
		Body:       b.String(),
		Alert:      alert,
		SentAt:     now,
	}
}

type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// LogNotifier writes the message to the log. It is the fallback when no
// transport is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, msg Message) error {
	n.logger.InfoContext(ctx, "service_audit_notification",
		"notification_id", msg.ID,
		"recipients", len(msg.Recipients),
		"subject", msg.Subject,
		"added", models.Names(msg.Alert.Added),
		"removed", models.Names(msg.Alert.Removed),
	)
	return nil
}

// Publisher is the part of the Kafka producer the notifier uses.
type Publisher interface {
	Produce(ctx context.Context, msg *producer.Message) error
}

// KafkaNotifier publishes messages for a mail relay to deliver.
type KafkaNotifier struct {
	publisher Publisher
	topic     string
	breaker   *circuit.Breaker
}

func NewKafkaNotifier(publisher Publisher, topic string, breaker *circuit.Breaker) *KafkaNotifier {
	if breaker == nil {
		breaker = circuit.New("servicescan_notify")
	}
	return &KafkaNotifier{publisher: publisher, topic: topic, breaker: breaker}
}

func (n *KafkaNotifier) Notify(ctx context.Context, msg Message) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return n.breaker.Do(ctx, func(ctx context.Context) error {
		return n.publisher.Produce(ctx, &producer.Message{
			Topic: n.topic,
			Key:   []byte(msg.ID),
			Value: value,
			Headers: map[string]string{
				"type":         "service_audit_alert",
				"content-type": "application/json",
			},
		})
	})
}

// Fanout delivers to every notifier and returns the first error.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, msg Message) error {
	var first error
	for _, n := range f {
		if err := n.Notify(ctx, msg); err != nil && first == nil {
			first = err
		}
	}
	return first
}
