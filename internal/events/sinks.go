package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
)

// -------------------- NATS --------------------

// NATS publishes each event on "<prefix>.<type>".
type NATS struct {
	nc     *nats.Conn
	prefix string
}

// DialNATS connects to url. The connection reconnects forever.
func DialNATS(url, prefix string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("cryptoexchange"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	return &NATS{nc: nc, prefix: prefix}, nil
}

func (n *NATS) Send(_ context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return n.nc.Publish(n.prefix+"."+e.Type, body)
}

// Close flushes pending messages and closes the connection.
func (n *NATS) Close() error {
	return n.nc.Drain()
}

// -------------------- Kafka --------------------

// Kafka writes events to one topic keyed by event type, so every event of
// a type lands on the same partition in order.
type Kafka struct {
	writer *kafka.Writer
}

// NewKafka creates an async writer. Delivery failures are logged from the
// completion callback.
func NewKafka(brokers []string, topic string, logger *slog.Logger) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        true,
			BatchTimeout: 10 * time.Millisecond,
			Completion: func(messages []kafka.Message, err error) {
				if err != nil {
					logger.Error("kafka delivery failed", "topic", topic, "messages", len(messages), "error", err)
				}
			},
		},
	}
}

func (k *Kafka) Send(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.Type),
		Value: body,
		Time:  e.Time,
	})
}

// Close flushes buffered messages.
func (k *Kafka) Close() error {
	return k.writer.Close()
}

// -------------------- Webhook --------------------

// Webhook POSTs every event to a single URL. Delivery is fire-and-forget.
type Webhook struct {
	url    string
	client *http.Client
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewWebhook creates a webhook sink with the given request timeout.
func NewWebhook(url string, timeout time.Duration, logger *slog.Logger) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (w *Webhook) Send(_ context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	w.wg.Add(1)
	go w.deliver(e, body)
	return nil
}

// deliver sends one event. Failures are logged and dropped.
func (w *Webhook) deliver(e Event, body []byte) {
	defer w.wg.Done()

	req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.logger.Warn("webhook request failed", "event_id", e.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Id", e.ID)
	req.Header.Set("X-Event-Type", e.Type)
	req.Header.Set("X-Delivery-Id", uuid.New().String())

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Warn("webhook delivery failed", "event_id", e.ID, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		w.logger.Warn("webhook rejected event", "event_id", e.ID, "status", resp.StatusCode)
	}
}

// Wait blocks until in-flight deliveries finish.
func (w *Webhook) Wait() {
	w.wg.Wait()
}
