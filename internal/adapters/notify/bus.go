package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"

	"github.com/mardigiorgio/PiGuard/internal/core/domain"
	"github.com/mardigiorgio/PiGuard/internal/core/ports"
)

// natsPublisher is the part of *nats.Conn the notifier uses.
type natsPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier publishes alert JSON on a subject.
type NATSNotifier struct {
	conn    natsPublisher
	closer  func()
	subject string
}

// NewNATSNotifier connects to url. The connection keeps retrying in the
// background, so a broker that is down at startup does not block the sensor.
func NewNATSNotifier(url, subject string) (*NATSNotifier, error) {
	nc, err := natsgo.Connect(url,
		natsgo.Name("piguard"),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATSNotifier{conn: nc, closer: nc.Close, subject: subject}, nil
}

func (n *NATSNotifier) Name() string { return "nats" }

func (n *NATSNotifier) Notify(ctx context.Context, alert domain.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", n.subject, err)
	}
	return nil
}

func (n *NATSNotifier) Close() error {
	if n.closer != nil {
		n.closer()
	}
	return nil
}

// messageWriter is the part of *kafka.Writer the notifier uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier writes alerts to a topic keyed by dedupe key, so repeats of
// one incident land on the same partition.
type KafkaNotifier struct {
	writer messageWriter
}

func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}}
}

func (n *KafkaNotifier) Name() string { return "kafka" }

func (n *KafkaNotifier) Notify(ctx context.Context, alert domain.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(alert.DedupeKey),
		Value: data,
		Time:  alert.TS,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(alert.Kind)},
			{Key: "severity", Value: []byte(alert.Severity)},
		},
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

var (
	_ ports.AlertNotifier = (*NATSNotifier)(nil)
	_ ports.AlertNotifier = (*KafkaNotifier)(nil)
)
