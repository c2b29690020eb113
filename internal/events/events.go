// Package events publishes run outcomes for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// Publisher delivers one event. key groups events of the same resource.
type Publisher interface {
	Publish(ctx context.Context, key string, v any) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }

// KafkaPublisher writes JSON events to a Kafka topic. Pure-Go client (segmentio/kafka-go).
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// messageWriter abstracts kafka.Writer for testability.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaPublisher creates a publisher for topic.
// brokers is a comma-separated list of host:port.
func NewKafkaPublisher(brokers, topic string) (*KafkaPublisher, error) {
	addrs := ParseBrokers(brokers)
	if len(addrs) == 0 {
		return nil, fmt.Errorf("events: no kafka brokers")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("events: kafka topic is empty")
	}
	return &KafkaPublisher{
		topic: topic,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(addrs...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			WriteTimeout: 10 * time.Second,
			Async:        false,
		},
	}, nil
}

// ParseBrokers splits a comma-separated broker list, dropping blanks.
func ParseBrokers(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Publish marshals v to JSON and writes it synchronously.
func (k *KafkaPublisher) Publish(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b}); err != nil {
		return fmt.Errorf("events: write %s: %w", k.topic, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (k *KafkaPublisher) Close() error { return k.writer.Close() }

var (
	_ Publisher = Nop{}
	_ Publisher = (*KafkaPublisher)(nil)
)
