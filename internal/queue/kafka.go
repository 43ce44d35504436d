package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/alexnthnz/push-delivery/internal/config"
)

// DeliveryRequest is the message upstream systems (price alerts, order
// execution, portfolio reporting, risk controls) publish to request a push.
type DeliveryRequest struct {
	ID          string            `json:"id,omitempty"`
	UserID      string            `json:"user_id"`
	Category    string            `json:"category"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
	ImageURL    string            `json:"image_url,omitempty"`
	ActionURL   string            `json:"action_url,omitempty"`
	DeviceID    string            `json:"device_id,omitempty"`
	Priority    string            `json:"priority,omitempty"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Producer handles publishing delivery requests to Kafka
type Producer struct {
	writer *kafka.Writer
}

// Consumer handles consuming delivery requests from Kafka
type Consumer struct {
	reader *kafka.Reader
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg config.KafkaConfig) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    100,
		Async:        false, // Synchronous for reliability
	}

	return &Producer{writer: writer}
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg config.KafkaConfig) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    10e3, // 10KB
		MaxBytes:    10e6, // 10MB
		MaxWait:     1 * time.Second,
		StartOffset: kafka.LastOffset,
	})

	return &Consumer{reader: reader}
}

// PublishRequest publishes a delivery request to Kafka
func (p *Producer) PublishRequest(ctx context.Context, req DeliveryRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery request: %w", err)
	}

	kafkaMsg := kafka.Message{
		Key:   []byte(req.UserID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "category", Value: []byte(req.Category)},
			{Key: "priority", Value: []byte(req.Priority)},
		},
		Time: time.Now(),
	}

	if err := p.writer.WriteMessages(ctx, kafkaMsg); err != nil {
		return fmt.Errorf("failed to write message to Kafka: %w", err)
	}

	return nil
}

// ConsumeRequests consumes delivery requests from Kafka and hands each to
// the handler. Malformed messages are logged and skipped.
func (c *Consumer) ConsumeRequests(ctx context.Context, handler func(DeliveryRequest) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			msg, err := c.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("Error reading message from Kafka: %v", err)
				continue
			}

			var req DeliveryRequest
			if err := json.Unmarshal(msg.Value, &req); err != nil {
				log.Printf("Error unmarshaling delivery request: %v", err)
				continue
			}

			if err := handler(req); err != nil {
				log.Printf("Error processing delivery request for user %s: %v", req.UserID, err)
				continue
			}
		}
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Close closes the consumer
func (c *Consumer) Close() error {
	return c.reader.Close()
}
