package mq

import (
	"context"
	"fmt"

	"indexcheck/internal/config"
)

// Publisher delivers a payload to a logical topic of the work queue.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
	Close() error
}

// NewPublisher builds the publisher selected by queue.driver.
func NewPublisher(ctx context.Context, cfg *config.Config) (Publisher, error) {
	switch cfg.Queue.Driver {
	case "", "kafka":
		return NewKafkaPublisher(&cfg.Kafka)
	case "sqs":
		return NewSQSPublisherFromConfig(ctx, &cfg.SQS)
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
}
