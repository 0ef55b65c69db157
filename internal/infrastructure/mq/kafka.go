package mq

import (
	"context"
	"fmt"
	"log"

	"indexcheck/internal/config"

	"github.com/IBM/sarama"
)

// KafkaPublisher publishes through a synchronous producer that waits for every
// in-sync replica.
type KafkaPublisher struct {
	producer sarama.SyncProducer
}

func NewKafkaConfig() *sarama.Config {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	kafkaConfig.Consumer.Return.Errors = true
	return kafkaConfig
}

func NewKafkaPublisher(cfg *config.KafkaConfig) (*KafkaPublisher, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewKafkaConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	log.Println("[Kafka] producer created")
	return NewKafkaPublisherWithProducer(producer), nil
}

func NewKafkaPublisherWithProducer(producer sarama.SyncProducer) *KafkaPublisher {
	return &KafkaPublisher{producer: producer}
}

func (p *KafkaPublisher) Publish(_ context.Context, topic, key string, payload []byte) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	}
	_, _, err := p.producer.SendMessage(msg)
	return err
}

func (p *KafkaPublisher) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}
