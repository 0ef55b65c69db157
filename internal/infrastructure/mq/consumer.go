package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"indexcheck/internal/config"
	"indexcheck/internal/model"

	"github.com/IBM/sarama"
)

// CheckResultHandler records one worker report.
type CheckResultHandler func(ctx context.Context, result model.CheckResult) error

// CheckResultConsumer feeds the check-results topic into a CheckResultHandler.
// Offsets are committed only after the handler returned, so a crash replays the
// message; the handler ignores URLs it already recorded.
type CheckResultConsumer struct {
	group   sarama.ConsumerGroup
	topic   string
	handler CheckResultHandler
}

func NewCheckResultConsumer(cfg *config.KafkaConfig, handler CheckResultHandler) (*CheckResultConsumer, error) {
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, NewKafkaConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}
	return &CheckResultConsumer{
		group:   group,
		topic:   cfg.Topic.CheckResults,
		handler: handler,
	}, nil
}

// Start consumes until ctx is cancelled.
func (c *CheckResultConsumer) Start(ctx context.Context) {
	log.Printf("[CheckResultConsumer] consuming topic %s", c.topic)

	go func() {
		for err := range c.group.Errors() {
			log.Printf("[CheckResultConsumer] consumer error: %v", err)
		}
	}()

	for {
		if err := c.group.Consume(ctx, []string{c.topic}, &claimHandler{handler: c.handler}); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			log.Printf("[CheckResultConsumer] consume failed: %v", err)
		}
		if ctx.Err() != nil {
			log.Println("[CheckResultConsumer] stop signal received, exiting")
			return
		}
	}
}

func (c *CheckResultConsumer) Close() error {
	return c.group.Close()
}

type claimHandler struct {
	handler CheckResultHandler
}

func (h *claimHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *claimHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *claimHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.process(session.Context(), msg)
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *claimHandler) process(ctx context.Context, msg *sarama.ConsumerMessage) {
	result, err := DecodeCheckResult(msg.Value)
	if err != nil {
		log.Printf("[CheckResultConsumer] dropping malformed message: offset=%d, err=%v", msg.Offset, err)
		return
	}
	if err := h.handler(ctx, result); err != nil {
		log.Printf("[CheckResultConsumer] handle result failed: urlID=%d, err=%v", result.URLID, err)
	}
}

func DecodeCheckResult(payload []byte) (model.CheckResult, error) {
	var result model.CheckResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return result, err
	}
	if result.URLID <= 0 {
		return result, fmt.Errorf("missing url_id")
	}
	return result, nil
}
