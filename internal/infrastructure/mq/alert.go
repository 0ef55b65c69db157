package mq

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"indexcheck/internal/model"
)

// AlertSink publishes compensation failures to a dedicated topic so stuck
// reservations can be found without grepping logs.
type AlertSink struct {
	publisher Publisher
	topic     string
}

func NewAlertSink(publisher Publisher, topic string) *AlertSink {
	return &AlertSink{publisher: publisher, topic: topic}
}

func (s *AlertSink) CompensationFailed(ctx context.Context, projectID, operation string, cause error) {
	alert := model.CompensationAlert{
		ProjectID:  projectID,
		Operation:  operation,
		Cause:      cause.Error(),
		OccurredAt: time.Now(),
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		log.Printf("[AlertSink] marshal alert failed: projectID=%s, err=%v", projectID, err)
		return
	}
	if err := s.publisher.Publish(ctx, s.topic, projectID, payload); err != nil {
		log.Printf("[AlertSink] publish alert failed: projectID=%s, cause=%v, err=%v", projectID, cause, err)
	}
}
