package job

import (
	"context"
	"log"
	"time"

	"indexcheck/internal/config"
	"indexcheck/internal/infrastructure/metrics"
	"indexcheck/internal/infrastructure/mq"
	"indexcheck/internal/model"
	"indexcheck/internal/repository"

	"gorm.io/gorm"
)

// OutboxSender publishes the check jobs written by project starts.
type OutboxSender struct {
	db         *gorm.DB
	outboxRepo *repository.OutboxRepository
	publisher  mq.Publisher
	cfg        *config.Config
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewOutboxSender(db *gorm.DB, publisher mq.Publisher, cfg *config.Config) *OutboxSender {
	interval := time.Duration(cfg.Business.OutboxIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &OutboxSender{
		db:         db,
		outboxRepo: repository.NewOutboxRepository(db),
		publisher:  publisher,
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		interval:   interval,
		batchSize:  100,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	log.Println("[OutboxSender] outbox sender started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[OutboxSender] stop signal received, exiting")
			return
		case <-s.stopCh:
			log.Println("[OutboxSender] stopped")
			return
		case <-ticker.C:
			s.ProcessPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

// ProcessPendingMessages publishes one batch of pending messages.
func (s *OutboxSender) ProcessPendingMessages(ctx context.Context) {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		log.Printf("[OutboxSender] query pending messages failed: %v", err)
		return
	}

	for _, msg := range messages {
		s.sendMessage(ctx, msg)
	}
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) {
	err := s.publisher.Publish(ctx, msg.Topic, msg.MessageKey, []byte(msg.Payload))

	if err == nil {
		metrics.OutboxMessages.WithLabelValues(metrics.ResultOK).Inc()
		if updateErr := s.outboxRepo.UpdateStatus(ctx, msg.ID, model.OutboxStatusSent); updateErr != nil {
			log.Printf("[OutboxSender] update message status failed: id=%d, err=%v", msg.ID, updateErr)
		} else {
			log.Printf("[OutboxSender] message sent: id=%d, topic=%s, key=%s", msg.ID, msg.Topic, msg.MessageKey)
		}
		return
	}

	metrics.OutboxMessages.WithLabelValues(metrics.ResultError).Inc()
	log.Printf("[OutboxSender] send message failed: id=%d, err=%v", msg.ID, err)

	// MarkAsFailed counts the final attempt itself.
	if msg.RetryCount+1 >= s.cfg.Business.MaxRetryCount {
		if err := s.outboxRepo.MarkAsFailed(ctx, msg.ID); err != nil {
			log.Printf("[OutboxSender] mark message failed: id=%d, err=%v", msg.ID, err)
		} else {
			log.Printf("[OutboxSender] message exceeded max retries, marked failed: id=%d", msg.ID)
		}
		return
	}

	if err := s.outboxRepo.IncrementRetryCount(ctx, msg.ID); err != nil {
		log.Printf("[OutboxSender] increment retry count failed: id=%d, err=%v", msg.ID, err)
	}
}
