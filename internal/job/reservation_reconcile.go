package job

import (
	"context"
	"log"
	"time"

	"indexcheck/internal/config"
)

// Reconciler hands back reservations left behind by failed releases.
type Reconciler interface {
	ReconcileReservations(ctx context.Context, limit int) (int, error)
}

type ReservationReconcileJob struct {
	reconciler Reconciler
	cfg        *config.Config
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewReservationReconcileJob(reconciler Reconciler, cfg *config.Config) *ReservationReconcileJob {
	interval := time.Duration(cfg.Business.ReconcileIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	return &ReservationReconcileJob{
		reconciler: reconciler,
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		interval:   interval,
		batchSize:  50,
	}
}

func (j *ReservationReconcileJob) Start(ctx context.Context) {
	log.Println("[ReservationReconcileJob] reconcile job started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[ReservationReconcileJob] stop signal received, exiting")
			return
		case <-j.stopCh:
			log.Println("[ReservationReconcileJob] stopped")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

func (j *ReservationReconcileJob) Stop() {
	close(j.stopCh)
}

func (j *ReservationReconcileJob) RunOnce(ctx context.Context) {
	count, err := j.reconciler.ReconcileReservations(ctx, j.batchSize)
	if err != nil {
		log.Printf("[ReservationReconcileJob] query stranded reservations failed: %v", err)
		return
	}
	if count > 0 {
		log.Printf("[ReservationReconcileJob] released %d stranded reservations", count)
	}
}
