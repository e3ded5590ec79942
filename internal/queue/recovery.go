package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RecoveryWorker sweeps the queue for jobs whose lease expired without
// completion and parks jobs that exhausted their attempts. Leases expire
// naturally when a worker crashes mid-delivery; the sweep makes the job
// claimable again instead of waiting for the next Lease to notice.
type RecoveryWorker struct {
	queue       *Queue
	maxAttempts int
	interval    time.Duration
}

func NewRecoveryWorker(q *Queue, maxAttempts int, interval time.Duration) *RecoveryWorker {
	return &RecoveryWorker{queue: q, maxAttempts: maxAttempts, interval: interval}
}

// Run sweeps until ctx is done.
func (w *RecoveryWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Sweep(ctx); err != nil {
				w.queue.log.Error("queue recovery sweep failed", "error", err)
			}
		}
	}
}

// Sweep performs one recovery pass: dead-letter exhausted jobs first so a
// requeued job cannot immediately exceed its attempt cap, then release
// expired leases.
func (w *RecoveryWorker) Sweep(ctx context.Context) error {
	now := w.queue.clock.Now()

	parked, err := w.deadLetterExhausted(ctx, now)
	if err != nil {
		return fmt.Errorf("dead-letter exhausted: %w", err)
	}
	released, err := w.releaseExpired(ctx, now)
	if err != nil {
		return fmt.Errorf("release expired: %w", err)
	}
	if parked > 0 || released > 0 {
		w.queue.log.Info("queue recovery sweep",
			"dead_lettered", parked, "leases_released", released)
	}
	return nil
}

func (w *RecoveryWorker) deadLetterExhausted(ctx context.Context, now time.Time) (int64, error) {
	res, err := w.queue.db.ExecContext(ctx, `
		UPDATE queue_jobs
		SET dead_letter = true, worker_id = '', visibility_deadline = NULL
		WHERE NOT dead_letter
		  AND attempt_count >= $1
		  AND (worker_id = '' OR visibility_deadline < $2)`,
		w.maxAttempts, now)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res), nil
}

func (w *RecoveryWorker) releaseExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := w.queue.db.ExecContext(ctx, `
		UPDATE queue_jobs
		SET worker_id = '', visibility_deadline = NULL
		WHERE NOT dead_letter
		  AND worker_id <> ''
		  AND visibility_deadline < $1`, now)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res), nil
}

func rowsAffected(res sql.Result) int64 {
	n, _ := res.RowsAffected()
	return n
}
