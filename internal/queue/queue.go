// Package queue implements the unified delivery queue on PostgreSQL.
// Workers lease jobs rather than popping them: a claim sets worker_id and
// a visibility deadline, and a job only leaves the table on success or
// dead-letter. Claims use FOR UPDATE SKIP LOCKED so concurrent workers
// never block each other.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ultrazend/ultrazend/internal/config"
	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
)

// Queue is the persistent job queue shared by API, SMTP submission, and
// the delivery workers.
type Queue struct {
	db    *sql.DB
	cfg   config.QueueConfig
	clock domain.Clock
	log   *logger.Logger
}

func New(db *sql.DB, cfg config.QueueConfig, clock domain.Clock) *Queue {
	return &Queue{db: db, cfg: cfg, clock: clock, log: logger.Component("queue")}
}

// Enqueue inserts a job outside the acceptance transaction. The
// acceptance path inserts its job inline; this is for re-enqueues after
// partial delivery.
func (q *Queue) Enqueue(ctx context.Context, job *domain.QueueJob) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_jobs (id, tenant_id, message_id, priority, enqueued_at, not_before, attempt_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.TenantID, job.MessageID, job.Priority, job.EnqueuedAt,
		job.NotBefore, job.AttemptCount)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// candidate is a claimable row plus the plan needed for fairness weights.
type candidate struct {
	job  domain.QueueJob
	plan string
}

// Lease claims up to limit ready jobs for workerID. Candidates are locked
// in strict priority order, then weighted round-robin across tenants
// spreads the claim so one backlogged tenant cannot monopolize a batch.
// Jobs whose previous lease expired are claimable again.
func (q *Queue) Lease(ctx context.Context, workerID string, limit int) ([]domain.QueueJob, error) {
	now := q.clock.Now()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin lease: %w", err)
	}
	defer tx.Rollback()

	// Overfetch so the fairness pass has tenants to choose between.
	fetch := limit * 4
	rows, err := tx.QueryContext(ctx, `
		SELECT q.id, q.tenant_id, q.message_id, q.priority, q.enqueued_at,
		       q.not_before, q.attempt_count, t.plan
		FROM queue_jobs q
		JOIN tenants t ON t.id = q.tenant_id
		WHERE NOT q.dead_letter
		  AND (q.not_before IS NULL OR q.not_before <= $1)
		  AND (q.worker_id = '' OR q.visibility_deadline IS NULL OR q.visibility_deadline < $1)
		ORDER BY q.priority DESC, q.enqueued_at
		LIMIT $2
		FOR UPDATE OF q SKIP LOCKED`, now, fetch)
	if err != nil {
		return nil, fmt.Errorf("select claimable: %w", err)
	}

	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.job.ID, &c.job.TenantID, &c.job.MessageID,
			&c.job.Priority, &c.job.EnqueuedAt, &c.job.NotBefore,
			&c.job.AttemptCount, &c.plan); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimable: %w", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimable: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	picked := pickFair(candidates, limit, q.cfg.WeightFor)

	deadline := now.Add(q.cfg.Lease())
	ids := make([]string, len(picked))
	for i, job := range picked {
		ids[i] = job.ID
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE queue_jobs
		SET worker_id = $1, visibility_deadline = $2, attempt_count = attempt_count + 1
		WHERE id = ANY($3)`,
		workerID, deadline, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lease: %w", err)
	}

	for i := range picked {
		picked[i].WorkerID = workerID
		picked[i].VisibilityDeadline = &deadline
		picked[i].AttemptCount++
	}
	return picked, nil
}

// pickFair selects up to limit jobs. Priority classes are served strictly
// high to low; within a class, tenants take turns in proportion to their
// plan weight, each tenant yielding its oldest job first.
func pickFair(candidates []candidate, limit int, weightFor func(plan string) int) []domain.QueueJob {
	type tenantQueue struct {
		jobs   []domain.QueueJob
		weight int
		taken  int
	}

	// Group by priority class, preserving the enqueued_at order the
	// database gave us within each tenant.
	classes := make(map[int]map[string]*tenantQueue)
	var classOrder []int
	for _, c := range candidates {
		byTenant, ok := classes[c.job.Priority]
		if !ok {
			byTenant = make(map[string]*tenantQueue)
			classes[c.job.Priority] = byTenant
			classOrder = append(classOrder, c.job.Priority)
		}
		tq, ok := byTenant[c.job.TenantID]
		if !ok {
			tq = &tenantQueue{weight: weightFor(c.plan)}
			byTenant[c.job.TenantID] = tq
		}
		tq.jobs = append(tq.jobs, c.job)
	}

	// candidates arrive priority DESC, so classOrder is already sorted.
	var out []domain.QueueJob
	for _, class := range classOrder {
		byTenant := classes[class]
		// Stable tenant order: first appearance in the candidate list.
		var tenantOrder []string
		seen := make(map[string]bool)
		for _, c := range candidates {
			if c.job.Priority == class && !seen[c.job.TenantID] {
				seen[c.job.TenantID] = true
				tenantOrder = append(tenantOrder, c.job.TenantID)
			}
		}

		for len(out) < limit {
			progressed := false
			for _, tenantID := range tenantOrder {
				tq := byTenant[tenantID]
				take := tq.weight
				for take > 0 && tq.taken < len(tq.jobs) && len(out) < limit {
					out = append(out, tq.jobs[tq.taken])
					tq.taken++
					take--
					progressed = true
				}
			}
			if !progressed {
				break
			}
		}
		if len(out) >= limit {
			break
		}
	}
	return out
}

// Complete removes a finished job.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM queue_jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	return nil
}

// Retry releases the lease and schedules the next attempt.
func (q *Queue) Retry(ctx context.Context, jobID string, at time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_jobs
		SET worker_id = '', visibility_deadline = NULL, not_before = $2
		WHERE id = $1`, jobID, at)
	if err != nil {
		return fmt.Errorf("retry job %s: %w", jobID, err)
	}
	return nil
}

// DeadLetter parks a job that exhausted its attempts. The row stays for
// operator inspection; the ready-jobs index excludes it.
func (q *Queue) DeadLetter(ctx context.Context, jobID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_jobs SET dead_letter = true, worker_id = '' WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("dead-letter job %s: %w", jobID, err)
	}
	return nil
}

// Depth reports ready and leased counts for monitoring.
func (q *Queue) Depth(ctx context.Context) (ready, leased int, err error) {
	now := q.clock.Now()
	err = q.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE worker_id = '' OR visibility_deadline < $1),
			COUNT(*) FILTER (WHERE worker_id <> '' AND visibility_deadline >= $1)
		FROM queue_jobs WHERE NOT dead_letter`, now).Scan(&ready, &leased)
	if err != nil {
		return 0, 0, fmt.Errorf("queue depth: %w", err)
	}
	return ready, leased, nil
}

// NewJob builds a queue job for a message at the plan's priority class.
func NewJob(tenantID, messageID string, plan domain.Plan, now time.Time) *domain.QueueJob {
	return &domain.QueueJob{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		MessageID:  messageID,
		Priority:   plan.QueuePriority(),
		EnqueuedAt: now,
	}
}
