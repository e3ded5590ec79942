package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ultrazend/ultrazend/internal/config"
	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
	"github.com/ultrazend/ultrazend/internal/queue"
	"github.com/ultrazend/ultrazend/internal/ratelimit"
)

// MessageStore is the persistence surface the workers need.
type MessageStore interface {
	GetByID(ctx context.Context, id string) (*domain.Message, error)
	Recipients(ctx context.Context, messageID string) ([]domain.Recipient, error)
	UpdateRecipient(ctx context.Context, rc *domain.Recipient) error
	UpdateStatus(ctx context.Context, id string, status domain.MessageStatus) error
}

// DomainStore resolves the sender domain for signing.
type DomainStore interface {
	GetByNameForTenant(ctx context.Context, tenantID, name string) (*domain.SenderDomain, error)
}

// EventSink appends delivery events.
type EventSink interface {
	Insert(ctx context.Context, e *domain.Event) (bool, error)
}

// SuppressionStore records addresses that hard-bounced so later
// submissions short-circuit before any network I/O.
type SuppressionStore interface {
	Suppress(ctx context.Context, e *domain.SuppressionEntry) error
}

// Signer applies the DKIM signature for a sender domain.
type Signer interface {
	Sign(ctx context.Context, senderDomain *domain.SenderDomain, raw []byte) ([]byte, error)
}

// DomainDeliverer hands a rendered message to a recipient domain.
type DomainDeliverer interface {
	DeliverDomain(ctx context.Context, destDomain, from string, rcpts []string, raw []byte) []Outcome
}

// JobQueue is the queue surface the pool drives. Satisfied by
// *queue.Queue.
type JobQueue interface {
	Lease(ctx context.Context, workerID string, limit int) ([]domain.QueueJob, error)
	Complete(ctx context.Context, jobID string) error
	Retry(ctx context.Context, jobID string, at time.Time) error
	DeadLetter(ctx context.Context, jobID string) error
}

var _ JobQueue = (*queue.Queue)(nil)

// Pool runs the delivery workers: lease, render, sign, connect, record,
// reschedule.
type Pool struct {
	workerID     string
	queue        JobQueue
	messages     MessageStore
	domains      DomainStore
	events       EventSink
	suppressions SuppressionStore
	signer       Signer
	builder      *Builder
	deliverer    DomainDeliverer
	semaphores   *ratelimit.SemaphoreRegistry
	cfg          config.DeliveryConfig
	clock        domain.Clock
	log          *logger.Logger
}

func NewPool(workerID string, q JobQueue, messages MessageStore, domains DomainStore,
	events EventSink, suppressions SuppressionStore, signer Signer, builder *Builder,
	deliverer DomainDeliverer, semaphores *ratelimit.SemaphoreRegistry,
	cfg config.DeliveryConfig, clock domain.Clock) *Pool {
	return &Pool{
		workerID:     workerID,
		queue:        q,
		messages:     messages,
		domains:      domains,
		events:       events,
		suppressions: suppressions,
		signer:       signer,
		builder:      builder,
		deliverer:    deliverer,
		semaphores:   semaphores,
		cfg:          cfg,
		clock:        clock,
		log:          logger.Component("delivery-pool"),
	}
}

// Run starts cfg.Workers goroutines and blocks until ctx is done and all
// in-flight jobs finished or the grace period expired.
func (p *Pool) Run(ctx context.Context, pollInterval time.Duration) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.loop(ctx, fmt.Sprintf("%s-%d", p.workerID, n), pollInterval)
		}(i)
	}

	<-ctx.Done()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(p.cfg.Grace()):
		p.log.Warn("grace period expired with deliveries in flight")
	}
}

func (p *Pool) loop(ctx context.Context, workerID string, pollInterval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobs, err := p.queue.Lease(ctx, workerID, 10)
		if err != nil {
			p.log.Error("lease failed", "worker", workerID, "error", err)
		}
		if len(jobs) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}

		for i := range jobs {
			p.ProcessJob(ctx, &jobs[i])
		}
	}
}

// ProcessJob runs one delivery attempt for every due recipient of the
// job's message, then completes, reschedules, or dead-letters the job.
func (p *Pool) ProcessJob(ctx context.Context, job *domain.QueueJob) {
	msg, err := p.messages.GetByID(ctx, job.MessageID)
	if errors.Is(err, domain.ErrNotFound) {
		p.queue.Complete(ctx, job.ID)
		return
	}
	if err != nil {
		p.log.Error("load message failed", "message_id", job.MessageID, "error", err)
		return
	}

	recipients, err := p.messages.Recipients(ctx, msg.ID)
	if err != nil {
		p.log.Error("load recipients failed", "message_id", msg.ID, "error", err)
		return
	}

	senderDomain, err := p.domains.GetByNameForTenant(ctx, msg.TenantID, domain.AddressDomain(msg.FromAddress))
	if err != nil {
		p.log.Error("load sender domain failed", "message_id", msg.ID, "error", err)
		p.failJobAttempt(ctx, job)
		return
	}

	sem := p.semaphores.For(job.TenantID)
	if err := sem.Acquire(ctx); err != nil {
		// Shutdown while waiting for a slot; the lease will expire and
		// another worker picks the job up.
		return
	}
	defer sem.Release()

	now := p.clock.Now()
	for i := range recipients {
		rc := &recipients[i]
		if rc.State != domain.RecipientPending {
			continue
		}
		if rc.NextAttemptAt != nil && rc.NextAttemptAt.After(now) {
			continue
		}
		p.attemptRecipient(ctx, msg, senderDomain, rc)
	}

	p.finishJob(ctx, job, msg, recipients)
}

func (p *Pool) attemptRecipient(ctx context.Context, msg *domain.Message, senderDomain *domain.SenderDomain, rc *domain.Recipient) {
	rc.Attempts++

	raw, err := p.builder.Build(msg, rc)
	if err == nil {
		raw, err = p.signer.Sign(ctx, senderDomain, raw)
	}
	if err != nil {
		// Rendering and signing problems are our side; retry later.
		p.recordFailure(ctx, msg, rc, err, domain.ClassTransient, 0)
		return
	}

	outcomes := p.deliverer.DeliverDomain(ctx, rc.Domain, msg.FromAddress, []string{rc.Address}, raw)
	o := outcomes[0]
	if o.Err == nil {
		p.recordDelivered(ctx, msg, rc)
		return
	}
	p.recordFailure(ctx, msg, rc, o.Err, o.Classification, o.Code)
}

func (p *Pool) recordDelivered(ctx context.Context, msg *domain.Message, rc *domain.Recipient) {
	rc.State = domain.RecipientDelivered
	rc.NextAttemptAt = nil
	rc.LastError = ""
	if err := p.messages.UpdateRecipient(ctx, rc); err != nil {
		p.log.Error("persist delivery failed", "recipient_id", rc.ID, "error", err)
	}
	p.appendEvent(ctx, msg.ID, domain.EventDelivered, rc.Address, map[string]any{
		"recipient": rc.Address,
		"attempts":  rc.Attempts,
	})
	p.log.Info("delivered", "message_id", msg.ID, "recipient", rc.Address, "attempts", rc.Attempts)
}

func (p *Pool) recordFailure(ctx context.Context, msg *domain.Message, rc *domain.Recipient, cause error, class domain.Classification, code int) {
	rc.LastError = cause.Error()
	rc.Classification = class

	exhausted := rc.Attempts >= p.cfg.MaxAttempts
	if class == domain.ClassPermanent || exhausted {
		rc.State = domain.RecipientPermanentFailure
		rc.Classification = domain.ClassPermanent
		rc.NextAttemptAt = nil
		if class == domain.ClassPermanent {
			// A 5xx reply means the mailbox rejected us outright, so the
			// address goes on the suppression list. Exhausted transient
			// failures stay off it; the mailbox may recover.
			if err := p.suppressions.Suppress(ctx, &domain.SuppressionEntry{
				ID:       uuid.NewString(),
				TenantID: msg.TenantID,
				Address:  rc.Address,
				Reason:   domain.ReasonBounce,
			}); err != nil {
				p.log.Error("suppress bounced address failed", "recipient", rc.Address, "error", err)
			}
		}
		p.appendEvent(ctx, msg.ID, domain.EventBounced, rc.Address, map[string]any{
			"recipient": rc.Address,
			"code":      code,
			"error":     cause.Error(),
			"attempts":  rc.Attempts,
		})
		p.log.Warn("permanent failure", "message_id", msg.ID, "recipient", rc.Address,
			"code", code, "attempts", rc.Attempts)
	} else {
		next := p.clock.Now().Add(backoff(rc.Attempts, p.cfg.BaseBackoff(), p.cfg.MaxBackoff()))
		rc.NextAttemptAt = &next
		p.log.Info("transient failure, will retry", "message_id", msg.ID,
			"recipient", rc.Address, "attempts", rc.Attempts, "next_attempt", next)
	}
	if err := p.messages.UpdateRecipient(ctx, rc); err != nil {
		p.log.Error("persist failure failed", "recipient_id", rc.ID, "error", err)
	}
}

// failJobAttempt marks a whole-job infrastructure failure (for example
// the sender domain row vanished) without touching recipient state.
func (p *Pool) failJobAttempt(ctx context.Context, job *domain.QueueJob) {
	if job.AttemptCount >= p.cfg.MaxAttempts {
		p.queue.DeadLetter(ctx, job.ID)
		return
	}
	p.queue.Retry(ctx, job.ID, p.clock.Now().Add(backoff(job.AttemptCount, p.cfg.BaseBackoff(), p.cfg.MaxBackoff())))
}

func (p *Pool) finishJob(ctx context.Context, job *domain.QueueJob, msg *domain.Message, recipients []domain.Recipient) {
	status := domain.MessageStatusFor(recipients)
	if err := p.messages.UpdateStatus(ctx, msg.ID, status); err != nil {
		p.log.Error("persist message status failed", "message_id", msg.ID, "error", err)
	}

	var earliest *time.Time
	for i := range recipients {
		rc := &recipients[i]
		if rc.State != domain.RecipientPending {
			continue
		}
		if rc.NextAttemptAt == nil {
			now := p.clock.Now()
			earliest = &now
			break
		}
		if earliest == nil || rc.NextAttemptAt.Before(*earliest) {
			earliest = rc.NextAttemptAt
		}
	}

	switch {
	case earliest == nil:
		p.queue.Complete(ctx, job.ID)
	case job.AttemptCount >= p.cfg.MaxAttempts:
		p.queue.DeadLetter(ctx, job.ID)
		p.log.Warn("job dead-lettered", "job_id", job.ID, "message_id", msg.ID,
			"attempts", job.AttemptCount)
	default:
		if err := p.queue.Retry(ctx, job.ID, *earliest); err != nil {
			p.log.Error("reschedule failed", "job_id", job.ID, "error", err)
		}
	}
}

func (p *Pool) appendEvent(ctx context.Context, messageID string, typ domain.EventType, source string, payload map[string]any) {
	body, _ := json.Marshal(payload)
	if _, err := p.events.Insert(ctx, &domain.Event{
		ID:          uuid.NewString(),
		MessageID:   messageID,
		Type:        typ,
		Timestamp:   p.clock.Now(),
		Payload:     body,
		Fingerprint: domain.EventFingerprint(messageID, typ, source),
	}); err != nil {
		p.log.Error("append event failed", "message_id", messageID, "type", typ, "error", err)
	}
}
