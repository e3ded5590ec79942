package ratelimit

import (
	"context"
	"sync"
)

// Semaphore caps in-flight deliveries for one tenant. Slots are held
// across the whole SMTP conversation, acquired before any network I/O.
type Semaphore struct {
	slots chan struct{}
}

func newSemaphore(capacity int) *Semaphore {
	if capacity < 1 {
		capacity = 1
	}
	return &Semaphore{slots: make(chan struct{}, capacity)}
}

// Acquire blocks until a slot is free or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes a slot without blocking.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a slot. Extra releases are dropped so a reconcile racing
// a completing delivery cannot drive the count negative.
func (s *Semaphore) Release() {
	select {
	case <-s.slots:
	default:
	}
}

// InFlight reports the number of held slots.
func (s *Semaphore) InFlight() int { return len(s.slots) }

// SemaphoreRegistry hands out one semaphore per tenant, sized from the
// tenant's plan. Counts are process-local; Reconcile trues them up from
// the persisted lease counts after a crash or worker restart.
type SemaphoreRegistry struct {
	mu       sync.Mutex
	byTenant map[string]*Semaphore
	capFor   func(tenantID string) int
}

// NewSemaphoreRegistry creates a registry. capFor resolves a tenant's
// concurrency cap at first use; later plan changes take effect after a
// process restart, which matches how the admission cache behaves.
func NewSemaphoreRegistry(capFor func(tenantID string) int) *SemaphoreRegistry {
	return &SemaphoreRegistry{
		byTenant: make(map[string]*Semaphore),
		capFor:   capFor,
	}
}

// For returns the tenant's semaphore, creating it on first use.
func (r *SemaphoreRegistry) For(tenantID string) *Semaphore {
	r.mu.Lock()
	defer r.mu.Unlock()
	sem, ok := r.byTenant[tenantID]
	if !ok {
		sem = newSemaphore(r.capFor(tenantID))
		r.byTenant[tenantID] = sem
	}
	return sem
}

// Reconcile replaces every tenant's in-flight count with the persisted
// leased-job count. Called on startup and periodically under a
// distributed lock so undercounting after a crash cannot let a tenant
// exceed its cap.
func (r *SemaphoreRegistry) Reconcile(leased map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tenantID, count := range leased {
		sem, ok := r.byTenant[tenantID]
		if !ok {
			sem = newSemaphore(r.capFor(tenantID))
			r.byTenant[tenantID] = sem
		}
		// Drain and refill to the observed count, capped at capacity.
		for len(sem.slots) > 0 {
			<-sem.slots
		}
		for i := 0; i < count && i < cap(sem.slots); i++ {
			sem.slots <- struct{}{}
		}
	}
	// Tenants with no leased jobs go back to empty.
	for tenantID, sem := range r.byTenant {
		if _, ok := leased[tenantID]; !ok {
			for len(sem.slots) > 0 {
				<-sem.slots
			}
		}
	}
}
