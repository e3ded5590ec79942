// Package verifier polls DNS for the SPF, DKIM, and DMARC records of
// registered sender domains and persists the resulting verification state.
// Sweeps run in small batches with pauses between them so a large tenant
// base does not hammer the resolver, and a single instance runs cluster
// wide under a distributed lock.
package verifier

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ultrazend/ultrazend/internal/config"
	"github.com/ultrazend/ultrazend/internal/dkim"
	"github.com/ultrazend/ultrazend/internal/dnscache"
	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/pkg/distlock"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
)

// DomainStore is the persistence surface for sweeps.
type DomainStore interface {
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]domain.SenderDomain, error)
	UpdateVerification(ctx context.Context, id string, spf, dkimStatus, dmarc domain.RecordStatus, checkedAt time.Time) error
}

// KeyStore resolves the active DKIM key whose published record we expect.
type KeyStore interface {
	ActiveKey(ctx context.Context, domainID string) (*domain.DkimKey, error)
}

// TXTLookup is the slice of dnscache the verifier needs.
type TXTLookup interface {
	TXT(ctx context.Context, name string) ([]string, error)
}

// Verifier runs verification sweeps.
type Verifier struct {
	store DomainStore
	keys  KeyStore
	dns   TXTLookup
	lock  distlock.DistLock
	cfg   config.VerifierConfig
	clock domain.Clock
	log   *logger.Logger
}

func New(store DomainStore, keys KeyStore, dns TXTLookup, lock distlock.DistLock, cfg config.VerifierConfig, clock domain.Clock) *Verifier {
	return &Verifier{
		store: store,
		keys:  keys,
		dns:   dns,
		lock:  lock,
		cfg:   cfg,
		clock: clock,
		log:   logger.Component("verifier"),
	}
}

// Run sweeps on the configured interval until ctx is done.
func (v *Verifier) Run(ctx context.Context) {
	ticker := time.NewTicker(v.cfg.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := v.Sweep(ctx); err != nil {
				v.log.Error("verification sweep failed", "error", err)
			}
		}
	}
}

// Sweep verifies every domain whose last check predates the interval.
// The distributed lock ensures one sweep cluster-wide; losing the race is
// not an error. If the failure rate of a batch crosses the configured
// threshold the sweep stops early: mass failures usually mean our
// resolver or network is broken, not that every tenant deleted their
// records at once.
func (v *Verifier) Sweep(ctx context.Context) error {
	acquired, err := v.lock.Acquire(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer v.lock.Release(ctx)

	cutoff := v.clock.Now().Add(-v.cfg.Interval())
	for {
		batch, err := v.store.ListStale(ctx, cutoff, v.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		failures := 0
		for i := range batch {
			d := &batch[i]
			result := v.checkDomain(ctx, d)
			if result.failed() {
				failures++
			}
			if err := v.store.UpdateVerification(ctx, d.ID,
				result.spf, result.dkim, result.dmarc, v.clock.Now()); err != nil {
				v.log.Error("persist verification failed", "domain", d.Name, "error", err)
			}
		}

		rate := float64(failures) / float64(len(batch))
		if rate >= v.cfg.FailureRateThreshold {
			v.log.Error("verification failure rate above threshold, pausing sweep",
				"failure_rate", rate, "batch_size", len(batch))
			return nil
		}
		if len(batch) < v.cfg.BatchSize {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(v.cfg.BatchPause()):
		}
	}
}

type checkResult struct {
	spf, dkim, dmarc domain.RecordStatus
}

// failed marks a domain where nothing verified and the base records are
// definitively absent. These feed the batch failure rate.
func (r checkResult) failed() bool {
	return r.spf == domain.RecordFailed && r.dmarc == domain.RecordFailed && r.dkim != domain.RecordVerified
}

func (v *Verifier) checkDomain(ctx context.Context, d *domain.SenderDomain) checkResult {
	return checkResult{
		spf:   v.checkSPF(ctx, d.Name),
		dkim:  v.checkDKIM(ctx, d),
		dmarc: v.checkDMARC(ctx, d.Name),
	}
}

// checkSPF requires a v=spf1 record that authorizes the platform via the
// configured include mechanism.
func (v *Verifier) checkSPF(ctx context.Context, name string) domain.RecordStatus {
	records, err := v.dns.TXT(ctx, name)
	if err != nil {
		return statusForLookupError(err)
	}
	for _, r := range records {
		if !strings.HasPrefix(r, "v=spf1") {
			continue
		}
		if strings.Contains(r, "include:"+v.cfg.SPFInclude) {
			return domain.RecordVerified
		}
		// An SPF record exists but does not authorize us.
		return domain.RecordFailed
	}
	return domain.RecordFailed
}

// checkDKIM requires the active key's public half at
// <selector>._domainkey.<domain>.
func (v *Verifier) checkDKIM(ctx context.Context, d *domain.SenderDomain) domain.RecordStatus {
	key, err := v.keys.ActiveKey(ctx, d.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.RecordUnknown
	}
	if err != nil {
		return domain.RecordUnknown
	}

	name := key.Selector + "._domainkey." + d.Name
	records, err := v.dns.TXT(ctx, name)
	if err != nil {
		return statusForLookupError(err)
	}
	for _, r := range records {
		if strings.Contains(r, "p="+key.PublicKey) {
			return domain.RecordVerified
		}
	}
	return domain.RecordFailed
}

// checkDMARC looks for any v=DMARC1 policy at _dmarc.<domain>. The policy
// content is advisory; its presence is what we report.
func (v *Verifier) checkDMARC(ctx context.Context, name string) domain.RecordStatus {
	records, err := v.dns.TXT(ctx, "_dmarc."+name)
	if err != nil {
		return statusForLookupError(err)
	}
	for _, r := range records {
		if strings.HasPrefix(r, "v=DMARC1") {
			return domain.RecordVerified
		}
	}
	return domain.RecordFailed
}

// statusForLookupError maps DNS outcomes to record state: a definitive
// "no records" is a failure, a resolver problem leaves the state unknown
// rather than flapping verified domains to failed.
func statusForLookupError(err error) domain.RecordStatus {
	if errors.Is(err, dnscache.ErrNoRecords) {
		return domain.RecordFailed
	}
	return domain.RecordUnknown
}

var _ KeyStore = (*dkim.Keystore)(nil)
