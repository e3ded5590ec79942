// Package dnscache caches MX, TXT, and address lookups with TTL clamping
// and negative caching. Concurrent lookups for the same name collapse into
// one in-flight query via singleflight, so a burst of deliveries to a new
// domain costs one resolver round trip.
package dnscache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ultrazend/ultrazend/internal/config"
	"github.com/ultrazend/ultrazend/internal/domain"
)

// ErrNoRecords marks a name that resolved successfully but has no records
// of the requested type. Cached negatively like NXDOMAIN.
var ErrNoRecords = errors.New("no records")

// Resolver is the lookup surface the cache wraps. Implementations return
// the record set and the TTL the authority advertised; the cache clamps it.
type Resolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, time.Duration, error)
	LookupTXT(ctx context.Context, name string) ([]string, time.Duration, error)
	LookupIP(ctx context.Context, host string) ([]net.IP, time.Duration, error)
}

type entry struct {
	value     any
	err       error
	expiresAt time.Time
}

// Cache is a read-through DNS cache.
type Cache struct {
	resolver Resolver
	cfg      config.DNSConfig
	clock    domain.Clock

	mu      sync.RWMutex
	entries map[string]entry
	group   singleflight.Group
}

func New(resolver Resolver, cfg config.DNSConfig, clock domain.Clock) *Cache {
	return &Cache{
		resolver: resolver,
		cfg:      cfg,
		clock:    clock,
		entries:  make(map[string]entry),
	}
}

// MX returns the MX records for a domain, lowest preference first.
func (c *Cache) MX(ctx context.Context, name string) ([]*net.MX, error) {
	v, err := c.lookup(ctx, "mx:"+name, func(ctx context.Context) (any, time.Duration, error) {
		recs, ttl, err := c.resolver.LookupMX(ctx, name)
		return recs, ttl, err
	})
	if err != nil {
		return nil, err
	}
	return v.([]*net.MX), nil
}

// TXT returns the TXT records for a name.
func (c *Cache) TXT(ctx context.Context, name string) ([]string, error) {
	v, err := c.lookup(ctx, "txt:"+name, func(ctx context.Context) (any, time.Duration, error) {
		recs, ttl, err := c.resolver.LookupTXT(ctx, name)
		return recs, ttl, err
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// IPs returns the A/AAAA addresses for a host.
func (c *Cache) IPs(ctx context.Context, host string) ([]net.IP, error) {
	v, err := c.lookup(ctx, "ip:"+host, func(ctx context.Context) (any, time.Duration, error) {
		ips, ttl, err := c.resolver.LookupIP(ctx, host)
		return ips, ttl, err
	})
	if err != nil {
		return nil, err
	}
	return v.([]net.IP), nil
}

func (c *Cache) lookup(ctx context.Context, key string, fn func(ctx context.Context) (any, time.Duration, error)) (any, error) {
	now := c.clock.Now()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && now.Before(e.expiresAt) {
		return e.value, e.err
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the flight: a concurrent caller may have filled
		// the entry between our read and Do.
		c.mu.RLock()
		e, ok := c.entries[key]
		c.mu.RUnlock()
		if ok && c.clock.Now().Before(e.expiresAt) {
			if e.err != nil {
				return nil, e.err
			}
			return e.value, nil
		}

		lookupCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout())
		defer cancel()

		value, ttl, err := fn(lookupCtx)
		switch {
		case err == nil:
			c.store(key, value, nil, c.clampTTL(ttl))
			return value, nil
		case isNegative(err):
			negErr := fmt.Errorf("%w: %s", ErrNoRecords, key)
			c.store(key, nil, negErr, c.cfg.NegativeTTL())
			return nil, negErr
		default:
			// Transient resolver failures are not cached; the next call
			// retries immediately.
			return nil, fmt.Errorf("dns lookup %s: %w", key, err)
		}
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (c *Cache) store(key string, value any, err error, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = entry{value: value, err: err, expiresAt: c.clock.Now().Add(ttl)}
	c.mu.Unlock()
}

// clampTTL bounds an advertised TTL to the configured window so a
// malicious zero-TTL record cannot stampede the resolver and a week-long
// TTL cannot pin a stale MX.
func (c *Cache) clampTTL(ttl time.Duration) time.Duration {
	if min := c.cfg.MinTTL(); ttl < min {
		return min
	}
	if max := c.cfg.MaxTTL(); ttl > max {
		return max
	}
	return ttl
}

func isNegative(err error) bool {
	if errors.Is(err, ErrNoRecords) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

// Purge drops every cached entry. Test and operator use.
func (c *Cache) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}
