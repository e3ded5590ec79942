package dnscache

import (
	"context"
	"net"
	"time"
)

// defaultAdvertisedTTL stands in for the record TTL, which the stdlib
// resolver does not expose. The cache clamps it to the configured window.
const defaultAdvertisedTTL = 5 * time.Minute

// NetResolver adapts net.Resolver to the Resolver interface.
type NetResolver struct {
	r *net.Resolver
}

func NewNetResolver() *NetResolver {
	return &NetResolver{r: net.DefaultResolver}
}

func (n *NetResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, time.Duration, error) {
	recs, err := n.r.LookupMX(ctx, name)
	if err != nil {
		return nil, 0, err
	}
	if len(recs) == 0 {
		return nil, 0, ErrNoRecords
	}
	return recs, defaultAdvertisedTTL, nil
}

func (n *NetResolver) LookupTXT(ctx context.Context, name string) ([]string, time.Duration, error) {
	recs, err := n.r.LookupTXT(ctx, name)
	if err != nil {
		return nil, 0, err
	}
	return recs, defaultAdvertisedTTL, nil
}

func (n *NetResolver) LookupIP(ctx context.Context, host string) ([]net.IP, time.Duration, error) {
	addrs, err := n.r.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, 0, err
	}
	ips := make([]net.IP, len(addrs))
	for i, a := range addrs {
		ips[i] = a.IP
	}
	if len(ips) == 0 {
		return nil, 0, ErrNoRecords
	}
	return ips, defaultAdvertisedTTL, nil
}
