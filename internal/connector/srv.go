package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

const (
	defaultPort = 5222
	srvService  = "xmpp-client"
)

// Resolver is the subset of *net.Resolver used for SRV lookups.
type Resolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
}

// SRVCache resolves a domain to its ordered client endpoints and
// remembers the answer for a while. One cache is shared by every client.
type SRVCache struct {
	resolver Resolver
	ttl      time.Duration
	cache    *ristretto.Cache[string, []string]
}

// NewSRVCache creates a cache. A nil resolver uses net.DefaultResolver.
func NewSRVCache(resolver Resolver, ttl time.Duration) (*SRVCache, error) {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, []string]{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("srv cache: %w", err)
	}
	return &SRVCache{resolver: resolver, ttl: ttl, cache: cache}, nil
}

// Lookup returns host:port candidates for domain in priority order. A
// domain without SRV records falls back to domain:5222; that fallback is
// not cached so a record published later is picked up.
func (c *SRVCache) Lookup(ctx context.Context, domain string) ([]string, error) {
	if addrs, ok := c.cache.Get(domain); ok {
		return addrs, nil
	}

	_, records, err := c.resolver.LookupSRV(ctx, srvService, "tcp", domain)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && (dnsErr.IsNotFound || dnsErr.IsTemporary) {
			return []string{net.JoinHostPort(domain, strconv.Itoa(defaultPort))}, nil
		}
		return nil, fmt.Errorf("srv lookup %s: %w", domain, err)
	}

	addrs := make([]string, 0, len(records))
	for _, r := range records {
		// "." target means the service is explicitly not offered.
		if r.Target == "." {
			continue
		}
		addrs = append(addrs, net.JoinHostPort(trimDot(r.Target), strconv.Itoa(int(r.Port))))
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("srv lookup %s: service not offered", domain)
	}

	c.cache.SetWithTTL(domain, addrs, 1, c.ttl)
	c.cache.Wait()
	return addrs, nil
}

// Close releases the cache.
func (c *SRVCache) Close() {
	c.cache.Close()
}

func trimDot(s string) string {
	if len(s) > 0 && s[len(s)-1] == '.' {
		return s[:len(s)-1]
	}
	return s
}
