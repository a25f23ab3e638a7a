package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/jmerrifield20/cloakgate/internal/domain/model"
)

const (
	defaultPositiveTTL = 30 * time.Second
	defaultNegativeTTL = 5 * time.Second
)

// HostFinder is the lookup the edge hot path depends on.
// *DomainRepository satisfies this interface.
type HostFinder interface {
	FindByHostname(ctx context.Context, host string) (*model.Domain, error)
}

type cacheEntry struct {
	domain *model.Domain // nil records a confirmed miss
}

// HostCache fronts a HostFinder with an in-process ristretto cache so that
// repeated edge lookups for the same host are served from memory. Misses
// are cached for a shorter TTL than hits.
//
// A lookup that overlaps an Invalidate does not fill the cache, so a
// record read before a tenant write cannot outlive the write.
type HostCache struct {
	next        HostFinder
	c           *ristretto.Cache[string, cacheEntry]
	positiveTTL time.Duration
	negativeTTL time.Duration

	mu    sync.Mutex // orders fills against invalidations
	epoch uint64
}

// NewHostCache wraps next with a cache holding up to maxEntries hosts.
func NewHostCache(next HostFinder, maxEntries int64) (*HostCache, error) {
	if maxEntries <= 0 {
		maxEntries = 100_000
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, cacheEntry]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &HostCache{
		next:        next,
		c:           c,
		positiveTTL: defaultPositiveTTL,
		negativeTTL: defaultNegativeTTL,
	}, nil
}

// SetTTLs overrides the hit and miss TTLs.
func (h *HostCache) SetTTLs(positive, negative time.Duration) {
	h.positiveTTL = positive
	h.negativeTTL = negative
}

// FindByHostname returns a copy of the cached domain, falling back to the
// wrapped finder. Lookup errors other than ErrNotFound are not cached.
func (h *HostCache) FindByHostname(ctx context.Context, host string) (*model.Domain, error) {
	if e, ok := h.c.Get(host); ok {
		if e.domain == nil {
			return nil, ErrNotFound
		}
		return e.domain.Clone(), nil
	}

	h.mu.Lock()
	start := h.epoch
	h.mu.Unlock()

	d, err := h.next.FindByHostname(ctx, host)
	switch {
	case errors.Is(err, ErrNotFound):
		h.fill(start, host, cacheEntry{}, h.negativeTTL)
		return nil, err
	case err != nil:
		return nil, err
	}
	h.fill(start, host, cacheEntry{domain: d.Clone()}, h.positiveTTL)
	return d, nil
}

// fill caches e unless an invalidation ran since the lookup began.
func (h *HostCache) fill(start uint64, host string, e cacheEntry, ttl time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.epoch != start {
		return
	}
	h.c.SetWithTTL(host, e, 1, ttl)
}

// Invalidate drops every given host from the cache. Empty names are ignored.
func (h *HostCache) Invalidate(hosts ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.epoch++
	for _, host := range hosts {
		if host != "" {
			h.c.Del(host)
		}
	}
}

// Wait blocks until buffered writes have been applied.
func (h *HostCache) Wait() { h.c.Wait() }

// Close releases the cache's goroutines.
func (h *HostCache) Close() { h.c.Close() }
