// Package edgedns manages the platform-owned alias records that point a
// domain's internal alias at the edge.
package edgedns

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/jmerrifield20/cloakgate/internal/cfapi"
)

const zoneTTL = time.Hour

// Records creates and removes alias records.
type Records interface {
	EnsureAlias(ctx context.Context, alias, target string) error
	DeleteAlias(ctx context.Context, alias string) error
}

// Noop is used when no alias zone is configured.
type Noop struct{}

func (Noop) EnsureAlias(context.Context, string, string) error { return nil }
func (Noop) DeleteAlias(context.Context, string) error         { return nil }

// ZoneCache maps an apex domain to its Cloudflare zone id.
type ZoneCache struct {
	c   *ristretto.Cache[string, string]
	ttl time.Duration
}

// NewZoneCache creates a ZoneCache whose entries expire after ttl.
func NewZoneCache(ttl time.Duration) (*ZoneCache, error) {
	if ttl <= 0 {
		ttl = zoneTTL
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &ZoneCache{c: c, ttl: ttl}, nil
}

func (z *ZoneCache) get(apex string) (string, bool) { return z.c.Get(apex) }

func (z *ZoneCache) set(apex, id string) { z.c.SetWithTTL(apex, id, 1, z.ttl) }

// Invalidate forgets the zone id for apex, e.g. after the zone was moved.
func (z *ZoneCache) Invalidate(apex string) { z.c.Del(apex) }

// Wait blocks until buffered writes are visible.
func (z *ZoneCache) Wait() { z.c.Wait() }

// Close releases the cache.
func (z *ZoneCache) Close() { z.c.Close() }

// CloudflareRecords manages alias CNAMEs in Cloudflare DNS.
type CloudflareRecords struct {
	api    *cfapi.Client
	zones  *ZoneCache
	logger *zap.Logger
}

// NewCloudflareRecords creates a CloudflareRecords.
func NewCloudflareRecords(api *cfapi.Client, zones *ZoneCache, logger *zap.Logger) *CloudflareRecords {
	return &CloudflareRecords{api: api, zones: zones, logger: logger}
}

// EnsureAlias points alias at target with an unproxied CNAME, creating or
// updating the record as needed.
func (r *CloudflareRecords) EnsureAlias(ctx context.Context, alias, target string) error {
	zoneID, err := r.zoneFor(ctx, alias)
	if err != nil {
		return err
	}
	want := cfapi.DNSRecord{Type: "CNAME", Name: alias, Content: target, TTL: 120}

	existing, err := r.api.FindDNSRecord(ctx, zoneID, alias, "CNAME")
	if err != nil {
		return fmt.Errorf("find alias record: %w", err)
	}
	switch {
	case existing == nil:
		_, err = r.api.CreateDNSRecord(ctx, zoneID, want)
	case !strings.EqualFold(existing.Content, target):
		_, err = r.api.UpdateDNSRecord(ctx, zoneID, existing.ID, want)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("write alias record: %w", err)
	}
	r.logger.Info("edgedns: alias record written", zap.String("alias", alias), zap.String("target", target))
	return nil
}

// DeleteAlias removes the alias CNAME. A missing record is not an error.
func (r *CloudflareRecords) DeleteAlias(ctx context.Context, alias string) error {
	zoneID, err := r.zoneFor(ctx, alias)
	if err != nil {
		return err
	}
	existing, err := r.api.FindDNSRecord(ctx, zoneID, alias, "CNAME")
	if err != nil {
		return fmt.Errorf("find alias record: %w", err)
	}
	if existing == nil {
		return nil
	}
	if err := r.api.DeleteDNSRecord(ctx, zoneID, existing.ID); err != nil {
		return fmt.Errorf("delete alias record: %w", err)
	}
	return nil
}

func (r *CloudflareRecords) zoneFor(ctx context.Context, name string) (string, error) {
	apex, err := publicsuffix.EffectiveTLDPlusOne(name)
	if err != nil {
		return "", fmt.Errorf("apex of %q: %w", name, err)
	}
	if id, ok := r.zones.get(apex); ok {
		return id, nil
	}
	id, err := r.api.ZoneIDByName(ctx, apex)
	if err != nil {
		return "", fmt.Errorf("lookup zone %q: %w", apex, err)
	}
	if id == "" {
		return "", fmt.Errorf("no active zone for %q", apex)
	}
	r.zones.set(apex, id)
	return id, nil
}
