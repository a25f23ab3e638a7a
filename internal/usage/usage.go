// Package usage reports a tenant's plan consumption for the resolve endpoint.
package usage

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jmerrifield20/cloakgate/internal/domain/model"
)

// Lookup returns the current plan usage for an owner.
type Lookup interface {
	Lookup(ctx context.Context, ownerID string) (*model.PlanUsage, error)
}

// HitCounter counts recorded hits. *PostgresHits satisfies this interface.
type HitCounter interface {
	CountHitsSince(ctx context.Context, ownerID string, since time.Time) (int64, error)
}

// ActiveCounter counts ACTIVE domains. *repository.DomainRepository
// satisfies this interface.
type ActiveCounter interface {
	CountActiveByOwner(ctx context.Context, ownerID string) (int, error)
}

// Limits are the plan ceilings reported next to usage. Zero means unlimited.
type Limits struct {
	MonthlyClicks int64
	ActiveDomains int
}

// Tracker combines hit and domain counts with the configured limits.
type Tracker struct {
	hits   HitCounter
	active ActiveCounter
	limits Limits
	now    func() time.Time
}

// NewTracker creates a Tracker.
func NewTracker(hits HitCounter, active ActiveCounter, limits Limits) *Tracker {
	return &Tracker{hits: hits, active: active, limits: limits, now: time.Now}
}

// Lookup implements Lookup. Clicks are counted from the start of the
// current UTC calendar month.
func (t *Tracker) Lookup(ctx context.Context, ownerID string) (*model.PlanUsage, error) {
	var (
		clicks int64
		active int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := t.hits.CountHitsSince(gctx, ownerID, MonthStart(t.now()))
		if err != nil {
			return fmt.Errorf("count hits: %w", err)
		}
		clicks = n
		return nil
	})
	g.Go(func() error {
		n, err := t.active.CountActiveByOwner(gctx, ownerID)
		if err != nil {
			return fmt.Errorf("count active domains: %w", err)
		}
		active = n
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &model.PlanUsage{
		MonthlyClicksUsed:  clicks,
		MonthlyClicksLimit: t.limits.MonthlyClicks,
		ActiveDomainsUsed:  active,
		ActiveDomainsLimit: t.limits.ActiveDomains,
	}, nil
}

// MonthStart returns midnight UTC on the first day of t's month.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
