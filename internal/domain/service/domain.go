// Package service implements the domain directory operations exposed to
// tenants and to the edge.
package service

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/cloakgate/internal/domain/model"
	"github.com/jmerrifield20/cloakgate/internal/domain/repository"
	"github.com/jmerrifield20/cloakgate/internal/hostname"
)

var (
	// ErrNotFound is returned when a domain does not exist or belongs to
	// another tenant.
	ErrNotFound = errors.New("domain not found")

	// ErrConflict is returned when the hostname is already claimed.
	ErrConflict = errors.New("hostname already claimed")

	// ErrInvalidHostname is returned for empty or malformed hostnames.
	ErrInvalidHostname = errors.New("invalid hostname")

	// ErrInvalidDestination is returned when a destination cannot be used as
	// a redirect target.
	ErrInvalidDestination = errors.New("invalid destination url")

	// ErrInvalidRule is returned when the user-agent pattern does not compile.
	ErrInvalidRule = errors.New("invalid user-agent pattern")
)

// domainRepo is the persistence interface for the domain service.
// *repository.DomainRepository satisfies this interface.
type domainRepo interface {
	Create(ctx context.Context, d *model.Domain) error
	GetByOwner(ctx context.Context, ownerID string, id uuid.UUID) (*model.Domain, error)
	FindByHostname(ctx context.Context, host string) (*model.Domain, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*model.Domain, error)
	CountActiveByOwner(ctx context.Context, ownerID string) (int, error)
	Update(ctx context.Context, d *model.Domain) error
	ResetFailedCertificate(ctx context.Context, id uuid.UUID) (bool, error)
	Delete(ctx context.Context, ownerID string, id uuid.UUID) error
}

// Reconciler runs one reconciliation pass. *reconcile.Engine satisfies this.
type Reconciler interface {
	Reconcile(ctx context.Context, d *model.Domain) *model.StatusReport
}

// HostCache serves hot-path lookups and is invalidated on tenant writes.
// *repository.HostCache satisfies this interface.
type HostCache interface {
	FindByHostname(ctx context.Context, host string) (*model.Domain, error)
	Invalidate(hosts ...string)
}

// CertReleaser removes provider-side certificate objects. Every
// certs.Provisioner satisfies this interface.
type CertReleaser interface {
	Release(ctx context.Context, hostname, ref string) error
}

// TokenCleaner drops stored HTTP-01 bodies. *acme.RedisStore satisfies this.
type TokenCleaner interface {
	DeleteByRef(ctx context.Context, ref string) error
}

// AliasRecords manages platform alias DNS. edgedns.Records satisfies this.
type AliasRecords interface {
	EnsureAlias(ctx context.Context, alias, target string) error
	DeleteAlias(ctx context.Context, alias string) error
}

// UsageLookup reports plan usage. *usage.Tracker satisfies this interface.
type UsageLookup interface {
	Lookup(ctx context.Context, ownerID string) (*model.PlanUsage, error)
}

// Config holds the platform-side naming used when domains are created.
type Config struct {
	// EdgeTarget is the edge hostname aliases and customer CNAMEs point at.
	EdgeTarget string
	// AliasZone, when set, gives every domain an alias "<id>.<zone>" which
	// becomes the customer's CNAME target.
	AliasZone string
	// CleanupTimeout bounds each best-effort external call on delete.
	CleanupTimeout time.Duration
	// UsageTimeout bounds the plan usage lookup during resolve.
	UsageTimeout time.Duration
}

// DomainService contains business logic for customer domain management.
type DomainService struct {
	repo       domainRepo
	reconciler Reconciler
	cache      HostCache    // nil = lookups go straight to repo
	releaser   CertReleaser // nil = no provider cleanup
	tokens     TokenCleaner // nil = no token cleanup
	aliases    AliasRecords // nil = no alias records
	usage      UsageLookup  // nil = resolve omits plan usage
	cfg        Config
	logger     *zap.Logger
}

// NewDomainService creates a new DomainService.
func NewDomainService(repo domainRepo, reconciler Reconciler, cfg Config, logger *zap.Logger) *DomainService {
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 10 * time.Second
	}
	if cfg.UsageTimeout <= 0 {
		cfg.UsageTimeout = 2 * time.Second
	}
	cfg.EdgeTarget = hostname.Trim(cfg.EdgeTarget)
	cfg.AliasZone = hostname.Trim(cfg.AliasZone)
	return &DomainService{
		repo:       repo,
		reconciler: reconciler,
		cfg:        cfg,
		logger:     logger,
	}
}

// SetHostCache configures the hot-path cache used by Resolve.
func (s *DomainService) SetHostCache(c HostCache) { s.cache = c }

// SetCertReleaser configures provider cleanup on delete and hostname change.
func (s *DomainService) SetCertReleaser(r CertReleaser) { s.releaser = r }

// SetTokenCleaner configures ACME token cleanup.
func (s *DomainService) SetTokenCleaner(t TokenCleaner) { s.tokens = t }

// SetAliasRecords configures alias DNS management.
func (s *DomainService) SetAliasRecords(a AliasRecords) { s.aliases = a }

// SetUsageLookup configures the plan usage lookup for Resolve.
func (s *DomainService) SetUsageLookup(u UsageLookup) { s.usage = u }

// Create attaches a hostname for ownerID and runs one reconciliation pass
// before returning the refreshed record.
func (s *DomainService) Create(ctx context.Context, ownerID string, req *model.CreateRequest) (*model.Domain, error) {
	host, err := validHostname(req.Hostname)
	if err != nil {
		return nil, err
	}
	if err := validateDestinations(&req.WhiteDestination, &req.BlackDestination); err != nil {
		return nil, err
	}
	if err := validateRules(req.Rules); err != nil {
		return nil, err
	}

	d := &model.Domain{
		ID:               uuid.New(),
		Hostname:         host,
		InternalTarget:   s.cfg.EdgeTarget,
		OwnerID:          ownerID,
		WhiteDestination: req.WhiteDestination,
		BlackDestination: req.BlackDestination,
		Rules:            req.Rules,
		DomainStatus:     model.DomainStatusPending,
		CertStatus:       model.CertStatusNone,
		ChallengeRecords: []model.ChallengeRecord{},
	}
	if s.cfg.AliasZone != "" {
		short, err := shortID()
		if err != nil {
			return nil, fmt.Errorf("generate alias: %w", err)
		}
		d.Alias = short + "." + s.cfg.AliasZone
		d.InternalTarget = d.Alias
	}

	if err := s.repo.Create(ctx, d); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("create domain: %w", err)
	}
	s.invalidate(d.Hostname, d.Alias)

	s.logger.Info("domain created",
		zap.String("hostname", d.Hostname),
		zap.String("owner_id", ownerID),
		zap.String("domain_id", d.ID.String()),
	)

	if d.Alias != "" && s.aliases != nil {
		if err := s.aliases.EnsureAlias(ctx, d.Alias, s.cfg.EdgeTarget); err != nil {
			s.logger.Warn("alias record create failed (non-fatal)",
				zap.String("alias", d.Alias), zap.Error(err))
		}
	}

	s.reconciler.Reconcile(passContext(ctx), d)
	return s.refreshed(ctx, d), nil
}

// Get returns one domain owned by ownerID.
func (s *DomainService) Get(ctx context.Context, ownerID string, id uuid.UUID) (*model.Domain, error) {
	d, err := s.repo.GetByOwner(ctx, ownerID, id)
	if err != nil {
		return nil, translate(err, "get domain")
	}
	return d, nil
}

// ListByOwner returns every domain owned by ownerID.
func (s *DomainService) ListByOwner(ctx context.Context, ownerID string) ([]*model.Domain, error) {
	ds, err := s.repo.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	return ds, nil
}

// CountActive returns how many of ownerID's domains are ACTIVE.
func (s *DomainService) CountActive(ctx context.Context, ownerID string) (int, error) {
	n, err := s.repo.CountActiveByOwner(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("count active domains: %w", err)
	}
	return n, nil
}

// Update applies a partial update. A hostname change resets the
// certificate state and triggers one reconciliation pass.
func (s *DomainService) Update(ctx context.Context, ownerID string, id uuid.UUID, req *model.UpdateRequest) (*model.Domain, error) {
	d, err := s.repo.GetByOwner(ctx, ownerID, id)
	if err != nil {
		return nil, translate(err, "get domain")
	}
	prev := d.Clone()

	if req.WhiteDestination != nil {
		d.WhiteDestination = *req.WhiteDestination
	}
	if req.BlackDestination != nil {
		d.BlackDestination = *req.BlackDestination
	}
	if err := validateDestinations(&d.WhiteDestination, &d.BlackDestination); err != nil {
		return nil, err
	}
	if req.Rules != nil {
		if err := validateRules(*req.Rules); err != nil {
			return nil, err
		}
		d.Rules = *req.Rules
	}

	hostChanged := false
	if req.Hostname != nil {
		host, err := validHostname(*req.Hostname)
		if err != nil {
			return nil, err
		}
		if host != d.Hostname {
			hostChanged = true
			d.Hostname = host
			d.CertStatus = model.CertStatusPending
			d.ChallengeRecords = []model.ChallengeRecord{}
			d.ProviderRef = ""
			d.ProviderStatus = ""
		}
	}

	if err := s.repo.Update(ctx, d); err != nil {
		switch {
		case errors.Is(err, repository.ErrConflict):
			return nil, ErrConflict
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update domain: %w", err)
	}
	s.invalidate(prev.Hostname, d.Hostname, d.Alias)

	if !hostChanged {
		return d, nil
	}

	s.logger.Info("domain hostname changed",
		zap.String("old_hostname", prev.Hostname),
		zap.String("hostname", d.Hostname),
		zap.String("domain_id", d.ID.String()),
	)
	s.cleanupProvider(ctx, prev.Hostname, prev.ProviderRef)
	s.reconciler.Reconcile(passContext(ctx), d)
	return s.refreshed(ctx, d), nil
}

// Delete removes a domain. Provider, token and alias cleanup are best
// effort; the local row is removed regardless of their outcome.
func (s *DomainService) Delete(ctx context.Context, ownerID string, id uuid.UUID) error {
	d, err := s.repo.GetByOwner(ctx, ownerID, id)
	if err != nil {
		return translate(err, "get domain")
	}

	s.cleanupProvider(ctx, d.Hostname, d.ProviderRef)
	if d.Alias != "" && s.aliases != nil {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.CleanupTimeout)
		if err := s.aliases.DeleteAlias(cctx, d.Alias); err != nil {
			s.logger.Warn("alias record delete failed (non-fatal)",
				zap.String("alias", d.Alias), zap.Error(err))
		}
		cancel()
	}

	if err := s.repo.Delete(ctx, ownerID, id); err != nil {
		return translate(err, "delete domain")
	}
	s.invalidate(d.Hostname, d.Alias)

	s.logger.Info("domain deleted",
		zap.String("hostname", d.Hostname),
		zap.String("owner_id", ownerID),
		zap.String("domain_id", d.ID.String()),
	)
	return nil
}

// CheckStatus runs one reconciliation pass and returns its report.
func (s *DomainService) CheckStatus(ctx context.Context, ownerID string, id uuid.UUID) (*model.StatusReport, error) {
	d, err := s.repo.GetByOwner(ctx, ownerID, id)
	if err != nil {
		return nil, translate(err, "get domain")
	}
	return s.reconciler.Reconcile(passContext(ctx), d), nil
}

// RetryProvisioning moves a FAILED certificate back to PENDING and runs one
// reconciliation pass. Domains that are not FAILED are simply reconciled.
func (s *DomainService) RetryProvisioning(ctx context.Context, ownerID string, id uuid.UUID) (*model.StatusReport, error) {
	d, err := s.repo.GetByOwner(ctx, ownerID, id)
	if err != nil {
		return nil, translate(err, "get domain")
	}
	reset, err := s.repo.ResetFailedCertificate(ctx, id)
	if err != nil {
		return nil, translate(err, "reset certificate")
	}
	if reset {
		s.logger.Info("certificate retry requested",
			zap.String("hostname", d.Hostname),
			zap.String("domain_id", d.ID.String()),
		)
		d = s.refreshed(ctx, d)
	}
	return s.reconciler.Reconcile(passContext(ctx), d), nil
}

// Resolve returns the routing configuration for host, with plan usage when
// a usage lookup is configured and succeeds.
func (s *DomainService) Resolve(ctx context.Context, host string) (*model.Resolution, error) {
	h := hostname.Normalize(host)
	if h == "" {
		return nil, ErrInvalidHostname
	}

	var finder interface {
		FindByHostname(ctx context.Context, host string) (*model.Domain, error)
	} = s.repo
	if s.cache != nil {
		finder = s.cache
	}
	d, err := finder.FindByHostname(ctx, h)
	if err != nil {
		return nil, translate(err, "resolve domain")
	}

	res := &model.Resolution{
		ID:               d.ID,
		OwnerID:          d.OwnerID,
		Hostname:         d.Hostname,
		WhiteDestination: d.WhiteDestination,
		BlackDestination: d.BlackDestination,
		Rules:            d.Rules,
		Status:           d.DomainStatus,
	}
	if s.usage != nil {
		uctx, cancel := context.WithTimeout(ctx, s.cfg.UsageTimeout)
		defer cancel()
		u, err := s.usage.Lookup(uctx, d.OwnerID)
		if err != nil {
			s.logger.Warn("plan usage lookup failed (non-fatal)",
				zap.String("owner_id", d.OwnerID), zap.Error(err))
		} else {
			res.PlanUsage = u
		}
	}
	return res, nil
}

func (s *DomainService) cleanupProvider(ctx context.Context, host, ref string) {
	if s.releaser != nil {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.CleanupTimeout)
		if err := s.releaser.Release(cctx, host, ref); err != nil {
			s.logger.Warn("certificate release failed (non-fatal)",
				zap.String("hostname", host), zap.Error(err))
		}
		cancel()
	}
	if s.tokens != nil && ref != "" {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.CleanupTimeout)
		if err := s.tokens.DeleteByRef(cctx, ref); err != nil {
			s.logger.Warn("acme token cleanup failed (non-fatal)",
				zap.String("hostname", host), zap.Error(err))
		}
		cancel()
	}
}

// passContext detaches a tenant-triggered pass from the request. The
// engine bounds the pass with its own timeout.
func passContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// refreshed re-reads d after a reconciliation pass, falling back to d.
func (s *DomainService) refreshed(ctx context.Context, d *model.Domain) *model.Domain {
	fresh, err := s.repo.GetByOwner(ctx, d.OwnerID, d.ID)
	if err != nil {
		s.logger.Warn("reload domain failed",
			zap.String("domain_id", d.ID.String()), zap.Error(err))
		return d
	}
	return fresh
}

func (s *DomainService) invalidate(hosts ...string) {
	if s.cache == nil {
		return
	}
	var keys []string
	for _, h := range hosts {
		if h != "" {
			keys = append(keys, h)
		}
	}
	s.cache.Invalidate(keys...)
}

func translate(err error, op string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

// validHostname normalizes raw and requires a dotted DNS name.
func validHostname(raw string) (string, error) {
	h := hostname.Normalize(raw)
	if h == "" || strings.HasPrefix(h, "[") || !strings.Contains(h, ".") {
		return "", ErrInvalidHostname
	}
	return h, nil
}

func validateDestinations(dests ...*string) error {
	for _, d := range dests {
		*d = strings.TrimSpace(*d)
		if *d == "" {
			continue
		}
		if _, ok := hostname.SafeURL(*d); !ok {
			return fmt.Errorf("%w: %q", ErrInvalidDestination, *d)
		}
	}
	return nil
}

func validateRules(r model.Rules) error {
	if r.UABlock == "" {
		return nil
	}
	if _, err := regexp.Compile("(?i)" + r.UABlock); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return nil
}

// shortID returns eight random lowercase base32 characters.
func shortID() (string, error) {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)), nil
}
