package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/cloakgate/internal/domain/model"
	"github.com/jmerrifield20/cloakgate/internal/domain/repository"
	"github.com/jmerrifield20/cloakgate/internal/domain/service"
)

// ── In-memory stub for domainRepo ────────────────────────────────────────────

type stubRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*model.Domain
}

func newStubRepo() *stubRepo {
	return &stubRepo{rows: make(map[uuid.UUID]*model.Domain)}
}

func (s *stubRepo) claimed(host string, except uuid.UUID) bool {
	for id, d := range s.rows {
		if id == except || host == "" {
			continue
		}
		if d.Hostname == host || d.Alias == host {
			return true
		}
	}
	return false
}

func (s *stubRepo) Create(_ context.Context, d *model.Domain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed(d.Hostname, d.ID) || s.claimed(d.Alias, d.ID) {
		return repository.ErrConflict
	}
	s.rows[d.ID] = d.Clone()
	return nil
}

func (s *stubRepo) GetByOwner(_ context.Context, owner string, id uuid.UUID) (*model.Domain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.rows[id]
	if !ok || d.OwnerID != owner {
		return nil, repository.ErrNotFound
	}
	return d.Clone(), nil
}

func (s *stubRepo) FindByHostname(_ context.Context, host string) (*model.Domain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.rows {
		if d.Hostname == host || d.Alias == host {
			return d.Clone(), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *stubRepo) ListByOwner(_ context.Context, owner string) ([]*model.Domain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Domain
	for _, d := range s.rows {
		if d.OwnerID == owner {
			out = append(out, d.Clone())
		}
	}
	return out, nil
}

func (s *stubRepo) CountActiveByOwner(_ context.Context, owner string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.rows {
		if d.OwnerID == owner && d.DomainStatus == model.DomainStatusActive {
			n++
		}
	}
	return n, nil
}

func (s *stubRepo) Update(_ context.Context, d *model.Domain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rows[d.ID]
	if !ok || cur.OwnerID != d.OwnerID {
		return repository.ErrNotFound
	}
	if s.claimed(d.Hostname, d.ID) {
		return repository.ErrConflict
	}
	d.Generation = cur.Generation + 1
	s.rows[d.ID] = d.Clone()
	return nil
}

func (s *stubRepo) ResetFailedCertificate(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.rows[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if d.CertStatus != model.CertStatusFailed {
		return false, nil
	}
	d.CertStatus = model.CertStatusPending
	d.Generation++
	return true, nil
}

func (s *stubRepo) Delete(_ context.Context, owner string, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.rows[id]
	if !ok || d.OwnerID != owner {
		return repository.ErrNotFound
	}
	delete(s.rows, id)
	return nil
}

func (s *stubRepo) setStatus(id uuid.UUID, st model.DomainStatus, cs model.CertStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.rows[id]; ok {
		d.DomainStatus = st
		d.CertStatus = cs
	}
}

// stubReconciler marks every reconciled domain ACTIVE/READY in the repo.
type stubReconciler struct {
	repo    *stubRepo
	calls   []*model.Domain
	ctxErrs []error
}

func (r *stubReconciler) Reconcile(ctx context.Context, d *model.Domain) *model.StatusReport {
	r.calls = append(r.calls, d.Clone())
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
	r.repo.setStatus(d.ID, model.DomainStatusActive, model.CertStatusReady)
	return &model.StatusReport{
		DomainID:   d.ID,
		Hostname:   d.Hostname,
		Status:     model.DomainStatusActive,
		CertStatus: model.CertStatusReady,
	}
}

type stubCleanup struct {
	err       error
	released  []string
	refs      []string
	aliases   []string
	deletedAl []string
}

func (c *stubCleanup) Release(_ context.Context, host, _ string) error {
	c.released = append(c.released, host)
	return c.err
}

func (c *stubCleanup) DeleteByRef(_ context.Context, ref string) error {
	c.refs = append(c.refs, ref)
	return c.err
}

func (c *stubCleanup) EnsureAlias(_ context.Context, alias, _ string) error {
	c.aliases = append(c.aliases, alias)
	return c.err
}

func (c *stubCleanup) DeleteAlias(_ context.Context, alias string) error {
	c.deletedAl = append(c.deletedAl, alias)
	return c.err
}

type stubCache struct {
	repo        *stubRepo
	lookups     int
	invalidated []string
}

func (c *stubCache) FindByHostname(ctx context.Context, host string) (*model.Domain, error) {
	c.lookups++
	return c.repo.FindByHostname(ctx, host)
}

func (c *stubCache) Invalidate(hosts ...string) {
	c.invalidated = append(c.invalidated, hosts...)
}

type stubUsage struct {
	usage *model.PlanUsage
	err   error
}

func (u *stubUsage) Lookup(context.Context, string) (*model.PlanUsage, error) {
	return u.usage, u.err
}

// ── Helpers ──────────────────────────────────────────────────────────────────

type fixture struct {
	svc     *service.DomainService
	repo    *stubRepo
	rec     *stubReconciler
	cleanup *stubCleanup
	cache   *stubCache
}

func newFixture(cfg service.Config) *fixture {
	repo := newStubRepo()
	f := &fixture{
		repo:    repo,
		rec:     &stubReconciler{repo: repo},
		cleanup: &stubCleanup{},
		cache:   &stubCache{repo: repo},
	}
	f.svc = service.NewDomainService(repo, f.rec, cfg, zap.NewNop())
	f.svc.SetCertReleaser(f.cleanup)
	f.svc.SetTokenCleaner(f.cleanup)
	f.svc.SetAliasRecords(f.cleanup)
	f.svc.SetHostCache(f.cache)
	return f
}

func mustCreate(t *testing.T, f *fixture, owner, host string) *model.Domain {
	t.Helper()
	d, err := f.svc.Create(context.Background(), owner, &model.CreateRequest{
		Hostname:         host,
		WhiteDestination: "https://safe.example.org",
		BlackDestination: "offer.example.net",
	})
	if err != nil {
		t.Fatalf("Create(%q): %v", host, err)
	}
	return d
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// ── Tests ────────────────────────────────────────────────────────────────────

func TestCreate_NormalizesAndReconcilesOnce(t *testing.T) {
	f := newFixture(service.Config{EdgeTarget: "edge.platform.test."})

	d := mustCreate(t, f, "tenant-a", "  Promo.Example.COM. ")
	if d.Hostname != "promo.example.com" {
		t.Errorf("hostname: got %q", d.Hostname)
	}
	if d.InternalTarget != "edge.platform.test" {
		t.Errorf("internal target: got %q", d.InternalTarget)
	}
	if len(f.rec.calls) != 1 {
		t.Fatalf("reconcile calls: got %d, want 1", len(f.rec.calls))
	}
	if d.DomainStatus != model.DomainStatusActive {
		t.Errorf("expected refreshed record after the pass, got status %q", d.DomainStatus)
	}
	if f.rec.calls[0].DomainStatus != model.DomainStatusPending || f.rec.calls[0].CertStatus != model.CertStatusNone {
		t.Errorf("initial state: got %q/%q", f.rec.calls[0].DomainStatus, f.rec.calls[0].CertStatus)
	}
	if !contains(f.cache.invalidated, "promo.example.com") {
		t.Error("cache should be invalidated for the new hostname")
	}
}

func TestCreate_AssignsAlias(t *testing.T) {
	f := newFixture(service.Config{EdgeTarget: "edge.platform.test", AliasZone: "alias.platform.test"})

	d := mustCreate(t, f, "tenant-a", "promo.example.com")
	if len(d.Alias) != len("xxxxxxxx.alias.platform.test") {
		t.Errorf("alias: got %q", d.Alias)
	}
	if d.InternalTarget != d.Alias {
		t.Errorf("internal target should be the alias, got %q", d.InternalTarget)
	}
	if len(f.cleanup.aliases) != 1 || f.cleanup.aliases[0] != d.Alias {
		t.Errorf("EnsureAlias calls: %v", f.cleanup.aliases)
	}
}

func TestCreate_AliasFailureIsNotFatal(t *testing.T) {
	f := newFixture(service.Config{EdgeTarget: "edge.platform.test", AliasZone: "alias.platform.test"})
	f.cleanup.err = errors.New("dns api down")

	mustCreate(t, f, "tenant-a", "promo.example.com")
	if len(f.rec.calls) != 1 {
		t.Error("reconciliation should still run")
	}
}

func TestCreate_InvalidInput(t *testing.T) {
	f := newFixture(service.Config{})
	ctx := context.Background()

	for _, h := range []string{"", "   ", "bad host.com", "localhost", "[::1]"} {
		_, err := f.svc.Create(ctx, "tenant-a", &model.CreateRequest{Hostname: h})
		if !errors.Is(err, service.ErrInvalidHostname) {
			t.Errorf("hostname %q: got %v, want ErrInvalidHostname", h, err)
		}
	}

	_, err := f.svc.Create(ctx, "tenant-a", &model.CreateRequest{
		Hostname: "promo.example.com", BlackDestination: "ftp://files.example.net",
	})
	if !errors.Is(err, service.ErrInvalidDestination) {
		t.Errorf("destination: got %v, want ErrInvalidDestination", err)
	}

	_, err = f.svc.Create(ctx, "tenant-a", &model.CreateRequest{
		Hostname: "promo.example.com", Rules: model.Rules{UABlock: "(["},
	})
	if !errors.Is(err, service.ErrInvalidRule) {
		t.Errorf("rule: got %v, want ErrInvalidRule", err)
	}
	if len(f.repo.rows) != 0 {
		t.Errorf("no rows should be created, got %d", len(f.repo.rows))
	}
}

func TestCreate_ConflictAcrossTenantsAndRecreateAfterDelete(t *testing.T) {
	f := newFixture(service.Config{})
	ctx := context.Background()

	d := mustCreate(t, f, "tenant-a", "promo.example.com")

	_, err := f.svc.Create(ctx, "tenant-b", &model.CreateRequest{Hostname: "PROMO.example.com"})
	if !errors.Is(err, service.ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}
	if len(f.repo.rows) != 1 {
		t.Errorf("conflict must leave no partial row, got %d rows", len(f.repo.rows))
	}

	if err := f.svc.Delete(ctx, "tenant-a", d.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	mustCreate(t, f, "tenant-a", "promo.example.com")
}

func TestUpdate_DestinationsOnly(t *testing.T) {
	f := newFixture(service.Config{})
	d := mustCreate(t, f, "tenant-a", "promo.example.com")
	f.rec.calls = nil

	black := "https://new-offer.example.net"
	got, err := f.svc.Update(context.Background(), "tenant-a", d.ID, &model.UpdateRequest{BlackDestination: &black})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.BlackDestination != black || got.WhiteDestination != "https://safe.example.org" {
		t.Errorf("destinations: %q / %q", got.WhiteDestination, got.BlackDestination)
	}
	if len(f.rec.calls) != 0 {
		t.Error("destination edits must not trigger reconciliation")
	}
	if got.CertStatus != model.CertStatusReady {
		t.Errorf("cert status should be untouched, got %q", got.CertStatus)
	}
}

func TestUpdate_HostnameChangeResetsCertificate(t *testing.T) {
	f := newFixture(service.Config{})
	ctx := context.Background()
	d := mustCreate(t, f, "tenant-a", "promo.example.com")

	f.repo.mu.Lock()
	f.repo.rows[d.ID].ProviderRef = "ch_123"
	f.repo.rows[d.ID].ChallengeRecords = []model.ChallengeRecord{{Name: "_acme-challenge.promo.example.com", Value: "x"}}
	f.repo.mu.Unlock()
	f.rec.calls = nil

	host := "Deals.Example.com"
	if _, err := f.svc.Update(ctx, "tenant-a", d.ID, &model.UpdateRequest{Hostname: &host}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if len(f.rec.calls) != 1 {
		t.Fatalf("reconcile calls: got %d, want 1", len(f.rec.calls))
	}
	passed := f.rec.calls[0]
	if passed.Hostname != "deals.example.com" || passed.CertStatus != model.CertStatusPending {
		t.Errorf("pass input: %q %q", passed.Hostname, passed.CertStatus)
	}
	if len(passed.ChallengeRecords) != 0 || passed.ProviderRef != "" {
		t.Errorf("challenge records and provider ref should be cleared: %+v", passed)
	}
	if passed.Generation != d.Generation+1 {
		t.Errorf("pass generation: got %d, want %d", passed.Generation, d.Generation+1)
	}
	if !contains(f.cleanup.released, "promo.example.com") || !contains(f.cleanup.refs, "ch_123") {
		t.Errorf("old provider objects should be released: %v %v", f.cleanup.released, f.cleanup.refs)
	}
	if !contains(f.cache.invalidated, "promo.example.com") || !contains(f.cache.invalidated, "deals.example.com") {
		t.Errorf("invalidated: %v", f.cache.invalidated)
	}
}

func TestUpdate_OtherTenantNotFound(t *testing.T) {
	f := newFixture(service.Config{})
	d := mustCreate(t, f, "tenant-a", "promo.example.com")

	white := "https://x.example.org"
	_, err := f.svc.Update(context.Background(), "tenant-b", d.ID, &model.UpdateRequest{WhiteDestination: &white})
	if !errors.Is(err, service.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestUpdate_HostnameConflict(t *testing.T) {
	f := newFixture(service.Config{})
	mustCreate(t, f, "tenant-b", "taken.example.com")
	d := mustCreate(t, f, "tenant-a", "promo.example.com")

	host := "taken.example.com"
	_, err := f.svc.Update(context.Background(), "tenant-a", d.ID, &model.UpdateRequest{Hostname: &host})
	if !errors.Is(err, service.ErrConflict) {
		t.Errorf("got %v, want ErrConflict", err)
	}
}

func TestDelete_CleanupFailuresDoNotBlock(t *testing.T) {
	f := newFixture(service.Config{AliasZone: "alias.platform.test"})
	ctx := context.Background()
	d := mustCreate(t, f, "tenant-a", "promo.example.com")
	f.cleanup.err = errors.New("provider outage")

	if err := f.svc.Delete(ctx, "tenant-a", d.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := f.repo.rows[d.ID]; ok {
		t.Error("row should be removed")
	}
	if !contains(f.cleanup.released, "promo.example.com") || !contains(f.cleanup.deletedAl, d.Alias) {
		t.Errorf("cleanup attempted: released=%v aliases=%v", f.cleanup.released, f.cleanup.deletedAl)
	}
}

func TestDelete_OtherTenantNotFound(t *testing.T) {
	f := newFixture(service.Config{})
	d := mustCreate(t, f, "tenant-a", "promo.example.com")

	if err := f.svc.Delete(context.Background(), "tenant-b", d.ID); !errors.Is(err, service.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
	if len(f.cleanup.released) != 0 {
		t.Error("no cleanup for foreign domains")
	}
}

func TestRetryProvisioning_ResetsFailed(t *testing.T) {
	f := newFixture(service.Config{})
	d := mustCreate(t, f, "tenant-a", "promo.example.com")
	f.repo.setStatus(d.ID, model.DomainStatusError, model.CertStatusFailed)
	f.rec.calls = nil

	rep, err := f.svc.RetryProvisioning(context.Background(), "tenant-a", d.ID)
	if err != nil {
		t.Fatalf("RetryProvisioning: %v", err)
	}
	if len(f.rec.calls) != 1 || f.rec.calls[0].CertStatus != model.CertStatusPending {
		t.Fatalf("pass should start from PENDING, got %+v", f.rec.calls)
	}
	if f.rec.calls[0].Generation != d.Generation+1 {
		t.Errorf("retry pass generation: got %d, want %d", f.rec.calls[0].Generation, d.Generation+1)
	}
	if rep.Status != model.DomainStatusActive {
		t.Errorf("report status: %q", rep.Status)
	}
}

func TestCheckStatus(t *testing.T) {
	f := newFixture(service.Config{})
	d := mustCreate(t, f, "tenant-a", "promo.example.com")

	rep, err := f.svc.CheckStatus(context.Background(), "tenant-a", d.ID)
	if err != nil || rep.DomainID != d.ID {
		t.Fatalf("CheckStatus: %v %+v", err, rep)
	}
	if _, err := f.svc.CheckStatus(context.Background(), "tenant-a", uuid.New()); !errors.Is(err, service.ErrNotFound) {
		t.Errorf("missing: got %v", err)
	}
}

func TestPassesOutliveCanceledRequest(t *testing.T) {
	f := newFixture(service.Config{})
	d := mustCreate(t, f, "tenant-a", "promo.example.com")
	f.repo.setStatus(d.ID, model.DomainStatusError, model.CertStatusFailed)
	f.rec.calls, f.rec.ctxErrs = nil, nil

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.svc.CheckStatus(ctx, "tenant-a", d.ID); err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}
	if _, err := f.svc.RetryProvisioning(ctx, "tenant-a", d.ID); err != nil {
		t.Fatalf("RetryProvisioning: %v", err)
	}
	host := "deals.example.com"
	if _, err := f.svc.Update(ctx, "tenant-a", d.ID, &model.UpdateRequest{Hostname: &host}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if len(f.rec.ctxErrs) != 3 {
		t.Fatalf("reconcile calls: got %d, want 3", len(f.rec.ctxErrs))
	}
	for i, err := range f.rec.ctxErrs {
		if err != nil {
			t.Errorf("pass %d ran with a canceled context: %v", i, err)
		}
	}
}

func TestListAndCount(t *testing.T) {
	f := newFixture(service.Config{})
	mustCreate(t, f, "tenant-a", "one.example.com")
	mustCreate(t, f, "tenant-a", "two.example.com")
	mustCreate(t, f, "tenant-b", "three.example.com")

	ds, err := f.svc.ListByOwner(context.Background(), "tenant-a")
	if err != nil || len(ds) != 2 {
		t.Errorf("ListByOwner: %d %v", len(ds), err)
	}
	n, err := f.svc.CountActive(context.Background(), "tenant-a")
	if err != nil || n != 2 {
		t.Errorf("CountActive: %d %v", n, err)
	}
}

func TestResolve(t *testing.T) {
	f := newFixture(service.Config{})
	d := mustCreate(t, f, "tenant-a", "promo.example.com")
	f.svc.SetUsageLookup(&stubUsage{usage: &model.PlanUsage{MonthlyClicksUsed: 5, ActiveDomainsUsed: 1}})

	res, err := f.svc.Resolve(context.Background(), "Promo.Example.com:443")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.ID != d.ID || res.Hostname != "promo.example.com" || res.BlackDestination != "offer.example.net" {
		t.Errorf("resolution: %+v", res)
	}
	if res.PlanUsage == nil || res.PlanUsage.MonthlyClicksUsed != 5 {
		t.Errorf("plan usage: %+v", res.PlanUsage)
	}
	if f.cache.lookups != 1 {
		t.Errorf("resolve should go through the cache, lookups=%d", f.cache.lookups)
	}
}

func TestResolve_UsageFailureOmitsPlanUsage(t *testing.T) {
	f := newFixture(service.Config{})
	mustCreate(t, f, "tenant-a", "promo.example.com")
	f.svc.SetUsageLookup(&stubUsage{err: errors.New("analytics down")})

	res, err := f.svc.Resolve(context.Background(), "promo.example.com")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.PlanUsage != nil {
		t.Error("plan usage should be omitted")
	}
}

func TestResolve_Errors(t *testing.T) {
	f := newFixture(service.Config{})
	if _, err := f.svc.Resolve(context.Background(), "unknown.example.com"); !errors.Is(err, service.ErrNotFound) {
		t.Errorf("unknown: got %v", err)
	}
	if _, err := f.svc.Resolve(context.Background(), " "); !errors.Is(err, service.ErrInvalidHostname) {
		t.Errorf("empty: got %v", err)
	}
}
