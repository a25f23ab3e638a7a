// Package reconcile derives a domain's status from DNS, certificate and
// reachability observations and persists the outcome.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/jmerrifield20/cloakgate/internal/certs"
	"github.com/jmerrifield20/cloakgate/internal/dns"
	"github.com/jmerrifield20/cloakgate/internal/domain/model"
	"github.com/jmerrifield20/cloakgate/internal/domain/repository"
	"github.com/jmerrifield20/cloakgate/internal/health"
	"github.com/jmerrifield20/cloakgate/internal/hostname"
)

// Reasons reported for the non-error branches.
const (
	ReasonAwaitingReachability = "certificate ready, awaiting reachability"
	ReasonIssuanceInProgress   = "certificate issuance in progress"
	ReasonActive               = "domain is active"
	ReasonCertFailed           = "certificate issuance failed; request a retry to provision again"
)

// Store is the persistence the engine needs.
// *repository.DomainRepository satisfies this interface.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Domain, error)
	ApplyObservation(ctx context.Context, id uuid.UUID, obs model.Observation) error
}

// DelegationResolver observes public DNS. *dns.Verifier satisfies this.
type DelegationResolver interface {
	ResolveDelegation(ctx context.Context, host string) dns.Delegation
}

// ReachabilityProber checks the edge answers for a host. *health.Prober
// satisfies this.
type ReachabilityProber interface {
	CheckReachable(ctx context.Context, host string) health.Result
}

// Config holds engine timeouts and the default delegation target.
type Config struct {
	// Target is the expected CNAME target when a domain has none stored.
	Target        string
	PassTimeout   time.Duration
	DNSTimeout    time.Duration
	CertTimeout   time.Duration
	HealthTimeout time.Duration
	LockTTL       time.Duration
}

// MetricsRecordFunc is an optional callback invoked after every pass.
type MetricsRecordFunc func(status model.DomainStatus, elapsed time.Duration)

// TransitionFunc is invoked after a persisted pass changed the domain or
// certificate status. prev is the domain as it was before the pass.
type TransitionFunc func(ctx context.Context, prev *model.Domain, obs model.Observation)

// Engine runs reconciliation passes.
type Engine struct {
	store     Store
	dns       DelegationResolver
	certs     certs.Provisioner
	prober    ReachabilityProber
	locker    Locker
	group     singleflight.Group
	cfg       Config
	onMetrics MetricsRecordFunc
	onChange  TransitionFunc
	now       func() time.Time
	logger    *zap.Logger
}

// NewEngine creates an Engine. It uses a LocalLocker until SetLocker is
// called.
func NewEngine(store Store, resolver DelegationResolver, prov certs.Provisioner, prober ReachabilityProber, cfg Config, logger *zap.Logger) *Engine {
	if cfg.PassTimeout == 0 {
		cfg.PassTimeout = 20 * time.Second
	}
	if cfg.DNSTimeout == 0 {
		cfg.DNSTimeout = 5 * time.Second
	}
	if cfg.CertTimeout == 0 {
		cfg.CertTimeout = 10 * time.Second
	}
	if cfg.HealthTimeout == 0 {
		cfg.HealthTimeout = 4 * time.Second
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = cfg.PassTimeout + 5*time.Second
	}
	return &Engine{
		store:  store,
		dns:    resolver,
		certs:  prov,
		prober: prober,
		locker: LocalLocker{},
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// SetLocker configures cross-replica locking.
func (e *Engine) SetLocker(l Locker) {
	e.locker = l
}

// SetMetricsRecord configures the metrics recording callback.
func (e *Engine) SetMetricsRecord(fn MetricsRecordFunc) {
	e.onMetrics = fn
}

// SetTransitionHook configures the status transition callback.
func (e *Engine) SetTransitionHook(fn TransitionFunc) {
	e.onChange = fn
}

// Reconcile runs one pass for d and returns the resulting status. It never
// fails: every error is folded into the report. Concurrent calls for the
// same domain and generation share a single pass; a call made after a
// hostname change or retry starts its own.
//
// A pass whose context ends before it completes persists nothing and
// reports the stored status.
func (e *Engine) Reconcile(ctx context.Context, d *model.Domain) *model.StatusReport {
	v, _, _ := e.group.Do(passKey(d), func() (any, error) {
		return e.run(ctx, d), nil
	})
	// Shared results must not alias between callers.
	report := *v.(*model.StatusReport)
	report.ChallengeRecords = append([]model.ChallengeRecord{}, report.ChallengeRecords...)
	if report.Challenge != nil {
		c := *report.Challenge
		report.Challenge = &c
	}
	return &report
}

func (e *Engine) run(ctx context.Context, d *model.Domain) *model.StatusReport {
	start := time.Now()

	release, err := e.locker.Obtain(ctx, passKey(d), e.cfg.LockTTL)
	if err != nil {
		e.logger.Info("reconcile: skipped, lock not obtained",
			zap.String("hostname", d.Hostname),
			zap.Error(err),
		)
		return StoredReport(e.latest(context.WithoutCancel(ctx), d))
	}
	defer release()

	pctx, cancel := context.WithTimeout(ctx, e.cfg.PassTimeout)
	defer cancel()

	ev := e.evaluate(pctx, d)
	if err := pctx.Err(); err != nil {
		e.logger.Info("reconcile: pass abandoned, result discarded",
			zap.String("hostname", d.Hostname),
			zap.Error(err),
		)
		return StoredReport(e.latest(context.WithoutCancel(ctx), d))
	}
	stale := e.persist(ctx, d, ev.obs)

	if e.onMetrics != nil {
		e.onMetrics(ev.obs.DomainStatus, time.Since(start))
	}
	e.logger.Debug("reconcile: pass complete",
		zap.String("hostname", d.Hostname),
		zap.String("status", string(ev.obs.DomainStatus)),
		zap.String("cert_status", string(ev.obs.CertStatus)),
		zap.String("reason", ev.obs.Reason),
	)
	if stale {
		return StoredReport(e.latest(context.WithoutCancel(ctx), d))
	}
	return ev.report(d)
}

// evaluation is the outcome of one pass before it is persisted.
type evaluation struct {
	obs       model.Observation
	challenge *model.ChallengeRecord
}

func (ev *evaluation) report(d *model.Domain) *model.StatusReport {
	return &model.StatusReport{
		DomainID:         d.ID,
		Hostname:         d.Hostname,
		Status:           ev.obs.DomainStatus,
		CertStatus:       ev.obs.CertStatus,
		Reason:           ev.obs.Reason,
		CheckedAt:        ev.obs.CheckedAt,
		Challenge:        ev.challenge,
		ChallengeRecords: nonNil(ev.obs.ChallengeRecords),
		Provider: model.ProviderInfo{
			ClientStatus: ev.obs.ProviderStatus,
			Ref:          ev.obs.ProviderRef,
		},
	}
}

func (e *Engine) evaluate(ctx context.Context, d *model.Domain) (ev evaluation) {
	ev.obs = model.Observation{
		Hostname:         d.Hostname,
		Generation:       d.Generation,
		CertStatus:       d.CertStatus,
		ChallengeRecords: d.ChallengeRecords,
		ProviderRef:      d.ProviderRef,
		ProviderStatus:   d.ProviderStatus,
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("reconcile: panic recovered",
				zap.String("hostname", d.Hostname),
				zap.Any("panic", r),
			)
			ev.obs.DomainStatus = model.DomainStatusError
			ev.obs.CertStatus = model.CertStatusFailed
			ev.obs.Reason = fmt.Sprintf("internal error: %v", r)
			ev.challenge = nil
		}
		ev.obs.CheckedAt = e.now()
	}()

	expected := e.expectedTarget(d)

	// 1-3: delegation.
	dctx, cancel := context.WithTimeout(ctx, e.cfg.DNSTimeout)
	deleg := e.dns.ResolveDelegation(dctx, d.Hostname)
	cancel()

	if deleg.Empty() {
		ev.obs.DomainStatus = model.DomainStatusPending
		ev.obs.Reason = fmt.Sprintf("not delegated yet: no CNAME record found for %s, point it to %s", d.Hostname, expected)
		return ev
	}
	if !deleg.Flattened && !e.delegationMatches(d, expected, deleg.Targets) {
		ev.obs.DomainStatus = model.DomainStatusError
		ev.obs.Reason = fmt.Sprintf("CNAME for %s points to %s, expected %s",
			d.Hostname, strings.Join(deleg.Targets, ", "), expected)
		return ev
	}

	// 4-5: certificate.
	if d.CertStatus == model.CertStatusFailed {
		ev.obs.DomainStatus = model.DomainStatusError
		ev.obs.Reason = ReasonCertFailed
		return ev
	}

	cctx, cancel := context.WithTimeout(ctx, e.cfg.CertTimeout)
	res, err := e.certs.CheckCertificate(cctx, expected, d.Hostname)
	if errors.Is(err, certs.ErrNotConfigured) {
		res, err = e.certs.RequestCertificate(cctx, expected, d.Hostname)
	}
	cancel()

	if err != nil {
		ev.obs.DomainStatus = model.DomainStatusError
		if certs.IsTransient(err) {
			ev.obs.Reason = "certificate provider unavailable, will retry: " + err.Error()
		} else {
			ev.obs.CertStatus = model.CertStatusFailed
			ev.obs.Reason = "certificate provisioning failed: " + err.Error()
		}
		e.logger.Warn("reconcile: certificate provider error",
			zap.String("hostname", d.Hostname),
			zap.String("provider", e.certs.Name()),
			zap.Bool("transient", certs.IsTransient(err)),
			zap.Error(err),
		)
		return ev
	}

	if res.Ref != "" {
		ev.obs.ProviderRef = res.Ref
	}
	ev.obs.ProviderStatus = res.ClientStatus

	switch {
	case res.Ready:
		ev.obs.CertStatus = model.CertStatusReady
	case res.NeedsDNSChallenge():
		rec := model.ChallengeRecord{
			Name:  hostname.Trim(res.DNSChallengeName),
			Value: strings.TrimSpace(res.DNSChallengeTarget),
		}
		ev.obs.CertStatus = model.CertStatusDNSChallengeNeeded
		ev.obs.ChallengeRecords = model.MergeChallengeRecords(d.ChallengeRecords, []model.ChallengeRecord{rec})
		ev.challenge = &rec
	default:
		ev.obs.CertStatus = model.CertStatusPending
	}

	// 6-8: reachability.
	switch ev.obs.CertStatus {
	case model.CertStatusReady:
		hctx, cancel := context.WithTimeout(ctx, e.cfg.HealthTimeout)
		probe := e.prober.CheckReachable(hctx, d.Hostname)
		cancel()
		if probe.OK {
			ev.obs.DomainStatus = model.DomainStatusActive
			ev.obs.Reason = ReasonActive
		} else {
			ev.obs.DomainStatus = model.DomainStatusPropagating
			ev.obs.Reason = ReasonAwaitingReachability
		}
	case model.CertStatusDNSChallengeNeeded:
		ev.obs.DomainStatus = model.DomainStatusPending
		ev.obs.Reason = fmt.Sprintf("publish DNS record %s with value %s to complete certificate validation",
			ev.challenge.Name, ev.challenge.Value)
	default:
		ev.obs.DomainStatus = model.DomainStatusPropagating
		ev.obs.Reason = ReasonIssuanceInProgress
	}
	return ev
}

// persist writes obs and reports whether it was rejected as stale.
func (e *Engine) persist(ctx context.Context, d *model.Domain, obs model.Observation) (stale bool) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := e.store.ApplyObservation(wctx, d.ID, obs)
	switch {
	case err == nil:
		changed := d.DomainStatus != obs.DomainStatus || d.CertStatus != obs.CertStatus
		if changed && e.onChange != nil {
			e.onChange(wctx, d, obs)
		}
	case errors.Is(err, repository.ErrNotFound):
		e.logger.Info("reconcile: domain deleted during pass, result discarded",
			zap.String("hostname", d.Hostname))
	case errors.Is(err, repository.ErrStaleObservation):
		e.logger.Info("reconcile: domain changed during pass, result discarded",
			zap.String("hostname", d.Hostname))
		return true
	default:
		e.logger.Error("reconcile: persist observation",
			zap.String("hostname", d.Hostname),
			zap.Error(err),
		)
	}
	return false
}

func (e *Engine) latest(ctx context.Context, d *model.Domain) *model.Domain {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	fresh, err := e.store.GetByID(ctx, d.ID)
	if err != nil {
		return d
	}
	return fresh
}

func passKey(d *model.Domain) string {
	return d.ID.String() + ":" + strconv.FormatInt(d.Generation, 10)
}

func (e *Engine) expectedTarget(d *model.Domain) string {
	if t := hostname.Trim(d.InternalTarget); t != "" {
		return t
	}
	return hostname.Trim(e.cfg.Target)
}

// delegationMatches accepts the edge target or the domain's own alias
// anywhere in the observed chain.
func (e *Engine) delegationMatches(d *model.Domain, expected string, targets []string) bool {
	alias := hostname.Trim(d.Alias)
	for _, t := range targets {
		if t == expected || (alias != "" && t == alias) {
			return true
		}
	}
	return false
}

// StoredReport builds a status report from the persisted fields of d.
func StoredReport(d *model.Domain) *model.StatusReport {
	r := &model.StatusReport{
		DomainID:         d.ID,
		Hostname:         d.Hostname,
		Status:           d.DomainStatus,
		CertStatus:       d.CertStatus,
		Reason:           d.LastReason,
		ChallengeRecords: nonNil(d.ChallengeRecords),
		Provider: model.ProviderInfo{
			ClientStatus: d.ProviderStatus,
			Ref:          d.ProviderRef,
		},
	}
	if d.LastCheckedAt != nil {
		r.CheckedAt = *d.LastCheckedAt
	}
	if d.CertStatus == model.CertStatusDNSChallengeNeeded && len(d.ChallengeRecords) > 0 {
		last := d.ChallengeRecords[len(d.ChallengeRecords)-1]
		r.Challenge = &last
	}
	return r
}

func nonNil(recs []model.ChallengeRecord) []model.ChallengeRecord {
	if recs == nil {
		return []model.ChallengeRecord{}
	}
	return recs
}
