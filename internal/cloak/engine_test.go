package cloak_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/cloakgate/internal/cloak"
	"github.com/jmerrifield20/cloakgate/internal/domain/model"
	"github.com/jmerrifield20/cloakgate/internal/domain/repository"
)

// ── Stubs ────────────────────────────────────────────────────────────────────

type stubFinder struct {
	domains map[string]*model.Domain
	err     error
	calls   int
}

func (s *stubFinder) FindByHostname(_ context.Context, host string) (*model.Domain, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	d, ok := s.domains[host]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return d, nil
}

func promoDomain() *model.Domain {
	return &model.Domain{
		ID:               uuid.New(),
		Hostname:         "promo.example.com",
		OwnerID:          "tenant-1",
		WhiteDestination: "https://safe.example.org/review",
		BlackDestination: "offer.example.net/lp?src=1",
	}
}

func newTestEngine(f cloak.HostFinder) *cloak.Engine {
	return cloak.NewEngine(f, cloak.NewRuleBasedClassifier(), cloak.Config{
		InternalSuffixes: []string{"edge.platform.test."},
	}, zap.NewNop())
}

func request(host, ua string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/landing", nil)
	r.Host = host
	if ua != "" {
		r.Header.Set("User-Agent", ua)
	}
	return r
}

// ── Tests ────────────────────────────────────────────────────────────────────

func TestDecide_HumanGoesToBlackDestination(t *testing.T) {
	d := promoDomain()
	e := newTestEngine(&stubFinder{domains: map[string]*model.Domain{"promo.example.com": d}})

	dec := e.Decide(context.Background(), request("promo.example.com", chromeUA))
	if dec.Action != cloak.ActionRedirect {
		t.Fatalf("action: got %v, want redirect (reason %q)", dec.Action, dec.Reason)
	}
	if dec.Location != "https://offer.example.net/lp?src=1" {
		t.Errorf("location: got %q", dec.Location)
	}
	if !dec.Intercepted() || dec.Domain.ID != d.ID {
		t.Error("expected decision to carry the matched domain")
	}
}

func TestDecide_BotGoesToWhiteDestination(t *testing.T) {
	e := newTestEngine(&stubFinder{domains: map[string]*model.Domain{"promo.example.com": promoDomain()}})

	dec := e.Decide(context.Background(), request("promo.example.com", googlebotUA))
	if dec.Action != cloak.ActionRedirect || dec.Location != "https://safe.example.org/review" {
		t.Errorf("got %v %q, want redirect to white destination", dec.Action, dec.Location)
	}
	if dec.Verdict.Class != cloak.ClassBot {
		t.Errorf("class: got %q", dec.Verdict.Class)
	}
}

func TestDecide_SwapDestinations(t *testing.T) {
	d := promoDomain()
	d.Rules.SwapDestinations = true
	e := newTestEngine(&stubFinder{domains: map[string]*model.Domain{"promo.example.com": d}})

	dec := e.Decide(context.Background(), request("promo.example.com", googlebotUA))
	if dec.Location != "https://offer.example.net/lp?src=1" {
		t.Errorf("bot with swap: got %q, want black destination", dec.Location)
	}
	dec = e.Decide(context.Background(), request("promo.example.com", chromeUA))
	if dec.Location != "https://safe.example.org/review" {
		t.Errorf("human with swap: got %q, want white destination", dec.Location)
	}
}

func TestDecide_ForwardedHostIsNormalized(t *testing.T) {
	f := &stubFinder{domains: map[string]*model.Domain{"promo.example.com": promoDomain()}}
	e := newTestEngine(f)

	r := request("internal.edge.platform.test", chromeUA)
	r.Header.Set("X-Forwarded-Host", "Promo.Example.com:8443, other.com")

	dec := e.Decide(context.Background(), r)
	if dec.Host != "promo.example.com" {
		t.Errorf("host: got %q, want promo.example.com", dec.Host)
	}
	if dec.Action != cloak.ActionRedirect {
		t.Errorf("action: got %v", dec.Action)
	}
}

func TestDecide_UnmanagedHostPasses(t *testing.T) {
	e := newTestEngine(&stubFinder{domains: map[string]*model.Domain{}})

	dec := e.Decide(context.Background(), request("unknown.example.com", chromeUA))
	if dec.Action != cloak.ActionPass || dec.Reason != cloak.ReasonUnmanaged {
		t.Errorf("got %v/%q, want pass/unmanaged", dec.Action, dec.Reason)
	}
	if dec.Intercepted() {
		t.Error("unmanaged host must not be intercepted")
	}
}

func TestDecide_LookupErrorFailsOpen(t *testing.T) {
	e := newTestEngine(&stubFinder{err: errors.New("connection refused")})

	dec := e.Decide(context.Background(), request("promo.example.com", chromeUA))
	if dec.Action != cloak.ActionPass || dec.Reason != cloak.ReasonUnmanaged {
		t.Errorf("got %v/%q, want pass/unmanaged", dec.Action, dec.Reason)
	}
}

func TestDecide_PlatformHostSkipsLookup(t *testing.T) {
	f := &stubFinder{domains: map[string]*model.Domain{}}
	e := newTestEngine(f)

	for _, h := range []string{"edge.platform.test", "abc123.edge.platform.test"} {
		dec := e.Decide(context.Background(), request(h, chromeUA))
		if dec.Action != cloak.ActionPass || dec.Reason != cloak.ReasonPlatformHost {
			t.Errorf("%s: got %v/%q", h, dec.Action, dec.Reason)
		}
	}
	if f.calls != 0 {
		t.Errorf("expected no directory lookups, got %d", f.calls)
	}
}

func TestDecide_NoHostPasses(t *testing.T) {
	e := newTestEngine(&stubFinder{})
	dec := e.Decide(context.Background(), request("bad host", chromeUA))
	if dec.Action != cloak.ActionPass || dec.Reason != cloak.ReasonNoHost {
		t.Errorf("got %v/%q, want pass/no_host", dec.Action, dec.Reason)
	}
}

func TestDecide_LoopIsNeverRedirected(t *testing.T) {
	d := promoDomain()
	d.BlackDestination = "HTTPS://PROMO.EXAMPLE.COM:443/x"
	var recorded []string
	e := newTestEngine(&stubFinder{domains: map[string]*model.Domain{"promo.example.com": d}})
	e.SetMetricsRecord(func(action, reason string) { recorded = append(recorded, action+"/"+reason) })

	dec := e.Decide(context.Background(), request("promo.example.com", chromeUA))
	if dec.Action != cloak.ActionPass || dec.Reason != cloak.ReasonLoopDetected {
		t.Fatalf("got %v/%q, want pass/loop_detected", dec.Action, dec.Reason)
	}
	if dec.Location != "" {
		t.Errorf("location should be empty, got %q", dec.Location)
	}
	if len(recorded) != 1 || recorded[0] != "pass/loop_detected" {
		t.Errorf("metrics: got %v", recorded)
	}
}

func TestDecide_MissingOrInvalidDestinationPasses(t *testing.T) {
	d := promoDomain()
	d.BlackDestination = ""
	d.WhiteDestination = "javascript:alert(1)"
	e := newTestEngine(&stubFinder{domains: map[string]*model.Domain{"promo.example.com": d}})

	dec := e.Decide(context.Background(), request("promo.example.com", chromeUA))
	if dec.Action != cloak.ActionPass || dec.Reason != cloak.ReasonNoDestination {
		t.Errorf("human: got %v/%q, want pass/no_destination", dec.Action, dec.Reason)
	}
	dec = e.Decide(context.Background(), request("promo.example.com", googlebotUA))
	if dec.Action != cloak.ActionPass || dec.Reason != cloak.ReasonInvalidDestination {
		t.Errorf("bot: got %v/%q, want pass/invalid_destination", dec.Action, dec.Reason)
	}
}

func TestDecide_MatchesAlias(t *testing.T) {
	d := promoDomain()
	d.Alias = "k3x9.alias.platform.test"
	e := newTestEngine(&stubFinder{domains: map[string]*model.Domain{d.Alias: d}})

	dec := e.Decide(context.Background(), request("K3X9.alias.platform.test", chromeUA))
	if dec.Action != cloak.ActionRedirect {
		t.Errorf("got %v/%q, want redirect", dec.Action, dec.Reason)
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.9:51234"
	if got := cloak.ClientIP(r); got != "10.0.0.9" {
		t.Errorf("socket: got %q", got)
	}
	r.Header.Set("X-Forwarded-For", " 203.0.113.7 , 10.0.0.1")
	if got := cloak.ClientIP(r); got != "203.0.113.7" {
		t.Errorf("forwarded: got %q", got)
	}
}

func TestDecide_RefererFallsBackToReferrer(t *testing.T) {
	e := newTestEngine(&stubFinder{domains: map[string]*model.Domain{"promo.example.com": promoDomain()}})
	r := request("promo.example.com", chromeUA)
	r.Header.Set("Referrer", "https://news.example.org/")
	if dec := e.Decide(context.Background(), r); dec.Referer != "https://news.example.org/" {
		t.Errorf("referer: got %q", dec.Referer)
	}
}
