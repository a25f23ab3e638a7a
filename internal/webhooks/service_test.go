package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/cloakgate/internal/domain/model"
)

// ── In-memory store ──────────────────────────────────────────────────────────

type memStore struct {
	mu         sync.Mutex
	subs       []*Subscription
	deliveries []*Delivery
}

func (m *memStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub.ID = uuid.New()
	sub.Active = true
	sub.CreatedAt = time.Now().UTC()
	m.subs = append(m.subs, sub)
	return nil
}

func (m *memStore) ListByOwner(_ context.Context, ownerID string) ([]*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Subscription
	for _, s := range m.subs {
		if s.OwnerID == ownerID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) ListByEvent(_ context.Context, ownerID, eventType string) ([]*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Subscription
	for _, s := range m.subs {
		if s.OwnerID != ownerID || !s.Active {
			continue
		}
		for _, ev := range s.Events {
			if ev == eventType {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) Delete(_ context.Context, ownerID string, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.subs {
		if s.ID == id && s.OwnerID == ownerID {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *memStore) RecordDelivery(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries = append(m.deliveries, d)
	return nil
}

func (m *memStore) recorded() []*Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Delivery(nil), m.deliveries...)
}

// ── Receiver ─────────────────────────────────────────────────────────────────

type received struct {
	body      []byte
	signature string
}

type receiver struct {
	mu       sync.Mutex
	got      []received
	failures int // respond 500 this many times first
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, received{body: body, signature: req.Header.Get(SignatureHeader)})
	if r.failures > 0 {
		r.failures--
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *receiver) calls() []received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]received(nil), r.got...)
}

func newTestService(store *memStore) *Service {
	svc := NewService(store, zap.NewNop())
	svc.delays = []time.Duration{0, time.Millisecond, time.Millisecond}
	return svc
}

func waitAll(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	svc.Wait(ctx)
}

// ── Subscribe ────────────────────────────────────────────────────────────────

func TestSubscribe_validation(t *testing.T) {
	svc := newTestService(&memStore{})
	ctx := context.Background()

	cases := []struct {
		name string
		req  CreateSubscriptionRequest
		want error
	}{
		{"ftp scheme", CreateSubscriptionRequest{URL: "ftp://example.com/hook", Events: []string{EventDomainActive}}, ErrInvalidURL},
		{"relative url", CreateSubscriptionRequest{URL: "/hook", Events: []string{EventDomainActive}}, ErrInvalidURL},
		{"unknown event", CreateSubscriptionRequest{URL: "https://example.com/hook", Events: []string{"domain.deleted"}}, ErrInvalidEvent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Subscribe(ctx, "owner-1", &tc.req); !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestSubscribe_generatesSecret(t *testing.T) {
	store := &memStore{}
	svc := newTestService(store)

	sub, err := svc.Subscribe(context.Background(), "owner-1", &CreateSubscriptionRequest{
		URL:    "https://example.com/hook",
		Events: []string{EventDomainActive, EventCertFailed},
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if len(sub.Secret) != 64 {
		t.Errorf("secret length = %d, want 64 hex chars", len(sub.Secret))
	}
	if sub.OwnerID != "owner-1" || !sub.Active {
		t.Errorf("unexpected subscription %+v", sub)
	}
	raw, _ := json.Marshal(sub)
	if containsSecret(raw, sub.Secret) {
		t.Error("secret must not be serialised")
	}
}

func containsSecret(raw []byte, secret string) bool {
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	for _, v := range m {
		if s, ok := v.(string); ok && s == secret {
			return true
		}
	}
	return false
}

// ── Dispatch ─────────────────────────────────────────────────────────────────

func TestDispatch_signedDelivery(t *testing.T) {
	rcv := &receiver{}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	store := &memStore{}
	svc := newTestService(store)
	ctx := context.Background()
	sub, err := svc.Subscribe(ctx, "owner-1", &CreateSubscriptionRequest{URL: srv.URL, Events: []string{EventDomainActive}})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	svc.Dispatch(ctx, "owner-1", EventDomainActive, map[string]string{"hostname": "shop.example.com"})
	svc.Dispatch(ctx, "owner-2", EventDomainActive, map[string]string{"hostname": "other.example.com"})
	svc.Dispatch(ctx, "owner-1", EventCertFailed, nil)
	waitAll(t, svc)

	calls := rcv.calls()
	if len(calls) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(calls))
	}
	if !VerifySignature(calls[0].body, sub.Secret, calls[0].signature) {
		t.Error("signature does not verify")
	}
	var ev Event
	if err := json.Unmarshal(calls[0].body, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != EventDomainActive || ev.Payload["hostname"] != "shop.example.com" {
		t.Errorf("unexpected event %+v", ev)
	}

	recs := store.recorded()
	if len(recs) != 1 || !recs[0].Success || recs[0].StatusCode != http.StatusNoContent {
		t.Errorf("unexpected delivery log %+v", recs)
	}
}

func TestDispatch_retriesUntilSuccess(t *testing.T) {
	rcv := &receiver{failures: 2}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	store := &memStore{}
	svc := newTestService(store)
	var outcomes []bool
	var mu sync.Mutex
	svc.SetMetricsRecorder(func(ok bool) {
		mu.Lock()
		outcomes = append(outcomes, ok)
		mu.Unlock()
	})
	ctx := context.Background()
	if _, err := svc.Subscribe(ctx, "owner-1", &CreateSubscriptionRequest{URL: srv.URL, Events: []string{EventDomainError}}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	svc.Dispatch(ctx, "owner-1", EventDomainError, map[string]string{"reason": "cname missing"})
	waitAll(t, svc)

	recs := store.recorded()
	if len(recs) != 3 {
		t.Fatalf("attempts = %d, want 3", len(recs))
	}
	if recs[0].Success || recs[0].ErrorMessage != "HTTP 500" {
		t.Errorf("first attempt = %+v", recs[0])
	}
	if !recs[2].Success || recs[2].Attempt != 3 {
		t.Errorf("last attempt = %+v", recs[2])
	}
	mu.Lock()
	defer mu.Unlock()
	if len(outcomes) != 3 || !outcomes[2] {
		t.Errorf("metrics outcomes = %v", outcomes)
	}
}

func TestDispatch_givesUpAfterMaxAttempts(t *testing.T) {
	rcv := &receiver{failures: 10}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	store := &memStore{}
	svc := newTestService(store)
	ctx := context.Background()
	if _, err := svc.Subscribe(ctx, "owner-1", &CreateSubscriptionRequest{URL: srv.URL, Events: []string{EventDomainError}}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	svc.Dispatch(ctx, "owner-1", EventDomainError, nil)
	waitAll(t, svc)

	if got := len(rcv.calls()); got != len(svc.delays) {
		t.Errorf("calls = %d, want %d", got, len(svc.delays))
	}
}

// ── OnTransition ─────────────────────────────────────────────────────────────

func TestOnTransition(t *testing.T) {
	rcv := &receiver{}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	store := &memStore{}
	svc := newTestService(store)
	ctx := context.Background()
	all := []string{EventDomainActive, EventDomainPropagating, EventDomainError, EventCertDNSChallenge, EventCertFailed}
	if _, err := svc.Subscribe(ctx, "owner-1", &CreateSubscriptionRequest{URL: srv.URL, Events: all}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	prev := &model.Domain{
		ID:           uuid.New(),
		Hostname:     "shop.example.com",
		OwnerID:      "owner-1",
		DomainStatus: model.DomainStatusPropagating,
		CertStatus:   model.CertStatusPending,
	}
	svc.OnTransition(ctx, prev, model.Observation{
		DomainStatus: model.DomainStatusPropagating,
		CertStatus:   model.CertStatusDNSChallengeNeeded,
		Reason:       "publish the TXT record",
		ChallengeRecords: []model.ChallengeRecord{
			{Name: "_acme-challenge.shop.example.com", Value: "token-1"},
		},
	})
	waitAll(t, svc)

	calls := rcv.calls()
	if len(calls) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(calls))
	}
	var ev Event
	if err := json.Unmarshal(calls[0].body, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != EventCertDNSChallenge {
		t.Errorf("type = %q", ev.Type)
	}
	if ev.Payload["challenge_value"] != "token-1" || ev.Payload["domain_id"] != prev.ID.String() {
		t.Errorf("payload = %v", ev.Payload)
	}

	// Both statuses change: one event each.
	svc.OnTransition(ctx, prev, model.Observation{
		DomainStatus: model.DomainStatusActive,
		CertStatus:   model.CertStatusReady,
	})
	svc.OnTransition(ctx, prev, model.Observation{
		DomainStatus: model.DomainStatusError,
		CertStatus:   model.CertStatusFailed,
		Reason:       "issuance rejected",
	})
	waitAll(t, svc)

	types := map[string]int{}
	for _, c := range rcv.calls()[1:] {
		var e Event
		_ = json.Unmarshal(c.body, &e)
		types[e.Type]++
	}
	if types[EventDomainActive] != 1 || types[EventDomainError] != 1 || types[EventCertFailed] != 1 {
		t.Errorf("events = %v", types)
	}
}
