package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/cloakgate/internal/domain/model"
)

var (
	// ErrInvalidEvent is returned when a subscription names an unknown event.
	ErrInvalidEvent = errors.New("unknown webhook event")

	// ErrInvalidURL is returned for non-http(s) delivery URLs.
	ErrInvalidURL = errors.New("webhook url must be absolute http or https")
)

// store is the persistence the Service needs. *Repository satisfies this.
type store interface {
	Create(ctx context.Context, sub *Subscription) error
	ListByOwner(ctx context.Context, ownerID string) ([]*Subscription, error)
	ListByEvent(ctx context.Context, ownerID, eventType string) ([]*Subscription, error)
	Delete(ctx context.Context, ownerID string, id uuid.UUID) error
	RecordDelivery(ctx context.Context, d *Delivery) error
}

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Service manages subscriptions and delivers events.
type Service struct {
	repo       store
	httpClient *http.Client
	delays     []time.Duration // wait before each attempt; len = max attempts
	onMetrics  MetricsRecorder
	inflight   sync.WaitGroup
	logger     *zap.Logger
}

// NewService creates a new webhook Service.
func NewService(repo store, logger *zap.Logger) *Service {
	return &Service{
		repo:       repo,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		delays:     []time.Duration{0, 1 * time.Second, 5 * time.Second, 25 * time.Second},
		logger:     logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (s *Service) SetMetricsRecorder(fn MetricsRecorder) {
	s.onMetrics = fn
}

// Subscribe creates a subscription with a generated HMAC secret.
func (s *Service) Subscribe(ctx context.Context, ownerID string, req *CreateSubscriptionRequest) (*Subscription, error) {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrInvalidURL
	}
	for _, ev := range req.Events {
		if !knownEvents[ev] {
			return nil, fmt.Errorf("%w: %q", ErrInvalidEvent, ev)
		}
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	sub := &Subscription{
		OwnerID: ownerID,
		URL:     u.String(),
		Events:  req.Events,
		Secret:  secret,
	}
	if err := s.repo.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	return sub, nil
}

// Unsubscribe deletes one of the tenant's subscriptions.
func (s *Service) Unsubscribe(ctx context.Context, ownerID string, id uuid.UUID) error {
	return s.repo.Delete(ctx, ownerID, id)
}

// ListByOwner returns the tenant's subscriptions.
func (s *Service) ListByOwner(ctx context.Context, ownerID string) ([]*Subscription, error) {
	return s.repo.ListByOwner(ctx, ownerID)
}

// OnTransition maps a persisted status change to webhook events. It matches
// reconcile.TransitionFunc.
func (s *Service) OnTransition(ctx context.Context, prev *model.Domain, obs model.Observation) {
	payload := map[string]string{
		"domain_id":   prev.ID.String(),
		"hostname":    prev.Hostname,
		"status":      string(obs.DomainStatus),
		"cert_status": string(obs.CertStatus),
		"reason":      obs.Reason,
	}

	if obs.DomainStatus != prev.DomainStatus {
		switch obs.DomainStatus {
		case model.DomainStatusActive:
			s.Dispatch(ctx, prev.OwnerID, EventDomainActive, payload)
		case model.DomainStatusPropagating:
			s.Dispatch(ctx, prev.OwnerID, EventDomainPropagating, payload)
		case model.DomainStatusError:
			s.Dispatch(ctx, prev.OwnerID, EventDomainError, payload)
		}
	}
	if obs.CertStatus != prev.CertStatus {
		switch obs.CertStatus {
		case model.CertStatusFailed:
			s.Dispatch(ctx, prev.OwnerID, EventCertFailed, payload)
		case model.CertStatusDNSChallengeNeeded:
			p := make(map[string]string, len(payload)+2)
			for k, v := range payload {
				p[k] = v
			}
			if n := len(obs.ChallengeRecords); n > 0 {
				p["challenge_name"] = obs.ChallengeRecords[n-1].Name
				p["challenge_value"] = obs.ChallengeRecords[n-1].Value
			}
			s.Dispatch(ctx, prev.OwnerID, EventCertDNSChallenge, p)
		}
	}
}

// Dispatch fans an event out to the tenant's matching subscriptions.
// Deliveries run in the background and outlive ctx.
func (s *Service) Dispatch(ctx context.Context, ownerID, eventType string, payload map[string]string) {
	subs, err := s.repo.ListByEvent(ctx, ownerID, eventType)
	if err != nil {
		s.logger.Error("webhook: list subscribers",
			zap.String("owner_id", ownerID),
			zap.String("event", eventType),
			zap.Error(err),
		)
		return
	}
	if len(subs) == 0 {
		return
	}

	event := Event{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	for _, sub := range subs {
		s.inflight.Add(1)
		go func(sub *Subscription) {
			defer s.inflight.Done()
			s.deliver(sub, event)
		}(sub)
	}
}

// Wait blocks until in-flight deliveries finish or ctx ends.
func (s *Service) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("webhook: shutdown with deliveries in flight")
	}
}

// deliver sends the event to a single subscription with retries.
func (s *Service) deliver(sub *Subscription, event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("webhook: marshal event", zap.Error(err))
		return
	}
	signature := signPayload(body, sub.Secret)

	for i, delay := range s.delays {
		attempt := i + 1
		if delay > 0 {
			time.Sleep(delay)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		success, statusCode, errMsg := s.doDelivery(ctx, sub.URL, body, signature)

		delivery := &Delivery{
			SubscriptionID: sub.ID,
			EventID:        event.ID,
			EventType:      event.Type,
			Payload:        event.Payload,
			StatusCode:     statusCode,
			Attempt:        attempt,
			Success:        success,
			ErrorMessage:   errMsg,
		}
		if recordErr := s.repo.RecordDelivery(ctx, delivery); recordErr != nil {
			s.logger.Warn("webhook: record delivery", zap.Error(recordErr))
		}
		cancel()

		if s.onMetrics != nil {
			s.onMetrics(success)
		}
		if success {
			return
		}

		s.logger.Warn("webhook: delivery failed",
			zap.String("url", sub.URL),
			zap.String("event", event.Type),
			zap.Int("attempt", attempt),
			zap.String("error", errMsg),
		)
	}
}

// doDelivery performs a single HTTP POST delivery.
func (s *Service) doDelivery(ctx context.Context, url string, body []byte, signature string) (bool, int, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, 0, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, 0, err.Error()
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	errMsg := ""
	if !success {
		errMsg = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return success, resp.StatusCode, errMsg
}

// signPayload computes an HMAC-SHA256 signature.
func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches body under secret.
// Receivers use it to authenticate deliveries.
func VerifySignature(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(signPayload(body, secret)), []byte(signature))
}

// generateSecret creates a random 32-byte hex-encoded secret.
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
