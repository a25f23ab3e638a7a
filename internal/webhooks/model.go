// Package webhooks notifies tenants of domain lifecycle transitions by
// POSTing signed JSON to the URLs they subscribe.
package webhooks

import (
	"time"

	"github.com/google/uuid"
)

// Event types dispatched by the system.
const (
	EventDomainActive      = "domain.active"
	EventDomainPropagating = "domain.propagating"
	EventDomainError       = "domain.error"
	EventCertDNSChallenge  = "cert.dns_challenge"
	EventCertFailed        = "cert.failed"
)

var knownEvents = map[string]bool{
	EventDomainActive:      true,
	EventDomainPropagating: true,
	EventDomainError:       true,
	EventCertDNSChallenge:  true,
	EventCertFailed:        true,
}

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-CloakGate-Signature"

// Subscription is a tenant's subscription to webhook events.
type Subscription struct {
	ID        uuid.UUID `json:"id"         db:"id"`
	OwnerID   string    `json:"owner_id"   db:"owner_id"`
	URL       string    `json:"url"        db:"url"`
	Events    []string  `json:"events"     db:"events"`
	Secret    string    `json:"-"          db:"secret"` // never returned in API responses
	Active    bool      `json:"active"     db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Event is delivered to matching subscriptions.
type Event struct {
	ID        uuid.UUID         `json:"id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}

// Delivery records the outcome of a single delivery attempt.
type Delivery struct {
	ID             uuid.UUID         `json:"id"              db:"id"`
	SubscriptionID uuid.UUID         `json:"subscription_id" db:"subscription_id"`
	EventID        uuid.UUID         `json:"event_id"        db:"event_id"`
	EventType      string            `json:"event_type"      db:"event_type"`
	Payload        map[string]string `json:"payload"         db:"payload"`
	StatusCode     int               `json:"status_code"     db:"status_code"`
	Attempt        int               `json:"attempt"         db:"attempt"`
	Success        bool              `json:"success"         db:"success"`
	ErrorMessage   string            `json:"error_message"   db:"error_message"`
	DeliveredAt    time.Time         `json:"delivered_at"    db:"delivered_at"`
}

// CreateSubscriptionRequest is the payload for creating a subscription.
type CreateSubscriptionRequest struct {
	URL    string   `json:"url"    binding:"required,url"`
	Events []string `json:"events" binding:"required,min=1"`
}
