// Package events carries per-request hit and access records from the edge
// to analytics sinks without blocking the response.
package events

import (
	"context"
	"time"
)

// Kind distinguishes the analytics hit from the raw access record.
type Kind string

const (
	KindHit    Kind = "hit"
	KindAccess Kind = "access"
)

// Decision values as recorded for analytics.
const (
	DecisionFiltered = "filtered" // classified as a bot
	DecisionPassed   = "passed"   // classified as a visitor
)

// Event is one record emitted for an intercepted request.
type Event struct {
	Kind           Kind      `json:"kind"`
	Timestamp      time.Time `json:"timestamp"`
	Hostname       string    `json:"hostname"`
	Classification string    `json:"classification"`
	Decision       string    `json:"decision"`
	Reason         string    `json:"reason"`
	Destination    string    `json:"destination,omitempty"`
	Redirected     bool      `json:"redirected"`
	ClientIP       string    `json:"client_ip,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
	Referer        string    `json:"referer,omitempty"`
	Method         string    `json:"method,omitempty"`
	Path           string    `json:"path,omitempty"`
	OwnerID        string    `json:"owner_id"`
	DomainID       string    `json:"domain_id"`
}

// Sink persists or forwards events. Implementations may block; the
// Dispatcher bounds every call with a timeout.
type Sink interface {
	Name() string
	Write(ctx context.Context, e Event) error
}
