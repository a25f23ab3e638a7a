package model

import (
	"time"

	"github.com/google/uuid"
)

// DomainStatus is the derived lifecycle state of a customer domain.
// It is written only by the reconciliation engine.
type DomainStatus string

const (
	DomainStatusPending     DomainStatus = "PENDING"
	DomainStatusPropagating DomainStatus = "PROPAGATING"
	DomainStatusActive      DomainStatus = "ACTIVE"
	DomainStatusError       DomainStatus = "ERROR"
)

// CertStatus is the local view of the certificate provider's state.
type CertStatus string

const (
	CertStatusNone               CertStatus = "NONE"
	CertStatusPending            CertStatus = "PENDING"
	CertStatusDNSChallengeNeeded CertStatus = "DNS_CHALLENGE_NEEDED"
	CertStatusReady              CertStatus = "READY"
	CertStatusFailed             CertStatus = "FAILED"
)

// ChallengeRecord is a DNS record the customer must publish for DNS-01
// validation.
type ChallengeRecord struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Rules are per-domain classification overrides.
type Rules struct {
	// UABlock is a case-insensitive regular expression; a matching
	// user-agent is classified as a bot.
	UABlock string `json:"ua_block,omitempty"`
	// SwapDestinations sends bots to the black destination and humans to
	// the white one.
	SwapDestinations bool `json:"swap_destinations,omitempty"`
}

// Domain is one (tenant, customer hostname) record in the directory.
type Domain struct {
	ID               uuid.UUID         `json:"id"                          db:"id"`
	Hostname         string            `json:"hostname"                    db:"hostname"`
	Alias            string            `json:"alias,omitempty"             db:"alias"`
	InternalTarget   string            `json:"internal_target"             db:"internal_target"`
	OwnerID          string            `json:"owner_id"                    db:"owner_id"`
	WhiteDestination string            `json:"white_destination,omitempty" db:"white_destination"`
	BlackDestination string            `json:"black_destination,omitempty" db:"black_destination"`
	Rules            Rules             `json:"rules"                       db:"rules"`
	DomainStatus     DomainStatus      `json:"status"                      db:"domain_status"`
	CertStatus       CertStatus        `json:"cert_status"                 db:"cert_status"`
	LastReason       string            `json:"last_reason,omitempty"       db:"last_reason"`
	LastCheckedAt    *time.Time        `json:"last_checked_at,omitempty"   db:"last_checked_at"`
	ChallengeRecords []ChallengeRecord `json:"challenge_records"           db:"challenge_records"`
	ProviderRef      string            `json:"provider_ref,omitempty"      db:"provider_ref"`
	ProviderStatus   string            `json:"provider_status,omitempty"   db:"provider_status"`
	CreatedAt        time.Time         `json:"created_at"                  db:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"                  db:"updated_at"`
	// Generation is bumped by tenant updates and certificate retries.
	Generation       int64             `json:"-"                           db:"generation"`
}

// Clone returns a deep copy, safe to hand out from shared caches.
func (d *Domain) Clone() *Domain {
	if d == nil {
		return nil
	}
	cp := *d
	if d.LastCheckedAt != nil {
		t := *d.LastCheckedAt
		cp.LastCheckedAt = &t
	}
	if d.ChallengeRecords != nil {
		cp.ChallengeRecords = append([]ChallengeRecord(nil), d.ChallengeRecords...)
	}
	return &cp
}

// Observation is the outcome of one reconciliation pass. It is persisted as
// a single conditional update, only while the row still has the hostname
// and generation the pass evaluated.
type Observation struct {
	Hostname         string
	Generation       int64
	DomainStatus     DomainStatus
	CertStatus       CertStatus
	Reason           string
	CheckedAt        time.Time
	ChallengeRecords []ChallengeRecord
	ProviderRef      string
	ProviderStatus   string
}

// MergeChallengeRecords folds incoming records into existing ones keyed by
// name. A known name has its value replaced in place; new names are
// appended. Existing records are never dropped.
func MergeChallengeRecords(existing, incoming []ChallengeRecord) []ChallengeRecord {
	out := make([]ChallengeRecord, 0, len(existing)+len(incoming))
	out = append(out, existing...)
	for _, rec := range incoming {
		if rec.Name == "" || rec.Value == "" {
			continue
		}
		replaced := false
		for i := range out {
			if out[i].Name == rec.Name {
				out[i].Value = rec.Value
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, rec)
		}
	}
	return out
}

// CreateRequest is the payload for attaching a new customer domain.
type CreateRequest struct {
	Hostname         string `json:"hostname"          binding:"required"`
	WhiteDestination string `json:"white_destination"`
	BlackDestination string `json:"black_destination"`
	Rules            Rules  `json:"rules"`
}

// UpdateRequest is a partial update; nil fields are left untouched.
type UpdateRequest struct {
	Hostname         *string `json:"hostname,omitempty"`
	WhiteDestination *string `json:"white_destination,omitempty"`
	BlackDestination *string `json:"black_destination,omitempty"`
	Rules            *Rules  `json:"rules,omitempty"`
}

// StatusReport is returned by the status-check operation.
type StatusReport struct {
	DomainID         uuid.UUID         `json:"domain_id"`
	Hostname         string            `json:"hostname"`
	Status           DomainStatus      `json:"status"`
	CertStatus       CertStatus        `json:"cert_status"`
	Reason           string            `json:"reason"`
	CheckedAt        time.Time         `json:"checked_at"`
	Challenge        *ChallengeRecord  `json:"challenge,omitempty"`
	ChallengeRecords []ChallengeRecord `json:"challenge_records"`
	Provider         ProviderInfo      `json:"provider"`
}

// ProviderInfo mirrors the certificate provider's view for debugging.
type ProviderInfo struct {
	ClientStatus string `json:"client_status,omitempty"`
	Ref          string `json:"ref,omitempty"`
}

// PlanUsage is sourced from the usage collaborator.
type PlanUsage struct {
	MonthlyClicksUsed  int64 `json:"monthly_clicks_used"`
	MonthlyClicksLimit int64 `json:"monthly_clicks_limit"`
	ActiveDomainsUsed  int   `json:"active_domains_used"`
	ActiveDomainsLimit int   `json:"active_domains_limit"`
}

// Resolution is the routing configuration the edge asks for by host.
type Resolution struct {
	ID               uuid.UUID    `json:"id"`
	OwnerID          string       `json:"owner_id"`
	Hostname         string       `json:"host"`
	WhiteDestination string       `json:"white_destination,omitempty"`
	BlackDestination string       `json:"black_destination,omitempty"`
	Rules            Rules        `json:"rules"`
	Status           DomainStatus `json:"status"`
	PlanUsage        *PlanUsage   `json:"plan_usage,omitempty"`
}
