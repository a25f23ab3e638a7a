// Package certs wraps the external certificate issuance workflow behind a
// single Provisioner interface with interchangeable backends.
package certs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrNotConfigured is returned by CheckCertificate when the provider holds no
// certificate object for the hostname yet.
var ErrNotConfigured = errors.New("certificate not configured")

// IssuanceResult is the provider's view of one hostname's certificate.
type IssuanceResult struct {
	// Configured is true once the provider has an object for the hostname
	// that it considers correctly set up.
	Configured bool
	// Ready is true when a certificate is issued and being served.
	Ready bool
	// HTTPOrALPNConfigured is true when HTTP-01 or TLS-ALPN-01 validation
	// can proceed without tenant action.
	HTTPOrALPNConfigured bool
	DNSConfigured        bool
	ClientStatus         string
	DNSChallengeName     string
	DNSChallengeTarget   string
	Ref                  string
}

// NeedsDNSChallenge reports whether the tenant must publish a DNS-01 record
// because no other validation path is available.
func (r *IssuanceResult) NeedsDNSChallenge() bool {
	return !r.Ready && !r.HTTPOrALPNConfigured &&
		r.DNSChallengeName != "" && r.DNSChallengeTarget != ""
}

// Provisioner is implemented by every certificate backend. Request and
// check are idempotent: requesting twice never creates a second provider
// object.
type Provisioner interface {
	Name() string
	RequestCertificate(ctx context.Context, target, hostname string) (*IssuanceResult, error)
	CheckCertificate(ctx context.Context, target, hostname string) (*IssuanceResult, error)
	Release(ctx context.Context, hostname, ref string) error
}

// ProviderError wraps a failure returned by a backend.
type ProviderError struct {
	Provider   string
	Op         string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: HTTP %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried on a later pass rather
// than marking the certificate FAILED.
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
