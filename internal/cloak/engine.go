// Package cloak decides, per edge request, whether to redirect a visitor
// to one of the domain's destinations or let the request pass through.
//
// The engine fails open: an unknown host, a lookup error, a missing or
// unusable destination and a redirect back to the inbound host all result
// in a pass-through, never an error response.
package cloak

import (
	"context"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/jmerrifield20/cloakgate/internal/domain/model"
	"github.com/jmerrifield20/cloakgate/internal/hostname"
)

// Action is what the edge should do with the request.
type Action int

const (
	ActionPass Action = iota
	ActionRedirect
)

func (a Action) String() string {
	if a == ActionRedirect {
		return "redirect"
	}
	return "pass"
}

// Decision reasons.
const (
	ReasonNoHost             = "no_host"
	ReasonPlatformHost       = "platform_host"
	ReasonUnmanaged          = "unmanaged"
	ReasonNoDestination      = "no_destination"
	ReasonInvalidDestination = "invalid_destination"
	ReasonLoopDetected       = "loop_detected"
	ReasonRedirected         = "redirected"
)

// HostFinder looks a normalized host up in the domain directory.
type HostFinder interface {
	FindByHostname(ctx context.Context, host string) (*model.Domain, error)
}

// Decision is the outcome for one request.
type Decision struct {
	Action    Action
	Location  string
	Reason    string
	Host      string
	Domain    *model.Domain // nil unless the host is managed
	Verdict   Verdict
	ClientIP  string
	UserAgent string
	Referer   string
}

// Intercepted reports whether the request belonged to a managed domain.
func (d Decision) Intercepted() bool { return d.Domain != nil }

// Config holds engine settings.
type Config struct {
	// InternalSuffixes are platform hostnames (and their subdomains) that
	// are never intercepted.
	InternalSuffixes []string
}

// MetricsRecordFunc is an optional callback for recording decisions.
type MetricsRecordFunc func(action, reason string)

// Engine makes routing decisions.
type Engine struct {
	finder     HostFinder
	classifier Classifier
	suffixes   []string
	onMetrics  MetricsRecordFunc
	logger     *zap.Logger
}

// NewEngine creates an Engine.
func NewEngine(finder HostFinder, classifier Classifier, cfg Config, logger *zap.Logger) *Engine {
	var suffixes []string
	for _, s := range cfg.InternalSuffixes {
		if s = hostname.Trim(s); s != "" {
			suffixes = append(suffixes, s)
		}
	}
	return &Engine{
		finder:     finder,
		classifier: classifier,
		suffixes:   suffixes,
		logger:     logger,
	}
}

// SetMetricsRecord configures the metrics recording callback.
func (e *Engine) SetMetricsRecord(fn MetricsRecordFunc) {
	e.onMetrics = fn
}

// Decide computes the decision for r. It never fails.
func (e *Engine) Decide(ctx context.Context, r *http.Request) Decision {
	dec := e.decide(ctx, r)
	if e.onMetrics != nil {
		e.onMetrics(dec.Action.String(), dec.Reason)
	}
	return dec
}

func (e *Engine) decide(ctx context.Context, r *http.Request) Decision {
	raw := r.Header.Get("X-Forwarded-Host")
	if raw == "" {
		raw = r.Host
	}
	host := hostname.Normalize(raw)
	if host == "" {
		return Decision{Reason: ReasonNoHost}
	}
	if e.isPlatformHost(host) {
		return Decision{Reason: ReasonPlatformHost, Host: host}
	}

	d, err := e.finder.FindByHostname(ctx, host)
	if err != nil || d == nil {
		return Decision{Reason: ReasonUnmanaged, Host: host}
	}

	dec := Decision{
		Host:      host,
		Domain:    d,
		ClientIP:  ClientIP(r),
		UserAgent: r.UserAgent(),
		Referer:   referer(r),
	}
	dec.Verdict = e.classifier.Classify(dec.UserAgent, d.Rules)

	raw = destinationFor(d, dec.Verdict.Class)
	if strings.TrimSpace(raw) == "" {
		dec.Reason = ReasonNoDestination
		return dec
	}
	location, ok := hostname.SafeURL(raw)
	if !ok {
		dec.Reason = ReasonInvalidDestination
		return dec
	}
	if hostname.URLHost(location) == host {
		dec.Reason = ReasonLoopDetected
		e.logger.Warn("cloak: destination redirects to its own host",
			zap.String("hostname", host),
			zap.String("destination", location),
			zap.String("owner_id", d.OwnerID),
			zap.String("domain_id", d.ID.String()),
		)
		return dec
	}

	dec.Action = ActionRedirect
	dec.Location = location
	dec.Reason = ReasonRedirected
	return dec
}

func (e *Engine) isPlatformHost(host string) bool {
	for _, s := range e.suffixes {
		if host == s || strings.HasSuffix(host, "."+s) {
			return true
		}
	}
	return false
}

// destinationFor sends bots to the white destination and visitors to the
// black one, unless the domain swaps them.
func destinationFor(d *model.Domain, class Classification) string {
	bot := class == ClassBot
	if d.Rules.SwapDestinations {
		bot = !bot
	}
	if bot {
		return d.WhiteDestination
	}
	return d.BlackDestination
}

// ClientIP returns the first X-Forwarded-For entry, else the socket address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func referer(r *http.Request) string {
	if v := r.Header.Get("Referer"); v != "" {
		return v
	}
	return r.Header.Get("Referrer")
}
