// Package dns observes how a customer hostname is delegated in public DNS.
//
// Lookups go straight to configured recursive resolvers. Any transient
// failure (timeout, SERVFAIL, REFUSED, network error) yields an empty
// Delegation so that callers treat it as "not propagated yet".
package dns

import (
	"context"
	"time"

	mdns "github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/jmerrifield20/cloakgate/internal/hostname"
)

// DefaultResolvers are used when no resolvers are configured.
var DefaultResolvers = []string{"1.1.1.1:53", "8.8.8.8:53"}

// Delegation is what the verifier observed for a hostname.
//
// Targets holds the CNAME targets in answer order. Flattened is set when the
// name resolved to address records with no visible alias, which is distinct
// from not resolving at all.
type Delegation struct {
	Targets   []string
	Flattened bool
}

// Empty reports whether nothing was observed.
func (d Delegation) Empty() bool {
	return len(d.Targets) == 0 && !d.Flattened
}

// Config holds verifier settings.
type Config struct {
	Resolvers []string
	Timeout   time.Duration // per query
}

// Verifier resolves delegation for customer hostnames.
type Verifier struct {
	resolvers []string
	client    *mdns.Client
	timeout   time.Duration
	logger    *zap.Logger
}

// NewVerifier creates a Verifier.
func NewVerifier(cfg Config, logger *zap.Logger) *Verifier {
	if len(cfg.Resolvers) == 0 {
		cfg.Resolvers = DefaultResolvers
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Verifier{
		resolvers: cfg.Resolvers,
		client:    &mdns.Client{Timeout: cfg.Timeout},
		timeout:   cfg.Timeout,
		logger:    logger,
	}
}

type outcome int

const (
	outcomeAnswer outcome = iota
	outcomeNoData         // NXDOMAIN or NOERROR without usable records
	outcomeTransient
)

// ResolveDelegation looks up host's CNAME and falls back to A then AAAA when
// the CNAME lookup found nothing. It never returns an error.
func (v *Verifier) ResolveDelegation(ctx context.Context, host string) Delegation {
	name := mdns.Fqdn(host)

	targets, _, res := v.lookup(ctx, name, mdns.TypeCNAME)
	switch res {
	case outcomeTransient:
		return Delegation{}
	case outcomeAnswer:
		if len(targets) > 0 {
			return Delegation{Targets: targets}
		}
	}

	for _, qtype := range []uint16{mdns.TypeA, mdns.TypeAAAA} {
		targets, addrs, res := v.lookup(ctx, name, qtype)
		if res == outcomeTransient {
			return Delegation{}
		}
		if len(targets) > 0 {
			return Delegation{Targets: targets}
		}
		if addrs > 0 {
			return Delegation{Flattened: true}
		}
	}
	return Delegation{}
}

// lookup asks each resolver in turn until one gives a definitive answer.
// It returns the CNAME targets and the number of address records seen.
func (v *Verifier) lookup(ctx context.Context, name string, qtype uint16) ([]string, int, outcome) {
	msg := new(mdns.Msg)
	msg.SetQuestion(name, qtype)
	msg.RecursionDesired = true

	for _, server := range v.resolvers {
		if ctx.Err() != nil {
			break
		}
		qctx, cancel := context.WithTimeout(ctx, v.timeout)
		resp, _, err := v.client.ExchangeContext(qctx, msg, server)
		cancel()
		if err != nil {
			v.logger.Debug("dns: exchange failed",
				zap.String("name", name),
				zap.String("type", mdns.TypeToString[qtype]),
				zap.String("resolver", server),
				zap.Error(err),
			)
			continue
		}
		if resp == nil {
			continue
		}

		switch resp.Rcode {
		case mdns.RcodeSuccess:
		case mdns.RcodeNameError:
			return nil, 0, outcomeNoData
		default:
			v.logger.Debug("dns: resolver error",
				zap.String("name", name),
				zap.String("resolver", server),
				zap.String("rcode", mdns.RcodeToString[resp.Rcode]),
			)
			continue
		}

		var (
			targets []string
			addrs   int
		)
		for _, rr := range resp.Answer {
			switch rec := rr.(type) {
			case *mdns.CNAME:
				if t := hostname.Trim(rec.Target); t != "" {
					targets = append(targets, t)
				}
			case *mdns.A, *mdns.AAAA:
				addrs++
			}
		}
		if len(targets) == 0 && addrs == 0 {
			return nil, 0, outcomeNoData
		}
		return targets, addrs, outcomeAnswer
	}
	return nil, 0, outcomeTransient
}
