package certs

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/go-acme/lego/v4/challenge/http01"
	"go.uber.org/zap"

	"github.com/jmerrifield20/cloakgate/internal/cfapi"
)

// TokenWriter stores HTTP-01 validation bodies so the edge can answer the
// certificate authority's challenge requests.
type TokenWriter interface {
	Put(ctx context.Context, host, token, body, ref string) error
}

// CloudflareConfig configures the Cloudflare for SaaS backend.
type CloudflareConfig struct {
	ZoneID    string // SaaS zone the custom hostnames live in
	SSLMethod string // "http" or "txt"
	Origin    string // optional custom origin server
}

// Cloudflare provisions certificates as Cloudflare custom hostnames.
type Cloudflare struct {
	api    *cfapi.Client
	tokens TokenWriter // nil = HTTP validation bodies are not stored
	cfg    CloudflareConfig
	logger *zap.Logger
}

// NewCloudflare creates a Cloudflare backend.
func NewCloudflare(api *cfapi.Client, tokens TokenWriter, cfg CloudflareConfig, logger *zap.Logger) *Cloudflare {
	if cfg.SSLMethod != "txt" {
		cfg.SSLMethod = "http"
	}
	return &Cloudflare{api: api, tokens: tokens, cfg: cfg, logger: logger}
}

func (c *Cloudflare) Name() string { return "cloudflare" }

// CheckCertificate returns ErrNotConfigured when no custom hostname exists.
func (c *Cloudflare) CheckCertificate(ctx context.Context, _, hostname string) (*IssuanceResult, error) {
	ch, err := c.api.FindCustomHostname(ctx, c.cfg.ZoneID, hostname)
	if err != nil {
		return nil, c.wrap("check", err)
	}
	if ch == nil {
		return nil, ErrNotConfigured
	}
	return c.result(ctx, ch), nil
}

// RequestCertificate creates the custom hostname unless it already exists.
func (c *Cloudflare) RequestCertificate(ctx context.Context, target, hostname string) (*IssuanceResult, error) {
	res, err := c.CheckCertificate(ctx, target, hostname)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, ErrNotConfigured) {
		return nil, err
	}

	ch, err := c.api.CreateCustomHostname(ctx, c.cfg.ZoneID, hostname, c.cfg.SSLMethod, c.cfg.Origin)
	if err != nil {
		return nil, c.wrap("request", err)
	}
	c.logger.Info("cloudflare: custom hostname created",
		zap.String("hostname", hostname),
		zap.String("id", ch.ID),
		zap.String("method", c.cfg.SSLMethod),
	)
	return c.result(ctx, ch), nil
}

// Release deletes the custom hostname identified by ref, or looked up by
// hostname when ref is empty.
func (c *Cloudflare) Release(ctx context.Context, hostname, ref string) error {
	id := ref
	if id == "" {
		ch, err := c.api.FindCustomHostname(ctx, c.cfg.ZoneID, hostname)
		if err != nil {
			return c.wrap("release", err)
		}
		if ch == nil {
			return nil
		}
		id = ch.ID
	}
	if err := c.api.DeleteCustomHostname(ctx, c.cfg.ZoneID, id); err != nil {
		return c.wrap("release", err)
	}
	return nil
}

func (c *Cloudflare) result(ctx context.Context, ch *cfapi.CustomHostname) *IssuanceResult {
	active := strings.EqualFold(ch.SSL.Status, "active")
	res := &IssuanceResult{
		Configured:   active || strings.EqualFold(ch.Status, "active"),
		Ready:        active,
		ClientStatus: ch.SSL.Status,
		Ref:          ch.ID,
	}

	for _, rec := range ch.SSL.ValidationRecords {
		switch {
		case rec.HTTPURL != "" && rec.HTTPBody != "":
			if c.storeHTTPToken(ctx, ch, rec) {
				res.HTTPOrALPNConfigured = true
			}
		case rec.TXTName != "" && rec.TXTValue != "" && res.DNSChallengeName == "":
			res.DNSChallengeName = rec.TXTName
			res.DNSChallengeTarget = rec.TXTValue
		}
	}
	if strings.EqualFold(ch.SSL.Method, "http") && c.tokens != nil {
		res.HTTPOrALPNConfigured = true
	}
	return res
}

// storeHTTPToken writes an HTTP-01 validation body to the token store,
// keyed by the custom hostname id so it can be cleaned up on release.
func (c *Cloudflare) storeHTTPToken(ctx context.Context, ch *cfapi.CustomHostname, rec cfapi.ValidationRecord) bool {
	if c.tokens == nil {
		return false
	}
	u, err := url.Parse(rec.HTTPURL)
	if err != nil {
		return false
	}
	prefix := http01.ChallengePath("")
	if !strings.HasPrefix(u.Path, prefix) {
		return false
	}
	token := strings.TrimPrefix(u.Path, prefix)
	host := u.Hostname()
	if host == "" {
		host = ch.Hostname
	}
	if err := c.tokens.Put(ctx, strings.ToLower(host), token, rec.HTTPBody, ch.ID); err != nil {
		c.logger.Warn("cloudflare: store http token", zap.String("hostname", host), zap.Error(err))
		return false
	}
	return true
}

func (c *Cloudflare) wrap(op string, err error) error {
	pe := &ProviderError{Provider: "cloudflare", Op: op, Transient: cfapi.IsTransient(err), Err: err}
	var apiErr *cfapi.APIError
	if errors.As(err, &apiErr) {
		pe.StatusCode = apiErr.StatusCode
	}
	return pe
}
