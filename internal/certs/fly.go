package certs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultFlyAPIURL is the Fly.io GraphQL endpoint.
const DefaultFlyAPIURL = "https://api.fly.io/graphql"

// FlyConfig configures the Fly.io backend.
type FlyConfig struct {
	APIURL string
	Token  string
	App    string
}

// Fly provisions certificates through the Fly.io GraphQL API.
type Fly struct {
	cfg        FlyConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// NewFly creates a Fly backend.
func NewFly(cfg FlyConfig, logger *zap.Logger) *Fly {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultFlyAPIURL
	}
	return &Fly{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

func (f *Fly) Name() string { return "fly" }

type flyCertificate struct {
	ID                    string  `json:"id"`
	Hostname              string  `json:"hostname"`
	Configured            bool    `json:"configured"`
	ClientStatus          string  `json:"clientStatus"`
	IsAcmeHTTPConfigured  bool    `json:"isAcmeHttpConfigured"`
	AcmeALPNConfigured    bool    `json:"acmeAlpnConfigured"`
	AcmeDNSConfigured     bool    `json:"acmeDnsConfigured"`
	DNSValidationHostname *string `json:"dnsValidationHostname"`
	DNSValidationTarget   *string `json:"dnsValidationTarget"`
}

const flyCertFields = `
	id
	hostname
	configured
	clientStatus
	isAcmeHttpConfigured
	acmeAlpnConfigured
	acmeDnsConfigured
	dnsValidationHostname
	dnsValidationTarget`

const flyCheckQuery = `query CheckCert($appName: String!, $hostname: String!) {
	app(name: $appName) {
		certificate(hostname: $hostname) {` + flyCertFields + `
		}
	}
}`

const flyAddMutation = `mutation AddCert($appId: ID!, $hostname: String!) {
	addCertificate(appId: $appId, hostname: $hostname) {
		certificate {` + flyCertFields + `
		}
	}
}`

const flyDeleteMutation = `mutation DeleteCert($appId: ID!, $hostname: String!) {
	deleteCertificate(appId: $appId, hostname: $hostname) {
		app { name }
	}
}`

// CheckCertificate returns ErrNotConfigured when the app has no certificate
// for hostname.
func (f *Fly) CheckCertificate(ctx context.Context, _, hostname string) (*IssuanceResult, error) {
	var data struct {
		App *struct {
			Certificate *flyCertificate `json:"certificate"`
		} `json:"app"`
	}
	vars := map[string]any{"appName": f.cfg.App, "hostname": hostname}
	if err := f.gql(ctx, "check", flyCheckQuery, vars, &data); err != nil {
		if isFlyNotFound(err) {
			return nil, ErrNotConfigured
		}
		return nil, err
	}
	if data.App == nil || data.App.Certificate == nil {
		return nil, ErrNotConfigured
	}
	return flyResult(data.App.Certificate), nil
}

// RequestCertificate adds a certificate for hostname unless one exists.
func (f *Fly) RequestCertificate(ctx context.Context, target, hostname string) (*IssuanceResult, error) {
	res, err := f.CheckCertificate(ctx, target, hostname)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, ErrNotConfigured) {
		return nil, err
	}

	var data struct {
		AddCertificate struct {
			Certificate *flyCertificate `json:"certificate"`
		} `json:"addCertificate"`
	}
	vars := map[string]any{"appId": f.cfg.App, "hostname": hostname}
	if err := f.gql(ctx, "request", flyAddMutation, vars, &data); err != nil {
		return nil, err
	}
	if data.AddCertificate.Certificate == nil {
		return nil, &ProviderError{Provider: "fly", Op: "request", Err: errors.New("empty certificate in response")}
	}
	f.logger.Info("fly: certificate requested", zap.String("hostname", hostname))
	return flyResult(data.AddCertificate.Certificate), nil
}

// Release deletes the certificate for hostname. A missing certificate is
// not an error.
func (f *Fly) Release(ctx context.Context, hostname, _ string) error {
	vars := map[string]any{"appId": f.cfg.App, "hostname": hostname}
	err := f.gql(ctx, "release", flyDeleteMutation, vars, nil)
	if isFlyNotFound(err) {
		return nil
	}
	return err
}

func flyResult(c *flyCertificate) *IssuanceResult {
	res := &IssuanceResult{
		Configured:           c.Configured,
		Ready:                c.Configured && strings.EqualFold(c.ClientStatus, "Ready"),
		HTTPOrALPNConfigured: c.IsAcmeHTTPConfigured || c.AcmeALPNConfigured,
		DNSConfigured:        c.AcmeDNSConfigured,
		ClientStatus:         c.ClientStatus,
		Ref:                  c.ID,
	}
	if c.DNSValidationHostname != nil {
		res.DNSChallengeName = *c.DNSValidationHostname
	}
	if c.DNSValidationTarget != nil {
		res.DNSChallengeTarget = *c.DNSValidationTarget
	}
	return res
}

// isFlyNotFound matches the GraphQL errors Fly returns for a missing
// certificate.
func isFlyNotFound(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.StatusCode != 0 || pe.Transient {
		return false
	}
	msg := strings.ToLower(pe.Err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "could not find")
}

type gqlError struct {
	Message string `json:"message"`
}

func (f *Fly) gql(ctx context.Context, op, query string, vars map[string]any, out any) error {
	body, err := json.Marshal(map[string]any{"query": query, "variables": vars})
	if err != nil {
		return &ProviderError{Provider: "fly", Op: op, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return &ProviderError{Provider: "fly", Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.cfg.Token)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return &ProviderError{Provider: "fly", Op: op, Transient: true, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &ProviderError{Provider: "fly", Op: op, Transient: true, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode >= 300 {
		return &ProviderError{
			Provider:   "fly",
			Op:         op,
			StatusCode: resp.StatusCode,
			Transient:  transientStatus(resp.StatusCode),
			Err:        errors.New(strings.TrimSpace(string(raw))),
		}
	}

	var env struct {
		Data   json.RawMessage `json:"data"`
		Errors []gqlError      `json:"errors"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return &ProviderError{Provider: "fly", Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(env.Errors) > 0 {
		msgs := make([]string, 0, len(env.Errors))
		for _, e := range env.Errors {
			msgs = append(msgs, e.Message)
		}
		return &ProviderError{Provider: "fly", Op: op, Err: errors.New(strings.Join(msgs, " | "))}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &ProviderError{Provider: "fly", Op: op, Err: fmt.Errorf("decode data: %w", err)}
		}
	}
	return nil
}
