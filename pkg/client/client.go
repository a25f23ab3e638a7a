package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when the domain does not exist or belongs to
	// another tenant.
	ErrNotFound = errors.New("domain not found")

	// ErrConflict is returned when the hostname is already claimed.
	ErrConflict = errors.New("hostname already claimed")

	// ErrUnauthorized is returned when the credentials were rejected.
	ErrUnauthorized = errors.New("unauthorized")
)

// APIError is a non-2xx response that does not map to a sentinel error.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Message)
}

// Rules are per-domain classification overrides.
type Rules struct {
	UABlock          string `json:"ua_block,omitempty"`
	SwapDestinations bool   `json:"swap_destinations,omitempty"`
}

// ChallengeRecord is a DNS record the customer must publish.
type ChallengeRecord struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Domain is a managed customer domain.
type Domain struct {
	ID               string            `json:"id"`
	Hostname         string            `json:"hostname"`
	Alias            string            `json:"alias,omitempty"`
	InternalTarget   string            `json:"internal_target"`
	OwnerID          string            `json:"owner_id"`
	WhiteDestination string            `json:"white_destination,omitempty"`
	BlackDestination string            `json:"black_destination,omitempty"`
	Rules            Rules             `json:"rules"`
	Status           string            `json:"status"`
	CertStatus       string            `json:"cert_status"`
	LastReason       string            `json:"last_reason,omitempty"`
	LastCheckedAt    *time.Time        `json:"last_checked_at,omitempty"`
	ChallengeRecords []ChallengeRecord `json:"challenge_records"`
	ProviderRef      string            `json:"provider_ref,omitempty"`
	ProviderStatus   string            `json:"provider_status,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// StatusReport is the result of a status check or a retry.
type StatusReport struct {
	DomainID         string            `json:"domain_id"`
	Hostname         string            `json:"hostname"`
	Status           string            `json:"status"`
	CertStatus       string            `json:"cert_status"`
	Reason           string            `json:"reason"`
	CheckedAt        time.Time         `json:"checked_at"`
	Challenge        *ChallengeRecord  `json:"challenge,omitempty"`
	ChallengeRecords []ChallengeRecord `json:"challenge_records"`
	Provider         struct {
		ClientStatus string `json:"client_status,omitempty"`
		Ref          string `json:"ref,omitempty"`
	} `json:"provider"`
}

// PlanUsage is the tenant's current consumption.
type PlanUsage struct {
	MonthlyClicksUsed  int64 `json:"monthly_clicks_used"`
	MonthlyClicksLimit int64 `json:"monthly_clicks_limit"`
	ActiveDomainsUsed  int   `json:"active_domains_used"`
	ActiveDomainsLimit int   `json:"active_domains_limit"`
}

// Resolution is the routing configuration served to the edge.
type Resolution struct {
	ID               string     `json:"id"`
	OwnerID          string     `json:"owner_id"`
	Host             string     `json:"host"`
	WhiteDestination string     `json:"white_destination,omitempty"`
	BlackDestination string     `json:"black_destination,omitempty"`
	Rules            Rules      `json:"rules"`
	Status           string     `json:"status"`
	PlanUsage        *PlanUsage `json:"plan_usage,omitempty"`
}

// CreateDomainRequest is the payload for CreateDomain.
type CreateDomainRequest struct {
	Hostname         string `json:"hostname"`
	WhiteDestination string `json:"white_destination,omitempty"`
	BlackDestination string `json:"black_destination,omitempty"`
	Rules            Rules  `json:"rules"`
}

// UpdateDomainRequest is a partial update; nil fields are left untouched.
type UpdateDomainRequest struct {
	Hostname         *string `json:"hostname,omitempty"`
	WhiteDestination *string `json:"white_destination,omitempty"`
	BlackDestination *string `json:"black_destination,omitempty"`
	Rules            *Rules  `json:"rules,omitempty"`
}

// Webhook is a tenant's subscription to lifecycle events.
type Webhook struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Client talks to the CloakGate tenant API.
type Client struct {
	base       string
	httpClient *http.Client
	cache      *resolveCache

	bearerToken string
	ownerID     string
	edgeKey     string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches a tenant JWT to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithOwnerID sets the owner header accepted by servers running without a
// JWT secret. Development only.
func WithOwnerID(owner string) Option {
	return func(c *Client) error {
		c.ownerID = owner
		return nil
	}
}

// WithEdgeKey sets the shared key required by the resolve endpoint.
func WithEdgeKey(key string) Option {
	return func(c *Client) error {
		c.edgeKey = key
		return nil
	}
}

// WithCacheTTL enables in-memory caching of Resolve results.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) error {
		if ttl <= 0 {
			return fmt.Errorf("cache ttl must be positive")
		}
		c.cache = newResolveCache(ttl)
		return nil
	}
}

// New creates a Client for the API at base, e.g. "http://localhost:8080".
func New(base string, opts ...Option) (*Client, error) {
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// CreateDomain attaches a new customer hostname. The returned domain
// reflects the first reconciliation pass.
func (c *Client) CreateDomain(ctx context.Context, req CreateDomainRequest) (*Domain, error) {
	var d Domain
	if err := c.call(ctx, http.MethodPost, "/api/v1/domains", req, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDomains returns the caller's domains, newest first.
func (c *Client) ListDomains(ctx context.Context) ([]Domain, error) {
	var out struct {
		Domains []Domain `json:"domains"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/domains", nil, &out); err != nil {
		return nil, err
	}
	return out.Domains, nil
}

// GetDomain fetches one domain by id.
func (c *Client) GetDomain(ctx context.Context, id string) (*Domain, error) {
	var d Domain
	if err := c.call(ctx, http.MethodGet, "/api/v1/domains/"+url.PathEscape(id), nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// UpdateDomain applies a partial update.
func (c *Client) UpdateDomain(ctx context.Context, id string, req UpdateDomainRequest) (*Domain, error) {
	var d Domain
	if err := c.call(ctx, http.MethodPatch, "/api/v1/domains/"+url.PathEscape(id), req, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// DeleteDomain removes a domain and its provider-side objects.
func (c *Client) DeleteDomain(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/api/v1/domains/"+url.PathEscape(id), nil, nil)
}

// CheckStatus runs one reconciliation pass and returns its report.
func (c *Client) CheckStatus(ctx context.Context, id string) (*StatusReport, error) {
	var rep StatusReport
	if err := c.call(ctx, http.MethodGet, "/api/v1/domains/"+url.PathEscape(id)+"/status", nil, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// RetryProvisioning resets a failed certificate and reconciles again.
func (c *Client) RetryProvisioning(ctx context.Context, id string) (*StatusReport, error) {
	var rep StatusReport
	if err := c.call(ctx, http.MethodPost, "/api/v1/domains/"+url.PathEscape(id)+"/retry", nil, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// CountActive returns the number of the caller's ACTIVE domains.
func (c *Client) CountActive(ctx context.Context) (int, error) {
	var out struct {
		Active int `json:"active"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/domains/count/active", nil, &out); err != nil {
		return 0, err
	}
	return out.Active, nil
}

// Resolve returns the routing configuration for host as the edge sees it.
// Results are cached when WithCacheTTL was given.
func (c *Client) Resolve(ctx context.Context, host string) (*Resolution, error) {
	if c.cache != nil {
		if res, ok := c.cache.get(host); ok {
			return res, nil
		}
	}

	var res Resolution
	if err := c.call(ctx, http.MethodGet, "/api/v1/domains/resolve?host="+url.QueryEscape(host), nil, &res); err != nil {
		return nil, err
	}

	if c.cache != nil {
		c.cache.set(host, &res)
	}
	return &res, nil
}

// HTTPToken fetches a stored HTTP-01 validation body.
func (c *Client) HTTPToken(ctx context.Context, host, token string) (string, error) {
	q := url.Values{"host": {host}, "token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/v1/acme/http-token?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	body, err := c.do(req)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// CreateWebhook subscribes url to events. The returned secret signs every
// delivery and is only shown once.
func (c *Client) CreateWebhook(ctx context.Context, hookURL string, events []string) (*Webhook, string, error) {
	req := map[string]any{"url": hookURL, "events": events}
	var out struct {
		Subscription Webhook `json:"subscription"`
		Secret       string  `json:"secret"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/v1/webhooks", req, &out); err != nil {
		return nil, "", err
	}
	return &out.Subscription, out.Secret, nil
}

// ListWebhooks returns the caller's webhook subscriptions.
func (c *Client) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	var out struct {
		Subscriptions []Webhook `json:"subscriptions"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/webhooks", nil, &out); err != nil {
		return nil, err
	}
	return out.Subscriptions, nil
}

// DeleteWebhook removes a webhook subscription.
func (c *Client) DeleteWebhook(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/api/v1/webhooks/"+url.PathEscape(id), nil, nil)
}

func (c *Client) call(ctx context.Context, method, path string, reqBody, respBody any) error {
	var bodyReader io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return err
	}
	if respBody != nil && len(body) > 0 {
		if err := json.Unmarshal(body, respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// do executes an HTTP request with the configured credentials.
func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
	if c.ownerID != "" {
		req.Header.Set("X-Owner-ID", c.ownerID)
	}
	if c.edgeKey != "" {
		req.Header.Set("X-Edge-Key", c.edgeKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		return nil, ErrConflict
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, errorMessage(body))
	case resp.StatusCode >= 300:
		return nil, &APIError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}
	return body, nil
}

func errorMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(body))
}

// --- simple in-memory resolve cache ---

type cacheEntry struct {
	result    *Resolution
	expiresAt time.Time
}

type resolveCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

func newResolveCache(ttl time.Duration) *resolveCache {
	return &resolveCache{entries: make(map[string]*cacheEntry), ttl: ttl}
}

func (rc *resolveCache) get(key string) (*Resolution, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	e, ok := rc.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.result, true
}

func (rc *resolveCache) set(key string, result *Resolution) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.entries[key] = &cacheEntry{result: result, expiresAt: time.Now().Add(rc.ttl)}
}
