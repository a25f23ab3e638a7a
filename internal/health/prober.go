package health

import (
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Config holds prober configuration.
type Config struct {
	Scheme  string        // "https" unless overridden
	Path    string        // edge check path served for every managed host
	Timeout time.Duration // overall budget for one CheckReachable call
}

// Result is the outcome of a reachability probe.
type Result struct {
	OK         bool
	StatusCode int
}

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(ok bool)

// Prober checks that the platform edge answers for a customer hostname.
type Prober struct {
	httpClient *http.Client
	cfg        Config
	onMetrics  MetricsRecordFunc
	logger     *zap.Logger
}

// NewProber creates a Prober.
func NewProber(cfg Config, logger *zap.Logger) *Prober {
	if cfg.Scheme == "" {
		cfg.Scheme = "https"
	}
	if cfg.Path == "" {
		cfg.Path = "/__edge-check"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 4 * time.Second
	}
	return &Prober{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		cfg:    cfg,
		logger: logger,
	}
}

// SetMetricsRecord configures the metrics recording callback.
func (p *Prober) SetMetricsRecord(fn MetricsRecordFunc) {
	p.onMetrics = fn
}

// CheckReachable probes host with HEAD and falls back to a single GET when
// HEAD errors or answers outside 2xx/3xx. Timeouts, refused connections and
// TLS failures are reported as unreachable, never as errors.
func (p *Prober) CheckReachable(ctx context.Context, host string) Result {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	url := p.cfg.Scheme + "://" + host + p.cfg.Path

	res := p.probe(ctx, http.MethodHead, url)
	if !res.OK && ctx.Err() == nil {
		res = p.probe(ctx, http.MethodGet, url)
	}

	if p.onMetrics != nil {
		p.onMetrics(res.OK)
	}
	if !res.OK {
		p.logger.Debug("health: unreachable",
			zap.String("hostname", host),
			zap.Int("status", res.StatusCode),
		)
	}
	return res
}

func (p *Prober) probe(ctx context.Context, method, url string) Result {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return Result{}
	}
	req.Header.Set("User-Agent", "cloakgate-health/1")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Result{}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	return Result{
		OK:         resp.StatusCode >= 200 && resp.StatusCode < 400,
		StatusCode: resp.StatusCode,
	}
}
