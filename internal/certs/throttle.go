package certs

import (
	"context"

	"golang.org/x/time/rate"
)

type throttled struct {
	next    Provisioner
	limiter *rate.Limiter
}

// Throttled wraps p so that calls to the external API never exceed the
// limiter's rate. A call whose context ends while waiting fails with a
// transient ProviderError.
func Throttled(p Provisioner, limiter *rate.Limiter) Provisioner {
	if limiter == nil {
		return p
	}
	return &throttled{next: p, limiter: limiter}
}

func (t *throttled) Name() string { return t.next.Name() }

func (t *throttled) RequestCertificate(ctx context.Context, target, hostname string) (*IssuanceResult, error) {
	if err := t.wait(ctx, "request"); err != nil {
		return nil, err
	}
	return t.next.RequestCertificate(ctx, target, hostname)
}

func (t *throttled) CheckCertificate(ctx context.Context, target, hostname string) (*IssuanceResult, error) {
	if err := t.wait(ctx, "check"); err != nil {
		return nil, err
	}
	return t.next.CheckCertificate(ctx, target, hostname)
}

func (t *throttled) Release(ctx context.Context, hostname, ref string) error {
	if err := t.wait(ctx, "release"); err != nil {
		return err
	}
	return t.next.Release(ctx, hostname, ref)
}

func (t *throttled) wait(ctx context.Context, op string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return &ProviderError{Provider: t.next.Name(), Op: op, Transient: true, Err: err}
	}
	return nil
}
