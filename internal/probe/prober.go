// Package probe checks remote instances over HTTP.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ashita-ai/kizuna/internal/model"
)

// DefaultPath is the discovery document every fediverse server serves.
const DefaultPath = "/.well-known/nodeinfo"

// Prober issues a GET against each remote and times the response.
type Prober struct {
	httpClient *http.Client
	timeout    time.Duration
	urlFor     func(domain string) string
	now        func() time.Time
}

// Option configures a Prober.
type Option func(*Prober)

// WithURL overrides how a domain maps to a probe URL.
func WithURL(fn func(domain string) string) Option { return func(p *Prober) { p.urlFor = fn } }

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option { return func(p *Prober) { p.httpClient = c } }

// New creates a Prober that gives up on a remote after timeout.
func New(path string, timeout time.Duration, opts ...Option) *Prober {
	if path == "" {
		path = DefaultPath
	}
	p := &Prober{
		httpClient: &http.Client{
			// Per-probe deadlines come from the context; this only guards
			// against a context without one.
			Timeout: timeout + time.Second,
		},
		timeout: timeout,
		urlFor:  func(domain string) string { return "https://" + domain + path },
		now:     time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Probe contacts domain once. The sample is always usable: an unreachable
// remote yields Reachable=false along with the cause. A probe that runs past
// its deadline returns an error wrapping model.ErrTimeout.
func (p *Prober) Probe(ctx context.Context, domain string) (model.HealthSample, error) {
	sample := model.HealthSample{Domain: domain}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.urlFor(domain), nil)
	if err != nil {
		sample.ObservedAt = p.now().UTC()
		return sample, fmt.Errorf("probe: create request %s: %w", domain, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "kizuna-probe")

	start := p.now()
	resp, err := p.httpClient.Do(req)
	elapsed := p.now().Sub(start)
	sample.ObservedAt = p.now().UTC()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return sample, fmt.Errorf("probe: %s: %w after %s", domain, model.ErrTimeout, p.timeout)
		}
		return sample, fmt.Errorf("probe: %s: %w", domain, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return sample, fmt.Errorf("probe: %s: status %d", domain, resp.StatusCode)
	}
	sample.Reachable = true
	sample.ResponseTimeMS = float64(elapsed) / float64(time.Millisecond)
	return sample, nil
}
