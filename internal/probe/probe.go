// Package probe implements bounded-retry readiness checks. The retry loop is
// generic over a Prober so any reachability test can gate subprocess
// sequencing, not only the HTTP ping used by the backend.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Defaults bound worst-case startup latency to Attempts x Interval.
const (
	DefaultAttempts = 30
	DefaultInterval = 10 * time.Second
	DefaultSettle   = 2 * time.Second
)

// pingPath is the readiness endpoint served by the supervised backend.
const pingPath = "/api/1/ping"

// ErrUnavailable is returned once the attempt ceiling is exhausted.
var ErrUnavailable = errors.New("probe: target did not become available")

// Prober is a single readiness attempt. A nil error means ready.
type Prober interface {
	Probe(ctx context.Context) error
}

// Policy bounds a probe run. Zero fields take the package defaults; a
// negative Settle disables the initial delay.
type Policy struct {
	Attempts int
	Interval time.Duration
	Settle   time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultAttempts
	}
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}
	if p.Settle == 0 {
		p.Settle = DefaultSettle
	}
	return p
}

// Run waits out the settle delay, then probes at most pol.Attempts times with
// pol.Interval between failed attempts. The first success ends the run. Once
// the ceiling is exhausted the last attempt error is wrapped in
// ErrUnavailable; the run never retries beyond the ceiling.
func Run(ctx context.Context, p Prober, pol Policy) error {
	pol = pol.withDefaults()

	if pol.Settle > 0 {
		if err := sleep(ctx, pol.Settle); err != nil {
			return err
		}
	}

	var lastErr error
	for attempt := 1; attempt <= pol.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = p.Probe(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt < pol.Attempts {
			if err := sleep(ctx, pol.Interval); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrUnavailable, pol.Attempts, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// HTTPProber issues a GET against URL; only HTTP 200 counts as ready.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// NewPing builds the prober for the backend readiness endpoint under baseURL.
func NewPing(baseURL string) HTTPProber {
	return HTTPProber{URL: strings.TrimRight(baseURL, "/") + pingPath}
}

func (p HTTPProber) Probe(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("probe: build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe: status=%d", resp.StatusCode)
	}
	return nil
}

// CheckAvailability polls the backend ping endpoint and reports the outcome
// as a boolean; exhausting the ceiling is not an error from the caller's
// point of view, just "not reachable".
func CheckAvailability(ctx context.Context, baseURL string, attempts int, interval time.Duration) bool {
	err := Run(ctx, NewPing(baseURL), Policy{Attempts: attempts, Interval: interval})
	return err == nil
}
