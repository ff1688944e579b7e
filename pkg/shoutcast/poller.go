package shoutcast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/grafana/dskit/backoff"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrStatusTimeout is returned by Poll once failures have persisted for longer
// than the configured timeout.
var ErrStatusTimeout = errors.New("status poll timed out")

// TitleFallback supplies a title when the status document has none. An empty
// result means the fallback has nothing either.
type TitleFallback func(ctx context.Context) string

type PollerConfig struct {
	// RetryInterval is the fixed wait between failed attempts.
	RetryInterval time.Duration
	// Timeout bounds one burst of failures; zero retries forever.
	Timeout time.Duration
}

// StatusPoller fetches the server's status document and resolves the current
// title.
type StatusPoller struct {
	url       string
	cfg       PollerConfig
	client    *http.Client
	logger    *slog.Logger
	fallbacks []TitleFallback
	failures  prometheus.Counter
	now       func() time.Time

	mu          sync.Mutex
	placeholder string
}

type PollerOption func(*StatusPoller)

func WithHTTPClient(c *http.Client) PollerOption {
	return func(p *StatusPoller) { p.client = c }
}

// WithTitleFallbacks adds title sources consulted in order.
func WithTitleFallbacks(f ...TitleFallback) PollerOption {
	return func(p *StatusPoller) { p.fallbacks = append(p.fallbacks, f...) }
}

func WithFailureCounter(c prometheus.Counter) PollerOption {
	return func(p *StatusPoller) { p.failures = c }
}

func WithClock(now func() time.Time) PollerOption {
	return func(p *StatusPoller) { p.now = now }
}

func NewStatusPoller(url string, cfg PollerConfig, logger *slog.Logger, opts ...PollerOption) *StatusPoller {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}

	p := &StatusPoller{
		url:    url,
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
		now:    time.Now,
	}
	for _, o := range opts {
		o(p)
	}

	return p
}

// Poll blocks until a snapshot is fetched, retrying transient failures at a
// fixed interval.
func (p *StatusPoller) Poll(ctx context.Context) (Snapshot, error) {
	b := backoff.New(ctx, backoff.Config{
		MinBackoff: p.cfg.RetryInterval,
		MaxBackoff: p.cfg.RetryInterval,
	})

	var first time.Time
	for b.Ongoing() {
		snap, err := p.fetch(ctx)
		if err == nil {
			return p.resolveTitle(ctx, snap), nil
		}
		if ctx.Err() != nil {
			break
		}

		if p.failures != nil {
			p.failures.Inc()
		}

		now := p.now()
		if first.IsZero() {
			first = now
		}
		if p.cfg.Timeout > 0 && now.Sub(first) > p.cfg.Timeout {
			return Snapshot{}, fmt.Errorf("%w after %s: %v", ErrStatusTimeout, now.Sub(first), err)
		}

		p.logger.Debug("error updating stream status", "err", err, "retries", b.NumRetries())
		b.Wait()
	}

	return Snapshot{}, ctx.Err()
}

func (p *StatusPoller) fetch(ctx context.Context) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return Snapshot{}, err
	}
	req.Header.Set("user-agent", userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return Snapshot{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, fmt.Errorf("unexpected status: %s", resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Snapshot{}, err
	}

	return ParseStatus(data)
}

func (p *StatusPoller) resolveTitle(ctx context.Context, snap Snapshot) Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	if strings.TrimSpace(snap.Title) == "" {
		for _, f := range p.fallbacks {
			if t := strings.TrimSpace(f(ctx)); t != "" {
				snap.Title = t
				break
			}
		}
	}

	if strings.TrimSpace(snap.Title) != "" {
		p.placeholder = ""
		return snap
	}

	// One placeholder per run of missing titles.
	if p.placeholder == "" {
		p.placeholder = fmt.Sprintf("Untitled %d", p.now().Unix())
	}
	snap.Title = p.placeholder
	snap.Placeholder = true

	return snap
}
