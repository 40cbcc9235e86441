package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pnw-tools/raidscout/internal/resilience"
)

const exportHost = "politicsandwar.com"

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	Timeout   time.Duration

	// MaxAttempts counts the first request. Default: 3.
	MaxAttempts int
	BaseBackoff time.Duration

	// HostRates overrides the requests-per-second budget for a host
	// (host:port for non-default ports).
	HostRates map[string]rate.Limit
}

// Throttle paces requests to one host. Successful downloads raise the rate
// by a fifth up to twice the starting rate; a 429 halves it down to a
// quarter of the starting rate.
type Throttle struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	base    rate.Limit
	current rate.Limit
}

// NewThrottle creates a throttle starting at perSecond with the given burst.
func NewThrottle(perSecond rate.Limit, burst int) *Throttle {
	return &Throttle{
		limiter: rate.NewLimiter(perSecond, burst),
		base:    perSecond,
		current: perSecond,
	}
}

// Wait blocks until the next request may start.
func (t *Throttle) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

// Relax is called after a successful response.
func (t *Throttle) Relax() {
	t.set(min(t.Limit()*1.2, t.base*2))
}

// Backoff is called after a 429.
func (t *Throttle) Backoff() {
	next := max(t.Limit()*0.5, t.base/4)
	t.set(next)
	zap.L().Warn("export host throttled, slowing down",
		zap.Float64("rate", float64(next)),
	)
}

// Limit returns the current requests-per-second budget.
func (t *Throttle) Limit() rate.Limit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

func (t *Throttle) set(r rate.Limit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = r
	t.limiter.SetLimit(r)
}

// HTTPFetcher downloads bulk exports with per-host pacing and retries on
// network errors, 429 and 5xx.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions

	mu        sync.Mutex
	throttles map[string]*Throttle
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseBackoff == 0 {
		opts.BaseBackoff = time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "raidscout/1.0"
	}
	throttles := map[string]*Throttle{
		exportHost: NewThrottle(2, 4),
	}
	for host, r := range opts.HostRates {
		throttles[host] = NewThrottle(r, 1)
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				MaxConnsPerHost:     8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:      opts,
		throttles: throttles,
	}
}

// throttleFor returns the throttle for the URL's host, creating one on first
// use. Hosts without a configured rate get 20 req/s.
func (f *HTTPFetcher) throttleFor(rawURL string) *Throttle {
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.throttles[host]; ok {
		return t
	}
	t := NewThrottle(20, 1)
	f.throttles[host] = t
	return t
}

// Download fetches the URL and returns the response body. A 404 is returned
// at once as ErrNotFound so the caller can fall back to another date.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	throttle := f.throttleFor(rawURL)
	log := zap.L().With(zap.String("component", "fetcher"), zap.String("url", rawURL))

	retry := resilience.RetryConfig{
		MaxAttempts:    f.opts.MaxAttempts,
		InitialBackoff: f.opts.BaseBackoff,
		Backoff:        resilience.BackoffExponential,
		JitterFraction: 0.25,
		ShouldRetry:    retryable,
		OnRetry: func(attempt int, err error) {
			log.Warn("export download failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		},
	}

	attempts := 0
	body, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (io.ReadCloser, error) {
		attempts++
		return f.get(ctx, throttle, rawURL)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "download cancelled")
		}
		if retryable(err) {
			return nil, eris.Wrapf(err, "download: all %d attempts failed", attempts)
		}
		return nil, eris.Wrap(err, "download")
	}
	return body, nil
}

func retryable(err error) bool {
	return resilience.IsTransient(err) || resilience.IsRateLimited(err)
}

func (f *HTTPFetcher) get(ctx context.Context, throttle *Throttle, rawURL string) (io.ReadCloser, error) {
	if err := throttle.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "throttle wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(err, 0)
	}

	switch code := resp.StatusCode; {
	case code == http.StatusOK:
		throttle.Relax()
		return resp.Body, nil
	case code == http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, eris.Wrapf(ErrNotFound, "http 404 from %s", rawURL)
	case code == http.StatusTooManyRequests:
		_ = resp.Body.Close()
		throttle.Backoff()
		return nil, &resilience.RateLimitedError{Err: eris.Errorf("http 429 from %s", rawURL)}
	case code >= 500:
		_ = resp.Body.Close()
		return nil, resilience.NewTransientError(eris.Errorf("http %d from %s", code, rawURL), code)
	default:
		_ = resp.Body.Close()
		return nil, eris.Errorf("unexpected status %d from %s", code, rawURL)
	}
}

// DownloadToFile fetches the URL into path and returns the bytes written.
func (f *HTTPFetcher) DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error) {
	body, err := f.Download(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer body.Close() //nolint:errcheck

	file, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrap(err, "create file")
	}

	n, err := io.Copy(file, body)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, eris.Wrap(err, "write file")
	}
	return n, nil
}
