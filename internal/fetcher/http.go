package fetcher

import (
	"context"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/erc721-indexer/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRetries   int
	RateLimiters map[string]*rate.Limiter

	// BaseBackoff is the first retry delay, doubled per attempt. Default 1s.
	BaseBackoff time.Duration
	// MaxBodyBytes caps bodies read through ReadAll. Default 4 MiB.
	MaxBodyBytes int64

	// Unthrottled lists hosts whose request rate the caller already bounds.
	// Neither fixed nor adaptive limiters apply to them.
	Unthrottled []string
}

// AdaptiveLimiter wraps a rate.Limiter with adaptive rate adjustment.
// On success it increases the rate by 20% (up to 2x initial).
// On 429 it halves the rate (down to initial/4 minimum).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	initialRate rate.Limit
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive rate limiter that auto-tunes.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		initialRate: initialRate,
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess increases the rate by 20%, up to 2x initial.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = min(a.currentRate*1.2, a.maxRate)
	a.limiter.SetLimit(a.currentRate)
}

// OnRateLimit halves the rate on 429 responses.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = max(a.currentRate*0.5, a.minRate)
	a.limiter.SetLimit(a.currentRate)
	zap.L().Warn("adaptive rate limit: reducing rate after 429",
		zap.Float64("new_rate", float64(a.currentRate)),
	)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// HTTPFetcher implements Fetcher using net/http with retry and rate limiting.
type HTTPFetcher struct {
	client           *http.Client
	opts             HTTPOptions
	limiters         map[string]*rate.Limiter
	adaptiveLimiters map[string]*AdaptiveLimiter
	unthrottled      map[string]bool
}

// DefaultRateLimiters returns fixed per-host limits for public IPFS gateways.
func DefaultRateLimiters() map[string]*rate.Limiter {
	return map[string]*rate.Limiter{
		"ipfs.filebase.io":     rate.NewLimiter(1, 1),
		"gateway.pinata.cloud": rate.NewLimiter(3, 3),
		"cloudflare-ipfs.com":  rate.NewLimiter(5, 5),
		"nftstorage.link":      rate.NewLimiter(5, 5),
	}
}

// DefaultAdaptiveLimiters returns adaptive limiters for gateways that answer
// 429 under load.
func DefaultAdaptiveLimiters() map[string]*AdaptiveLimiter {
	return map[string]*AdaptiveLimiter{
		"ipfs.io":   NewAdaptiveLimiter(10, 10),
		"dweb.link": NewAdaptiveLimiter(10, 10),
		"w3s.link":  NewAdaptiveLimiter(5, 5),
	}
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "erc721-indexer/1.0"
	}
	if opts.BaseBackoff == 0 {
		opts.BaseBackoff = time.Second
	}
	if opts.MaxBodyBytes == 0 {
		opts.MaxBodyBytes = 4 << 20
	}
	limiters := make(map[string]*rate.Limiter, len(opts.RateLimiters))
	for k, v := range opts.RateLimiters {
		limiters[k] = v
	}
	unthrottled := make(map[string]bool, len(opts.Unthrottled))
	for _, h := range opts.Unthrottled {
		unthrottled[h] = true
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts:             opts,
		limiters:         limiters,
		adaptiveLimiters: DefaultAdaptiveLimiters(),
		unthrottled:      unthrottled,
	}
}

// Throttled reports whether requests to rawURL wait on a per-host limiter.
func (f *HTTPFetcher) Throttled(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	return !f.unthrottled[u.Host]
}

func (f *HTTPFetcher) adaptiveLimiterFor(rawURL string) *AdaptiveLimiter {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	return f.adaptiveLimiters[u.Host]
}

func (f *HTTPFetcher) limiterFor(rawURL string) *rate.Limiter {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rate.NewLimiter(20, 20)
	}
	if lim, ok := f.limiters[u.Host]; ok {
		return lim
	}
	return rate.NewLimiter(20, 20)
}

func (f *HTTPFetcher) wait(ctx context.Context, rawURL string, adaptive *AdaptiveLimiter) error {
	if !f.Throttled(rawURL) {
		return nil
	}
	if adaptive != nil {
		return adaptive.Wait(ctx)
	}
	return f.limiterFor(rawURL).Wait(ctx)
}

// doWithRetry retries network errors, 429 and 5xx. When every attempt fails
// the error is a *resilience.TransientError so callers may retry later.
func (f *HTTPFetcher) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	rawURL := req.URL.String()
	adaptive := f.adaptiveLimiterFor(rawURL)
	log := zap.L().With(zap.String("component", "fetcher"), zap.String("url", rawURL))

	var (
		lastErr    error
		lastStatus int
	)
	for attempt := range f.opts.MaxRetries {
		if err := f.wait(ctx, rawURL, adaptive); err != nil {
			return nil, eris.Wrap(err, "fetcher: rate limiter wait")
		}

		resp, err := f.client.Do(req.Clone(ctx))
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, eris.Wrap(err, "fetcher: request")
			}
			lastErr, lastStatus = err, 0
			log.Warn("http request failed, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
		case resp.StatusCode == http.StatusTooManyRequests:
			_ = resp.Body.Close()
			lastErr, lastStatus = eris.Errorf("http 429 from %s", rawURL), resp.StatusCode
			if adaptive != nil {
				adaptive.OnRateLimit()
			}
			log.Warn("rate limited (429), backing off", zap.Int("attempt", attempt+1))
		case resp.StatusCode >= 500:
			_ = resp.Body.Close()
			lastErr, lastStatus = eris.Errorf("http %d from %s", resp.StatusCode, rawURL), resp.StatusCode
			log.Warn("server error, retrying", zap.Int("status", resp.StatusCode), zap.Int("attempt", attempt+1))
		default:
			if adaptive != nil {
				adaptive.OnSuccess()
			}
			return resp, nil
		}

		if attempt+1 < f.opts.MaxRetries {
			f.backoff(ctx, attempt)
		}
	}

	return nil, resilience.NewTransientError(eris.Wrap(lastErr, "all retries exhausted"), lastStatus)
}

func (f *HTTPFetcher) backoff(ctx context.Context, attempt int) {
	maxBackoff := 30 * f.opts.BaseBackoff
	d := min(time.Duration(float64(f.opts.BaseBackoff)*math.Pow(2, float64(attempt))), maxBackoff)
	if half := int64(d) / 2; half > 0 {
		d += time.Duration(rand.Int64N(half))
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Download fetches the URL and returns the response body.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.doWithRetry(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, eris.Errorf("fetcher: download: unexpected status %d from %s", resp.StatusCode, rawURL)
	}

	return resp.Body, nil
}

// ReadAll downloads the URL and returns at most MaxBodyBytes of its body.
func (f *HTTPFetcher) ReadAll(ctx context.Context, rawURL string) ([]byte, error) {
	body, err := f.Download(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(body, f.opts.MaxBodyBytes+1))
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: read body of %s", rawURL)
	}
	if int64(len(data)) > f.opts.MaxBodyBytes {
		return nil, eris.Errorf("fetcher: body of %s exceeds %d bytes", rawURL, f.opts.MaxBodyBytes)
	}
	return data, nil
}
