package connectors

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

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"go-crm-sync/internal/common/crmerrors"
	"go-crm-sync/internal/metrics"
)

// Options carry the transport settings shared by every connector variant.
type Options struct {
	HTTPClient      *http.Client
	Timeout         time.Duration
	MaxAttempts     int
	InitialInterval time.Duration
	Limiters        *LimiterPool
	Metrics         *metrics.Metrics

	// BaseURL overrides the provider endpoint, used against test servers.
	BaseURL string
	// AuthURL overrides the provider token endpoint.
	AuthURL string

	// Fields lists extra provider fields to request per entity, on top of
	// the variant's defaults.
	Fields map[string][]string
}

func (o Options) withDefaults() Options {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 4
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 500 * time.Millisecond
	}
	if o.Limiters == nil {
		o.Limiters = NewLimiterPool(0)
	}
	return o
}

// LimiterPool hands out one token bucket per provider key.
type LimiterPool struct {
	mu       sync.RWMutex
	rps      float64
	limiters map[string]*rate.Limiter
}

// NewLimiterPool creates a pool. rps <= 0 disables limiting.
func NewLimiterPool(rps float64) *LimiterPool {
	return &LimiterPool{rps: rps, limiters: make(map[string]*rate.Limiter)}
}

func (p *LimiterPool) Get(key string) *rate.Limiter {
	if p.rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}

	p.mu.RLock()
	limiter, ok := p.limiters[key]
	p.mu.RUnlock()
	if ok {
		return limiter
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if limiter, ok = p.limiters[key]; ok {
		return limiter
	}
	burst := int(p.rps)
	if burst < 1 {
		burst = 1
	}
	limiter = rate.NewLimiter(rate.Limit(p.rps), burst)
	p.limiters[key] = limiter
	return limiter
}

// apiClient performs JSON calls against one provider with rate limiting,
// per-attempt timeouts and retries.
type apiClient struct {
	provider  string
	opts      Options
	limiter   *rate.Limiter
	authorize func(ctx context.Context, req *http.Request) error
}

func newAPIClient(provider, limiterKey string, opts Options) *apiClient {
	return &apiClient{
		provider: provider,
		opts:     opts,
		limiter:  opts.Limiters.Get(limiterKey),
	}
}

type apiResponse struct {
	status int
	body   []byte
}

// do sends the request and decodes a 2xx JSON body into out when out is not
// nil. Responses listed in empty (e.g. 204, 304) are treated as success
// without a body.
func (c *apiClient) do(ctx context.Context, method, rawURL string, header http.Header, body any, out any, empty ...int) (int, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return 0, crmerrors.Validation("encode %s request: %v", c.provider, err)
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.opts.InitialInterval
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.opts.MaxAttempts-1)), ctx)

	var resp *apiResponse
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			c.opts.Metrics.Retry(c.provider)
		}
		r, err := c.attempt(ctx, method, rawURL, header, payload)
		if err != nil {
			if crmerrors.IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}, retry)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, fmt.Errorf("%s %s: %w", method, redactURL(rawURL), err)
		}
		return 0, err
	}

	for _, code := range empty {
		if resp.status == code {
			return resp.status, nil
		}
	}
	if out != nil && len(bytes.TrimSpace(resp.body)) > 0 {
		if err := json.Unmarshal(resp.body, out); err != nil {
			return resp.status, crmerrors.Validation("decode %s response from %s: %v", c.provider, redactURL(rawURL), err)
		}
	}
	return resp.status, nil
}

func (c *apiClient) attempt(ctx context.Context, method, rawURL string, header http.Header, payload []byte) (*apiResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s rate limiter: %w", c.provider, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(callCtx, method, rawURL, reader)
	if err != nil {
		return nil, crmerrors.Configuration("build %s request: %v", c.provider, stripURLError(err))
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.authorize != nil {
		if err := c.authorize(ctx, req); err != nil {
			return nil, err
		}
	}

	res, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		c.opts.Metrics.Request(c.provider, 0)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, crmerrors.Transient("%s %s: %v", method, redactURL(rawURL), stripURLError(err))
	}
	defer res.Body.Close()
	c.opts.Metrics.Request(c.provider, res.StatusCode)

	data, err := io.ReadAll(io.LimitReader(res.Body, 32<<20))
	if err != nil {
		return nil, crmerrors.Transient("%s %s: read body: %v", method, redactURL(rawURL), stripURLError(err))
	}

	switch {
	case res.StatusCode >= 200 && res.StatusCode < 400:
		return &apiResponse{status: res.StatusCode, body: data}, nil
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return nil, crmerrors.Authentication("%s rejected the request with status %d", c.provider, res.StatusCode)
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return nil, crmerrors.Transient("%s %s: status %d", method, redactURL(rawURL), res.StatusCode)
	case res.StatusCode == http.StatusNotFound:
		return nil, crmerrors.NotFound("%s %s", method, redactURL(rawURL))
	default:
		return nil, crmerrors.Validation("%s %s: status %d: %s", method, redactURL(rawURL), res.StatusCode, snippet(data))
	}
}

// redactURL drops the query string and user info so tokens passed as query
// parameters never reach an error message.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	u.User = nil
	u.Fragment = ""
	return u.String()
}

// stripURLError replaces a *url.Error with its inner error.
func stripURLError(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Err
	}
	return err
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

func joinURL(base string, parts ...string) string {
	out := strings.TrimRight(base, "/")
	for _, p := range parts {
		out += "/" + strings.Trim(p, "/")
	}
	return out
}
