package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/rateio/rateio-core/internal/dataset"
)

// HTTPConfig configures the HTTP loader.
type HTTPConfig struct {
	// BaseURL is prefixed to every table path.
	BaseURL string

	// Tables maps table names to request paths.
	Tables map[string]string

	// Timeout for individual requests (default: 30s).
	Timeout time.Duration

	// MaxRetries for rate-limited or server-side failures (default: 3).
	MaxRetries int

	// RateLimit requests per second (default: 10).
	RateLimit float64

	// RateBurst maximum burst size (default: 5).
	RateBurst int

	// Headers to add to all requests.
	Headers map[string]string

	// Transport allows injecting a custom HTTP transport for tests.
	Transport http.RoundTripper
}

// HTTPLoader fetches raw tables from an upstream JSON API, rate limited
// so bulk loads do not hammer the source system.
type HTTPLoader struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPLoader creates a loader from config, filling defaults.
func NewHTTPLoader(cfg HTTPConfig) *HTTPLoader {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 10.0
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = 5
	}
	return &HTTPLoader{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
	}
}

func (l *HTTPLoader) Load(ctx context.Context) (map[string]*dataset.Table, error) {
	tables := make(map[string]*dataset.Table, len(l.cfg.Tables))
	for name, path := range l.cfg.Tables {
		data, err := l.fetch(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("fetch table %s: %w", name, err)
		}
		table, err := DecodeTable(name, data)
		if err != nil {
			return nil, err
		}
		tables[name] = table
	}
	return tables, nil
}

func (l *HTTPLoader) fetch(ctx context.Context, path string) ([]byte, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	url := strings.TrimSuffix(l.cfg.BaseURL, "/") + "/" + strings.TrimPrefix(path, "/")
	var lastErr error
	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		body, status, err := l.fetchOnce(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err

		// Only rate-limit and server-side responses are worth retrying.
		if status != http.StatusTooManyRequests && status < 500 {
			return nil, err
		}
		backoff := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (l *HTTPLoader) fetchOnce(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "rateio-core/1.0")
	for k, v := range l.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, resp.StatusCode, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, resp.StatusCode, nil
}
