package corpus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/23skdu/longbow-sae/internal/logger"
	"github.com/23skdu/longbow-sae/internal/metrics"
)

// FetchError reports a resource that could not be retrieved.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: http %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

type FetcherConfig struct {
	Timeout   time.Duration // per request, default 30s
	MaxBytes  int64         // body cap, default 64MB
	UserAgent string
	CacheDir  string // empty disables the on-disk cache
	Retries   int
	Backoff   time.Duration // doubled after each failed attempt
}

func (c *FetcherConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 64 << 20
	}
	if c.UserAgent == "" {
		c.UserAgent = "longbow-sae/1.0"
	}
	if c.Backoff <= 0 {
		c.Backoff = 500 * time.Millisecond
	}
}

// Fetcher downloads text resources over HTTP, caching bodies by URL hash.
type Fetcher struct {
	client *http.Client
	cfg    FetcherConfig
}

func NewFetcher(cfg FetcherConfig) *Fetcher {
	cfg.defaults()
	return &Fetcher{client: &http.Client{Timeout: cfg.Timeout}, cfg: cfg}
}

func (f *Fetcher) cachePath(url string) string {
	h := sha256.Sum256([]byte(url))
	return filepath.Join(f.cfg.CacheDir, hex.EncodeToString(h[:])+".txt")
}

// Fetch returns the body of url as text.
func (f *Fetcher) Fetch(ctx context.Context, url string) (string, error) {
	if f.cfg.CacheDir != "" {
		if b, err := os.ReadFile(f.cachePath(url)); err == nil {
			metrics.CorpusCacheHits.Inc()
			return string(b), nil
		}
	}

	var body []byte
	var err error
	for attempt := 0; attempt <= f.cfg.Retries; attempt++ {
		body, err = f.get(ctx, url)
		if err == nil {
			break
		}
		if ctx.Err() != nil || attempt == f.cfg.Retries {
			return "", err
		}
		wait := f.cfg.Backoff * (1 << uint(attempt))
		logger.Log.Warn("retrying fetch", "url", url, "attempt", attempt+1, "backoff_ms", wait.Milliseconds(), "err", err)
		select {
		case <-ctx.Done():
			return "", &FetchError{URL: url, Err: ctx.Err()}
		case <-time.After(wait):
		}
	}

	if f.cfg.CacheDir != "" {
		if mkErr := os.MkdirAll(f.cfg.CacheDir, 0o755); mkErr == nil {
			if wErr := os.WriteFile(f.cachePath(url), body, 0o644); wErr != nil {
				logger.Log.Warn("corpus cache write failed", "url", url, "err", wErr)
			}
		}
	}
	return string(body), nil
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{URL: url, StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBytes))
	if err != nil {
		return nil, &FetchError{URL: url, Err: fmt.Errorf("read body: %w", err)}
	}
	return body, nil
}
