package artifact

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/genjob/internal/domain"
)

const (
	defaultFetchTimeout = 60 * time.Second
	defaultMaxBytes     = 100 << 20
)

// FetcherConfig holds artifact download settings
type FetcherConfig struct {
	Timeout   time.Duration
	MaxBytes  int64
	UserAgent string
	Logger    *slog.Logger
}

// HTTPFetcher downloads generated assets. It never retries on its own: a
// failed download is retried by the next webhook redelivery or poll.
type HTTPFetcher struct {
	client    *http.Client
	maxBytes  int64
	userAgent string
	logger    *slog.Logger
}

// NewHTTPFetcher creates a fetcher with a bounded per-request timeout
func NewHTTPFetcher(cfg FetcherConfig) *HTTPFetcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPFetcher{
		client:    &http.Client{Timeout: timeout},
		maxBytes:  maxBytes,
		userAgent: cfg.UserAgent,
		logger:    logger,
	}
}

// Fetch returns the bytes behind url
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build artifact request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &domain.UpstreamStatusError{StatusCode: resp.StatusCode, Message: "artifact download"}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read artifact: %v", domain.ErrUpstreamUnavailable, err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%w: artifact exceeds %d bytes", domain.ErrUpstreamRejected, f.maxBytes)
	}
	if len(data) == 0 {
		return nil, domain.ErrEmptyArtifact
	}

	f.logger.Debug("Artifact downloaded",
		slog.String("url", url),
		slog.Int("bytes", len(data)),
		slog.Duration("elapsed", time.Since(start)),
	)

	return data, nil
}
