// Package drive fetches update metadata published by the cloud side.
package drive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jellydator/ttlcache/v3"

	"github.com/kstaniek/go-uds-server/internal/logging"
	"github.com/kstaniek/go-uds-server/internal/metrics"
)

const (
	DefaultTTL     = 5 * time.Minute
	maxBody        = 1 << 20
	cacheKey       = "update_data"
	defaultTimeout = 10 * time.Second
)

var (
	ErrNotConfigured = errors.New("drive source not configured")
	ErrBadPayload    = errors.New("drive payload is not JSON")
)

// Source serves the update metadata document, cached for a TTL.
type Source struct {
	url      string
	client   *http.Client
	cache    *ttlcache.Cache[string, json.RawMessage]
	attempts uint
	delay    time.Duration
	logger   *slog.Logger
}

// Option configures a Source.
type Option func(*Source)

func WithHTTPClient(c *http.Client) Option {
	return func(s *Source) {
		if c != nil {
			s.client = c
		}
	}
}

// WithRetry sets fetch attempts and the fixed delay between them.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(s *Source) {
		if attempts > 0 {
			s.attempts = attempts
		}
		if delay >= 0 {
			s.delay = delay
		}
	}
}

// New returns a Source for url. An empty url yields a Source that always
// fails with ErrNotConfigured.
func New(url string, ttl time.Duration, opts ...Option) *Source {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Source{
		url:      url,
		client:   &http.Client{Timeout: defaultTimeout},
		cache:    ttlcache.New[string, json.RawMessage](ttlcache.WithTTL[string, json.RawMessage](ttl)),
		attempts: 3,
		delay:    500 * time.Millisecond,
		logger:   logging.L().With("component", "drive"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the cached document, fetching it when missing or expired.
func (s *Source) Get(ctx context.Context) (json.RawMessage, error) {
	if s.url == "" {
		return nil, ErrNotConfigured
	}
	if item := s.cache.Get(cacheKey); item != nil {
		return item.Value(), nil
	}
	var doc json.RawMessage
	err := retry.Do(func() error {
		b, err := s.fetch(ctx)
		if err != nil {
			return err
		}
		doc = b
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(s.attempts),
		retry.Delay(s.delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("drive_fetch_retry", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		metrics.IncError(metrics.ErrDrive)
		return nil, err
	}
	s.cache.Set(cacheKey, doc, ttlcache.DefaultTTL)
	return doc, nil
}

// Invalidate drops the cached document.
func (s *Source) Invalidate() { s.cache.Delete(cacheKey) }

func (s *Source) fetch(ctx context.Context) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("drive request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("drive fetch: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("drive read: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("drive fetch: status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, retry.Unrecoverable(fmt.Errorf("drive fetch: status %d", resp.StatusCode))
	}
	if !json.Valid(body) {
		return nil, retry.Unrecoverable(ErrBadPayload)
	}
	return json.RawMessage(body), nil
}
