// Package coc is the client for the war data provider.
package coc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/leozw/clan-war-guardian/internal/core"
)

// ErrNotFound is returned when the clan has no visible war or league group.
var ErrNotFound = errors.New("coc: not found")

const (
	DefaultBaseURL = "https://api.clashofclans.com/v1"

	maxBodyBytes   = 4 << 20
	maxLoggedBytes = 512
)

type Config struct {
	BaseURL       string
	Token         string
	Timeout       time.Duration
	RatePerSecond float64
	MaxConcurrent int
	MaxRetries    int
	Backoff       time.Duration
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	sem        chan struct{}
	logger     *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.MaxConcurrent),
		sem:        make(chan struct{}, cfg.MaxConcurrent),
		logger:     logger.With(zap.String("component", "coc_client")),
	}
}

// CurrentWar returns the clan's current normal war. ErrNotFound means the
// war log is private or the clan does not exist.
func (c *Client) CurrentWar(ctx context.Context, clanTag string) (*War, error) {
	var war War
	if err := c.get(ctx, "clans/"+escapeTag(clanTag)+"/currentwar", &war); err != nil {
		return nil, err
	}
	return &war, nil
}

// LeagueGroup returns the clan's league group. ErrNotFound means the clan
// is not in a league season.
func (c *Client) LeagueGroup(ctx context.Context, clanTag string) (*LeagueGroup, error) {
	var group LeagueGroup
	if err := c.get(ctx, "clans/"+escapeTag(clanTag)+"/currentwar/leaguegroup", &group); err != nil {
		return nil, err
	}
	return &group, nil
}

func (c *Client) LeagueWar(ctx context.Context, warTag string) (*War, error) {
	var war War
	if err := c.get(ctx, "clanwarleagues/wars/"+escapeTag(warTag), &war); err != nil {
		return nil, err
	}
	return &war, nil
}

func escapeTag(tag string) string {
	return url.PathEscape(tag)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", core.ErrTransientFetch, ctx.Err())
	}

	endpoint := c.cfg.BaseURL + "/" + path

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return fmt.Errorf("%w: %v", core.ErrTransientFetch, err)
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %v", core.ErrTransientFetch, err)
		}

		body, status, err := c.do(ctx, endpoint)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}

		switch {
		case status == http.StatusOK:
			if err := json.Unmarshal(body, out); err != nil {
				c.logger.Error("Malformed provider response",
					zap.String("path", path),
					zap.String("payload", truncate(body)),
					zap.Error(err),
				)
				return fmt.Errorf("%w: %s: %v", core.ErrMalformedResponse, path, err)
			}
			return nil
		case status == http.StatusNotFound || status == http.StatusForbidden:
			return ErrNotFound
		case status == http.StatusTooManyRequests || status >= 500:
			lastErr = fmt.Errorf("status %d", status)
			continue
		default:
			c.logger.Warn("Unexpected provider status",
				zap.String("path", path),
				zap.Int("status", status),
				zap.String("payload", truncate(body)),
			)
			return fmt.Errorf("%w: %s: status %d", core.ErrTransientFetch, path, status)
		}
	}

	return fmt.Errorf("%w: %s after %d attempts: %v", core.ErrTransientFetch, path, c.cfg.MaxRetries+1, lastErr)
}

func (c *Client) do(ctx context.Context, endpoint string) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

func (c *Client) backoff(ctx context.Context, attempt int) error {
	wait := c.cfg.Backoff * time.Duration(1<<uint(attempt-1))
	if wait > 10*time.Second {
		wait = 10 * time.Second
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

func truncate(b []byte) string {
	if len(b) <= maxLoggedBytes {
		return string(b)
	}
	return string(b[:maxLoggedBytes]) + "..."
}
