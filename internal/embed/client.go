// Package embed is the HTTP client for the external embedding service.
// It truncates oversized text client-side before any network call and
// retries transient failures with tiered backoff: connection-level
// failures usually mean the service is restarting, so they wait longer
// than a rate-limit response.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"corpusd/internal/retry"
)

var (
	ErrEmptyEmbedding    = errors.New("embed: service returned no vector")
	ErrMalformedResponse = errors.New("embed: malformed response body")
)

// Truncator is the token-budget seam; the real implementation lives in
// internal/tokens.
type Truncator interface {
	Count(text string) int
	Truncate(text string, max int) (string, error)
}

type Config struct {
	BaseURL string
	// TokenBudget is the model's context ceiling reduced by a safety
	// margin; text is cut to it before the request is sent.
	TokenBudget    int
	MaxAttempts    int
	RateLimitDelay time.Duration
	ConnectDelay   time.Duration
	Timeout        time.Duration
}

func (c *Config) applyDefaults() {
	if c.TokenBudget <= 0 {
		c.TokenBudget = 460
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RateLimitDelay <= 0 {
		c.RateLimitDelay = time.Second
	}
	if c.ConnectDelay <= 0 {
		c.ConnectDelay = 5 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

type Client struct {
	cfg       Config
	http      *http.Client
	truncator Truncator

	requests     atomic.Int64
	retries      atomic.Int64
	totalLatency atomic.Int64 // nanoseconds
}

func NewClient(cfg Config, truncator Truncator) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:       cfg,
		http:      &http.Client{Timeout: cfg.Timeout},
		truncator: truncator,
	}
}

type embedRequest struct {
	Inputs string `json:"inputs"`
	// Truncate asks the service to cut server-side too, a second safety
	// net behind the client-side token budget.
	Truncate bool `json:"truncate"`
}

// Embed converts text to a fixed-length vector. Transient failures are
// retried with exponential backoff and jitter; client errors and
// malformed responses surface immediately.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.truncator.Count(text) > c.cfg.TokenBudget {
		var err error
		text, err = c.truncator.Truncate(text, c.cfg.TokenBudget)
		if err != nil {
			return nil, fmt.Errorf("truncate before embed: %w", err)
		}
	}

	var vector []float32
	attempt := 0
	err := retry.Do(ctx, retry.Policy{
		MaxAttempts: c.cfg.MaxAttempts,
		BaseDelay:   c.cfg.RateLimitDelay,
		Retryable:   retry.RetryableHTTP,
		DelayBase: func(err error) time.Duration {
			if retry.IsConnectionError(err) {
				return c.cfg.ConnectDelay
			}
			return c.cfg.RateLimitDelay
		},
	}, func() error {
		attempt++
		if attempt > 1 {
			c.retries.Add(1)
		}
		var err error
		vector, err = c.embedOnce(ctx, text)
		return err
	})
	if err != nil {
		return nil, err
	}
	return vector, nil
}

func (c *Client) embedOnce(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Inputs: text, Truncate: true})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	c.requests.Add(1)
	c.totalLatency.Add(int64(time.Since(start)))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &retry.HTTPError{Status: resp.StatusCode, Body: string(detail)}
	}

	// The service returns a 2-D float array; the first row is the
	// embedding.
	var rows [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return rows[0], nil
}

// Health is a telemetry snapshot for the hourly report.
type Health struct {
	Requests     int64         `json:"requests"`
	Retries      int64         `json:"retries"`
	TotalLatency time.Duration `json:"total_latency"`
}

func (c *Client) Health() Health {
	return Health{
		Requests:     c.requests.Load(),
		Retries:      c.retries.Load(),
		TotalLatency: time.Duration(c.totalLatency.Load()),
	}
}
