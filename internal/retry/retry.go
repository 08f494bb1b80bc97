package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/url"
	"syscall"
	"time"
)

var ErrInvalidMaxAttempts = errors.New("retry: max attempts must be positive")

// HTTPError carries a status code through the retry classifier so clients
// can distinguish rate limiting from other failures.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("http status %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("http status %d", e.Status)
}

// Policy describes how an operation is retried. Retryable decides whether an
// error consumes a retry attempt at all; DelayBase, when set, picks the base
// delay per error class (connection-level failures usually warrant a longer
// base than a 429).
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Retryable   func(error) bool
	DelayBase   func(error) time.Duration

	// jitterFrac overrides the 0-50% jitter in tests.
	jitterFrac func() float64
}

// Do runs op until it succeeds, exhausts the attempt budget, or hits a
// non-retryable error. The last error is returned on exhaustion.
func Do(ctx context.Context, p Policy, op func() error) error {
	if p.MaxAttempts <= 0 {
		return ErrInvalidMaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = op()
		if lastErr == nil {
			if attempt > 1 {
				slog.DebugContext(ctx, "operation succeeded after retry", "attempt", attempt)
			}
			return nil
		}

		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := p.delayFor(lastErr, attempt)
		slog.DebugContext(ctx, "operation failed, will retry",
			"attempt", attempt, "max_attempts", p.MaxAttempts, "delay", delay, "error", lastErr)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func (p Policy) delayFor(err error, attempt int) time.Duration {
	base := p.BaseDelay
	if p.DelayBase != nil {
		if d := p.DelayBase(err); d > 0 {
			base = d
		}
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}

	frac := rand.Float64() * 0.5
	if p.jitterFrac != nil {
		frac = p.jitterFrac()
	}
	return delay + time.Duration(float64(delay)*frac)
}

// RetryableHTTP classifies transient failures: rate limiting, server-side
// 5xx, connection refused, timeouts, and generic I/O errors. Any other
// status (or a malformed response surfaced as some other error type) is
// treated as permanent.
func RetryableHTTP(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		switch he.Status {
		case 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	return IsConnectionError(err)
}

// IsConnectionError reports whether err looks like a transport-level
// failure rather than an application response: refused connections,
// timeouts, resets, or truncated bodies.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}
