package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff grows the wait between attempts geometrically, capped at Max, with
// a symmetric random spread of Jitter (a fraction of the delay).
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Delay returns the wait after the given failed attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt-1))
	if b.Jitter > 0 {
		d += d * b.Jitter * (2*rand.Float64() - 1)
	}
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	if d <= 0 {
		return b.Initial
	}
	return time.Duration(d)
}

// RetryConfig bounds a retried operation. Zero fields take the defaults of
// one attempt every 1s, 2s, 4s... up to 10s. ShouldRetry, when set, ends the
// loop on errors a later attempt cannot fix.
type RetryConfig struct {
	MaxAttempts int
	Backoff     Backoff
	ShouldRetry func(error) bool
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff.Initial = time.Second
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = 10 * time.Second
	}
	if c.Backoff.Multiplier <= 0 {
		c.Backoff.Multiplier = 2
	}
	return c
}

// Retry calls fn until it succeeds or the attempts run out. Each failure
// before the last is logged with the upcoming delay.
func Retry(ctx context.Context, name string, cfg RetryConfig, fn func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()
	logger := slog.Default().With("component", "retry", "operation", name)

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			if attempt > 1 {
				logger.Info("succeeded after retry", "attempt", attempt)
			}
			return nil
		}
		if attempt == cfg.MaxAttempts {
			if attempt == 1 {
				return err
			}
			return fmt.Errorf("%s: giving up after %d attempts: %w", name, attempt, err)
		}
		if cfg.ShouldRetry != nil && !cfg.ShouldRetry(err) {
			return fmt.Errorf("%s: not retryable: %w", name, err)
		}

		delay := cfg.Backoff.Delay(attempt)
		logger.Warn("attempt failed, retrying",
			"attempt", attempt,
			"max_attempts", cfg.MaxAttempts,
			"next_delay", delay,
			"error", err,
		)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: cancelled after %d attempts: %w", name, attempt, err)
		}
	}
}
