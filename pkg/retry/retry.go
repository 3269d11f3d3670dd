// Package retry implements bounded retries with exponential backoff for the
// node's calls to bitcoind and the event broker. Only errors classified as
// retryable by pkg/errors are attempted again.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/hydrapool/hydrad/pkg/errors"
)

// Config bounds a retry loop.
type Config struct {
	MaxAttempts int           // total attempts, including the first
	BaseDelay   time.Duration // delay after the first failure
	MaxDelay    time.Duration // backoff ceiling
	Multiplier  float64       // backoff growth factor
	Jitter      bool          // randomize each delay by up to 10%
}

// NetworkConfig suits chatty RPC and broker calls: several attempts with a
// short initial delay.
func NetworkConfig() *Config {
	return &Config{
		MaxAttempts: 5,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  1.5,
		Jitter:      true,
	}
}

// SubmitConfig suits block submission, where latency matters more than
// politeness toward the upstream node.
func SubmitConfig() *Config {
	return &Config{
		MaxAttempts: 4,
		BaseDelay:   25 * time.Millisecond,
		MaxDelay:    500 * time.Millisecond,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempt
// budget is spent, or ctx is done. A spent budget yields an internal error
// wrapping the last failure. A nil config gets three attempts starting at
// 100ms.
func Do(ctx context.Context, cfg *Config, fn func() error) error {
	if cfg == nil {
		cfg = &Config{
			MaxAttempts: 3,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    5 * time.Second,
			Multiplier:  2.0,
			Jitter:      true,
		}
	}

	delay := cfg.BaseDelay
	for attempt := 1; ; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !errors.IsRetryable(err) {
			return err
		}
		if attempt >= cfg.MaxAttempts {
			return errors.Wrap(err, errors.ErrorTypeInternal, "retry",
				"attempt budget exhausted").
				WithContext("attempts", attempt)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(withJitter(delay, cfg.Jitter)):
		}
		delay = nextDelay(delay, cfg)
	}
}

// nextDelay grows the backoff geometrically up to the ceiling.
func nextDelay(d time.Duration, cfg *Config) time.Duration {
	grown := time.Duration(float64(d) * cfg.Multiplier)
	if cfg.MaxDelay > 0 && grown > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	if grown < d {
		// Multiplier below 1 or overflow: hold the delay steady.
		return d
	}
	return grown
}

func withJitter(d time.Duration, jitter bool) time.Duration {
	if !jitter {
		return d
	}
	return d + time.Duration(rand.Float64()*0.1*float64(d))
}
