package telegram

import (
	"context"
	"time"

	"github.com/marchenkov/audience-os/internal/logger"
)

// transient-network retries, distinct from FLOOD_WAIT handling
const (
	maxTransientRetries = 3
	transientRetryPause = 500 * time.Millisecond
)

// Fetcher wraps remote read calls with transparent rate-limit handling.
//
// A FLOOD_WAIT from the server is absorbed: the fetcher sleeps exactly the
// signaled duration and retries, without an attempt cap. Transient network
// failures get a small capped retry count. Every other outcome is returned
// to the caller unchanged, so callers never special-case rate limiting.
type Fetcher struct {
	limiter *RateLimiter
	log     *logger.Logger
}

// NewFetcher creates a fetch wrapper around the given per-credential limiter.
func NewFetcher(limiter *RateLimiter, log *logger.Logger) *Fetcher {
	return &Fetcher{
		limiter: limiter,
		log:     log,
	}
}

// Do invokes fn, absorbing FLOOD_WAIT waits and retrying transient network
// errors. fn must perform exactly one remote read per invocation.
func (f *Fetcher) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	transient := 0

	for {
		if err := f.limiter.Wait(ctx); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		if wait, ok := FloodWait(err); ok {
			f.log.Warn().Str("op", op).Dur("wait", wait).
				Msg("telegram: FLOOD_WAIT, sleeping before retry")
			// Wait observes the flood deadline on the next loop turn.
			f.limiter.SetFloodWait(wait)
			continue
		}

		if IsTransient(err) && transient < maxTransientRetries {
			transient++
			f.log.Warn().Err(err).Str("op", op).Int("attempt", transient).
				Msg("telegram: transient error, retrying")
			select {
			case <-time.After(transientRetryPause):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		return err
	}
}
