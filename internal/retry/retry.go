// Package retry implements the gateway's exponential backoff retry
// helper. Unlike a fixed exception-type allowlist, transience is
// decided by a caller-supplied predicate so every call site can judge
// "retry this" against its own error taxonomy (gatewayerr kinds,
// network errors, HTTP status, ...).
package retry

import (
	"context"
	"time"
)

// maxBackoffExponent bounds the shift used to compute base*2^k so it
// never overflows a time.Duration on 64-bit systems.
const maxBackoffExponent = 31

// IsTransient reports whether err should be retried.
type IsTransient func(err error) bool

// Do invokes op up to attempts+1 times (the first try plus attempts
// retries). Between tries it sleeps base*2^k for k = 0, 1, ...,
// attempts-1. A failure is only retried when isTransient reports
// true; any other failure, or exhausting attempts, returns the last
// error. attempts = 0 means a single try with no retries.
//
// Do returns ctx.Err() immediately if ctx is done, including while
// sleeping between attempts.
func Do(ctx context.Context, attempts int, base time.Duration, isTransient IsTransient, op func(ctx context.Context) error) error {
	var lastErr error
	for k := 0; ; k++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if k >= attempts || !isTransient(lastErr) {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(base, k)):
		}
	}
}

func backoff(base time.Duration, k int) time.Duration {
	if k > maxBackoffExponent {
		k = maxBackoffExponent
	}
	d := base * time.Duration(uint64(1)<<uint(k))
	if d <= 0 {
		return base
	}
	return d
}
