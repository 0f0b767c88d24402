// Package retry implements the eventual-consistency retry policy for a
// session's very first activity-list request: the Service may 404 briefly
// after session creation while the write propagates. A bounded,
// predicate-gated retry loop built on a real backoff library instead of a
// hand-rolled sleep loop.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	maxRetries = 5
	baseDelay  = 1 * time.Second
	capDelay   = 16 * time.Second
)

// NotFoundError is implemented by errors the caller's operation may return
// to signal a retriable 404. Only errors satisfying this interface (via
// errors.As) are retried; everything else propagates immediately.
type NotFoundError interface {
	error
	NotFound() bool
}

// WithFirstRequestRetry runs op under an exponential backoff, retrying only
// when op's error satisfies NotFoundError with NotFound() == true. It gives
// up after maxRetries retries (six attempts total) or on ctx cancellation.
func WithFirstRequestRetry(ctx context.Context, op func(ctx context.Context) error) error {
	backoff := retry.NewExponential(baseDelay)
	backoff = retry.WithCappedDuration(capDelay, backoff)
	backoff = retry.WithMaxRetries(maxRetries, backoff)

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		var nf NotFoundError
		if errors.As(err, &nf) && nf.NotFound() {
			return retry.RetryableError(err)
		}
		return err
	})
}
