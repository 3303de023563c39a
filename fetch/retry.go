package fetch

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/IvanBrykalov/querycache/errs"
	"github.com/IvanBrykalov/querycache/key"
)

// newBackOff builds the retry schedule of p: BaseDelay doubling up to
// MaxDelay, no jitter, at most MaxAttempts-1 retries, stopped by ctx.
func (p *profile) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Retry.BaseDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxInterval = p.Retry.MaxDelay
	eb.MaxElapsedTime = 0 // bounded by attempts only
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.Retry.MaxAttempts-1)), ctx)
}

// attempt runs the fetch function of p under the retry policy. It returns the
// data, the number of attempts made and the last error.
func (x *Executor) attempt(ctx context.Context, k key.Key, p *profile) (any, int, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, 0, err
		}
	}

	attempts := 0
	op := func() (any, error) {
		attempts++
		actx, cancel := ctx, context.CancelFunc(func() {})
		if p.Timeout > 0 {
			actx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		defer cancel()

		v, err := p.Fetch(actx, k)
		switch {
		case err == nil:
			return v, nil
		case ctx.Err() != nil:
			// The flight itself was cancelled; nothing left to retry.
			return nil, backoff.Permanent(ctx.Err())
		case errors.Is(actx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
			err = errs.Timeout(err)
		}
		if !p.Retriable(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	notify := func(err error, next time.Duration) {
		x.met.FetchRetried()
		x.log.Debug("fetch retry",
			"key", k.String(), "attempt", attempts, "next", next, "err", err)
	}

	v, err := backoff.RetryNotifyWithData(op, p.newBackOff(ctx), notify)
	return v, attempts, err
}
