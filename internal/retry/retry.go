// Package retry runs an operation again on retryable failures with exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds the retries of one operation.
type Policy struct {
	Num        int           // retries after the first attempt
	Initial    time.Duration // first sleep; doubles after each failure
	MaxBackoff time.Duration
	// On reports whether err is worth retrying. Nil retries every error.
	On func(err error) bool
	// Notify is called before each sleep with the failed attempt number (1-based).
	Notify func(attempt int, err error, wait time.Duration)
}

// Permanent marks err as not retryable regardless of Policy.On.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a non-retryable error, the retries run out, or ctx ends.
// The attempt number passed to op starts at 0.
func Do(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.Initial
	if exp.InitialInterval <= 0 {
		exp.InitialInterval = 500 * time.Millisecond
	}
	exp.Multiplier = 2
	exp.RandomizationFactor = 0.1
	exp.MaxInterval = p.MaxBackoff
	if exp.MaxInterval <= 0 {
		exp.MaxInterval = time.Minute
	}
	exp.MaxElapsedTime = 0

	num := p.Num
	if num < 0 {
		num = 0
	}
	var b backoff.BackOff = backoff.WithMaxRetries(exp, uint64(num))
	b = backoff.WithContext(b, ctx)

	attempt := 0
	operation := func() error {
		err := op(ctx, attempt)
		attempt++
		if err == nil {
			return nil
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return err
		}
		if p.On != nil && !p.On(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	var notify backoff.Notify
	if p.Notify != nil {
		notify = func(err error, wait time.Duration) { p.Notify(attempt, err, wait) }
	}
	err := backoff.RetryNotify(operation, b, notify)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
