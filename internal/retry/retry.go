// Package retry wraps blocking I/O with a per-call timeout and bounded
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"
)

type Policy struct {
	Attempts    int
	Initial     time.Duration
	Max         time.Duration
	CallTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Attempts: 3, Initial: 200 * time.Millisecond, Max: 2 * time.Second, CallTimeout: 5 * time.Second}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn until it succeeds, returns a Permanent error, the attempts are
// used up, or ctx is done. Each call gets its own CallTimeout.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := p.Initial
	var err error
	for i := 0; i < attempts; i++ {
		err = call(ctx, p.CallTimeout, fn)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
		delay *= 2
		if p.Max > 0 && delay > p.Max {
			delay = p.Max
		}
	}
	return err
}

func call(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(cctx)
}
