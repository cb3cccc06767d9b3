// Package retry retries idempotent startup and read operations with
// exponential backoff and jitter. Settlement effects are never retried
// here; a failed transfer is reported to the caller instead.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// Policy describes how often and how slowly to retry.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	// MaxDelay caps a single backoff; zero means uncapped.
	MaxDelay time.Duration
}

// DefaultPolicy suits waiting for a database that is still starting.
func DefaultPolicy() Policy {
	return Policy{Attempts: 8, BaseDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// PermanentError stops Do immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// jitter returns a value in [0, n) from crypto/rand.
func jitter(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0
}

// backoff returns the sleep before retry number attempt (0-based): the
// doubled base delay with +-25% jitter, capped at MaxDelay.
func (p Policy) backoff(attempt int) time.Duration {
	d := p.BaseDelay << attempt
	if d <= 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
		d = p.MaxDelay
	}
	spread := d / 4
	return d - spread + time.Duration(jitter(int64(2*spread+1)))
}

// Do calls fn until it succeeds, returns a PermanentError, ctx ends or the
// attempts run out. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := max(p.Attempts, 1)

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt == attempts-1 {
			break
		}

		t := time.NewTimer(p.backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}
