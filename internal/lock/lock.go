// Package lock provides short-lived named mutexes used to serialize run admission per task.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// ErrNotAcquired is returned when the lock stayed held for longer than the wait budget.
var ErrNotAcquired = errors.New("lock not acquired")

// DefaultMaxWait bounds how long Acquire retries a held lock.
const DefaultMaxWait = 2 * time.Second

// Locker hands out leases on named keys. A lease expires after ttl even if never released.
// Acquire returns the func that releases the lease.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// errHeld marks a failed attempt that is worth retrying.
var errHeld = errors.New("lock held")

// acquire retries try with exponential backoff until it succeeds, maxWait elapses
// or ctx is done.
func acquire(ctx context.Context, maxWait time.Duration, try func(token string) error) (string, error) {
	token := uuid.NewString()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = maxWait

	var policy backoff.BackOff = b
	if maxWait <= 0 {
		policy = &backoff.StopBackOff{}
	}

	err := backoff.Retry(func() error {
		err := try(token)
		if err != nil && !errors.Is(err, errHeld) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
	switch {
	case err == nil:
		return token, nil
	case errors.Is(err, errHeld):
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", ErrNotAcquired
	default:
		return "", err
	}
}
