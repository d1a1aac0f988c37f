package lock

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var errContended = errors.New("lock contended")

// AcquireWait retries Acquire with exponential backoff until it succeeds,
// timeout elapses, or ctx is done. Expiry of timeout is reported as
// false, nil; I/O errors stop the retries and are returned.
func (m *Manager) AcquireWait(ctx context.Context, resource string, timeout time.Duration, opts ...AcquireOption) (bool, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 25 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = timeout

	err := backoff.Retry(func() error {
		ok, err := m.Acquire(resource, opts...)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errContended
		}
		return nil
	}, backoff.WithContext(bo, ctx))

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errContended):
		m.logger.Debug("gave up waiting for lock %s after %s", resource, timeout)
		return false, nil
	case ctx.Err() != nil:
		return false, nil
	default:
		return false, err
	}
}
