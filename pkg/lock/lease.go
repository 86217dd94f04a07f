package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const minPollInterval = 50 * time.Millisecond

// LeaseStore persists leases shared by all worker processes.
type LeaseStore interface {
	AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, owner string) error
}

// LeaseLocker is a Locker backed by expiring database leases, for workers
// running in several processes. Held leases are renewed every ttl/3; a
// lease whose holder died is taken over once it expires. The held context
// is cancelled with ErrLockLost when another holder took the lease or when
// renewal kept failing until the lease would expire before the next attempt.
type LeaseLocker struct {
	log          logrus.FieldLogger
	store        LeaseStore
	node         string
	ttl          time.Duration
	pollInterval time.Duration
}

// Ensure LeaseLocker implements Locker.
var _ Locker = (*LeaseLocker)(nil)

// NewLeaseLocker creates a LeaseLocker.
func NewLeaseLocker(log logrus.FieldLogger, st LeaseStore, ttl time.Duration) *LeaseLocker {
	poll := ttl / 10
	if poll < minPollInterval {
		poll = minPollInterval
	}

	return &LeaseLocker{
		log:          log.WithField("component", "lock"),
		store:        st,
		node:         uuid.New().String(),
		ttl:          ttl,
		pollInterval: poll,
	}
}

// Acquire polls until the lease for key is obtained or ctx is done.
func (l *LeaseLocker) Acquire(ctx context.Context, key string) (context.Context, Release, error) {
	// Every acquisition is a distinct owner, two goroutines of one process
	// must exclude each other too.
	owner := l.node + "/" + uuid.New().String()

	for {
		ok, err := l.store.AcquireLease(ctx, key, owner, l.ttl)
		if err != nil {
			return nil, nil, fmt.Errorf("acquiring lease for %s: %w", key, err)
		}

		if ok {
			held, release := l.hold(ctx, key, owner)

			return held, release, nil
		}

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}
}

// hold renews the lease in the background until released.
func (l *LeaseLocker) hold(ctx context.Context, key, owner string) (context.Context, Release) {
	log := l.log.WithField("key", key)
	stop := make(chan struct{})
	held, cancel := context.WithCancelCause(ctx)
	interval := l.ttl / 3
	renewed := time.Now()

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				attempted := time.Now()

				renewCtx, cancelRenew := context.WithTimeout(context.Background(), interval)
				ok, err := l.store.RenewLease(renewCtx, key, owner, l.ttl)

				cancelRenew()

				if err != nil {
					log.WithError(err).Warn("Failed to renew lease")

					if time.Since(renewed)+interval >= l.ttl {
						log.Error("Lease expires before the next renewal, giving it up")
						cancel(fmt.Errorf("%w: renewing lease for %s: %w", ErrLockLost, key, err))

						return
					}

					continue
				}

				if !ok {
					log.Warn("Lease lost to another holder")
					cancel(fmt.Errorf("%w: lease for %s taken by another holder", ErrLockLost, key))

					return
				}

				renewed = attempted
			}
		}
	}()

	var once sync.Once

	return held, func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			cancel(nil)

			if err := l.store.ReleaseLease(context.Background(), key, owner); err != nil {
				log.WithError(err).Warn("Failed to release lease")
			}
		})
	}
}
