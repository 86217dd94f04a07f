package lock

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethpandaops/pagesmith/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// assertExclusive runs workers goroutines that each hold key briefly and
// reports the highest number of simultaneous holders.
func assertExclusive(t *testing.T, locker Locker, key string, workers int) {
	t.Helper()

	var (
		holders atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, release, err := locker.Acquire(context.Background(), key)
			if !assert.NoError(t, err) {
				return
			}
			defer release()

			n := holders.Add(1)
			for {
				seen := maxSeen.Load()
				if n <= seen || maxSeen.CompareAndSwap(seen, n) {
					break
				}
			}

			time.Sleep(5 * time.Millisecond)
			holders.Add(-1)
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestKeyedMutexExcludesSameKey(t *testing.T) {
	km := NewKeyedMutex()

	assertExclusive(t, km, "acme/widget", 8)
	assert.Zero(t, km.Len(), "entries are dropped once released")
}

func TestKeyedMutexAllowsDifferentKeys(t *testing.T) {
	km := NewKeyedMutex()

	_, releaseA, err := km.Acquire(context.Background(), "acme/widget")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, releaseB, err := km.Acquire(ctx, "acme/other")
	require.NoError(t, err)

	assert.Equal(t, 2, km.Len())

	releaseA()
	releaseB()
	releaseB()

	assert.Zero(t, km.Len())
}

func TestKeyedMutexHonoursContext(t *testing.T) {
	km := NewKeyedMutex()

	_, release, err := km.Acquire(context.Background(), "acme/widget")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, _, err = km.Acquire(ctx, "acme/widget")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	assert.Zero(t, km.Len())

	_, release, err = km.Acquire(context.Background(), "acme/widget")
	require.NoError(t, err)
	release()
}

func newLeaseStore(t *testing.T) store.Store {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	st := store.NewSQLiteStore(log, filepath.Join(t.TempDir(), "lease.db"))
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })
	require.NoError(t, st.Migrate(context.Background()))

	return st
}

func TestLeaseLockerExcludesSameKey(t *testing.T) {
	locker := NewLeaseLocker(logrus.New(), newLeaseStore(t), time.Second)

	assertExclusive(t, locker, "acme/widget", 4)
}

func TestLeaseLockerAcrossLockers(t *testing.T) {
	st := newLeaseStore(t)
	first := NewLeaseLocker(logrus.New(), st, time.Second)
	second := NewLeaseLocker(logrus.New(), st, time.Second)

	_, release, err := first.Acquire(context.Background(), "acme/widget")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, _, err = second.Acquire(ctx, "acme/widget")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()

	_, release, err = second.Acquire(context.Background(), "acme/widget")
	require.NoError(t, err)
	release()
}

func TestLeaseLockerRenewsWhileHeld(t *testing.T) {
	st := newLeaseStore(t)
	holder := NewLeaseLocker(logrus.New(), st, 300*time.Millisecond)
	contender := NewLeaseLocker(logrus.New(), st, 300*time.Millisecond)

	_, release, err := holder.Acquire(context.Background(), "acme/widget")
	require.NoError(t, err)
	defer release()

	// Well past the ttl, the heartbeat keeps the lease alive.
	ctx, cancel := context.WithTimeout(context.Background(), 900*time.Millisecond)
	defer cancel()

	_, _, err = contender.Acquire(ctx, "acme/widget")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyedMutexCancelsHeldContextOnRelease(t *testing.T) {
	km := NewKeyedMutex()

	held, release, err := km.Acquire(context.Background(), "acme/widget")
	require.NoError(t, err)
	require.NoError(t, held.Err())

	release()

	assert.ErrorIs(t, held.Err(), context.Canceled)
	assert.NotErrorIs(t, context.Cause(held), ErrLockLost)
}

// unreliableLeaseStore fails or refuses renewals once told to.
type unreliableLeaseStore struct {
	LeaseStore
	renewErr  atomic.Bool
	renewLost atomic.Bool
}

func (s *unreliableLeaseStore) RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if s.renewErr.Load() {
		return false, errors.New("database is locked")
	}

	if s.renewLost.Load() {
		return false, nil
	}

	return s.LeaseStore.RenewLease(ctx, key, owner, ttl)
}

func TestLeaseLockerCancelsHolderBeforeExpiry(t *testing.T) {
	st := &unreliableLeaseStore{LeaseStore: newLeaseStore(t)}
	ttl := 150 * time.Millisecond
	holder := NewLeaseLocker(logrus.New(), st, ttl)
	contender := NewLeaseLocker(logrus.New(), st, ttl)

	held, release, err := holder.Acquire(context.Background(), "acme/widget")
	require.NoError(t, err)
	defer release()

	st.renewErr.Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, releaseContender, err := contender.Acquire(ctx, "acme/widget")
	require.NoError(t, err)
	defer releaseContender()

	// The holder has been told before anyone else could take over.
	select {
	case <-held.Done():
	default:
		t.Fatal("holder context still live while another locker holds the lease")
	}

	assert.ErrorIs(t, context.Cause(held), ErrLockLost)
}

func TestLeaseLockerCancelsHolderWhenTakenOver(t *testing.T) {
	st := &unreliableLeaseStore{LeaseStore: newLeaseStore(t)}
	holder := NewLeaseLocker(logrus.New(), st, 150*time.Millisecond)

	held, release, err := holder.Acquire(context.Background(), "acme/widget")
	require.NoError(t, err)
	defer release()

	st.renewLost.Store(true)

	select {
	case <-held.Done():
	case <-time.After(time.Second):
		t.Fatal("holder context not cancelled after losing the lease")
	}

	assert.ErrorIs(t, context.Cause(held), ErrLockLost)
}

func TestLeaseLockerReleaseCancelsHeldContext(t *testing.T) {
	holder := NewLeaseLocker(logrus.New(), newLeaseStore(t), time.Second)

	held, release, err := holder.Acquire(context.Background(), "acme/widget")
	require.NoError(t, err)

	release()

	assert.ErrorIs(t, held.Err(), context.Canceled)
	assert.NotErrorIs(t, context.Cause(held), ErrLockLost)
}
