package scheduling

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedLockerExclusive(t *testing.T) {
	l := NewKeyedLocker(2 * time.Second)
	id := uuid.New()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithSlotLock(context.Background(), id, func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					cur := atomic.LoadInt32(&maxInside)
					if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Zero(t, l.size(), "entries are dropped once released")
}

func TestKeyedLockerBoundedWait(t *testing.T) {
	l := NewKeyedLocker(30 * time.Millisecond)
	id := uuid.New()

	release, err := l.Acquire(context.Background(), id)
	require.NoError(t, err)

	start := time.Now()
	_, err = l.Acquire(context.Background(), id)
	assert.ErrorIs(t, err, ErrSlotBusy)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)

	// other keys never contend
	releaseOther, err := l.Acquire(context.Background(), uuid.New())
	require.NoError(t, err)
	releaseOther()

	release()
	release() // second call is a no-op

	again, err := l.Acquire(context.Background(), id)
	require.NoError(t, err)
	again()
	assert.Zero(t, l.size())
}

func TestKeyedLockerCallerCancel(t *testing.T) {
	l := NewKeyedLocker(time.Second)
	id := uuid.New()

	release, err := l.Acquire(context.Background(), id)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Acquire(ctx, id)
	assert.ErrorIs(t, err, context.Canceled)
}
