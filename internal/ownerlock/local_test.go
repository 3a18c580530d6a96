package ownerlock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallbiznis/gigpay/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalSerializesSameKey(t *testing.T) {
	locker := NewLocal(time.Second)

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithOwner(context.Background(), locker, 1, 42, func() error {
				n := atomic.AddInt32(&active, 1)
				for {
					m := atomic.LoadInt32(&maxActive)
					if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive)
	assert.Empty(t, locker.slots)
}

func TestLocalDifferentOwnersDoNotBlock(t *testing.T) {
	locker := NewLocal(50 * time.Millisecond)

	release, err := locker.Lock(context.Background(), Key(1, 1))
	require.NoError(t, err)
	defer release()

	other, err := locker.Lock(context.Background(), Key(1, 2))
	require.NoError(t, err)
	other()
}

func TestLocalTimeoutIsTransient(t *testing.T) {
	locker := NewLocal(20 * time.Millisecond)

	release, err := locker.Lock(context.Background(), Key(1, 7))
	require.NoError(t, err)

	_, err = locker.Lock(context.Background(), Key(1, 7))
	require.ErrorIs(t, err, ErrLockTimeout)
	assert.True(t, errors.Is(err, db.ErrTransient))

	release()
	release()

	again, err := locker.Lock(context.Background(), Key(1, 7))
	require.NoError(t, err)
	again()
}

func TestWithOwnerPropagatesError(t *testing.T) {
	locker := NewLocal(time.Second)
	boom := errors.New("boom")

	err := WithOwner(context.Background(), locker, 1, 9, func() error { return boom })
	assert.ErrorIs(t, err, boom)
}
