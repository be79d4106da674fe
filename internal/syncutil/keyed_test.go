package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	m := NewKeyedMutex()
	counter := 0
	var wg sync.WaitGroup
	const n = 200

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(context.Background(), 42)
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
		}()
	}
	wg.Wait()

	assert.Equal(t, n, counter)
	assert.Zero(t, m.Len())
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	m := NewKeyedMutex()
	unlockA := m.Lock(1)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := m.LockContext(ctx, 2)
	require.NoError(t, err)
	unlockB()
}

func TestKeyedMutex_ContextCancelled(t *testing.T) {
	m := NewKeyedMutex()
	unlock := m.Lock(7)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	got, err := m.LockContext(ctx, 7)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.Zero(t, m.Len())

	again, err := m.LockContext(context.Background(), 7)
	require.NoError(t, err)
	again()
}

func TestKeyedMutex_DoubleUnlockIsNoop(t *testing.T) {
	m := NewKeyedMutex()
	unlock := m.Lock(3)
	unlock()
	unlock()

	next := m.Lock(3)
	next()
	assert.Zero(t, m.Len())
}
