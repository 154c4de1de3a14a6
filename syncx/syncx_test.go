package syncx

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalCollapses(t *testing.T) {
	var s Signal
	s.Notify()
	s.Notify()
	s.Notify()
	require.NoError(t, s.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)
}

func TestSignalWakesWaiter(t *testing.T) {
	var s Signal
	done := make(chan error)
	go func() { done <- s.Wait(context.Background()) }()
	time.Sleep(5 * time.Millisecond)
	s.Notify()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestSignalDrain(t *testing.T) {
	var s Signal
	s.Notify()
	s.Drain()
	select {
	case <-s.C():
		t.Fatal("drained signal still pending")
	default:
	}
}

func TestLatch(t *testing.T) {
	var l Latch
	boom := errors.New("boom")
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.ErrorIs(t, l.Wait(context.Background()), boom)
		}()
	}
	assert.False(t, l.Released())
	assert.True(t, l.Release(boom))
	assert.False(t, l.Release(nil))
	wg.Wait()
	assert.True(t, l.Released())
	assert.ErrorIs(t, l.Wait(context.Background()), boom)
}

func TestLatchContext(t *testing.T) {
	var l Latch
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Wait(ctx), context.Canceled)
}
