package gate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateReleasesAllWaiters(t *testing.T) {
	t.Parallel()

	g := New(false)
	var wg sync.WaitGroup
	released := make(chan struct{}, 5)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Wait(context.Background()) == nil {
				released <- struct{}{}
			}
		}()
	}

	select {
	case <-released:
		t.Fatal("waiter released while gate closed")
	case <-time.After(20 * time.Millisecond):
	}

	g.Open()
	wg.Wait()
	assert.Len(t, released, 5)
	assert.True(t, g.IsOpen())
}

func TestGateCloseAgain(t *testing.T) {
	t.Parallel()

	g := New(true)
	require.NoError(t, g.Wait(context.Background()))

	g.Close()
	g.Close()
	assert.False(t, g.IsOpen())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, g.Wait(ctx), context.DeadlineExceeded)

	g.Open()
	g.Open()
	require.NoError(t, g.Wait(context.Background()))
}
