package imgcache

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/imgcache/cache"
)

type blockingFetcher struct {
	calls   atomic.Int32
	release chan struct{}
}

func (f *blockingFetcher) Fetch(ctx context.Context, _ string) (io.ReadCloser, error) {
	f.calls.Add(1)
	select {
	case <-f.release:
		return io.NopCloser(bytes.NewReader([]byte("pixels"))), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type stringDecoder struct{}

func (stringDecoder) Decode(_ context.Context, _ string, r io.Reader, _ bool) (any, error) {
	b, err := io.ReadAll(r)
	return string(b), err
}

type chanSink struct {
	slot PendingSlot
	got  chan Delivery
}

func newChanSink() *chanSink { return &chanSink{got: make(chan Delivery, 4)} }

func (s *chanSink) Deliver(d Delivery)        { s.got <- d }
func (s *chanSink) PendingSlot() *PendingSlot { return &s.slot }
func (s *chanSink) AcceptsAnimated() bool     { return false }

func newInternalLoader(t *testing.T, f Fetcher, opts ...Option) *Loader {
	t.Helper()
	params := cache.DefaultParams(filepath.Join(t.TempDir(), "images"))
	params.DiskCacheEnabled = false
	params.MemCacheCountMode = true
	params.MemCacheSize = 16
	c, err := cache.New(params)
	require.NoError(t, err)
	l, err := New(c, f, stringDecoder{}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close(context.Background()) })
	return l
}

func (l *Loader) waiters(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f, ok := l.flights[flightKey(key, false)]; ok {
		return f.waiters
	}
	return 0
}

func TestConcurrentRequestsShareOneLoad(t *testing.T) {
	t.Parallel()

	f := &blockingFetcher{release: make(chan struct{})}
	l := newInternalLoader(t, f)

	sinks := []*chanSink{newChanSink(), newChanSink(), newChanSink()}
	for _, s := range sinks {
		require.True(t, l.Request("k", s))
	}
	require.Eventually(t, func() bool { return l.waiters("k") == len(sinks) },
		5*time.Second, time.Millisecond)
	close(f.release)

	for _, s := range sinks {
		select {
		case d := <-s.got:
			require.NoError(t, d.Err)
			assert.Equal(t, "pixels", d.Result)
		case <-time.After(5 * time.Second):
			t.Fatal("no delivery")
		}
	}
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Zero(t, l.waiters("k"))
}

func TestLastWaiterLeavingCancelsSharedLoad(t *testing.T) {
	t.Parallel()

	f := &blockingFetcher{release: make(chan struct{})}
	l := newInternalLoader(t, f)

	a, b := newChanSink(), newChanSink()
	require.True(t, l.Request("k", a))
	require.True(t, l.Request("k", b))
	require.Eventually(t, func() bool { return l.waiters("k") == 2 },
		5*time.Second, time.Millisecond)

	l.CancelWork(a)
	require.Eventually(t, func() bool { return l.waiters("k") == 1 },
		5*time.Second, time.Millisecond)

	l.CancelWork(b)
	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.flights) == 0
	}, 5*time.Second, time.Millisecond)

	// A fresh request starts a new load rather than joining the cancelled one.
	c := newChanSink()
	require.True(t, l.Request("k", c))
	require.Eventually(t, func() bool { return f.calls.Load() == 2 },
		5*time.Second, time.Millisecond)
	close(f.release)

	select {
	case d := <-c.got:
		require.NoError(t, d.Err)
		assert.Equal(t, "pixels", d.Result)
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery")
	}
	assert.Empty(t, a.got)
	assert.Empty(t, b.got)
}

func TestStaleResultNeverOverwritesNewer(t *testing.T) {
	t.Parallel()

	f := &blockingFetcher{release: make(chan struct{})}
	l := newInternalLoader(t, f, WithWorkers(8))

	s := newChanSink()
	var wg sync.WaitGroup
	for _, key := range []string{"k1", "k2", "k3", "k4"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Request(key, s)
		}()
	}
	wg.Wait()
	_, want := s.slot.Current()
	close(f.release)

	select {
	case d := <-s.got:
		assert.Equal(t, want, d.Key)
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery")
	}
	require.NoError(t, l.Close(context.Background()))
	assert.Empty(t, s.got)
}
