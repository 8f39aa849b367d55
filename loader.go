package imgcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/imgcache/cache"
	"github.com/meigma/imgcache/codec"
	"github.com/meigma/imgcache/internal/gate"
)

// Loader coordinates background image loads into sinks. It is safe for
// concurrent use.
type Loader struct {
	cache   *cache.ImageCache
	fetcher Fetcher
	decoder Decoder
	log     *slog.Logger
	metrics *Metrics

	workers          int
	fadeIn           bool
	fadeDuration     time.Duration
	queueWhilePaused bool
	useCache         bool
	diskWriteBack    bool
	placeholder      any
	listener         Listener

	sem   *semaphore.Weighted
	group singleflight.Group

	// resume is open while work is not paused.
	resume    *gate.Gate
	exitEarly atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	queue   []*request
	flights map[string]*flight
}

type request struct {
	key      string
	sink     Sink
	listener Listener
	fetcher  Fetcher
	decoder  Decoder
}

type loadResult struct {
	value  any
	source Source
}

// flight is one shared load. It is cancelled when every waiter has left.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// New creates a Loader over c that fetches misses with f and decodes them
// with d. The Loader takes ownership of c and closes it in Close.
func New(c *cache.ImageCache, f Fetcher, d Decoder, opts ...Option) (*Loader, error) {
	if c == nil {
		return nil, errors.New("imgcache: cache is nil")
	}
	if f == nil {
		return nil, errors.New("imgcache: fetcher is nil")
	}
	if d == nil {
		return nil, errors.New("imgcache: decoder is nil")
	}

	l := &Loader{
		cache:         c,
		fetcher:       f,
		decoder:       d,
		workers:       DefaultWorkers,
		fadeIn:        true,
		fadeDuration:  DefaultFadeDuration,
		useCache:      true,
		diskWriteBack: true,
		resume:        gate.New(true),
		flights:       make(map[string]*flight),
	}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	if l.log == nil {
		l.log = slog.New(slog.DiscardHandler)
	}
	l.sem = semaphore.NewWeighted(int64(l.workers))
	l.ctx, l.cancel = context.WithCancel(context.Background())
	return l, nil
}

// Cache returns the cache the loader reads and fills.
func (l *Loader) Cache() *cache.ImageCache {
	return l.cache
}

// Request loads key into sink. A memory hit is delivered before Request
// returns; anything else is loaded in the background and delivered only if
// sink has not been given another request or cancelled meanwhile.
//
// Request reports false when nothing was started: the loader is closed, the
// key or sink is empty, or sink is already waiting for key.
func (l *Loader) Request(key string, sink Sink, opts ...RequestOption) bool {
	if key == "" || sink == nil {
		return false
	}
	r := &request{key: key, sink: sink}
	for _, opt := range opts {
		opt(r)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	if l.queueWhilePaused && !l.resume.IsOpen() {
		ok := l.enqueueLocked(r)
		l.mu.Unlock()
		return ok
	}
	l.mu.Unlock()
	return l.start(r)
}

// enqueueLocked holds r until work resumes. The sink's running load and
// any request it already has queued are dropped so r stays the last word.
func (l *Loader) enqueueLocked(r *request) bool {
	slot := r.sink.PendingSlot()
	if slot.Pending(r.key) {
		return false
	}
	for _, q := range l.queue {
		if q.key == r.key && q.sink.PendingSlot() == slot {
			return false
		}
	}
	kept := l.queue[:0]
	for _, q := range l.queue {
		if q.sink.PendingSlot() != slot {
			kept = append(kept, q)
		}
	}
	clear(l.queue[len(kept):])
	l.queue = append(kept, r)
	l.metrics.queued(len(l.queue))
	slot.Cancel()
	return true
}

func (l *Loader) start(r *request) bool {
	slot := r.sink.PendingSlot()
	if l.useCache {
		if v, ok := l.cache.GetBitmapFromMemCache(r.key); ok {
			slot.deliverNow(func() {
				r.sink.Deliver(Delivery{Key: r.key, Result: v, Source: SourceMemory})
			})
			l.metrics.request(SourceMemory)
			l.notify(r, v)
			return true
		}
	}

	ctx, cancel := context.WithCancel(l.ctx)
	t, ok := slot.Issue(r.key, cancel)
	if !ok {
		cancel()
		return false
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		slot.Complete(t)
		cancel()
		return false
	}
	l.wg.Add(1)
	l.mu.Unlock()

	if ps, ok := r.sink.(PlaceholderSink); ok && l.placeholder != nil {
		ps.ShowPlaceholder(r.key, l.placeholder)
	}
	l.metrics.taskStarted()
	go l.run(ctx, cancel, t, r)
	return true
}

func (l *Loader) run(ctx context.Context, cancel context.CancelFunc, t Token, r *request) {
	defer l.wg.Done()
	defer l.metrics.taskDone()
	defer cancel()

	slot := r.sink.PendingSlot()
	res, err := l.await(ctx, r)
	if ctx.Err() != nil || errors.Is(err, errExitEarly) {
		slot.Complete(t)
		l.metrics.outcome(outcomeCancelled)
		l.log.Debug("load cancelled", slog.String("key", r.key))
		return
	}
	if err == nil && res.value == nil {
		err = ErrNoResult
	}

	d := Delivery{Key: r.key, Result: res.value, Source: res.source, Err: err}
	if err == nil && l.fadeIn {
		d.Fade = l.fadeDuration
	}
	if !slot.deliver(t, func() { r.sink.Deliver(d) }) {
		l.metrics.outcome(outcomeSuperseded)
		l.log.Debug("discarding superseded result", slog.String("key", r.key))
		return
	}

	if err != nil {
		l.metrics.outcome(outcomeFailed)
		l.log.Debug("load failed", slog.String("key", r.key), slog.Any("error", err))
	} else {
		l.metrics.outcome(outcomeDelivered)
		l.metrics.request(res.source)
	}
	l.notify(r, d.Result)
}

func (l *Loader) notify(r *request, v any) {
	if r.listener != nil {
		r.listener(r.key, v)
	}
	if l.listener != nil {
		l.listener(r.key, v)
	}
}

// await joins or starts the shared load for r. Requests with their own
// fetcher or decoder load alone.
func (l *Loader) await(ctx context.Context, r *request) (loadResult, error) {
	animated := r.sink.AcceptsAnimated()
	if r.fetcher != nil || r.decoder != nil {
		f, d := l.fetcher, l.decoder
		if r.fetcher != nil {
			f = r.fetcher
		}
		if r.decoder != nil {
			d = r.decoder
		}
		return l.load(ctx, r.key, f, d, animated)
	}

	fk := flightKey(r.key, animated)
	l.mu.Lock()
	f, ok := l.flights[fk]
	if !ok {
		fctx, fcancel := context.WithCancel(l.ctx)
		f = &flight{ctx: fctx, cancel: fcancel}
		l.flights[fk] = f
		// A new flight means DoChan starts a new call below; Close waits for it.
		l.wg.Add(1)
	}
	f.waiters++
	// The group and flights stay in step because both change under l.mu.
	ch := l.group.DoChan(fk, func() (any, error) {
		defer l.wg.Done()
		defer l.land(fk, f)
		return l.load(f.ctx, r.key, l.fetcher, l.decoder, animated)
	})
	l.mu.Unlock()

	select {
	case res := <-ch:
		l.leave(fk, f, false)
		if res.Err != nil {
			return loadResult{}, res.Err
		}
		return res.Val.(loadResult), nil //nolint:errcheck // only loadResult is stored
	case <-ctx.Done():
		l.leave(fk, f, true)
		return loadResult{}, ctx.Err()
	}
}

func flightKey(key string, animated bool) string {
	if animated {
		return "a\x00" + key
	}
	return "s\x00" + key
}

// land retires a finished flight so later requests start afresh.
func (l *Loader) land(fk string, f *flight) {
	l.mu.Lock()
	if l.flights[fk] == f {
		delete(l.flights, fk)
		l.group.Forget(fk)
	}
	l.mu.Unlock()
	f.cancel()
}

// leave drops a waiter. The last waiter to give up cancels the load.
func (l *Loader) leave(fk string, f *flight, early bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f.waiters--
	if early && f.waiters == 0 && l.flights[fk] == f {
		delete(l.flights, fk)
		l.group.Forget(fk)
		f.cancel()
	}
}

// load serves key from the disk tier or fetches it, then fills the cache.
func (l *Loader) load(ctx context.Context, key string, f Fetcher, d Decoder, animated bool) (res loadResult, err error) {
	if err := l.checkpoint(ctx); err != nil {
		return loadResult{}, err
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return loadResult{}, err
	}
	defer l.sem.Release(1)

	defer func() {
		if p := recover(); p != nil {
			l.log.Error("image load panicked", slog.String("key", key), slog.Any("panic", p))
			res, err = loadResult{}, fmt.Errorf("%w: %v", ErrPanic, p)
		}
	}()
	start := time.Now()
	defer func() { l.metrics.loadSeconds(time.Since(start).Seconds()) }()

	if l.useCache {
		v, err := l.decodeFromDisk(ctx, key, d, animated)
		if err != nil {
			return loadResult{}, err
		}
		if v != nil {
			l.writeBack(ctx, key, v, false)
			return loadResult{value: v, source: SourceDisk}, nil
		}
	}

	v, err := l.fetchAndDecode(ctx, key, f, d, animated)
	if err != nil {
		return loadResult{}, err
	}
	l.writeBack(ctx, key, v, l.diskWriteBack)
	return loadResult{value: v, source: SourceNetwork}, nil
}

// decodeFromDisk returns nil, nil on a miss. Bytes that fail to decode are
// removed from the disk tier and reported as a miss.
func (l *Loader) decodeFromDisk(ctx context.Context, key string, d Decoder, animated bool) (any, error) {
	rc, ok := l.cache.GetStreamFromDiskCache(ctx, key)
	if !ok {
		return nil, ctx.Err()
	}
	if err := l.checkpoint(ctx); err != nil {
		_ = rc.Close()
		return nil, err
	}
	v, err := d.Decode(ctx, key, rc, animated)
	_ = rc.Close()
	if err == nil && v != nil {
		return v, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	l.log.Warn("removing undecodable disk cache entry",
		slog.String("key", key),
		slog.Any("error", err))
	if err := l.cache.RemoveFromDiskCache(ctx, key); err != nil {
		l.log.Debug("disk cache remove failed", slog.String("key", key), slog.Any("error", err))
	}
	return nil, nil
}

// fetchAndDecode downloads key, storing the raw bytes in the disk tier when
// it is available and decoding from there.
func (l *Loader) fetchAndDecode(ctx context.Context, key string, f Fetcher, d Decoder, animated bool) (any, error) {
	rc, err := f.Fetch(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("imgcache: fetch %s: %w", key, err)
	}
	if l.useCache {
		err := l.cache.AddStreamToCache(ctx, key, rc)
		switch {
		case err == nil:
			_ = rc.Close()
			v, err := l.decodeFromDisk(ctx, key, d, animated)
			if err != nil || v != nil {
				return v, err
			}
			// Trimmed or removed before it could be read back.
			return l.fetchDirect(ctx, key, f, d, animated)
		case errors.Is(err, cache.ErrDiskUnavailable):
			// Nothing was read from rc.
		default:
			_ = rc.Close()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			l.log.Debug("disk cache store failed, decoding from source",
				slog.String("key", key),
				slog.Any("error", err))
			return l.fetchDirect(ctx, key, f, d, animated)
		}
	}
	defer rc.Close()
	return l.decode(ctx, key, rc, d, animated)
}

func (l *Loader) fetchDirect(ctx context.Context, key string, f Fetcher, d Decoder, animated bool) (any, error) {
	rc, err := f.Fetch(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("imgcache: fetch %s: %w", key, err)
	}
	defer rc.Close()
	return l.decode(ctx, key, rc, d, animated)
}

func (l *Loader) decode(ctx context.Context, key string, r io.Reader, d Decoder, animated bool) (any, error) {
	if err := l.checkpoint(ctx); err != nil {
		return nil, err
	}
	v, err := d.Decode(ctx, key, r, animated)
	if err != nil {
		return nil, fmt.Errorf("imgcache: decode %s: %w", key, err)
	}
	if v == nil {
		return nil, ErrNoResult
	}
	return v, nil
}

// writeBack caches still images. Animations are not cached in memory.
func (l *Loader) writeBack(ctx context.Context, key string, v any, toDisk bool) {
	if !l.useCache {
		return
	}
	if _, ok := v.(*codec.Animation); ok {
		return
	}
	if err := l.cache.AddBitmapToCache(ctx, key, v, toDisk); err != nil {
		l.log.Debug("cache write-back failed", slog.String("key", key), slog.Any("error", err))
	}
}

// checkpoint blocks while work is paused and reports whether the task
// should stop.
func (l *Loader) checkpoint(ctx context.Context) error {
	if err := l.resume.Wait(ctx); err != nil {
		return err
	}
	if l.exitEarly.Load() {
		return errExitEarly
	}
	return ctx.Err()
}

// CancelWork cancels the load sink is waiting for, including requests for
// sink held while paused. It reports whether anything was cancelled.
func (l *Loader) CancelWork(sink Sink) bool {
	if sink == nil {
		return false
	}
	slot := sink.PendingSlot()
	l.mu.Lock()
	dropped := false
	kept := l.queue[:0]
	for _, r := range l.queue {
		if r.sink.PendingSlot() == slot {
			dropped = true
			continue
		}
		kept = append(kept, r)
	}
	clear(l.queue[len(kept):])
	l.queue = kept
	l.metrics.queued(len(l.queue))
	l.mu.Unlock()

	if slot.Cancel() {
		l.log.Debug("cancelled pending load")
		return true
	}
	return dropped
}

// SetPauseWork pauses or resumes background work. Paused tasks block
// before their next read or decode; resuming releases them and replays any
// requests held while paused, in order.
func (l *Loader) SetPauseWork(paused bool) {
	l.mu.Lock()
	if paused {
		l.resume.Close()
		l.mu.Unlock()
		return
	}
	l.resume.Open()
	queued := l.queue
	l.queue = nil
	l.metrics.queued(0)
	l.mu.Unlock()

	for _, r := range queued {
		l.start(r)
	}
}

// Paused reports whether work is paused.
func (l *Loader) Paused() bool {
	return !l.resume.IsOpen()
}

// SetExitTasksEarly makes running and future tasks stop at their next
// checkpoint without delivering. It also resumes paused work so blocked
// tasks can exit.
func (l *Loader) SetExitTasksEarly(exit bool) {
	l.exitEarly.Store(exit)
	l.SetPauseWork(false)
}

// GetBitmapFromCache returns key from the memory tier.
func (l *Loader) GetBitmapFromCache(key string) (any, bool) {
	return l.cache.GetBitmapFromMemCache(key)
}

// HasBitmapInDiskCache reports whether the disk tier holds key.
func (l *Loader) HasBitmapInDiskCache(ctx context.Context, key string) bool {
	return l.cache.HasBitmapInDiskCache(ctx, key)
}

// InitDiskCache opens the disk tier. Call it off the request path; loads
// that reach the disk tier wait for it.
func (l *Loader) InitDiskCache() {
	l.cache.InitDiskCache()
}

// ClearCache empties the memory tier and, with clearDisk, the disk tier.
func (l *Loader) ClearCache(clearDisk bool) error {
	return l.cache.ClearCache(clearDisk)
}

// Flush writes pending disk journal records.
func (l *Loader) Flush() error {
	return l.cache.Flush()
}

// Close stops accepting requests, cancels running tasks, waits for them
// to finish or ctx to end, and closes the cache.
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.closed = true
	l.queue = nil
	l.metrics.queued(0)
	l.mu.Unlock()

	l.cancel()
	l.resume.Open()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return l.cache.Close()
}
