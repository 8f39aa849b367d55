// Package cache combines a bounded memory tier of decoded images with a
// journaled disk tier of encoded bytes.
//
// The disk tier is opened by InitDiskCache, which may be slow. Until it
// completes, every disk operation waits on a "disk starting" gate instead of
// failing or racing the open. If the disk tier cannot be opened the cache
// keeps working with the memory tier alone.
//
// Memory entries are keyed by the caller's logical key. Disk entries are
// keyed by a hash of it (see disk.HashKey).
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/go-git/go-billy/v5"

	"github.com/meigma/imgcache/cache/disk"
	"github.com/meigma/imgcache/cache/memory"
	"github.com/meigma/imgcache/codec"
	"github.com/meigma/imgcache/internal/gate"
	"github.com/meigma/imgcache/internal/platform"
)

// ErrDiskUnavailable is returned by disk operations when the disk tier is
// disabled, failed to open, or has been closed.
var ErrDiskUnavailable = errors.New("cache: disk cache unavailable")

// ErrBusy is returned when another writer holds the disk entry for a key.
var ErrBusy = errors.New("cache: disk entry is being written")

// Decoder turns cached bytes back into a displayable value.
type Decoder interface {
	Decode(ctx context.Context, key string, r io.Reader, animated bool) (any, error)
}

// ImageCache is a two-tier image cache. It is safe for concurrent use.
type ImageCache struct {
	params   Params
	log      *slog.Logger
	fs       billy.Filesystem
	diskOpts []disk.Option
	decoder  Decoder
	keyFunc  func(string) string
	onEvict  func(key string)
	space    func(dir string) (uint64, error)

	mem *memory.Cache[any]

	// starting is closed while the disk tier is being opened or reset.
	starting *gate.Gate

	diskMu       sync.RWMutex
	disk         *disk.Cache
	diskDisabled bool
	// initialized is set once InitDiskCache has run. Until then a reset
	// leaves the starting gate closed.
	initialized bool
}

// Option configures an ImageCache.
type Option func(*ImageCache)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *ImageCache) {
		c.log = logger
	}
}

// WithFilesystem places the disk tier on fs instead of the OS filesystem.
// The free-space check is skipped for custom filesystems.
func WithFilesystem(fs billy.Filesystem) Option {
	return func(c *ImageCache) {
		c.fs = fs
	}
}

// WithDiskOptions passes extra options to disk.Open.
func WithDiskOptions(opts ...disk.Option) Option {
	return func(c *ImageCache) {
		c.diskOpts = append(c.diskOpts, opts...)
	}
}

// WithDecoder sets the decoder used by GetBitmapFromDiskCache.
// Defaults to codec.New().
func WithDecoder(d Decoder) Option {
	return func(c *ImageCache) {
		c.decoder = d
	}
}

// WithKeyFunc sets the mapping from logical keys to disk entry keys.
// Defaults to disk.HashKey; use disk.MD5Key to read older directories.
func WithKeyFunc(fn func(string) string) Option {
	return func(c *ImageCache) {
		c.keyFunc = fn
	}
}

// WithEvictCallback is called with the key of each memory entry evicted to
// make room.
func WithEvictCallback(fn func(key string)) Option {
	return func(c *ImageCache) {
		c.onEvict = fn
	}
}

// New builds an ImageCache from params. If params.InitDiskCacheOnCreate is
// set the disk tier is opened before New returns.
func New(params Params, opts ...Option) (*ImageCache, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	c := &ImageCache{
		params:  params,
		keyFunc: disk.HashKey,
		space:   platform.UsableSpace,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(c)
	}
	if c.log == nil {
		c.log = slog.New(slog.DiscardHandler)
	}
	if c.decoder == nil {
		c.decoder = codec.New(codec.WithLogger(c.log))
	}

	if params.MemoryCacheEnabled {
		c.mem = memory.New[any](params.MemCacheSize,
			memory.WithSizer[any](c.sizeOf),
			memory.WithEvictCallback[any](func(key string, _ any) {
				c.log.Debug("memory cache evicted", slog.String("key", key))
				if c.onEvict != nil {
					c.onEvict(key)
				}
			}))
	}

	// With no disk tier there is nothing to wait for.
	c.starting = gate.New(!params.DiskCacheEnabled)
	c.initialized = !params.DiskCacheEnabled
	if params.InitDiskCacheOnCreate {
		c.InitDiskCache()
	}
	return c, nil
}

func (c *ImageCache) sizeOf(_ string, v any) int64 {
	if c.params.MemCacheCountMode {
		return 1
	}
	if s, ok := v.(codec.Sizer); ok {
		return s.SizeBytes()
	}
	return 1
}

// Params returns the parameters the cache was built with.
func (c *ImageCache) Params() Params {
	return c.params
}

// InitDiskCache opens the disk tier and releases every waiter blocked on it.
// It is a no-op if the disk tier is already open. A failure is logged and
// leaves the cache memory-only; it is not retried.
func (c *ImageCache) InitDiskCache() {
	c.diskMu.Lock()
	defer c.diskMu.Unlock()
	defer c.starting.Open()
	c.initialized = true

	if c.disk != nil && !c.disk.Closed() {
		return
	}
	if !c.params.DiskCacheEnabled || c.diskDisabled {
		return
	}

	d, err := c.openDisk()
	if err != nil {
		c.log.Warn("disk cache unavailable, continuing memory-only",
			slog.String("dir", c.params.DiskCacheDir),
			slog.Any("error", err))
		c.diskDisabled = true
		return
	}
	c.disk = d
	c.log.Debug("disk cache opened",
		slog.String("dir", d.Dir()),
		slog.Int("entries", d.Len()),
		slog.Int64("bytes", d.Size()))
}

func (c *ImageCache) openDisk() (*disk.Cache, error) {
	dir := c.params.DiskCacheDir
	opts := append([]disk.Option{disk.WithLogger(c.log)}, c.diskOpts...)
	if c.fs != nil {
		opts = append(opts, disk.WithFilesystem(c.fs))
		if err := c.fs.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	} else {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
		free, err := c.space(dir)
		if err != nil {
			return nil, fmt.Errorf("cache: probe free space: %w", err)
		}
		if free <= uint64(c.params.DiskCacheSize) { //nolint:gosec // validated > 0
			return nil, fmt.Errorf("cache: %d bytes free, need more than %d", free, c.params.DiskCacheSize)
		}
	}

	d, err := disk.Open(dir, c.params.DiskCacheSize, opts...)
	if err != nil {
		return nil, err
	}
	if !c.params.ClearDiskCacheOnStart {
		return d, nil
	}
	if err := d.Delete(); err != nil {
		return nil, err
	}
	return disk.Open(dir, c.params.DiskCacheSize, opts...)
}

// diskCache waits for the disk tier to finish starting and returns it.
// The caller must call the returned release func.
func (c *ImageCache) diskCache(ctx context.Context) (*disk.Cache, func(), error) {
	if err := c.starting.Wait(ctx); err != nil {
		return nil, nil, err
	}
	c.diskMu.RLock()
	if c.disk == nil || c.disk.Closed() {
		c.diskMu.RUnlock()
		return nil, nil, ErrDiskUnavailable
	}
	return c.disk, c.diskMu.RUnlock, nil
}

// GetBitmapFromMemCache returns the decoded value for key from memory.
// It never blocks on the disk tier.
func (c *ImageCache) GetBitmapFromMemCache(key string) (any, bool) {
	if c.mem == nil || key == "" {
		return nil, false
	}
	return c.mem.Get(key)
}

// GetStreamFromDiskCache returns a reader over the cached bytes for key.
// The caller must close it. Misses, I/O errors and an unavailable disk tier
// all report false.
func (c *ImageCache) GetStreamFromDiskCache(ctx context.Context, key string) (io.ReadCloser, bool) {
	d, release, err := c.diskCache(ctx)
	if err != nil {
		return nil, false
	}
	defer release()

	snap, err := d.Get(c.keyFunc(key))
	if err != nil {
		c.log.Debug("disk cache read failed", slog.String("key", key), slog.Any("error", err))
		return nil, false
	}
	if snap == nil {
		return nil, false
	}
	return &snapshotReader{Reader: snap.Reader(0), snap: snap}, true
}

// GetBitmapFromDiskCache reads and decodes the cached bytes for key.
func (c *ImageCache) GetBitmapFromDiskCache(ctx context.Context, key string) (any, bool) {
	rc, ok := c.GetStreamFromDiskCache(ctx, key)
	if !ok {
		return nil, false
	}
	defer rc.Close()

	v, err := c.decoder.Decode(ctx, key, rc, false)
	if err != nil || v == nil {
		c.log.Debug("disk cache decode failed", slog.String("key", key), slog.Any("error", err))
		return nil, false
	}
	return v, true
}

// HasBitmapInDiskCache reports whether the disk tier holds key.
func (c *ImageCache) HasBitmapInDiskCache(ctx context.Context, key string) bool {
	rc, ok := c.GetStreamFromDiskCache(ctx, key)
	if ok {
		_ = rc.Close()
	}
	return ok
}

// AddBitmapToCache stores a decoded value in memory if the key is not
// already there. With toDisk it is also encoded with the configured format
// and written to the disk tier if the disk tier does not hold the key.
func (c *ImageCache) AddBitmapToCache(ctx context.Context, key string, bmp any, toDisk bool) error {
	if key == "" || bmp == nil {
		return nil
	}
	if c.mem != nil && !c.mem.Contains(key) {
		c.mem.Put(key, bmp)
	}
	if !toDisk || !c.params.DiskCacheEnabled {
		return nil
	}

	ed, err := c.editDisk(ctx, key)
	if err != nil || ed == nil {
		return err
	}
	defer ed.AbortUnlessCommitted()

	w, err := ed.NewWriter(0)
	if err != nil {
		return err
	}
	if err := codec.Encode(w, bmp, c.params.CompressFormat, c.params.CompressQuality); err != nil {
		_ = w.Close()
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return err
	}
	return ed.Commit()
}

// AddStreamToCache copies r verbatim into the disk tier without touching
// memory. Nothing is stored if the disk tier already holds key or r is
// empty; an empty r returns disk.ErrEmptyValue.
//
// The copy does not hold up ClearCache or Close. If either runs first the
// edit is abandoned and an error is returned.
func (c *ImageCache) AddStreamToCache(ctx context.Context, key string, r io.Reader) error {
	if key == "" || r == nil {
		return nil
	}
	ed, err := c.editDisk(ctx, key)
	if err != nil || ed == nil {
		return err
	}
	defer ed.AbortUnlessCommitted()

	w, err := ed.NewWriter(0)
	if err != nil {
		return err
	}
	if _, err := copyContext(ctx, w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("cache: store %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return err
	}
	return ed.Commit()
}

// editDisk opens an editor for key. It returns nil, nil when the disk tier
// already holds key. The editor outlives the tier lock: a reset of the tier
// completes it, so later writes and Commit fail.
func (c *ImageCache) editDisk(ctx context.Context, key string) (*disk.Editor, error) {
	d, release, err := c.diskCache(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	diskKey := c.keyFunc(key)
	snap, err := d.Get(diskKey)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		return nil, snap.Close()
	}
	ed, err := d.Edit(diskKey)
	if err != nil {
		return nil, err
	}
	if ed == nil {
		return nil, ErrBusy
	}
	return ed, nil
}

// ClearCache empties the memory tier. With clearDisk it also deletes the
// disk tier and reopens it empty; disk operations issued meanwhile wait.
// Before InitDiskCache has run there is nothing to reset, and disk
// operations keep waiting for it.
func (c *ImageCache) ClearCache(clearDisk bool) error {
	if c.mem != nil {
		c.mem.EvictAll()
	}
	if !clearDisk {
		return nil
	}

	c.starting.Close()
	c.diskMu.Lock()
	var err error
	reopen := c.disk != nil && !c.disk.Closed()
	if reopen {
		err = c.disk.Delete()
		c.disk = nil
	}
	initialized := c.initialized
	c.diskMu.Unlock()

	switch {
	case reopen:
		c.InitDiskCache()
	case initialized:
		c.starting.Open()
	}
	return err
}

// RemoveFromMemCache drops key from the memory tier.
func (c *ImageCache) RemoveFromMemCache(key string) {
	if c.mem != nil {
		c.mem.Remove(key)
	}
}

// RemoveFromDiskCache drops key from the disk tier.
func (c *ImageCache) RemoveFromDiskCache(ctx context.Context, key string) error {
	d, release, err := c.diskCache(ctx)
	if err != nil {
		return err
	}
	defer release()
	_, err = d.Remove(c.keyFunc(key))
	return err
}

// MemCacheLen returns the number of entries in the memory tier.
func (c *ImageCache) MemCacheLen() int {
	if c.mem == nil {
		return 0
	}
	return c.mem.Len()
}

// MemCacheSize returns the memory tier's current size in its configured unit.
func (c *ImageCache) MemCacheSize() int64 {
	if c.mem == nil {
		return 0
	}
	return c.mem.Size()
}

// DiskStats reports the disk tier's entry count and size in bytes.
// ok is false when the disk tier is not open.
func (c *ImageCache) DiskStats() (entries int, size int64, ok bool) {
	c.diskMu.RLock()
	defer c.diskMu.RUnlock()
	if c.disk == nil || c.disk.Closed() {
		return 0, 0, false
	}
	return c.disk.Len(), c.disk.Size(), true
}

// DiskAvailable reports whether the disk tier is open.
func (c *ImageCache) DiskAvailable() bool {
	_, _, ok := c.DiskStats()
	return ok
}

// Flush forces the disk journal to storage.
func (c *ImageCache) Flush() error {
	c.diskMu.RLock()
	defer c.diskMu.RUnlock()
	if c.disk == nil || c.disk.Closed() {
		return nil
	}
	return c.disk.Flush()
}

// Close closes the disk tier. The memory tier stays usable, and a later
// InitDiskCache reopens the disk tier.
func (c *ImageCache) Close() error {
	c.diskMu.Lock()
	defer c.diskMu.Unlock()
	if c.disk == nil {
		return nil
	}
	err := c.disk.Close()
	c.disk = nil
	return err
}

type snapshotReader struct {
	io.Reader
	snap *disk.Snapshot
}

func (r *snapshotReader) Close() error {
	return r.snap.Close()
}
