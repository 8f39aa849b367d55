// Package disk provides a bounded, crash-consistent disk cache.
//
// Entries are stored as plain files in a single directory and every mutation
// is recorded in an append-only journal. On open the journal is replayed to
// rebuild the entry table; anything a crash left half-written is discarded.
// Each entry holds a fixed number of values, each backed by one file. Total
// size is bounded and the least recently used entries are evicted first.
//
// The on-disk format is compatible with DiskLruCache directories:
//
//	libcore.io.DiskLruCache
//	1
//	100
//	2
//
//	CLEAN 3400330d1dfc7f3f7f4b8d4d803dfcf6 832 21054
//	DIRTY 335c4c6028171cfddfbaae1a9c313c52
//	CLEAN 335c4c6028171cfddfbaae1a9c313c52 3934 2342
//	REMOVE 335c4c6028171cfddfbaae1a9c313c52
//	READ 3400330d1dfc7f3f7f4b8d4d803dfcf6
package disk

import (
	"container/list"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

const (
	journalFile       = "journal"
	journalFileTmp    = "journal.tmp"
	journalFileBackup = "journal.bkp"

	defaultDirPerm  = 0o700
	defaultFilePerm = 0o600

	// Compaction runs once this many journal records are redundant and
	// they outnumber the live entries.
	redundantOpCompactThreshold = 2000
)

// Cache is a journaled, size-bounded LRU cache on a filesystem.
//
// Cache is safe for concurrent use. Writers are exclusive per key: at most
// one Editor exists for a key at a time.
type Cache struct {
	mu sync.Mutex

	fs         billy.Filesystem
	dir        string
	dirPerm    os.FileMode
	appVersion int
	valueCount int
	log        *slog.Logger

	maxSize      int64
	size         int64
	entries      map[string]*list.Element
	lru          *list.List // front is most recently used
	journal      *journalWriter
	redundantOps int
	nextSeq      int64
	closed       bool
}

type entry struct {
	key      string
	lengths  []int64
	readable bool
	editor   *Editor
	seq      int64
}

// Option configures a disk cache.
type Option func(*Cache)

// WithValueCount sets the number of values per entry. Defaults to 1.
func WithValueCount(n int) Option {
	return func(c *Cache) {
		c.valueCount = n
	}
}

// WithAppVersion sets the application version recorded in the journal header.
// A journal written with a different version is discarded on open.
func WithAppVersion(v int) Option {
	return func(c *Cache) {
		c.appVersion = v
	}
}

// WithFilesystem sets the filesystem the cache lives on.
// Defaults to the OS filesystem.
func WithFilesystem(fs billy.Filesystem) Option {
	return func(c *Cache) {
		c.fs = fs
	}
}

// WithDirPerm sets the permissions used when creating the cache directory.
func WithDirPerm(mode os.FileMode) Option {
	return func(c *Cache) {
		c.dirPerm = mode
	}
}

// WithLogger sets the logger for journal recovery and eviction events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.log = logger
	}
}

// Open opens the cache in dir, creating it if needed, and replays its journal.
//
// A missing journal starts an empty cache. A journal with a foreign header or
// an unreadable record is treated as corrupt: the directory is wiped and the
// cache starts empty. A truncated final record is ignored and the journal is
// rewritten.
func Open(dir string, maxBytes int64, opts ...Option) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("disk: cache dir is empty")
	}
	if maxBytes <= 0 {
		return nil, errors.New("disk: max bytes must be > 0")
	}
	c := &Cache{
		dir:        dir,
		dirPerm:    defaultDirPerm,
		appVersion: 1,
		valueCount: 1,
		maxSize:    maxBytes,
		nextSeq:    1,
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.valueCount <= 0 {
		return nil, errors.New("disk: value count must be > 0")
	}
	if c.log == nil {
		c.log = slog.New(slog.DiscardHandler)
	}
	if c.fs == nil {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, err
		}
		c.dir = abs
		c.fs = osfs.New("/")
	}
	if err := c.fs.MkdirAll(c.dir, c.dirPerm); err != nil {
		return nil, fmt.Errorf("disk: create cache dir: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.restoreBackup(); err != nil {
		return nil, err
	}

	if c.exists(c.path(journalFile)) {
		err := c.readJournal()
		if err == nil {
			err = c.processJournal()
		}
		if err == nil {
			return c, nil
		}
		c.log.Warn("disk cache journal is corrupt, removing",
			slog.String("dir", c.dir),
			slog.Any("error", err))
		c.resetLocked()
		if err := util.RemoveAll(c.fs, c.dir); err != nil {
			return nil, fmt.Errorf("disk: remove corrupt cache: %w", err)
		}
		if err := c.fs.MkdirAll(c.dir, c.dirPerm); err != nil {
			return nil, fmt.Errorf("disk: create cache dir: %w", err)
		}
	}

	if err := c.rebuildJournal(); err != nil {
		return nil, err
	}
	return c, nil
}

// restoreBackup finishes a journal swap that a crash interrupted.
func (c *Cache) restoreBackup() error {
	backup := c.path(journalFileBackup)
	if !c.exists(backup) {
		return nil
	}
	journal := c.path(journalFile)
	if c.exists(journal) {
		return c.remove(backup)
	}
	return c.fs.Rename(backup, journal)
}

// processJournal computes the initial size and drops entries that were still
// being written when the journal ended, along with their files.
func (c *Cache) processJournal() error {
	if err := c.remove(c.path(journalFileTmp)); err != nil {
		return err
	}
	for elem := c.lru.Front(); elem != nil; {
		next := elem.Next()
		e := elem.Value.(*entry) //nolint:errcheck // type is guaranteed
		if e.editor == nil {
			for _, n := range e.lengths {
				c.size += n
			}
		} else {
			e.editor = nil
			for i := range c.valueCount {
				_ = c.remove(c.cleanPath(e.key, i))
				_ = c.remove(c.dirtyPath(e.key, i))
			}
			delete(c.entries, e.key)
			c.lru.Remove(elem)
		}
		elem = next
	}
	c.sweepTempFiles()
	return nil
}

// sweepTempFiles removes dirty files no live editor owns.
func (c *Cache) sweepTempFiles() {
	infos, err := c.fs.ReadDir(c.dir)
	if err != nil {
		c.log.Debug("disk cache sweep failed", slog.Any("error", err))
		return
	}
	for _, info := range infos {
		name := info.Name()
		if info.IsDir() || !strings.HasSuffix(name, ".tmp") {
			continue
		}
		if err := c.remove(c.path(name)); err != nil {
			c.log.Debug("disk cache remove orphan failed",
				slog.String("file", name),
				slog.Any("error", err))
		}
	}
}

// Get returns a snapshot of the entry for key, or nil if the entry does not
// exist, was never committed, or one of its files cannot be opened.
// The caller must Close the snapshot.
func (c *Cache) Get(key string) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}
	elem, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	e := elem.Value.(*entry) //nolint:errcheck // type is guaranteed
	if !e.readable {
		return nil, nil
	}

	files := make([]billy.File, c.valueCount)
	for i := range c.valueCount {
		f, err := c.fs.Open(c.cleanPath(key, i))
		if err != nil {
			for _, opened := range files[:i] {
				_ = opened.Close()
			}
			c.log.Debug("disk cache entry unreadable",
				slog.String("key", key),
				slog.Any("error", err))
			return nil, nil
		}
		files[i] = f
	}

	c.redundantOps++
	if err := c.journal.append(recordRead, key); err != nil {
		c.log.Debug("disk cache journal append failed", slog.Any("error", err))
	}
	c.lru.MoveToFront(elem)
	if c.rebuildRequired() {
		c.cleanupLocked()
	}

	return &Snapshot{
		cache:   c,
		key:     key,
		seq:     e.seq,
		files:   files,
		lengths: append([]int64(nil), e.lengths...),
	}, nil
}

// Edit returns an editor for key, or nil if another edit is in progress.
func (c *Cache) Edit(key string) (*Editor, error) {
	return c.edit(key, anySequence)
}

const anySequence = -1

func (c *Cache) edit(key string, expectedSeq int64) (*Editor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	elem, ok := c.entries[key]
	var e *entry
	if ok {
		e = elem.Value.(*entry) //nolint:errcheck // type is guaranteed
	}
	if expectedSeq != anySequence && (e == nil || e.seq != expectedSeq) {
		return nil, nil
	}
	if e == nil {
		e = &entry{key: key, lengths: make([]int64, c.valueCount)}
		elem = c.lru.PushFront(e)
		c.entries[key] = elem
	} else if e.editor != nil {
		return nil, nil
	}
	c.lru.MoveToFront(elem)

	ed := &Editor{cache: c, entry: e}
	if !e.readable {
		ed.written = make([]bool, c.valueCount)
	}
	e.editor = ed

	// DIRTY must be durable before any value file is touched.
	if err := c.journal.append(recordDirty, key); err != nil {
		e.editor = nil
		return nil, fmt.Errorf("disk: journal: %w", err)
	}
	if err := c.journal.flush(); err != nil {
		e.editor = nil
		return nil, fmt.Errorf("disk: journal: %w", err)
	}
	return ed, nil
}

// completeEdit publishes or discards the files of an edit. Callers hold mu.
func (c *Cache) completeEdit(ed *Editor, success bool) error {
	e := ed.entry
	if e.editor != ed {
		return ErrEditorClosed
	}

	if success && !e.readable {
		for i := range c.valueCount {
			if !ed.written[i] {
				_ = c.completeEdit(ed, false)
				return fmt.Errorf("%w: index %d", ErrIncompleteEntry, i)
			}
			if !c.exists(c.dirtyPath(e.key, i)) {
				_ = c.completeEdit(ed, false)
				return fmt.Errorf("%w: value %d of %s is missing", ErrWriteFailed, i, e.key)
			}
		}
	}

	var publishErr error
	for i := range c.valueCount {
		dirty := c.dirtyPath(e.key, i)
		if !success || publishErr != nil {
			_ = c.remove(dirty)
			continue
		}
		if !c.exists(dirty) {
			continue
		}
		clean := c.cleanPath(e.key, i)
		if err := c.rename(dirty, clean); err != nil {
			publishErr = err
			_ = c.remove(dirty)
			continue
		}
		info, err := c.fs.Stat(clean)
		if err != nil {
			publishErr = err
			continue
		}
		c.size += info.Size() - e.lengths[i]
		e.lengths[i] = info.Size()
	}
	if publishErr != nil {
		success = false
	}

	c.redundantOps++
	e.editor = nil
	if e.readable || success {
		e.readable = true
		if err := c.journal.append(recordClean, e.key, e.lengths...); err != nil {
			publishErr = errors.Join(publishErr, err)
		}
		if success {
			e.seq = c.nextSeq
			c.nextSeq++
		}
	} else {
		if elem, ok := c.entries[e.key]; ok {
			c.lru.Remove(elem)
			delete(c.entries, e.key)
		}
		if err := c.journal.append(recordRemove, e.key); err != nil {
			publishErr = errors.Join(publishErr, err)
		}
	}
	if err := c.journal.flush(); err != nil {
		publishErr = errors.Join(publishErr, err)
	}

	if c.size > c.maxSize || c.rebuildRequired() {
		c.cleanupLocked()
	}
	if publishErr != nil {
		return fmt.Errorf("disk: commit %s: %w", e.key, publishErr)
	}
	return nil
}

// Remove drops the entry for key and deletes its files. It reports false if
// the entry does not exist or an edit is in progress for it.
func (c *Cache) Remove(key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkOpen(); err != nil {
		return false, err
	}
	if err := validateKey(key); err != nil {
		return false, err
	}
	removed, err := c.removeEntry(key)
	if err != nil {
		return false, err
	}
	if removed && c.rebuildRequired() {
		c.cleanupLocked()
	}
	return removed, nil
}

func (c *Cache) removeEntry(key string) (bool, error) {
	elem, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	e := elem.Value.(*entry) //nolint:errcheck // type is guaranteed
	if e.editor != nil {
		return false, nil
	}
	for i := range c.valueCount {
		if err := c.remove(c.cleanPath(key, i)); err != nil {
			return false, fmt.Errorf("disk: delete %s.%d: %w", key, i, err)
		}
		c.size -= e.lengths[i]
		e.lengths[i] = 0
	}
	c.redundantOps++
	if err := c.journal.append(recordRemove, key); err != nil {
		c.log.Debug("disk cache journal append failed", slog.Any("error", err))
	}
	c.lru.Remove(elem)
	delete(c.entries, key)
	return true, nil
}

// trimToSize evicts least recently used entries until the cache fits.
// Entries with an edit in progress are skipped.
func (c *Cache) trimToSize() {
	elem := c.lru.Back()
	for c.size > c.maxSize && elem != nil {
		prev := elem.Prev()
		e := elem.Value.(*entry) //nolint:errcheck // type is guaranteed
		if e.editor == nil {
			if _, err := c.removeEntry(e.key); err != nil {
				c.log.Warn("disk cache eviction failed",
					slog.String("key", e.key),
					slog.Any("error", err))
			} else {
				c.log.Debug("disk cache evicted", slog.String("key", e.key))
			}
		}
		elem = prev
	}
}

func (c *Cache) cleanupLocked() {
	c.trimToSize()
	if c.rebuildRequired() {
		if err := c.rebuildJournal(); err != nil {
			c.log.Warn("disk cache journal rebuild failed", slog.Any("error", err))
		}
	}
}

func (c *Cache) rebuildRequired() bool {
	return c.redundantOps >= redundantOpCompactThreshold &&
		c.redundantOps >= len(c.entries)
}

// Flush trims the cache to size and forces the journal to durable storage.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkOpen(); err != nil {
		return err
	}
	c.trimToSize()
	return c.journal.sync()
}

// Close aborts open edits, trims the cache and releases the journal.
// Closing a closed cache is a no-op.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	var open []*Editor
	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		if e := elem.Value.(*entry); e.editor != nil { //nolint:errcheck // type is guaranteed
			open = append(open, e.editor)
		}
	}
	for _, ed := range open {
		_ = ed.closeWriters()
		ed.done = true
		_ = c.completeEdit(ed, false)
	}
	c.trimToSize()
	c.closed = true
	if c.journal == nil {
		return nil
	}
	err := c.journal.close()
	c.journal = nil
	return err
}

// Delete closes the cache and removes its directory, including files the
// cache did not create.
func (c *Cache) Delete() error {
	if err := c.Close(); err != nil {
		c.log.Debug("disk cache close failed", slog.Any("error", err))
	}
	return util.RemoveAll(c.fs, c.dir)
}

// Closed reports whether the cache has been closed.
func (c *Cache) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Size returns the total bytes of committed values.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// MaxSize returns the capacity in bytes.
func (c *Cache) MaxSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxSize
}

// SetMaxSize changes the capacity and evicts entries if needed.
func (c *Cache) SetMaxSize(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxSize = n
	if !c.closed {
		c.trimToSize()
	}
}

// Len returns the number of entries, including entries being written.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

func (c *Cache) checkOpen() error {
	if c.closed {
		return ErrClosed
	}
	return nil
}

func (c *Cache) resetLocked() {
	if c.journal != nil {
		_ = c.journal.close()
		c.journal = nil
	}
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
	c.size = 0
	c.redundantOps = 0
}

func (c *Cache) path(name string) string {
	return c.fs.Join(c.dir, name)
}

func (c *Cache) cleanPath(key string, i int) string {
	return c.path(key + "." + strconv.Itoa(i))
}

func (c *Cache) dirtyPath(key string, i int) string {
	return c.cleanPath(key, i) + ".tmp"
}

func (c *Cache) exists(path string) bool {
	_, err := c.fs.Stat(path)
	return err == nil
}

// remove deletes path, treating a missing file as success.
func (c *Cache) remove(path string) error {
	if err := c.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// rename moves src over dst, replacing dst.
func (c *Cache) rename(src, dst string) error {
	if err := c.fs.Rename(src, dst); err == nil {
		return nil
	}
	if err := c.remove(dst); err != nil {
		return err
	}
	return c.fs.Rename(src, dst)
}

type syncer interface {
	Sync() error
}

func syncFile(f io.Closer) error {
	if s, ok := f.(syncer); ok {
		return s.Sync()
	}
	return nil
}
