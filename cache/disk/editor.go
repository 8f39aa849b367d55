package disk

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/go-git/go-billy/v5"
)

// Editor writes the values of one entry. Values are written to temporary
// files and only become visible to Get after Commit.
//
// An Editor must be finished with Commit or Abort. Calling
// AbortUnlessCommitted in a defer is the usual way to guarantee that.
type Editor struct {
	cache *Cache
	entry *entry

	// written tracks which values a first commit has provided.
	// It is nil when the entry already has a committed value.
	written []bool

	failed    atomic.Bool
	done      bool // guarded by cache.mu
	committed bool // guarded by cache.mu

	writersMu sync.Mutex
	writers   []*valueWriter
}

// Key returns the entry key being edited.
func (ed *Editor) Key() string {
	return ed.entry.key
}

// NewWriter returns a writer for value i. Whatever was written replaces the
// committed value when the edit commits. The writer must be closed before
// Commit or it will be closed by Commit.
func (ed *Editor) NewWriter(i int) (io.WriteCloser, error) {
	c := ed.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ed.checkActive(); err != nil {
		return nil, err
	}
	if err := c.checkIndex(i); err != nil {
		return nil, err
	}
	if ed.written != nil {
		ed.written[i] = true
	}

	path := c.dirtyPath(ed.entry.key, i)
	f, err := c.fs.Create(path)
	if err != nil {
		// The directory may have been removed underneath us.
		if mkErr := c.fs.MkdirAll(c.dir, c.dirPerm); mkErr != nil {
			return nil, fmt.Errorf("disk: create value: %w", err)
		}
		if f, err = c.fs.Create(path); err != nil {
			return nil, fmt.Errorf("disk: create value: %w", err)
		}
	}
	w := &valueWriter{editor: ed, file: f}
	ed.writersMu.Lock()
	ed.writers = append(ed.writers, w)
	ed.writersMu.Unlock()
	return w, nil
}

// NewReader returns a reader over the last committed value i, or nil if the
// entry has never been committed.
func (ed *Editor) NewReader(i int) (io.ReadCloser, error) {
	c := ed.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ed.checkActive(); err != nil {
		return nil, err
	}
	if err := c.checkIndex(i); err != nil {
		return nil, err
	}
	if !ed.entry.readable {
		return nil, nil
	}
	f, err := c.fs.Open(c.cleanPath(ed.entry.key, i))
	if err != nil {
		return nil, nil //nolint:nilerr // an unreadable value reads as absent
	}
	return f, nil
}

// Set writes value i from a string.
func (ed *Editor) Set(i int, value string) error {
	w, err := ed.NewWriter(i)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, value); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// Commit publishes the written values. If the edit wrote nothing at all the
// edit is aborted and ErrEmptyValue is returned. If a write failed the entry
// is removed and ErrWriteFailed is returned.
func (ed *Editor) Commit() error {
	closeErr := ed.closeWriters()

	c := ed.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	if ed.done {
		return ErrEditorClosed
	}
	ed.done = true

	if closeErr != nil || ed.failed.Load() {
		_ = c.completeEdit(ed, false)
		if _, err := c.removeEntry(ed.entry.key); err != nil {
			c.log.Debug("disk cache remove after failed write",
				slog.String("key", ed.entry.key),
				slog.Any("error", err))
		}
		return errors.Join(ErrWriteFailed, closeErr)
	}

	if c.dirtyBytes(ed.entry.key) == 0 {
		_ = c.completeEdit(ed, false)
		return ErrEmptyValue
	}

	if err := c.completeEdit(ed, true); err != nil {
		return err
	}
	ed.committed = true
	return nil
}

// Abort discards the edit. The previously committed value, if any, is kept.
func (ed *Editor) Abort() error {
	_ = ed.closeWriters()

	c := ed.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	if ed.done {
		return ErrEditorClosed
	}
	ed.done = true
	return c.completeEdit(ed, false)
}

// AbortUnlessCommitted aborts the edit if it has not been completed yet.
func (ed *Editor) AbortUnlessCommitted() {
	_ = ed.Abort()
}

func (ed *Editor) checkActive() error {
	if ed.done || ed.entry.editor != ed {
		return ErrEditorClosed
	}
	return nil
}

func (ed *Editor) closeWriters() error {
	ed.writersMu.Lock()
	writers := ed.writers
	ed.writers = nil
	ed.writersMu.Unlock()

	var errs []error
	for _, w := range writers {
		errs = append(errs, w.Close())
	}
	return errors.Join(errs...)
}

// dirtyBytes sums the sizes of the pending value files for key.
// A value that was not rewritten counts its committed length.
func (c *Cache) dirtyBytes(key string) int64 {
	elem, ok := c.entries[key]
	if !ok {
		return 0
	}
	e := elem.Value.(*entry) //nolint:errcheck // type is guaranteed
	var total int64
	for i := range c.valueCount {
		info, err := c.fs.Stat(c.dirtyPath(key, i))
		if err == nil {
			total += info.Size()
			continue
		}
		if e.readable {
			total += e.lengths[i]
		}
	}
	return total
}

func (c *Cache) checkIndex(i int) error {
	if i < 0 || i >= c.valueCount {
		return fmt.Errorf("disk: value index %d out of range [0,%d)", i, c.valueCount)
	}
	return nil
}

// valueWriter writes one dirty value file. Write errors are recorded on the
// editor so Commit can refuse to publish a partial value.
type valueWriter struct {
	editor *Editor
	file   billy.File
	once   sync.Once
	err    error
}

func (w *valueWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	if err != nil {
		w.editor.failed.Store(true)
	}
	return n, err
}

// Close syncs and closes the file. It is safe to call more than once.
func (w *valueWriter) Close() error {
	w.once.Do(func() {
		w.err = errors.Join(syncFile(w.file), w.file.Close())
		if w.err != nil {
			w.editor.failed.Store(true)
		}
	})
	return w.err
}
