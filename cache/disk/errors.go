package disk

import "errors"

// Sentinel errors for disk cache operations.
var (
	// ErrClosed is returned by operations on a closed cache.
	ErrClosed = errors.New("disk: cache is closed")

	// ErrInvalidKey is returned when a key is not a valid entry name.
	// Keys must match [a-z0-9_-]{1,120}; use HashKey for arbitrary strings.
	ErrInvalidKey = errors.New("disk: invalid key")

	// ErrEmptyValue is returned by Commit when nothing was written.
	// The edit is aborted so empty payloads are never cached.
	ErrEmptyValue = errors.New("disk: empty value not committed")

	// ErrEditorClosed is returned when an editor is used after Commit or Abort.
	ErrEditorClosed = errors.New("disk: editor already completed")

	// ErrIncompleteEntry is returned when the first commit of an entry
	// does not provide every value slot.
	ErrIncompleteEntry = errors.New("disk: new entry is missing a value")

	// ErrWriteFailed is returned by Commit when writing a value failed.
	// The entry is removed.
	ErrWriteFailed = errors.New("disk: value write failed")

	errCorruptJournal = errors.New("disk: corrupt journal")
)
