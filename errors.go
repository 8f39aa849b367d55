package imgcache

import "errors"

var (
	// ErrClosed is returned by operations on a closed Loader.
	ErrClosed = errors.New("imgcache: loader closed")

	// ErrNoResult is reported when the decoder produced nothing.
	ErrNoResult = errors.New("imgcache: decoder returned no image")

	// ErrPanic is reported when a fetcher or decoder panicked.
	ErrPanic = errors.New("imgcache: load panicked")

	// errExitEarly aborts tasks after SetExitTasksEarly(true).
	errExitEarly = errors.New("imgcache: exiting tasks early")
)
