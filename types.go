package imgcache

import (
	"context"
	"io"
	"time"
)

// Fetcher obtains the raw bytes for a key on a cache miss.
type Fetcher interface {
	Fetch(ctx context.Context, key string) (io.ReadCloser, error)
}

// Decoder turns raw bytes into a displayable result. When animated is true
// and the bytes hold an animation, the decoder may return an animated
// handle instead of a still image.
type Decoder interface {
	Decode(ctx context.Context, key string, r io.Reader, animated bool) (any, error)
}

// Listener is notified after every completed load. Result is nil when the
// load failed.
type Listener func(key string, result any)

// Source reports where a delivered result came from.
type Source int

const (
	SourceNone Source = iota
	SourceMemory
	SourceDisk
	SourceNetwork
)

func (s Source) String() string {
	switch s {
	case SourceMemory:
		return "memory"
	case SourceDisk:
		return "disk"
	case SourceNetwork:
		return "network"
	default:
		return "none"
	}
}

// Delivery is what a Sink receives when a load completes.
type Delivery struct {
	Key string
	// Result is the decoded image or animation, nil on failure.
	Result any
	Source Source
	// Err describes why Result is nil.
	Err error
	// Fade is how long the sink should fade the result in. Zero means show
	// it immediately.
	Fade time.Duration
}

// Sink receives load results.
//
// Deliver is called from background goroutines, at most once per accepted
// request. It must not call Request or CancelWork for the same sink; do
// that from a Listener instead.
type Sink interface {
	Deliver(d Delivery)
	// PendingSlot returns the sink's slot. It must return the same slot
	// for the life of the sink.
	PendingSlot() *PendingSlot
	AcceptsAnimated() bool
}

// PlaceholderSink is implemented by sinks that show a loading image while
// a background load is in flight.
type PlaceholderSink interface {
	Sink
	ShowPlaceholder(key string, placeholder any)
}
