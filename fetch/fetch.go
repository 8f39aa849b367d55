// Package fetch obtains the raw bytes of an image from wherever its key
// points: a local file, an HTTP(S) URL or an OCI registry blob.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
)

// ErrUnsupportedScheme is returned when no fetcher handles a key's scheme.
var ErrUnsupportedScheme = errors.New("fetch: unsupported scheme")

// Fetcher returns a stream of the bytes stored under key.
// The caller must close the stream.
type Fetcher interface {
	Fetch(ctx context.Context, key string) (io.ReadCloser, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, key string) (io.ReadCloser, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, key string) (io.ReadCloser, error) {
	return f(ctx, key)
}

// Router dispatches keys to fetchers by URL scheme. Keys without a scheme
// are treated as file paths.
type Router struct {
	schemes map[string]Fetcher
	log     *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithFetcher registers f for scheme, replacing any previous fetcher.
func WithFetcher(scheme string, f Fetcher) RouterOption {
	return func(r *Router) {
		r.schemes[strings.ToLower(scheme)] = f
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.log = logger
	}
}

// NewRouter returns a Router. The "file" scheme is served by NewFile()
// unless overridden.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{schemes: map[string]Fetcher{"file": NewFile()}}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = slog.New(slog.DiscardHandler)
	}
	return r
}

// Fetch implements Fetcher.
func (r *Router) Fetch(ctx context.Context, key string) (io.ReadCloser, error) {
	scheme := Scheme(key)
	f, ok := r.schemes[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
	r.log.Debug("fetching", slog.String("key", key), slog.String("scheme", scheme))
	return f.Fetch(ctx, key)
}

// Scheme returns the lower-cased URL scheme of key, or "file" when key has
// none.
func Scheme(key string) string {
	u, err := url.Parse(key)
	if err != nil || len(u.Scheme) <= 1 {
		// A single letter is a Windows drive, not a scheme.
		return "file"
	}
	return strings.ToLower(u.Scheme)
}
