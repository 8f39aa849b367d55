// Package http provides a fetcher for images served over HTTP(S).
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"

	"github.com/klauspost/compress/gzhttp"
)

// ErrStatus is returned when the server answers with a non-200 status.
var ErrStatus = errors.New("http: unexpected status")

// ErrTooLarge is returned by the body reader once more than the configured
// maximum number of bytes has been read.
var ErrTooLarge = errors.New("http: response body too large")

const defaultUserAgent = "imgcache/1.0"

// Fetcher downloads image bytes with GET requests. The key is the URL.
type Fetcher struct {
	client    *nethttp.Client
	headers   nethttp.Header
	userAgent string
	maxBytes  int64
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient sets the HTTP client used for requests. Its transport is used
// as is, without transparent gzip handling.
func WithClient(client *nethttp.Client) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(f *Fetcher) {
		if headers == nil {
			return
		}
		f.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(f *Fetcher) {
		if f.headers == nil {
			f.headers = make(nethttp.Header)
		}
		f.headers.Set(key, value)
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) {
		f.userAgent = ua
	}
}

// WithMaxBytes caps the size of a response body. Zero means unlimited.
func WithMaxBytes(n int64) Option {
	return func(f *Fetcher) {
		f.maxBytes = n
	}
}

// New creates a Fetcher. The default client negotiates gzip and zstd
// content encoding and decompresses transparently.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{userAgent: defaultUserAgent}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = &nethttp.Client{Transport: gzhttp.Transport(nethttp.DefaultTransport)}
	}
	return f
}

// Fetch issues a GET for url and returns the response body.
func (f *Fetcher) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, url, nethttp.NoBody)
	if err != nil {
		return nil, fmt.Errorf("http: new request: %w", err)
	}
	for key, values := range f.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if f.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != nethttp.StatusOK {
		drainAndClose(resp.Body)
		return nil, fmt.Errorf("%w: %s", ErrStatus, resp.Status)
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		drainAndClose(resp.Body)
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}
	if f.maxBytes <= 0 {
		return resp.Body, nil
	}
	return &limitedBody{body: resp.Body, remaining: f.maxBytes}, nil
}

// limitedBody fails instead of silently truncating once the limit is hit,
// so a partial image is never cached.
type limitedBody struct {
	body      io.ReadCloser
	remaining int64
}

func (l *limitedBody) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, ErrTooLarge
	}
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.body.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n - 1, ErrTooLarge
	}
	return n, err
}

func (l *limitedBody) Close() error {
	return l.body.Close()
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}
