// Package testutil provides fixtures and test doubles for loader and cache
// tests.
package testutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	"image/png"
	"io"
	"sync"
	"time"

	"github.com/meigma/imgcache"
)

// PNG returns a w×h PNG filled with c.
func PNG(w, h int, c color.Color) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// AnimatedGIF returns a w×h GIF with the given number of frames.
func AnimatedGIF(w, h, frames int) []byte {
	g := &gif.GIF{}
	for i := range frames {
		frame := image.NewPaletted(image.Rect(0, 0, w, h), palette.Plan9)
		idx := uint8(i * 16 % len(palette.Plan9)) //nolint:gosec // bounded by palette size
		for p := range frame.Pix {
			frame.Pix[p] = idx
		}
		g.Image = append(g.Image, frame)
		g.Delay = append(g.Delay, 10)
	}
	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, g); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// ErrMissing is returned by MapFetcher for unknown keys.
var ErrMissing = errors.New("testutil: no such key")

// MapFetcher serves fixed bytes per key and counts fetches.
type MapFetcher struct {
	mu    sync.Mutex
	data  map[string][]byte
	calls map[string]int

	// Hold, when set, blocks every fetch until it is closed or the
	// request context ends.
	Hold chan struct{}
	// Started receives the key of every fetch as it begins, if set.
	Started chan string
}

// NewMapFetcher returns a fetcher serving data.
func NewMapFetcher(data map[string][]byte) *MapFetcher {
	m := &MapFetcher{data: make(map[string][]byte), calls: make(map[string]int)}
	for k, v := range data {
		m.data[k] = v
	}
	return m
}

// Set replaces the bytes served for key.
func (m *MapFetcher) Set(key string, b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = b
}

// Calls returns how many times key was fetched.
func (m *MapFetcher) Calls(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[key]
}

// Fetch implements imgcache.Fetcher.
func (m *MapFetcher) Fetch(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	m.calls[key]++
	b, ok := m.data[key]
	m.mu.Unlock()

	if m.Started != nil {
		select {
		case m.Started <- key:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.Hold != nil {
		select {
		case <-m.Hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissing, key)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

// DecoderFunc adapts a function to imgcache.Decoder.
type DecoderFunc func(ctx context.Context, key string, r io.Reader, animated bool) (any, error)

// Decode calls f.
func (f DecoderFunc) Decode(ctx context.Context, key string, r io.Reader, animated bool) (any, error) {
	return f(ctx, key, r, animated)
}

// Sink records deliveries.
type Sink struct {
	slot     imgcache.PendingSlot
	animated bool

	mu           sync.Mutex
	deliveries   []imgcache.Delivery
	placeholders []string
	ch           chan imgcache.Delivery
}

// NewSink returns a sink. Animated sets AcceptsAnimated.
func NewSink(animated bool) *Sink {
	return &Sink{animated: animated, ch: make(chan imgcache.Delivery, 64)}
}

// Deliver implements imgcache.Sink.
func (s *Sink) Deliver(d imgcache.Delivery) {
	s.mu.Lock()
	s.deliveries = append(s.deliveries, d)
	s.mu.Unlock()
	select {
	case s.ch <- d:
	default:
	}
}

// PendingSlot implements imgcache.Sink.
func (s *Sink) PendingSlot() *imgcache.PendingSlot { return &s.slot }

// AcceptsAnimated implements imgcache.Sink.
func (s *Sink) AcceptsAnimated() bool { return s.animated }

// ShowPlaceholder implements imgcache.PlaceholderSink.
func (s *Sink) ShowPlaceholder(key string, _ any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.placeholders = append(s.placeholders, key)
}

// Deliveries returns a copy of everything delivered so far.
func (s *Sink) Deliveries() []imgcache.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]imgcache.Delivery(nil), s.deliveries...)
}

// Placeholders returns the keys a placeholder was shown for.
func (s *Sink) Placeholders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.placeholders...)
}

// Next waits up to timeout for the next delivery.
func (s *Sink) Next(timeout time.Duration) (imgcache.Delivery, bool) {
	select {
	case d := <-s.ch:
		return d, true
	case <-time.After(timeout):
		return imgcache.Delivery{}, false
	}
}
