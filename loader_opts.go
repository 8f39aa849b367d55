package imgcache

import (
	"errors"
	"log/slog"
	"time"
)

// Option configures a Loader.
type Option func(*Loader) error

// Defaults for a new Loader.
const (
	DefaultWorkers      = 4
	DefaultFadeDuration = 200 * time.Millisecond
)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) error {
		l.log = logger
		return nil
	}
}

// WithWorkers bounds how many loads read, fetch or decode at once.
func WithWorkers(n int) Option {
	return func(l *Loader) error {
		if n < 1 {
			return errors.New("imgcache: workers must be >= 1")
		}
		l.workers = n
		return nil
	}
}

// WithFadeIn asks sinks to fade in results that did not come from memory.
// Fading is on by default.
func WithFadeIn(enabled bool) Option {
	return func(l *Loader) error {
		l.fadeIn = enabled
		return nil
	}
}

// WithFadeDuration sets the fade-in duration.
func WithFadeDuration(d time.Duration) Option {
	return func(l *Loader) error {
		if d < 0 {
			return errors.New("imgcache: fade duration must not be negative")
		}
		l.fadeDuration = d
		return nil
	}
}

// WithQueueWhilePaused holds requests made while work is paused and
// replays them in order on resume.
func WithQueueWhilePaused(enabled bool) Option {
	return func(l *Loader) error {
		l.queueWhilePaused = enabled
		return nil
	}
}

// WithListener sets a listener notified of every load.
func WithListener(fn Listener) Option {
	return func(l *Loader) error {
		l.listener = fn
		return nil
	}
}

// WithUseCache controls whether the loader reads and fills the cache.
// With caching off every request fetches.
func WithUseCache(enabled bool) Option {
	return func(l *Loader) error {
		l.useCache = enabled
		return nil
	}
}

// WithDiskWriteBack controls whether decoded still images are also
// encoded into the disk tier when it does not hold them yet.
func WithDiskWriteBack(enabled bool) Option {
	return func(l *Loader) error {
		l.diskWriteBack = enabled
		return nil
	}
}

// WithPlaceholder sets the image shown by a PlaceholderSink while a load
// is in flight.
func WithPlaceholder(img any) Option {
	return func(l *Loader) error {
		l.placeholder = img
		return nil
	}
}

// WithMetrics records loader activity in m.
func WithMetrics(m *Metrics) Option {
	return func(l *Loader) error {
		l.metrics = m
		return nil
	}
}

// RequestOption configures a single Request.
type RequestOption func(*request)

// WithRequestListener sets a listener for this request only.
func WithRequestListener(fn Listener) RequestOption {
	return func(r *request) {
		r.listener = fn
	}
}

// WithRequestFetcher overrides the loader's fetcher for this request.
// Requests with their own fetcher never share work with other requests.
func WithRequestFetcher(f Fetcher) RequestOption {
	return func(r *request) {
		r.fetcher = f
	}
}

// WithRequestDecoder overrides the loader's decoder for this request.
// Requests with their own decoder never share work with other requests.
func WithRequestDecoder(d Decoder) RequestOption {
	return func(r *request) {
		r.decoder = d
	}
}
