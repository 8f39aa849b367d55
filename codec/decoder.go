package codec

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/gif"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"io"
	"log/slog"
)

// DefaultMaxPixels bounds the decoded size of a single frame.
const DefaultMaxPixels = 64 << 20

// ErrTooLarge is returned when an image exceeds the decoder's pixel limit.
var ErrTooLarge = errors.New("codec: image too large")

var gifMagic = [][]byte{[]byte("GIF87a"), []byte("GIF89a")}

// Decoder decodes JPEG, PNG and GIF streams.
//
// A GIF with more than one frame decodes to an *Animation when the caller
// asks for animation; every other input decodes to an *Image.
type Decoder struct {
	maxPixels int64
	log       *slog.Logger
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithMaxPixels sets the largest width*height accepted per frame.
func WithMaxPixels(n int64) Option {
	return func(d *Decoder) {
		d.maxPixels = n
	}
}

// WithLogger sets the logger for decode diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Decoder) {
		d.log = logger
	}
}

// New returns a Decoder.
func New(opts ...Option) *Decoder {
	d := &Decoder{maxPixels: DefaultMaxPixels}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = slog.New(slog.DiscardHandler)
	}
	return d
}

// Decode reads r fully and decodes it.
func (d *Decoder) Decode(ctx context.Context, key string, r io.Reader, animated bool) (any, error) {
	if r == nil {
		return nil, fmt.Errorf("codec: %s: no data", key)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	br := bufio.NewReader(r)
	head, _ := br.Peek(6) //nolint:errcheck // short inputs fail in DecodeConfig

	data, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("codec: read %s: %w", key, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("codec: decode %s: %w", key, err)
	}
	if d.maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > d.maxPixels {
		return nil, fmt.Errorf("%w: %s is %dx%d", ErrTooLarge, key, cfg.Width, cfg.Height)
	}

	if animated && isGIF(head) {
		g, err := gif.DecodeAll(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("codec: decode %s: %w", key, err)
		}
		if len(g.Image) > 1 {
			d.log.Debug("decoded animation",
				slog.String("key", key),
				slog.Int("frames", len(g.Image)))
			return NewAnimation(g), nil
		}
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("codec: decode %s: %w", key, err)
	}
	return NewImage(img, format), nil
}

func isGIF(head []byte) bool {
	for _, m := range gifMagic {
		if bytes.HasPrefix(head, m) {
			return true
		}
	}
	return false
}
