package codec

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: 200, G: 10, B: 10, A: 255})
		}
	}
	return img
}

func gifBytes(t *testing.T, frames int) []byte {
	t.Helper()
	g := &gif.GIF{}
	for range frames {
		g.Image = append(g.Image, image.NewPaletted(image.Rect(0, 0, 4, 4), palette.Plan9))
		g.Delay = append(g.Delay, 10)
	}
	var buf bytes.Buffer
	require.NoError(t, gif.EncodeAll(&buf, g))
	return buf.Bytes()
}

func TestDecodePNG(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, solid(8, 6)))

	v, err := New().Decode(context.Background(), "k", &buf, true)
	require.NoError(t, err)
	img, ok := v.(*Image)
	require.True(t, ok, "got %T", v)
	assert.Equal(t, "png", img.Format())
	assert.Equal(t, int64(8*6*4), img.SizeBytes())
}

func TestDecodeAnimatedGIF(t *testing.T) {
	t.Parallel()

	d := New()
	data := gifBytes(t, 3)

	v, err := d.Decode(context.Background(), "k", bytes.NewReader(data), true)
	require.NoError(t, err)
	anim, ok := v.(*Animation)
	require.True(t, ok, "got %T", v)
	assert.Equal(t, 3, anim.Frames())
	assert.Equal(t, int64(3*4*4*4), anim.SizeBytes())

	v, err = d.Decode(context.Background(), "k", bytes.NewReader(data), false)
	require.NoError(t, err)
	_, ok = v.(*Image)
	assert.True(t, ok, "animation not wanted, got %T", v)
}

func TestDecodeSingleFrameGIFIsImage(t *testing.T) {
	t.Parallel()

	v, err := New().Decode(context.Background(), "k", bytes.NewReader(gifBytes(t, 1)), true)
	require.NoError(t, err)
	_, ok := v.(*Image)
	assert.True(t, ok, "got %T", v)
}

func TestDecodeErrors(t *testing.T) {
	t.Parallel()

	d := New(WithMaxPixels(10))
	_, err := d.Decode(context.Background(), "k", strings.NewReader("not an image"), false)
	require.Error(t, err)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, solid(8, 8)))
	_, err = d.Decode(context.Background(), "k", &buf, false)
	require.ErrorIs(t, err, ErrTooLarge)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = New().Decode(ctx, "k", strings.NewReader("x"), false)
	require.ErrorIs(t, err, context.Canceled)
}

func TestEncodeRoundTrip(t *testing.T) {
	t.Parallel()

	d := New()
	for _, f := range []Format{JPEG, PNG} {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, NewImage(solid(5, 7), ""), f, 90))

		v, err := d.Decode(context.Background(), "k", &buf, false)
		require.NoError(t, err)
		img := v.(*Image)
		assert.Equal(t, f.String(), img.Format())
		assert.Equal(t, image.Rect(0, 0, 5, 7), img.Bounds())
	}

	var buf bytes.Buffer
	anim, err := d.Decode(context.Background(), "k", bytes.NewReader(gifBytes(t, 2)), true)
	require.NoError(t, err)
	require.NoError(t, Encode(&buf, anim, JPEG, 0))
	assert.True(t, isGIF(buf.Bytes()))

	require.ErrorIs(t, Encode(&buf, "text", PNG, 0), ErrNotEncodable)
}

func TestParseFormat(t *testing.T) {
	t.Parallel()

	f, err := ParseFormat("JPG")
	require.NoError(t, err)
	assert.Equal(t, JPEG, f)

	require.NoError(t, f.UnmarshalText([]byte("png")))
	assert.Equal(t, PNG, f)

	_, err = ParseFormat("webp")
	require.ErrorIs(t, err, ErrUnknownFormat)
}
