package codec

import (
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"strings"
)

// Format is the encoding used when writing decoded images to disk.
type Format int

const (
	// JPEG encodes lossily with a quality setting. Alpha is dropped.
	JPEG Format = iota
	// PNG encodes losslessly. Quality is ignored.
	PNG
)

// DefaultQuality is the JPEG quality used when none is configured.
const DefaultQuality = 70

// ErrUnknownFormat is returned when a format name is not recognized.
var ErrUnknownFormat = errors.New("codec: unknown format")

// ErrNotEncodable is returned by Encode for values it cannot encode.
var ErrNotEncodable = errors.New("codec: value is not encodable")

// ParseFormat parses "jpeg", "jpg" or "png", ignoring case.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "jpeg", "jpg":
		return JPEG, nil
	case "png":
		return PNG, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

func (f Format) String() string {
	switch f {
	case JPEG:
		return "jpeg"
	case PNG:
		return "png"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Format) UnmarshalText(text []byte) error {
	parsed, err := ParseFormat(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// Encode writes v in format f. v may be an *Image, an *Animation or a plain
// image.Image. Animations are always written as GIF so no frame is lost.
func Encode(w io.Writer, v any, f Format, quality int) error {
	var img image.Image
	switch t := v.(type) {
	case *Animation:
		return gif.EncodeAll(w, t.gif)
	case *Image:
		img = t.img
	case image.Image:
		img = t
	default:
		return fmt.Errorf("%w: %T", ErrNotEncodable, v)
	}

	switch f {
	case JPEG:
		if quality <= 0 || quality > 100 {
			quality = DefaultQuality
		}
		return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
	case PNG:
		return png.Encode(w, img)
	default:
		return fmt.Errorf("%w: %v", ErrUnknownFormat, f)
	}
}
