// Package codec decodes fetched bytes into displayable images and encodes
// them back for the disk cache.
package codec

import (
	"image"
	"image/gif"
)

// Sizer reports the in-memory footprint of a decoded value in bytes.
type Sizer interface {
	SizeBytes() int64
}

// Image is a decoded static image.
type Image struct {
	img    image.Image
	format string
}

// NewImage wraps img. Format is the name of the format it was decoded from
// and may be empty.
func NewImage(img image.Image, format string) *Image {
	return &Image{img: img, format: format}
}

// Image returns the underlying image.
func (i *Image) Image() image.Image { return i.img }

// Format returns the source format name, e.g. "jpeg".
func (i *Image) Format() string { return i.format }

// Bounds returns the image bounds.
func (i *Image) Bounds() image.Rectangle { return i.img.Bounds() }

// SizeBytes estimates the decoded footprint as four bytes per pixel.
func (i *Image) SizeBytes() int64 {
	return pixelBytes(i.img.Bounds())
}

// Animation is a decoded multi-frame GIF.
type Animation struct {
	gif *gif.GIF
}

// NewAnimation wraps g.
func NewAnimation(g *gif.GIF) *Animation {
	return &Animation{gif: g}
}

// GIF returns the underlying animation.
func (a *Animation) GIF() *gif.GIF { return a.gif }

// Frames returns the number of frames.
func (a *Animation) Frames() int { return len(a.gif.Image) }

// SizeBytes estimates the decoded footprint of all frames.
func (a *Animation) SizeBytes() int64 {
	var total int64
	for _, frame := range a.gif.Image {
		total += pixelBytes(frame.Bounds())
	}
	return total
}

func pixelBytes(r image.Rectangle) int64 {
	return int64(r.Dx()) * int64(r.Dy()) * 4
}
