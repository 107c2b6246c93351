// Package thumbnail derives reduced JPEG previews from uploaded images.
//
// Derivation is deterministic: the same input bytes and constraints always
// produce the same output bytes, so thumbnails can be content-addressed like
// the originals they come from.
package thumbnail

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	// Registered decoders.
	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrCorruptInput is returned when the original cannot be decoded as an image.
var ErrCorruptInput = errors.New("corrupt or unsupported image")

// ErrInvalidConstraints is returned for out-of-range constraints.
var ErrInvalidConstraints = errors.New("invalid thumbnail constraints")

// MimeType is the content type of every derived thumbnail.
const MimeType = "image/jpeg"

// DefaultMaxPixels caps the decoded size of an original. A small compressed
// file can declare dimensions whose decode needs gigabytes.
const DefaultMaxPixels = 50_000_000

// MaxEdge bounds the thumbnail box on either axis.
const MaxEdge = 4096

// Default constraint values, used for zero fields.
const (
	DefaultMaxWidth  = 256
	DefaultMaxHeight = 256
	DefaultQuality   = 80
)

// Constraints bound the derived thumbnail.
type Constraints struct {
	MaxWidth  int `json:"max_width"`
	MaxHeight int `json:"max_height"`
	Quality   int `json:"quality"` // JPEG quality 1..100
}

// DefaultConstraints returns the default 256x256 q80 box.
func DefaultConstraints() Constraints {
	return Constraints{MaxWidth: DefaultMaxWidth, MaxHeight: DefaultMaxHeight, Quality: DefaultQuality}
}

// WithDefaults fills zero fields from d.
func (c Constraints) WithDefaults(d Constraints) Constraints {
	if c.MaxWidth == 0 {
		c.MaxWidth = d.MaxWidth
	}
	if c.MaxHeight == 0 {
		c.MaxHeight = d.MaxHeight
	}
	if c.Quality == 0 {
		c.Quality = d.Quality
	}
	return c
}

// Validate checks that every field is in range.
func (c Constraints) Validate() error {
	if c.MaxWidth < 1 || c.MaxWidth > MaxEdge {
		return fmt.Errorf("%w: max width %d not in 1..%d", ErrInvalidConstraints, c.MaxWidth, MaxEdge)
	}
	if c.MaxHeight < 1 || c.MaxHeight > MaxEdge {
		return fmt.Errorf("%w: max height %d not in 1..%d", ErrInvalidConstraints, c.MaxHeight, MaxEdge)
	}
	if c.Quality < 1 || c.Quality > 100 {
		return fmt.Errorf("%w: quality %d not in 1..100", ErrInvalidConstraints, c.Quality)
	}
	return nil
}

// Deriver turns original image bytes into thumbnail bytes.
type Deriver interface {
	Derive(original []byte, c Constraints) ([]byte, error)
}

// ImageDeriver scales with Catmull-Rom and encodes baseline JPEG.
type ImageDeriver struct {
	// MaxPixels rejects originals whose width*height exceeds it before any
	// pixel data is decoded. Zero means DefaultMaxPixels.
	MaxPixels int64
}

// NewImageDeriver creates the default deriver.
func NewImageDeriver() *ImageDeriver {
	return &ImageDeriver{MaxPixels: DefaultMaxPixels}
}

// Derive decodes the original, fits it inside the constraint box keeping the
// aspect ratio, flattens transparency onto white, and re-encodes as JPEG.
// Images already inside the box are re-encoded at their own size. Originals
// over the pixel limit fail with ErrCorruptInput.
func (d *ImageDeriver) Derive(original []byte, c Constraints) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(original))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptInput, err)
	}
	limit := d.MaxPixels
	if limit <= 0 {
		limit = DefaultMaxPixels
	}
	if int64(cfg.Width)*int64(cfg.Height) > limit {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrCorruptInput, cfg.Width, cfg.Height, limit)
	}

	src, _, err := image.Decode(bytes.NewReader(original))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptInput, err)
	}

	b := src.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrCorruptInput)
	}

	w, h := FitWithin(b.Dx(), b.Dy(), c.MaxWidth, c.MaxHeight)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: c.Quality}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// FitWithin scales (w, h) down to fit inside (maxW, maxH) preserving the
// aspect ratio. It never upscales and never returns a zero edge.
func FitWithin(w, h, maxW, maxH int) (int, int) {
	if w <= maxW && h <= maxH {
		return w, h
	}
	// Compare w/maxW against h/maxH without floating point.
	if w*maxH >= h*maxW {
		nh := h * maxW / w
		if nh < 1 {
			nh = 1
		}
		return maxW, nh
	}
	nw := w * maxH / h
	if nw < 1 {
		nw = 1
	}
	return nw, maxH
}

// Dimensions returns the pixel size of an encoded image without decoding the
// full raster.
func Dimensions(data []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrCorruptInput, err)
	}
	return cfg.Width, cfg.Height, nil
}
