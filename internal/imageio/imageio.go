// Package imageio decodes, normalizes and encodes images for the store and the extractors.
package imageio

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"io"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrUnsupported is returned when bytes cannot be decoded as a supported image format.
var ErrUnsupported = errors.New("unsupported image format")

// Format is an output encoding for normalized copies.
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
)

// Ext returns the file extension (with dot) for the format.
func (f Format) Ext() string {
	if f == FormatPNG {
		return ".png"
	}
	return ".jpg"
}

// Mime returns the media type written by the format.
func (f Format) Mime() string {
	if f == FormatPNG {
		return "image/png"
	}
	return "image/jpeg"
}

// ParseFormat maps a config string to a Format, defaulting to JPEG.
func ParseFormat(s string) Format {
	switch s {
	case "png", "PNG":
		return FormatPNG
	default:
		return FormatJPEG
	}
}

var supportedMimes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/bmp":  true,
	"image/tiff": true,
	"image/webp": true,
}

// Sniff returns the detected MIME type of data and whether it is a decodable image.
func Sniff(data []byte) (string, bool) {
	m := mimetype.Detect(data)
	for ; m != nil; m = m.Parent() {
		if supportedMimes[m.String()] {
			return m.String(), true
		}
	}
	return mimetype.Detect(data).String(), false
}

// Decode decodes image bytes in any supported format.
func Decode(data []byte) (image.Image, string, error) {
	mime, ok := Sniff(data)
	if !ok {
		return nil, mime, fmt.Errorf("%w: %s", ErrUnsupported, mime)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, mime, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	return img, mime, nil
}

// Fit scales img down to fit within maxW x maxH keeping its aspect ratio.
// Images already inside the box are returned unchanged.
func Fit(img image.Image, maxW, maxH int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxW <= 0 || maxH <= 0 || (w <= maxW && h <= maxH) {
		return img
	}
	scale := min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	nw := max(1, int(float64(w)*scale+0.5))
	nh := max(1, int(float64(h)*scale+0.5))
	return Resize(img, nw, nh)
}

// Resize scales img to exactly w x h.
func Resize(img image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}

// Encode writes img in the given format. quality applies to JPEG only.
func Encode(w io.Writer, img image.Image, f Format, quality int) error {
	switch f {
	case FormatPNG:
		return png.Encode(w, img)
	default:
		if quality <= 0 || quality > 100 {
			quality = 80
		}
		return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
	}
}

// Normalized is the result of Normalize. Mime describes Data; Source is the
// media type of the decoded input.
type Normalized struct {
	Data   []byte
	Mime   string
	Source string
	Width  int
	Height int
}

// Normalize decodes data, fits it in maxW x maxH and re-encodes it.
func Normalize(data []byte, maxW, maxH int, f Format, quality int) (*Normalized, error) {
	img, mime, err := Decode(data)
	if err != nil {
		return nil, err
	}
	img = Fit(img, maxW, maxH)
	var buf bytes.Buffer
	if err := Encode(&buf, img, f, quality); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	b := img.Bounds()
	return &Normalized{Data: buf.Bytes(), Mime: f.Mime(), Source: mime, Width: b.Dx(), Height: b.Dy()}, nil
}
