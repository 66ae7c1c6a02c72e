package gatecam

import (
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/disintegration/imaging"
)

// PixelFormat is the pixel layout produced by the sensor.
type PixelFormat string

const (
	Grayscale PixelFormat = "grayscale"
	RGB565    PixelFormat = "rgb565"
)

// FrameSize is one of the fixed sensor resolutions.
type FrameSize string

const (
	QQVGA FrameSize = "qqvga"
	HQVGA FrameSize = "hqvga"
	QVGA  FrameSize = "qvga"
	VGA   FrameSize = "vga"
)

var frameSizes = map[FrameSize]image.Point{
	QQVGA: {X: 160, Y: 120},
	HQVGA: {X: 240, Y: 160},
	QVGA:  {X: 320, Y: 240},
	VGA:   {X: 640, Y: 480},
}

// ParsePixelFormat converts a configuration value to a PixelFormat.
func ParsePixelFormat(s string) (PixelFormat, error) {
	switch pf := PixelFormat(strings.ToLower(s)); pf {
	case Grayscale, RGB565:
		return pf, nil
	}
	return "", fmt.Errorf("unsupported pixel format: %q", s)
}

// ParseFrameSize converts a configuration value to a FrameSize.
func ParseFrameSize(s string) (FrameSize, error) {
	fs := FrameSize(strings.ToLower(s))
	if _, ok := frameSizes[fs]; !ok {
		return "", fmt.Errorf("unsupported frame size: %q", s)
	}
	return fs, nil
}

// Dimensions returns the width and height of the frame size.
func (fs FrameSize) Dimensions() (image.Point, error) {
	dim, ok := frameSizes[fs]
	if !ok {
		return image.Point{}, fmt.Errorf("unsupported frame size: %q", string(fs))
	}
	return dim, nil
}

// Frame is a single captured image. It is replaced on every capture
// and belongs to the loop iteration that requested it.
type Frame struct {
	Img    *image.NRGBA
	Format PixelFormat
	Seq    uint64
	Time   time.Time
}

// NewFrame wraps an image into a Frame with its min-point at (0, 0).
func NewFrame(img image.Image, format PixelFormat, seq uint64) *Frame {
	return &Frame{
		Img:    imaging.Clone(img),
		Format: format,
		Seq:    seq,
		Time:   time.Now(),
	}
}

// Bounds returns the frame bounds.
func (f *Frame) Bounds() image.Rectangle {
	return f.Img.Bounds()
}

// Gray returns the frame luminance as a one dimensional pixel array,
// the input layout expected by the cascade detectors.
func (f *Frame) Gray() []uint8 {
	return grayPixels(f.Img)
}
