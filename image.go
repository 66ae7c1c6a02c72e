package gatecam

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/esimov/gatecam/utils"
	"golang.org/x/image/bmp"
)

// supportedExtensions lists the image files accepted by the replay sensor.
var supportedExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".gif"}

// decodeImg decodes the raw image bytes into an image.Image.
func decodeImg(data []byte) (image.Image, error) {
	ctype := http.DetectContentType(data)
	if !strings.Contains(ctype, "image") {
		// BMP files are not always sniffed correctly, give the decoder a try.
		if img, err := bmp.Decode(bytes.NewReader(data)); err == nil {
			return img, nil
		}
		return nil, fmt.Errorf("the source is not a valid image type: %s", ctype)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("could not decode the image: %w", err)
	}
	return img, nil
}

// encodeImg encodes an image to a destination of type io.Writer,
// the format being selected by the file extension.
func encodeImg(w io.Writer, ext string, img image.Image) error {
	switch strings.ToLower(ext) {
	case "", ".jpg", ".jpeg":
		return jpeg.Encode(w, img, &jpeg.Options{Quality: 90})
	case ".png":
		return png.Encode(w, img)
	case ".bmp":
		return bmp.Encode(w, img)
	default:
		return errors.New("unsupported image format")
	}
}

// isValidExtension checks for the supported extensions.
func isValidExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, ex := range supportedExtensions {
		if ex == ext {
			return true
		}
	}
	return false
}

// grayPixels converts an image to grayscale mode and
// returns the pixel values as an one dimensional array.
func grayPixels(src *image.NRGBA) []uint8 {
	bounds := src.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	gray := make([]uint8, width*height)

	for y := 0; y < height; y++ {
		off := src.PixOffset(bounds.Min.X, bounds.Min.Y+y)
		for x := 0; x < width; x++ {
			r, g, b := src.Pix[off], src.Pix[off+1], src.Pix[off+2]
			gray[y*width+x] = uint8(0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b))
			off += 4
		}
	}
	return gray
}

// quantize565 drops the low order bits of every channel, matching
// the color depth delivered by an RGB565 sensor.
func quantize565(img *image.NRGBA) {
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i+0] &= 0xf8
		img.Pix[i+1] &= 0xfc
		img.Pix[i+2] &= 0xf8
	}
}

// autoGainTarget is the mean luminance the emulated sensor gain aims for.
const autoGainTarget = 128.0

// autoGain brightens a dark image towards autoGainTarget the way the sensor
// automatic gain control does. The gain never exceeds the ceiling and never
// darkens the image. A zero ceiling disables it.
func autoGain(img *image.NRGBA, ceiling int) *image.NRGBA {
	if ceiling <= 0 {
		return img
	}
	var sum float64
	gray := grayPixels(img)
	for _, v := range gray {
		sum += float64(v)
	}
	if sum == 0 {
		return img
	}
	gain := utils.Clamp(autoGainTarget*float64(len(gray))/sum, 1, float64(ceiling))
	if gain == 1 {
		return img
	}
	amp := func(v uint8) uint8 {
		return uint8(math.Min(float64(v)*gain+0.5, 255))
	}
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{R: amp(c.R), G: amp(c.G), B: amp(c.B), A: c.A}
	})
}

// Develop turns a raw sensor image into a frame: it scales the image to
// the configured frame size, applies the window, the gain ceiling and the
// contrast, then converts it to the requested pixel format.
func Develop(src image.Image, cfg SensorConfig, seq uint64) (*Frame, error) {
	dim, err := cfg.FrameSize.Dimensions()
	if err != nil {
		return nil, err
	}
	img := imaging.Fill(src, dim.X, dim.Y, imaging.Center, imaging.Linear)

	if win := cfg.window(dim); win != dim {
		img = imaging.CropCenter(img, win.X, win.Y)
	}
	img = autoGain(img, cfg.GainCeiling)
	if cfg.Contrast != 0 {
		img = imaging.AdjustContrast(img, float64(cfg.Contrast*contrastStep))
	}

	switch cfg.PixFormat {
	case Grayscale:
		img = imaging.Grayscale(img)
	case RGB565:
		quantize565(img)
	default:
		return nil, fmt.Errorf("unsupported pixel format: %q", string(cfg.PixFormat))
	}
	return NewFrame(img, cfg.PixFormat, seq), nil
}
