package gatecam

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/esimov/gatecam/utils"
)

// SweepParams configures the multi-scale sliding window classification.
// The window starts at the full frame (scale 1.0) and shrinks by ScaleMul
// while the scale stays above MinScale. On every scale the window slides
// with the given overlap on both axes.
type SweepParams struct {
	MinScale float64
	ScaleMul float64
	XOverlap float64
	YOverlap float64
}

// DefaultSweepParams returns the classification sweep parameters.
func DefaultSweepParams() SweepParams {
	return SweepParams{
		MinScale: 1.0,
		ScaleMul: 0.8,
		XOverlap: 0.5,
		YOverlap: 0.5,
	}
}

// Validate checks the sweep parameters.
func (p SweepParams) Validate() error {
	if p.MinScale <= 0 || p.MinScale > 1 {
		return fmt.Errorf("min scale must be in (0, 1], got %v", p.MinScale)
	}
	if p.ScaleMul <= 0 || p.ScaleMul >= 1 {
		return fmt.Errorf("scale multiplier must be in (0, 1), got %v", p.ScaleMul)
	}
	if p.XOverlap < 0 || p.XOverlap >= 1 || p.YOverlap < 0 || p.YOverlap >= 1 {
		return fmt.Errorf("overlap must be in [0, 1), got x=%v y=%v", p.XOverlap, p.YOverlap)
	}
	return nil
}

// scaleEpsilon absorbs the rounding error accumulated by repeated multiplication.
const scaleEpsilon = 1e-9

// Windows returns the windows visited by the sweep, largest first.
func Windows(bounds image.Rectangle, p SweepParams) []image.Rectangle {
	var windows []image.Rectangle

	for scale := 1.0; scale >= p.MinScale-scaleEpsilon; scale *= p.ScaleMul {
		w := int(float64(bounds.Dx()) * scale)
		h := int(float64(bounds.Dy()) * scale)
		if w < 1 || h < 1 {
			break
		}
		xStep := utils.Max(1, int(float64(w)*(1-p.XOverlap)))
		yStep := utils.Max(1, int(float64(h)*(1-p.YOverlap)))

		for y := bounds.Min.Y; y+h <= bounds.Max.Y; y += yStep {
			for x := bounds.Min.X; x+w <= bounds.Max.X; x += xStep {
				windows = append(windows, image.Rect(x, y, x+w, y+h))
			}
		}
	}
	return windows
}

// Network is a loaded inference model returning one score per label
// for the image it is given.
type Network interface {
	Predict(img image.Image) ([]float32, error)
	Close() error
}

// Prediction is the classification result of one window:
// its rectangle and the scores, one per label.
type Prediction struct {
	Rect   image.Rectangle
	Scores []float32
}

// Classifier classifies a frame and returns one prediction per visited window.
type Classifier interface {
	Classify(f *Frame, p SweepParams) ([]Prediction, error)
}

// Sweep runs the network over every window of the sweep.
func Sweep(net Network, f *Frame, p SweepParams) ([]Prediction, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	windows := Windows(f.Bounds(), p)
	preds := make([]Prediction, 0, len(windows))

	for _, win := range windows {
		var src image.Image = f.Img
		if win != f.Bounds() {
			src = imaging.Crop(f.Img, win)
		}
		scores, err := net.Predict(src)
		if err != nil {
			return nil, fmt.Errorf("classification failed at %v: %w", win, err)
		}
		preds = append(preds, Prediction{Rect: win, Scores: scores})
	}
	return preds, nil
}
