package gatecam

import (
	"embed"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"math"
	"os"

	"github.com/esimov/gatecam/utils"
	pigo "github.com/esimov/pigo/core"
)

// DetectParams are the cascade parameters passed on every detection.
type DetectParams struct {
	// Threshold is the detection strictness; higher values reject more candidates.
	Threshold float64
	// ScaleFactor is the growth rate of the detection window between pyramid levels.
	// Lower values find smaller objects at the cost of speed.
	ScaleFactor float64
}

// DefaultDetectParams returns the parameters used to gate on faces.
func DefaultDetectParams() DetectParams {
	return DetectParams{
		Threshold:   0.75,
		ScaleFactor: 1.25,
	}
}

// Validate checks the detection parameters.
func (p DetectParams) Validate() error {
	if p.Threshold < 0 || p.Threshold > 1 {
		return fmt.Errorf("detection threshold must be between 0 and 1, got %v", p.Threshold)
	}
	if p.ScaleFactor <= 1 {
		return fmt.Errorf("scale factor must be greater than 1, got %v", p.ScaleFactor)
	}
	return nil
}

// Detector finds the regions of interest (faces) in a frame.
type Detector interface {
	Detect(f *Frame, p DetectParams) ([]image.Rectangle, error)
}

// pigoQualityScale maps the detection threshold onto the pigo
// detection score, so that a threshold of 0.75 requires Q >= 5.
const pigoQualityScale = 5.0 / 0.75

// PigoDetector is a pure Go face detector backed by the pigo
// pixel intensity comparison cascade.
type PigoDetector struct {
	classifier *pigo.Pigo

	MinSize     int
	MaxSize     int
	ShiftFactor float64
	// Angle is the in-plane rotation of the searched faces (0.0 - 1.0).
	Angle float64
	// IoU is the intersection over union threshold used to merge detections.
	IoU float64
}

var _ Detector = (*PigoDetector)(nil)

// NewPigoDetector unpacks the binary cascade file. This will return the number
// of cascade trees, the tree depth, the threshold and the prediction from tree's leaf nodes.
func NewPigoDetector(cascade []byte) (det *PigoDetector, err error) {
	// Unpack indexes into the packet without bounds checking.
	defer func() {
		if r := recover(); r != nil {
			det, err = nil, fmt.Errorf("error unpacking the cascade file: malformed cascade (%v)", r)
		}
	}()
	if len(cascade) < 16 {
		return nil, fmt.Errorf("error unpacking the cascade file: %d bytes is too short", len(cascade))
	}

	classifier, err := pigo.NewPigo().Unpack(cascade)
	if err != nil {
		return nil, fmt.Errorf("error unpacking the cascade file: %w", err)
	}
	return &PigoDetector{
		classifier:  classifier,
		MinSize:     20,
		ShiftFactor: 0.1,
		IoU:         0.2,
	}, nil
}

//go:embed data
var bundled embed.FS

// cascadeFS holds the cascade used when no path is configured.
var cascadeFS fs.FS = bundled

// bundledCascade is the path of the frontal face cascade inside cascadeFS.
const bundledCascade = "data/facefinder"

// LoadPigoDetector reads the cascade file from disk. An empty path
// selects the facefinder cascade bundled with the binary.
func LoadPigoDetector(path string) (*PigoDetector, error) {
	if path == "" {
		data, err := fs.ReadFile(cascadeFS, bundledCascade)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.New("no facefinder cascade bundled: set detector.cascade " +
				"or copy it from github.com/esimov/pigo/cascade into data/ before building")
		}
		if err != nil {
			return nil, fmt.Errorf("could not read the bundled cascade: %w", err)
		}
		return NewPigoDetector(data)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read the cascade file: %w", err)
	}
	return NewPigoDetector(data)
}

// Detect runs the cascade over the frame luminance and returns the face regions.
func (d *PigoDetector) Detect(f *Frame, p DetectParams) ([]image.Rectangle, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	bounds := f.Bounds()
	cols, rows := bounds.Dx(), bounds.Dy()

	maxSize := d.MaxSize
	if maxSize <= 0 {
		maxSize = utils.Max(cols, rows)
	}

	cParams := pigo.CascadeParams{
		MinSize:     d.MinSize,
		MaxSize:     maxSize,
		ShiftFactor: d.ShiftFactor,
		ScaleFactor: p.ScaleFactor,

		ImageParams: pigo.ImageParams{
			Pixels: f.Gray(),
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
	}

	// The result contains quadruplets representing the row, column, scale and detection score.
	dets := d.classifier.RunCascade(cParams, d.Angle)
	dets = d.classifier.ClusterDetections(dets, d.IoU)

	cutoff := p.Threshold * pigoQualityScale
	regions := make([]image.Rectangle, 0, len(dets))
	for _, det := range dets {
		if float64(det.Q) < cutoff {
			continue
		}
		half := det.Scale / 2
		rect := image.Rect(
			det.Col-half,
			det.Row-half,
			det.Col+half,
			det.Row+half,
		).Add(bounds.Min).Intersect(bounds)
		if !rect.Empty() {
			regions = append(regions, rect)
		}
	}
	return regions, nil
}

// MinNeighbors maps the detection threshold onto the number of neighbour
// hits required by a Haar cascade; 0.75 yields the usual value of 3.
func MinNeighbors(threshold float64) int {
	return utils.Max(1, int(math.Round(threshold*4)))
}
