// Package camera captures frames from a V4L2 device or a video stream
// through OpenCV, and provides the OpenCV Haar cascade face detector.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/esimov/gatecam"
	"gocv.io/x/gocv"
)

// Sensor reads the frames from an OpenCV video capture.
type Sensor struct {
	// Device is either a device index (int) or a stream URL / file path (string).
	Device any

	mu   sync.Mutex
	vc   *gocv.VideoCapture
	mat  gocv.Mat
	cfg  gatecam.SensorConfig
	seq  uint64
	open bool
}

var _ gatecam.Sensor = (*Sensor)(nil)

// NewSensor returns a sensor reading from the given device.
func NewSensor(device any) *Sensor {
	return &Sensor{Device: device}
}

// Configure opens the device and requests the frame size and the gain
// from the driver. The window, contrast and pixel format are applied in
// software on every frame.
func (s *Sensor) Configure(cfg gatecam.SensorConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := cfg.Validate(); err != nil {
		return err
	}
	dim, err := cfg.FrameSize.Dimensions()
	if err != nil {
		return err
	}

	if !s.open {
		vc, err := gocv.OpenVideoCapture(s.Device)
		if err != nil {
			return fmt.Errorf("unable to open the capture device %v: %w", s.Device, err)
		}
		s.vc = vc
		s.mat = gocv.NewMat()
		s.open = true
	}
	s.vc.Set(gocv.VideoCaptureFrameWidth, float64(dim.X))
	s.vc.Set(gocv.VideoCaptureFrameHeight, float64(dim.Y))
	if cfg.GainCeiling > 0 {
		s.vc.Set(gocv.VideoCaptureGain, float64(cfg.GainCeiling))
	}
	s.cfg = cfg

	return nil
}

// Snapshot grabs the next frame from the device.
func (s *Sensor) Snapshot(ctx context.Context) (*gatecam.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return nil, errors.New("sensor is not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ok := s.vc.Read(&s.mat); !ok || s.mat.Empty() {
		return nil, fmt.Errorf("unable to read a frame from device %v", s.Device)
	}
	img, err := s.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("unable to convert the frame: %w", err)
	}
	s.seq++

	return gatecam.Develop(img, s.cfg, s.seq)
}

// Close releases the device.
func (s *Sensor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return nil
	}
	s.open = false
	return errors.Join(s.mat.Close(), s.vc.Close())
}

// HaarDetector finds faces with an OpenCV Haar cascade.
type HaarDetector struct {
	MinSize image.Point
	MaxSize image.Point

	mu         sync.Mutex
	classifier gocv.CascadeClassifier
}

var _ gatecam.Detector = (*HaarDetector)(nil)

// NewHaarDetector loads the cascade XML file, e.g. haarcascade_frontalface_default.xml.
func NewHaarDetector(path string) (*HaarDetector, error) {
	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(path) {
		classifier.Close()
		return nil, fmt.Errorf("error reading the cascade file: %s", path)
	}
	return &HaarDetector{
		MinSize:    image.Pt(20, 20),
		classifier: classifier,
	}, nil
}

// Detect implements gatecam.Detector. The scale factor is passed through and
// the threshold is mapped onto the number of neighbour hits.
func (d *HaarDetector) Detect(f *gatecam.Frame, p gatecam.DetectParams) ([]image.Rectangle, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	src, err := gocv.ImageToMatRGB(f.Img)
	if err != nil {
		return nil, fmt.Errorf("unable to convert the frame: %w", err)
	}
	defer src.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	if err := gocv.CvtColor(src, &gray, gocv.ColorRGBToGray); err != nil {
		return nil, fmt.Errorf("failed to convert image to grayscale: %w", err)
	}

	rects := d.classifier.DetectMultiScaleWithParams(gray, p.ScaleFactor,
		gatecam.MinNeighbors(p.Threshold), 0, d.MinSize, d.MaxSize)

	bounds := f.Bounds()
	regions := make([]image.Rectangle, 0, len(rects))
	for _, r := range rects {
		if r = r.Intersect(bounds); !r.Empty() {
			regions = append(regions, r)
		}
	}
	return regions, nil
}

// Close releases the cascade.
func (d *HaarDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.classifier.Close()
}
