package gatecam

import (
	"context"
	"fmt"
	"image"
	"time"
)

// contrastStep converts the sensor contrast level (-3..3)
// to the percentage used by the image adjustment.
const contrastStep = 10

// Sensor is the image sensor interface: a one-time configuration
// followed by blocking captures.
type Sensor interface {
	Configure(cfg SensorConfig) error
	Snapshot(ctx context.Context) (*Frame, error)
	Close() error
}

// SensorConfig holds the sensor settings applied once at startup.
type SensorConfig struct {
	PixFormat   PixelFormat
	FrameSize   FrameSize
	Window      image.Point
	WarmUp      time.Duration
	Contrast    int
	GainCeiling int
}

// DefaultSensorConfig returns the settings used for face tracking:
// grayscale HQVGA frames with a 240x240 window and two seconds of warm-up.
func DefaultSensorConfig() SensorConfig {
	return SensorConfig{
		PixFormat:   Grayscale,
		FrameSize:   HQVGA,
		Window:      image.Pt(240, 240),
		WarmUp:      2 * time.Second,
		Contrast:    3,
		GainCeiling: 16,
	}
}

// Validate reports the first invalid sensor setting.
func (c SensorConfig) Validate() error {
	if _, err := ParsePixelFormat(string(c.PixFormat)); err != nil {
		return err
	}
	if _, err := c.FrameSize.Dimensions(); err != nil {
		return err
	}
	if c.Window.X < 0 || c.Window.Y < 0 {
		return fmt.Errorf("invalid window size: %v", c.Window)
	}
	if c.Contrast < -3 || c.Contrast > 3 {
		return fmt.Errorf("contrast must be between -3 and 3, got %d", c.Contrast)
	}
	if c.GainCeiling != 0 {
		switch c.GainCeiling {
		case 2, 4, 8, 16, 32, 64, 128:
		default:
			return fmt.Errorf("gain ceiling must be a power of two between 2 and 128, got %d", c.GainCeiling)
		}
	}
	if c.WarmUp < 0 {
		return fmt.Errorf("negative warm-up period: %v", c.WarmUp)
	}
	return nil
}

// window returns the window size clamped to the frame dimensions.
// A zero window keeps the full frame.
func (c SensorConfig) window(dim image.Point) image.Point {
	win := c.Window
	if win.X <= 0 || win.X > dim.X {
		win.X = dim.X
	}
	if win.Y <= 0 || win.Y > dim.Y {
		win.Y = dim.Y
	}
	return win
}

// ConfigureSensor applies the sensor configuration and waits for the
// warm-up period to elapse, so the sensor can adjust its exposure.
func (p *Pipeline) ConfigureSensor(ctx context.Context) error {
	if err := p.SensorConfig.Validate(); err != nil {
		return fmt.Errorf("invalid sensor configuration: %w", err)
	}
	if err := p.Sensor.Configure(p.SensorConfig); err != nil {
		return fmt.Errorf("unable to configure the sensor: %w", err)
	}
	if p.SensorConfig.WarmUp <= 0 {
		return nil
	}

	if p.Spinner != nil {
		p.Spinner.Start()
		defer p.Spinner.Stop()
	}
	p.logger().Debug("sensor warm-up", "duration", p.SensorConfig.WarmUp)

	return p.sleeper()(ctx, p.SensorConfig.WarmUp)
}
