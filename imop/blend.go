// Package imop implements the Porter-Duff composition operations
// used for mixing a graphic element with its backdrop.
// Porter and Duff presented in their paper 12 different composition operation,
// but the image/draw core package implements only the source-over-destination and source.
// This package is aimed to overcome the missing composite operations.
//
// It is used to annotate the captured frames with the detected regions
// and the classified windows before they are saved for inspection.
package imop

import (
	"fmt"

	"github.com/esimov/gatecam/utils"
)

// Mode is a separable blend mode.
type Mode string

const (
	Darken   Mode = "darken"
	Lighten  Mode = "lighten"
	Multiply Mode = "multiply"
	Screen   Mode = "screen"
	Overlay  Mode = "overlay"
)

var modes = []Mode{Darken, Lighten, Multiply, Screen, Overlay}

// Blend holds the currently active blend mode.
type Blend struct {
	mode Mode
}

// NewBlend initializes a new Blend.
func NewBlend() *Blend {
	return &Blend{}
}

// Set activates one of the supported blend modes.
func (b *Blend) Set(m Mode) error {
	if !utils.Contains(modes, m) {
		return fmt.Errorf("unsupported blend mode: %q", m)
	}
	b.mode = m
	return nil
}

// Mode returns the currently active blend mode.
func (b *Blend) Mode() Mode {
	return b.mode
}

// blend mixes the source color cs with the backdrop color cb.
func blend(m Mode, cs, cb rgba) rgba {
	fn := func(s, b float64) float64 {
		switch m {
		case Darken:
			return utils.Min(s, b)
		case Lighten:
			return utils.Max(s, b)
		case Multiply:
			return s * b
		case Screen:
			return 1 - (1-s)*(1-b)
		case Overlay:
			if b <= 0.5 {
				return 2 * s * b
			}
			return 1 - 2*(1-s)*(1-b)
		}
		return s
	}
	return rgba{
		r: fn(cs.r, cb.r),
		g: fn(cs.g, cb.g),
		b: fn(cs.b, cb.b),
		a: cs.a,
	}
}
