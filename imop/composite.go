package imop

import (
	"fmt"
	"image"
	"image/color"

	"github.com/esimov/gatecam/utils"
)

// Op is a Porter-Duff composition operator.
type Op string

const (
	Copy    Op = "copy"
	SrcOver Op = "src_over"
	DstOver Op = "dst_over"
	SrcIn   Op = "src_in"
	DstIn   Op = "dst_in"
	SrcOut  Op = "src_out"
	DstOut  Op = "dst_out"
	SrcAtop Op = "src_atop"
	DstAtop Op = "dst_atop"
	Xor     Op = "xor"
)

var ops = []Op{Copy, SrcOver, DstOver, SrcIn, DstIn, SrcOut, DstOut, SrcAtop, DstAtop, Xor}

// ParseOp converts a configuration value to a composition operator.
func ParseOp(s string) (Op, error) {
	op := Op(s)
	if !utils.Contains(ops, op) {
		return "", fmt.Errorf("unsupported composite operation: %q", s)
	}
	return op, nil
}

// Composite paints a source over a backdrop with the active operator,
// then mixes the source with the backdrop using the blend mode, if any.
type Composite struct {
	op    Op
	blend *Blend
}

// NewComposite returns a composite using the given operator.
func NewComposite(op Op) (*Composite, error) {
	if _, err := ParseOp(string(op)); err != nil {
		return nil, err
	}
	return &Composite{op: op}, nil
}

// Op returns the active composition operator.
func (c *Composite) Op() Op { return c.op }

// SetBlend attaches a blend mode; nil removes it.
func (c *Composite) SetBlend(b *Blend) { c.blend = b }

// Draw composites src onto dst over the rectangle r, in place.
// Both images are addressed with the same coordinates.
func (c *Composite) Draw(dst *image.NRGBA, r image.Rectangle, src image.Image) {
	r = r.Intersect(dst.Bounds()).Intersect(src.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			s := color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
			dst.SetNRGBA(x, y, c.mix(s, dst.NRGBAAt(x, y)))
		}
	}
}

// Fill composites a uniform color onto dst over the rectangle r.
func (c *Composite) Fill(dst *image.NRGBA, r image.Rectangle, col color.NRGBA) {
	r = r.Intersect(dst.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			dst.SetNRGBA(x, y, c.mix(col, dst.NRGBAAt(x, y)))
		}
	}
}

// StrokeRect outlines the rectangle r with a border of the given width,
// drawn on the inside of r.
func (c *Composite) StrokeRect(dst *image.NRGBA, r image.Rectangle, col color.NRGBA, width int) {
	r = r.Canon()
	if width <= 0 || r.Empty() {
		return
	}
	width = utils.Min(width, utils.Min((r.Dx()+1)/2, (r.Dy()+1)/2))

	top := image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+width)
	bottom := image.Rect(r.Min.X, r.Max.Y-width, r.Max.X, r.Max.Y)
	left := image.Rect(r.Min.X, r.Min.Y+width, r.Min.X+width, r.Max.Y-width)
	right := image.Rect(r.Max.X-width, r.Min.Y+width, r.Max.X, r.Max.Y-width)

	for _, edge := range []image.Rectangle{top, bottom, left, right} {
		if !edge.Empty() {
			c.Fill(dst, edge, col)
		}
	}
}

type rgba struct{ r, g, b, a float64 }

func normalize(c color.NRGBA) rgba {
	return rgba{
		r: float64(c.R) / 255,
		g: float64(c.G) / 255,
		b: float64(c.B) / 255,
		a: float64(c.A) / 255,
	}
}

func (c rgba) nrgba() color.NRGBA {
	return color.NRGBA{
		R: uint8(utils.Clamp(c.r, 0, 1)*255 + 0.5),
		G: uint8(utils.Clamp(c.g, 0, 1)*255 + 0.5),
		B: uint8(utils.Clamp(c.b, 0, 1)*255 + 0.5),
		A: uint8(utils.Clamp(c.a, 0, 1)*255 + 0.5),
	}
}

func (c *Composite) mix(src, dst color.NRGBA) color.NRGBA {
	s, d := normalize(src), normalize(dst)
	out := compose(c.op, s, d)
	if c.blend != nil && c.blend.Mode() != "" {
		mixed := blend(c.blend.Mode(), s, d)
		mixed.a = out.a
		out = mixed
	}
	return out.nrgba()
}

// compose applies the alpha composition formula on premultiplied
// colors and returns the straight (non premultiplied) result.
func compose(op Op, s, d rgba) rgba {
	var fs, fd float64

	switch op {
	case Copy:
		return s
	case SrcOver:
		fs, fd = 1, 1-s.a
	case DstOver:
		fs, fd = 1-d.a, 1
	case SrcIn:
		fs, fd = d.a, 0
	case DstIn:
		fs, fd = 0, s.a
	case SrcOut:
		fs, fd = 1-d.a, 0
	case DstOut:
		fs, fd = 0, 1-s.a
	case SrcAtop:
		fs, fd = d.a, 1-s.a
	case DstAtop:
		fs, fd = 1-d.a, s.a
	case Xor:
		fs, fd = 1-d.a, 1-s.a
	}

	a := s.a*fs + d.a*fd
	if a == 0 {
		return rgba{}
	}
	return rgba{
		r: (s.r*s.a*fs + d.r*d.a*fd) / a,
		g: (s.g*s.a*fs + d.g*d.a*fd) / a,
		b: (s.b*s.a*fs + d.b*d.a*fd) / a,
		a: a,
	}
}
