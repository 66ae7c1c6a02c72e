package gatecam

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/esimov/gatecam/imop"
)

// Annotator outlines the regions of interest on a frame.
// The detected faces, the classified windows and the decision
// are drawn in distinct colors.
type Annotator struct {
	Region     color.NRGBA
	Authorized color.NRGBA
	Rejected   color.NRGBA
	Window     color.NRGBA
	Width      int

	comp *imop.Composite
	tint *imop.Composite
}

// NewAnnotator returns an annotator drawing the outlines with the
// source-over operator, and tinting the decided window with the given blend mode.
// An empty blend mode disables the tint.
func NewAnnotator(mode imop.Mode) (*Annotator, error) {
	comp, err := imop.NewComposite(imop.SrcOver)
	if err != nil {
		return nil, err
	}
	a := &Annotator{
		Region:     color.NRGBA{R: 255, G: 255, B: 255, A: 255},
		Authorized: color.NRGBA{G: 255, A: 255},
		Rejected:   color.NRGBA{R: 255, A: 255},
		Window:     color.NRGBA{R: 255, G: 255, A: 160},
		Width:      2,
		comp:       comp,
	}
	if mode != "" {
		blend := imop.NewBlend()
		if err := blend.Set(mode); err != nil {
			return nil, err
		}
		tint, err := imop.NewComposite(imop.SrcOver)
		if err != nil {
			return nil, err
		}
		tint.SetBlend(blend)
		a.tint = tint
	}
	return a, nil
}

// Regions outlines the detected regions.
func (a *Annotator) Regions(f *Frame, regions []image.Rectangle) {
	for _, r := range regions {
		a.comp.StrokeRect(f.Img, r, a.Region, a.Width)
	}
}

// Prediction outlines a classified window.
func (a *Annotator) Prediction(f *Frame, r image.Rectangle) {
	a.comp.StrokeRect(f.Img, r, a.Window, 1)
}

// Decision outlines the decided window with the decision color
// and tints it when a blend mode is set.
func (a *Annotator) Decision(f *Frame, d Decision) {
	col := a.Rejected
	if d.Authorized {
		col = a.Authorized
	}
	if a.tint != nil {
		tint := col
		tint.A = 64
		a.tint.Fill(f.Img, d.Rect, tint)
	}
	a.comp.StrokeRect(f.Img, d.Rect, col, a.Width)
}

// SnapshotWriter saves the annotated frames into a directory.
type SnapshotWriter struct {
	Dir    string
	Format string
}

// Save encodes the frame into the snapshot directory. The file name
// is derived from the frame sequence number.
func (s *SnapshotWriter) Save(f *Frame) (string, error) {
	ext := "." + strings.TrimPrefix(strings.ToLower(s.Format), ".")
	if ext == "." {
		ext = ".jpg"
	}
	switch ext {
	case ".jpg", ".jpeg", ".png", ".bmp":
	default:
		return "", fmt.Errorf("unsupported snapshot format: %q", s.Format)
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("unable to create the snapshot directory: %w", err)
	}

	path := filepath.Join(s.Dir, fmt.Sprintf("frame_%06d%s", f.Seq, ext))
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("unable to create the snapshot file: %w", err)
	}
	if err := writeSnapshot(out, ext, f.Img); err != nil {
		return "", err
	}
	return path, nil
}

// writeSnapshot encodes the image and closes the file. A failed close
// means the encoded data may not have reached the disk.
func writeSnapshot(out io.WriteCloser, ext string, img image.Image) (err error) {
	defer func() {
		if cerr := out.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("unable to write the snapshot file: %w", cerr))
		}
	}()

	if err := encodeImg(out, ext, img); err != nil {
		return fmt.Errorf("unable to encode the snapshot: %w", err)
	}
	return nil
}
