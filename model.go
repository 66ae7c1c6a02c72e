package gatecam

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/shirou/gopsutil/v3/mem"
)

// HeapReserve is the amount of memory that must stay free after the
// model has been loaded on the heap.
const HeapReserve = 64 * 1024

// DefaultFrameBufferSize is the size of the reserved frame buffer arena.
const DefaultFrameBufferSize = 1 << 20

// loadHint is appended to the startup errors.
const loadHint = "did you copy the .tflite and labels.txt file onto the mass-storage device?"

// The two startup failure kinds.
var (
	ErrModelLoad = errors.New("failed to load model")
	ErrLabelLoad = errors.New("failed to load labels")
)

// Placement tells where the model bytes are stored.
type Placement int

const (
	// PlacementHeap loads the model into a regular heap allocation.
	PlacementHeap Placement = iota
	// PlacementFrameBuffer loads the model into the reserved frame buffer.
	PlacementFrameBuffer
)

func (p Placement) String() string {
	switch p {
	case PlacementHeap:
		return "heap"
	case PlacementFrameBuffer:
		return "frame-buffer"
	}
	return fmt.Sprintf("placement(%d)", int(p))
}

// ChoosePlacement returns the frame buffer placement
// when the file does not fit on the heap with HeapReserve to spare.
func ChoosePlacement(size, free uint64) Placement {
	if free < HeapReserve || size > free-HeapReserve {
		return PlacementFrameBuffer
	}
	return PlacementHeap
}

// MemoryProbe reports the free memory.
type MemoryProbe interface {
	Free() (uint64, error)
}

// MemoryProbeFunc adapts a function to the MemoryProbe interface.
type MemoryProbeFunc func() (uint64, error)

// Free implements MemoryProbe.
func (f MemoryProbeFunc) Free() (uint64, error) { return f() }

// SystemMemory reads the memory available to the process from the operating system.
type SystemMemory struct{}

// Free implements MemoryProbe.
func (SystemMemory) Free() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

// FrameBuffer is a fixed size arena, allocated once, which can host
// the model when the heap is short of memory.
type FrameBuffer struct {
	buf []byte
}

// NewFrameBuffer reserves a frame buffer of the given size.
func NewFrameBuffer(size int) *FrameBuffer {
	return &FrameBuffer{buf: make([]byte, size)}
}

// Cap returns the frame buffer capacity.
func (fb *FrameBuffer) Cap() int {
	return len(fb.buf)
}

// Load copies size bytes from r into the frame buffer.
func (fb *FrameBuffer) Load(r io.Reader, size int64) ([]byte, error) {
	if size > int64(len(fb.buf)) {
		return nil, fmt.Errorf("model too large: %d bytes do not fit the %d bytes frame buffer", size, len(fb.buf))
	}
	dst := fb.buf[:size]
	if _, err := io.ReadFull(r, dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// Engine builds a network out of the model file content.
type Engine interface {
	Load(model []byte) (Network, error)
}

// EngineFunc adapts a function to the Engine interface.
type EngineFunc func(model []byte) (Network, error)

// Load implements Engine.
func (f EngineFunc) Load(model []byte) (Network, error) { return f(model) }

// ModelHandle is the loaded model. It classifies frames with the sweep
// and must be closed when the process shuts down.
type ModelHandle struct {
	Network
	Path      string
	Size      int64
	Placement Placement
}

var _ Classifier = (*ModelHandle)(nil)

// Classify implements Classifier.
func (m *ModelHandle) Classify(f *Frame, p SweepParams) ([]Prediction, error) {
	return Sweep(m.Network, f, p)
}

// ModelLoader loads the model file with the placement policy.
type ModelLoader struct {
	Engine      Engine
	Probe       MemoryProbe
	FrameBuffer *FrameBuffer
	Logger      *slog.Logger
}

// Load reads the model from path and hands it over to the engine.
func (l *ModelLoader) Load(path string) (*ModelHandle, error) {
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, modelError(path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, modelError(path, err)
	}
	if !fi.Mode().IsRegular() {
		return nil, modelError(path, errors.New("not a regular file"))
	}
	size := fi.Size()

	placement := PlacementFrameBuffer
	if l.Probe != nil {
		free, err := l.Probe.Free()
		if err != nil {
			log.Warn("unable to read the free memory, using the frame buffer", "error", err)
		} else {
			placement = ChoosePlacement(uint64(size), free)
		}
	}

	var data []byte
	switch placement {
	case PlacementFrameBuffer:
		fb := l.FrameBuffer
		if fb == nil {
			fb = NewFrameBuffer(DefaultFrameBufferSize)
		}
		data, err = fb.Load(f, size)
	default:
		data = make([]byte, size)
		_, err = io.ReadFull(f, data)
	}
	if err != nil {
		return nil, modelError(path, err)
	}

	if l.Engine == nil {
		return nil, modelError(path, errors.New("no inference engine configured"))
	}
	net, err := l.Engine.Load(data)
	if err != nil {
		return nil, modelError(path, err)
	}

	log.Info("model loaded",
		"path", path,
		"size", size,
		"placement", placement.String())

	return &ModelHandle{
		Network:   net,
		Path:      path,
		Size:      size,
		Placement: placement,
	}, nil
}

func modelError(path string, err error) error {
	return fmt.Errorf("%w %q, %s (%w)", ErrModelLoad, path, loadHint, err)
}
