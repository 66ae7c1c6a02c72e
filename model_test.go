package gatecam

import (
	"bytes"
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubNetwork struct {
	model  []byte
	scores []float32
	inputs []image.Rectangle
	closed bool
}

func (n *stubNetwork) Predict(img image.Image) ([]float32, error) {
	n.inputs = append(n.inputs, img.Bounds())
	return n.scores, nil
}

func (n *stubNetwork) Close() error {
	n.closed = true
	return nil
}

func stubEngine(net *stubNetwork) Engine {
	return EngineFunc(func(model []byte) (Network, error) {
		net.model = model
		return net, nil
	})
}

func freeMemory(n uint64) MemoryProbe {
	return MemoryProbeFunc(func() (uint64, error) { return n, nil })
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestModel_ChoosePlacement(t *testing.T) {
	tests := []struct {
		size, free uint64
		want       Placement
	}{
		{size: 100 * 1024, free: 1 << 20, want: PlacementHeap},
		{size: 1<<20 - HeapReserve, free: 1 << 20, want: PlacementHeap},
		{size: 1<<20 - HeapReserve + 1, free: 1 << 20, want: PlacementFrameBuffer},
		{size: 10, free: HeapReserve - 1, want: PlacementFrameBuffer},
		{size: 0, free: HeapReserve, want: PlacementHeap},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ChoosePlacement(tt.size, tt.free), "size=%d free=%d", tt.size, tt.free)
	}
	assert.Equal(t, "heap", PlacementHeap.String())
	assert.Equal(t, "frame-buffer", PlacementFrameBuffer.String())
}

func TestModel_LoadOnHeap(t *testing.T) {
	data := bytes.Repeat([]byte{0x1c}, 2048)
	path := writeFile(t, t.TempDir(), "trained.tflite", data)
	net := &stubNetwork{}

	loader := &ModelLoader{Engine: stubEngine(net), Probe: freeMemory(1 << 30)}
	m, err := loader.Load(path)
	require.NoError(t, err)

	assert.Equal(t, PlacementHeap, m.Placement)
	assert.Equal(t, int64(len(data)), m.Size)
	assert.Equal(t, data, net.model)

	require.NoError(t, m.Close())
	assert.True(t, net.closed)
}

func TestModel_LoadIntoFrameBuffer(t *testing.T) {
	data := bytes.Repeat([]byte{0xaa}, 100*1024)
	path := writeFile(t, t.TempDir(), "trained.tflite", data)
	net := &stubNetwork{}

	loader := &ModelLoader{
		Engine:      stubEngine(net),
		Probe:       freeMemory(128 * 1024),
		FrameBuffer: NewFrameBuffer(256 * 1024),
	}
	m, err := loader.Load(path)
	require.NoError(t, err)

	assert.Equal(t, PlacementFrameBuffer, m.Placement)
	assert.Equal(t, data, net.model)
	assert.Equal(t, 256*1024, loader.FrameBuffer.Cap())
}

func TestModel_FrameBufferTooSmall(t *testing.T) {
	path := writeFile(t, t.TempDir(), "trained.tflite", make([]byte, 4096))

	loader := &ModelLoader{
		Engine:      stubEngine(&stubNetwork{}),
		Probe:       freeMemory(0),
		FrameBuffer: NewFrameBuffer(1024),
	}
	_, err := loader.Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModelLoad)
	assert.Contains(t, err.Error(), "too large")
}

func TestModel_ProbeFailureFallsBackToFrameBuffer(t *testing.T) {
	path := writeFile(t, t.TempDir(), "trained.tflite", make([]byte, 16))

	loader := &ModelLoader{
		Engine: stubEngine(&stubNetwork{}),
		Probe: MemoryProbeFunc(func() (uint64, error) {
			return 0, errors.New("no meminfo")
		}),
	}
	m, err := loader.Load(path)
	require.NoError(t, err)
	assert.Equal(t, PlacementFrameBuffer, m.Placement)
}

func TestModel_MissingFileNamesTheModel(t *testing.T) {
	loader := &ModelLoader{Engine: stubEngine(&stubNetwork{}), Probe: freeMemory(1 << 30)}

	_, err := loader.Load(filepath.Join(t.TempDir(), "trained.tflite"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModelLoad)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Contains(t, err.Error(), `trained.tflite"`)
	assert.Contains(t, err.Error(), "did you copy the .tflite and labels.txt file onto the mass-storage device?")
}

func TestModel_EngineErrorIsWrapped(t *testing.T) {
	path := writeFile(t, t.TempDir(), "trained.tflite", []byte("garbage"))
	errBadModel := errors.New("model schema mismatch")

	loader := &ModelLoader{
		Engine: EngineFunc(func([]byte) (Network, error) { return nil, errBadModel }),
		Probe:  freeMemory(1 << 30),
	}
	_, err := loader.Load(path)
	assert.ErrorIs(t, err, ErrModelLoad)
	assert.ErrorIs(t, err, errBadModel)
}

func TestModel_DirectoryIsRejected(t *testing.T) {
	loader := &ModelLoader{Engine: stubEngine(&stubNetwork{}), Probe: freeMemory(1 << 30)}

	_, err := loader.Load(t.TempDir())
	assert.ErrorIs(t, err, ErrModelLoad)
}

func TestModel_ClassifyRunsTheSweep(t *testing.T) {
	net := &stubNetwork{scores: []float32{0.7, 0.1}}
	m := &ModelHandle{Network: net}
	f := NewFrame(image.NewNRGBA(image.Rect(0, 0, 240, 240)), Grayscale, 1)

	preds, err := m.Classify(f, DefaultSweepParams())
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.Equal(t, image.Rect(0, 0, 240, 240), preds[0].Rect)
	assert.Equal(t, []float32{0.7, 0.1}, preds[0].Scores)
	assert.Equal(t, []image.Rectangle{image.Rect(0, 0, 240, 240)}, net.inputs)
}

func TestModel_SystemMemory(t *testing.T) {
	free, err := SystemMemory{}.Free()
	if err != nil {
		t.Skipf("memory statistics unavailable: %v", err)
	}
	assert.NotZero(t, free)
}
