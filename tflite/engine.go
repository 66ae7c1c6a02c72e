// Package tflite runs the classifier model with the TensorFlow Lite C API.
package tflite

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/esimov/gatecam"
	tflite "github.com/tphakala/go-tflite"
	"github.com/tphakala/go-tflite/delegates/xnnpack"
)

// Engine builds TensorFlow Lite interpreters out of model files.
type Engine struct {
	Threads int
	XNNPack bool
	Logger  *slog.Logger
}

var _ gatecam.Engine = (*Engine)(nil)

// Network is an allocated interpreter ready to classify images.
type Network struct {
	mu      sync.Mutex
	data    []byte
	model   *tflite.Model
	options *tflite.InterpreterOptions
	interp  *tflite.Interpreter

	width, height, channels int
}

var _ gatecam.Network = (*Network)(nil)

// Load implements gatecam.Engine. The model bytes must stay valid
// while the network is alive, the network keeps a reference to them.
func (e *Engine) Load(data []byte) (gatecam.Network, error) {
	log := e.Logger
	if log == nil {
		log = slog.Default()
	}
	threads := max(1, e.Threads)

	model := tflite.NewModel(data)
	if model == nil {
		return nil, errors.New("cannot load TensorFlow Lite model")
	}

	options := tflite.NewInterpreterOptions()
	if e.XNNPack {
		delegate := xnnpack.New(xnnpack.DelegateOptions{NumThreads: int32(max(1, threads-1))})
		if delegate == nil {
			log.Warn("failed to create XNNPACK delegate, falling back to default CPU")
			options.SetNumThread(threads)
		} else {
			options.AddDelegate(delegate)
			options.SetNumThread(1)
		}
	} else {
		options.SetNumThread(threads)
	}
	options.SetErrorReporter(func(msg string, _ any) {
		log.Error("tflite error", "message", msg)
	}, nil)

	interp := tflite.NewInterpreter(model, options)
	if interp == nil {
		options.Delete()
		model.Delete()
		return nil, errors.New("cannot create interpreter")
	}
	net := &Network{data: data, model: model, options: options, interp: interp}

	if status := interp.AllocateTensors(); status != tflite.OK {
		net.Close()
		return nil, errors.New("tensor allocation failed")
	}

	input := interp.GetInputTensor(0)
	if input == nil || input.NumDims() != 4 {
		net.Close()
		return nil, errors.New("the model input must be a [1, height, width, channels] tensor")
	}
	net.height, net.width, net.channels = input.Dim(1), input.Dim(2), input.Dim(3)
	if net.channels != 1 && net.channels != 3 {
		net.Close()
		return nil, fmt.Errorf("unsupported number of input channels: %d", net.channels)
	}
	log.Debug("interpreter ready",
		"input", fmt.Sprintf("%dx%dx%d", net.width, net.height, net.channels),
		"type", fmt.Sprint(input.Type()),
		"threads", threads,
		"xnnpack", e.XNNPack)

	return net, nil
}

// Predict resizes the image to the model input and returns the scores.
func (n *Network) Predict(img image.Image) ([]float32, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.interp == nil {
		return nil, errors.New("the network is closed")
	}
	src := imaging.Resize(img, n.width, n.height, imaging.Linear)

	input := n.interp.GetInputTensor(0)
	switch input.Type() {
	case tflite.Float32:
		fillFloat32(input.Float32s(), src, n.channels)
	case tflite.UInt8:
		fillUint8(input.UInt8s(), src, n.channels)
	default:
		return nil, fmt.Errorf("unsupported input tensor type: %v", input.Type())
	}

	if status := n.interp.Invoke(); status != tflite.OK {
		return nil, fmt.Errorf("invoke failed with status %d", status)
	}

	output := n.interp.GetOutputTensor(0)
	if output == nil {
		return nil, errors.New("the model has no output tensor")
	}
	switch output.Type() {
	case tflite.Float32:
		scores := make([]float32, len(output.Float32s()))
		copy(scores, output.Float32s())
		return scores, nil
	case tflite.UInt8:
		q := output.QuantizationParams()
		raw := output.UInt8s()
		scores := make([]float32, len(raw))
		for i, v := range raw {
			scores[i] = float32(q.Scale * float64(int(v)-q.ZeroPoint))
		}
		return scores, nil
	}
	return nil, fmt.Errorf("unsupported output tensor type: %v", output.Type())
}

// Close releases the interpreter and the model.
func (n *Network) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.interp != nil {
		n.interp.Delete()
		n.interp = nil
	}
	if n.options != nil {
		n.options.Delete()
		n.options = nil
	}
	if n.model != nil {
		n.model.Delete()
		n.model = nil
	}
	n.data = nil
	return nil
}

func fillFloat32(dst []float32, img *image.NRGBA, channels int) {
	i := 0
	for p := 0; p+3 < len(img.Pix) && i < len(dst); p += 4 {
		r, g, b := img.Pix[p], img.Pix[p+1], img.Pix[p+2]
		if channels == 1 {
			dst[i] = luma(r, g, b) / 255
			i++
			continue
		}
		dst[i] = float32(r) / 255
		dst[i+1] = float32(g) / 255
		dst[i+2] = float32(b) / 255
		i += 3
	}
}

func fillUint8(dst []uint8, img *image.NRGBA, channels int) {
	i := 0
	for p := 0; p+3 < len(img.Pix) && i < len(dst); p += 4 {
		r, g, b := img.Pix[p], img.Pix[p+1], img.Pix[p+2]
		if channels == 1 {
			dst[i] = uint8(luma(r, g, b))
			i++
			continue
		}
		dst[i], dst[i+1], dst[i+2] = r, g, b
		i += 3
	}
}

func luma(r, g, b uint8) float32 {
	return 0.299*float32(r) + 0.587*float32(g) + 0.114*float32(b)
}
