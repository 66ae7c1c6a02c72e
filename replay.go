package gatecam

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/esimov/gatecam/utils"
)

// ReplaySensor feeds the pipeline with still images instead of a camera.
// The source is either a single image, a directory walked recursively
// (the images are replayed in lexical order, forever) or the URL of a
// camera snapshot endpoint, fetched on every capture.
type ReplaySensor struct {
	Source string
	Client *http.Client

	mu    sync.Mutex
	cfg   SensorConfig
	paths []string
	next  int
	seq   uint64
	ready bool
}

var _ Sensor = (*ReplaySensor)(nil)

// NewReplaySensor returns a sensor reading its frames from src.
func NewReplaySensor(src string) *ReplaySensor {
	return &ReplaySensor{
		Source: src,
		Client: http.DefaultClient,
	}
}

// Configure stores the sensor settings and indexes the image files.
func (r *ReplaySensor) Configure(cfg SensorConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := cfg.Validate(); err != nil {
		return err
	}
	r.cfg = cfg

	if utils.IsValidUrl(r.Source) {
		r.ready = true
		return nil
	}

	paths, err := walkDir(r.Source)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no supported image found in %s", r.Source)
	}
	r.paths = paths
	r.next = 0
	r.ready = true

	return nil
}

// Snapshot returns the next frame.
func (r *ReplaySensor) Snapshot(ctx context.Context) (*Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.ready {
		return nil, errors.New("sensor is not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		data []byte
		err  error
	)
	if len(r.paths) == 0 {
		data, err = utils.Download(ctx, r.Client, r.Source)
	} else {
		path := r.paths[r.next]
		r.next = (r.next + 1) % len(r.paths)
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to read the source image: %w", err)
	}

	src, err := decodeImg(data)
	if err != nil {
		return nil, err
	}
	r.seq++

	return Develop(src, r.cfg, r.seq)
}

// Close releases the image index.
func (r *ReplaySensor) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.paths = nil
	r.ready = false
	return nil
}

// walkDir walks the source tree and collects the supported image files.
func walkDir(src string) ([]string, error) {
	var paths []string

	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if isValidExtension(d.Name()) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("unable to read the image source: %w", err)
	}
	sort.Strings(paths)

	return paths, nil
}
