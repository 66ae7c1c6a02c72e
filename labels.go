package gatecam

import (
	"bufio"
	"errors"
	"fmt"
	"os"
)

// LoadLabels reads the label file, one label per line. The order of the
// labels must match the order of the scores produced by the model.
func LoadLabels(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, labelError(path, err)
	}
	defer f.Close()

	var labels []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		labels = append(labels, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, labelError(path, err)
	}
	if len(labels) == 0 {
		return nil, labelError(path, errors.New("the file contains no labels"))
	}
	return labels, nil
}

func labelError(path string, err error) error {
	return fmt.Errorf("%w %q, %s (%w)", ErrLabelLoad, path, loadHint, err)
}

// Assets groups the model and the labels loaded at startup.
type Assets struct {
	Model  *ModelHandle
	Labels []string
}

// LoadAssets loads the model then the labels. Either failure is fatal
// to the caller; the model is released when the labels cannot be read.
func LoadAssets(loader *ModelLoader, modelPath, labelsPath string) (*Assets, error) {
	model, err := loader.Load(modelPath)
	if err != nil {
		return nil, err
	}
	labels, err := LoadLabels(labelsPath)
	if err != nil {
		model.Close()
		return nil, err
	}
	return &Assets{Model: model, Labels: labels}, nil
}

// Close releases the model.
func (a *Assets) Close() error {
	if a == nil || a.Model == nil {
		return nil
	}
	return a.Model.Close()
}
