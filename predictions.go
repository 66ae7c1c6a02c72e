package gatecam

import (
	"fmt"
	"image"
	"io"
	"time"
)

// DefaultAuthThreshold is the confidence the first label must exceed.
const DefaultAuthThreshold = 0.62

// LabelScore is a label paired with its confidence.
type LabelScore struct {
	Label string
	Score float32
}

// PairLabels combines the labels and the scores positionally. The result
// holds min(len(labels), len(scores)) pairs.
func PairLabels(labels []string, scores []float32) []LabelScore {
	n := min(len(labels), len(scores))
	pairs := make([]LabelScore, n)
	for i := 0; i < n; i++ {
		pairs[i] = LabelScore{Label: labels[i], Score: scores[i]}
	}
	return pairs
}

// Decision is the outcome of the authorization rule for one prediction.
type Decision struct {
	Label      string
	Score      float32
	Authorized bool
	Rect       image.Rectangle
	Time       time.Time
}

// Authorize applies the authorization rule: only the first pair counts,
// and it is authorized when its score is strictly above the threshold.
// The comparison runs at the precision of the model output.
// It returns false when there is nothing to decide on.
func Authorize(pairs []LabelScore, threshold float64) (Decision, bool) {
	if len(pairs) == 0 {
		return Decision{}, false
	}
	first := pairs[0]
	return Decision{
		Label:      first.Label,
		Score:      first.Score,
		Authorized: first.Score > float32(threshold),
	}, true
}

// writePrediction prints the prediction header and its pairs.
func writePrediction(w io.Writer, rect image.Rectangle, pairs []LabelScore) error {
	if _, err := fmt.Fprintf(w, "**********\nPredictions at [x=%d,y=%d,w=%d,h=%d]\n",
		rect.Min.X, rect.Min.Y, rect.Dx(), rect.Dy()); err != nil {
		return err
	}
	for _, p := range pairs {
		if _, err := fmt.Fprintf(w, "%s = %f\n", p.Label, p.Score); err != nil {
			return err
		}
	}
	return nil
}
