package gatecam

import (
	"bytes"
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var fullFrame = image.Rect(0, 0, 240, 240)

type fakeSensor struct {
	mu    sync.Mutex
	calls int
	err   error
	hook  func(n int)
}

func (s *fakeSensor) Configure(SensorConfig) error { return nil }

func (s *fakeSensor) Snapshot(context.Context) (*Frame, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()

	if s.hook != nil {
		s.hook(n)
	}
	if s.err != nil {
		return nil, s.err
	}
	return NewFrame(image.NewNRGBA(fullFrame), Grayscale, uint64(n)), nil
}

func (s *fakeSensor) Close() error { return nil }

// fakeDetector returns the scripted region counts, one per call;
// once the script is exhausted it keeps returning the last entry.
type fakeDetector struct {
	script []int
	calls  int
	params []DetectParams
}

func (d *fakeDetector) Detect(_ *Frame, p DetectParams) ([]image.Rectangle, error) {
	n := 0
	if len(d.script) > 0 {
		n = d.script[min(d.calls, len(d.script)-1)]
	}
	d.calls++
	d.params = append(d.params, p)

	regions := make([]image.Rectangle, n)
	for i := range regions {
		regions[i] = image.Rect(10*i, 10*i, 10*i+50, 10*i+50)
	}
	return regions, nil
}

type fakeClassifier struct {
	preds []Prediction
	err   error
	calls int
	hook  func(n int)
}

func (c *fakeClassifier) Classify(*Frame, SweepParams) ([]Prediction, error) {
	c.calls++
	if c.hook != nil {
		c.hook(c.calls)
	}
	return c.preds, c.err
}

type recordingIndicator struct {
	on   bool
	sets []bool
}

func (r *recordingIndicator) Set(on bool) error {
	r.on = on
	r.sets = append(r.sets, on)
	return nil
}

type recordingSink struct {
	decisions []Decision
	err       error
}

func (s *recordingSink) Publish(_ context.Context, d Decision) error {
	s.decisions = append(s.decisions, d)
	return s.err
}

type countingMetrics struct {
	frames, classifications int
	passes                  []int
	decisions               []Decision
	fps                     []float64
}

func (m *countingMetrics) ObserveFrame()                { m.frames++ }
func (m *countingMetrics) ObserveDetection(pass, _ int) { m.passes = append(m.passes, pass) }
func (m *countingMetrics) ObserveClassification(int)    { m.classifications++ }
func (m *countingMetrics) ObserveDecision(d Decision)   { m.decisions = append(m.decisions, d) }
func (m *countingMetrics) ObserveFPS(f float64)         { m.fps = append(m.fps, f) }

type testRig struct {
	p          *Pipeline
	out        *bytes.Buffer
	sensor     *fakeSensor
	detector   *fakeDetector
	classifier *fakeClassifier
	green      *recordingIndicator
	red        *recordingIndicator
	pin        *recordingIndicator
	sleeps     []time.Duration
}

func newTestRig(mode Mode, detections []int, preds ...Prediction) *testRig {
	rig := &testRig{
		out:        new(bytes.Buffer),
		sensor:     &fakeSensor{},
		detector:   &fakeDetector{script: detections},
		classifier: &fakeClassifier{preds: preds},
		green:      &recordingIndicator{},
		red:        &recordingIndicator{},
		pin:        &recordingIndicator{},
	}
	opts := DefaultOptions()
	opts.Mode = mode

	p := NewPipeline(opts)
	p.Sensor = rig.sensor
	p.Detector = rig.detector
	p.Classifier = rig.classifier
	p.Labels = []string{"Alice", "Bob"}
	p.Actuators = Actuators{Green: rig.green, Red: rig.red, Pin: rig.pin}
	p.Out = rig.out
	p.sleep = func(ctx context.Context, d time.Duration) error {
		rig.sleeps = append(rig.sleeps, d)
		return ctx.Err()
	}
	rig.p = p
	return rig
}

func prediction(scores ...float32) Prediction {
	return Prediction{Rect: fullFrame, Scores: scores}
}

func TestPipeline_AliceBobScenario(t *testing.T) {
	rig := newTestRig(Gated, []int{1}, prediction(0.7, 0.1))

	require.NoError(t, rig.p.Tick(context.Background()))

	expected := "**********\nPredictions at [x=0,y=0,w=240,h=240]\n" +
		"Alice = 0.700000\n" +
		"Bob = 0.100000\n"
	assert.Equal(t, expected, rig.out.String())
	assert.True(t, rig.green.on)
	assert.False(t, rig.red.on)
	assert.True(t, rig.pin.on)
}

func TestPipeline_GatingStopsOnFirstEmptyPass(t *testing.T) {
	assert := assert.New(t)
	rig := newTestRig(Gated, []int{0}, prediction(0.9, 0.1))

	assert.NoError(rig.p.Tick(context.Background()))

	assert.Equal(1, rig.sensor.calls)
	assert.Equal(1, rig.detector.calls)
	assert.Equal(0, rig.classifier.calls)
	assert.Empty(rig.sleeps)
	assert.Empty(rig.out.String())
}

func TestPipeline_GatingStopsOnSecondEmptyPass(t *testing.T) {
	assert := assert.New(t)
	rig := newTestRig(Gated, []int{2, 0}, prediction(0.9, 0.1))

	assert.NoError(rig.p.Tick(context.Background()))

	assert.Equal(2, rig.sensor.calls)
	assert.Equal(2, rig.detector.calls)
	assert.Equal(0, rig.classifier.calls)
	assert.Equal([]time.Duration{5 * time.Second}, rig.sleeps)
	assert.False(rig.green.on)
	assert.False(rig.red.on)
}

func TestPipeline_GatingClassifiesAfterConfirmation(t *testing.T) {
	assert := assert.New(t)
	rig := newTestRig(Gated, []int{1, 1, 1}, prediction(0.9, 0.1))

	assert.NoError(rig.p.Tick(context.Background()))

	assert.Equal(3, rig.sensor.calls)
	assert.Equal(3, rig.detector.calls)
	assert.Equal(1, rig.classifier.calls)
	assert.Equal([]time.Duration{5 * time.Second, 5 * time.Second}, rig.sleeps)
	for _, p := range rig.detector.params {
		assert.Equal(DefaultDetectParams(), p)
	}
}

func TestPipeline_GatingResetsOutputsEveryTick(t *testing.T) {
	rig := newTestRig(Gated, []int{1, 1, 1, 0}, prediction(0.9, 0.1))
	ctx := context.Background()

	require.NoError(t, rig.p.Tick(ctx))
	require.True(t, rig.pin.on)

	require.NoError(t, rig.p.Tick(ctx))
	assert.False(t, rig.green.on)
	assert.False(t, rig.red.on)
	assert.False(t, rig.pin.on)
}

func TestPipeline_AuthorizationThreshold(t *testing.T) {
	tests := []struct {
		name  string
		score float32
		want  bool
	}{
		{"above", 0.63, true},
		{"exactly at threshold", 0.62, false},
		{"below", 0.1, false},
		{"just above", 0.6201, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newTestRig(Gated, []int{1}, prediction(tt.score, 0.99))
			require.NoError(t, rig.p.Tick(context.Background()))

			assert.Equal(t, tt.want, rig.green.on)
			assert.Equal(t, !tt.want, rig.red.on)
			assert.Equal(t, tt.want, rig.pin.on)
		})
	}
}

func TestPipeline_OnlyFirstPairDecides(t *testing.T) {
	// The second label scores higher but is never considered.
	rig := newTestRig(Gated, []int{1}, prediction(0.2, 0.95))
	require.NoError(t, rig.p.Tick(context.Background()))

	assert.False(t, rig.green.on)
	assert.True(t, rig.red.on)
}

func TestPipeline_PinStaysLatchedOnUnauthorizedResult(t *testing.T) {
	// An authorized window followed by an unauthorized one in the same
	// iteration: the LEDs follow the last decision, the pin is not released.
	rig := newTestRig(Gated, []int{1}, prediction(0.9, 0.1), prediction(0.3, 0.1))
	require.NoError(t, rig.p.Tick(context.Background()))

	assert.False(t, rig.green.on)
	assert.True(t, rig.red.on)
	assert.True(t, rig.pin.on, "the pin is expected to stay latched until the next iteration")
}

func TestPipeline_PinFollowsDecisionWithFollowPolicy(t *testing.T) {
	rig := newTestRig(Gated, []int{1}, prediction(0.9, 0.1), prediction(0.3, 0.1))
	rig.p.PinPolicy = PinFollow
	require.NoError(t, rig.p.Tick(context.Background()))

	assert.False(t, rig.green.on)
	assert.True(t, rig.red.on)
	assert.False(t, rig.pin.on)
}

func TestPipeline_PairingCoversShortestSequence(t *testing.T) {
	rig := newTestRig(Gated, []int{1}, prediction(0.9))
	rig.p.Labels = []string{"Alice", "Bob", "Carol"}
	require.NoError(t, rig.p.Tick(context.Background()))

	assert.Equal(t, "**********\nPredictions at [x=0,y=0,w=240,h=240]\nAlice = 0.900000\n", rig.out.String())
}

func TestPipeline_NoScoresNoDecision(t *testing.T) {
	sink := &recordingSink{}
	rig := newTestRig(Gated, []int{1}, prediction())
	rig.p.Sinks = []DecisionSink{sink}
	require.NoError(t, rig.p.Tick(context.Background()))

	assert.Empty(t, sink.decisions)
	assert.False(t, rig.green.on)
	assert.False(t, rig.red.on)
}

func TestPipeline_DirectModeNeverTouchesOutputs(t *testing.T) {
	assert := assert.New(t)
	rig := newTestRig(Direct, []int{1}, prediction(0.9, 0.1))
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, rig.p.Tick(ctx))
		assert.Equal(i, rig.classifier.calls)
		assert.Equal(i, rig.sensor.calls)
	}
	assert.Zero(rig.detector.calls)
	assert.Empty(rig.green.sets)
	assert.Empty(rig.red.sets)
	assert.Empty(rig.pin.sets)
	assert.Empty(rig.sleeps)
}

func TestPipeline_DirectModePrintsFrameRate(t *testing.T) {
	rig := newTestRig(Direct, nil, prediction(0.5, 0.25))
	require.NoError(t, rig.p.Tick(context.Background()))

	out := rig.out.String()
	assert.Contains(t, out, "Predictions at [x=0,y=0,w=240,h=240]\nAlice = 0.500000\nBob = 0.250000\n")
	assert.Regexp(t, `\n[0-9.e+]+ fps\n$`, out)
}

func TestPipeline_CaptureErrorIsReturned(t *testing.T) {
	errSensor := errors.New("sensor timeout")

	for _, mode := range []Mode{Gated, Direct} {
		t.Run(string(mode), func(t *testing.T) {
			rig := newTestRig(mode, []int{1}, prediction(0.9))
			rig.sensor.err = errSensor

			err := rig.p.Tick(context.Background())
			assert.ErrorIs(t, err, errSensor)
			assert.Zero(t, rig.classifier.calls)
		})
	}
}

func TestPipeline_ClassifierErrorIsReturned(t *testing.T) {
	errInvoke := errors.New("invoke failed")
	rig := newTestRig(Direct, nil)
	rig.classifier.err = errInvoke

	assert.ErrorIs(t, rig.p.Tick(context.Background()), errInvoke)
}

func TestPipeline_IndicatorErrorIsFatal(t *testing.T) {
	errGPIO := errors.New("gpio write failed")
	rig := newTestRig(Gated, []int{1}, prediction(0.9))
	rig.p.Actuators.Pin = IndicatorFunc(func(bool) error { return errGPIO })

	assert.ErrorIs(t, rig.p.Tick(context.Background()), errGPIO)
}

func TestPipeline_SinkErrorsAreNotFatal(t *testing.T) {
	failing := &recordingSink{err: errors.New("broker unavailable")}
	ok := &recordingSink{}
	rig := newTestRig(Gated, []int{1}, prediction(0.8, 0.1))
	rig.p.Sinks = []DecisionSink{failing, ok}

	require.NoError(t, rig.p.Tick(context.Background()))
	require.Len(t, ok.decisions, 1)

	d := ok.decisions[0]
	assert.Equal(t, "Alice", d.Label)
	assert.Equal(t, float32(0.8), d.Score)
	assert.True(t, d.Authorized)
	assert.Equal(t, fullFrame, d.Rect)
	assert.Len(t, failing.decisions, 1)
}

func TestPipeline_Metrics(t *testing.T) {
	m := &countingMetrics{}
	rig := newTestRig(Gated, []int{1}, prediction(0.3, 0.1))
	rig.p.Metrics = m

	require.NoError(t, rig.p.Tick(context.Background()))

	assert.Equal(t, 3, m.frames)
	assert.Equal(t, []int{1, 2, 3}, m.passes)
	assert.Equal(t, 1, m.classifications)
	require.Len(t, m.decisions, 1)
	assert.False(t, m.decisions[0].Authorized)
	assert.Len(t, m.fps, 1)
}

func TestPipeline_SavesAnnotatedSnapshots(t *testing.T) {
	dir := t.TempDir()
	annotator, err := NewAnnotator("multiply")
	require.NoError(t, err)

	rig := newTestRig(Gated, []int{1}, prediction(0.9, 0.1))
	rig.p.Annotator = annotator
	rig.p.Snapshots = &SnapshotWriter{Dir: dir, Format: "png"}

	require.NoError(t, rig.p.Tick(context.Background()))

	_, err = os.Stat(filepath.Join(dir, "frame_000003.png"))
	assert.NoError(t, err)
}

func TestPipeline_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rig := newTestRig(Direct, nil, prediction(0.5, 0.5))
	rig.classifier.hook = func(n int) {
		if n == 3 {
			cancel()
		}
	}

	assert.NoError(t, rig.p.Run(ctx))
	assert.Equal(t, 3, rig.classifier.calls)
}

func TestPipeline_RunStopsDuringSleep(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	rig := newTestRig(Gated, []int{1}, prediction(0.9, 0.1))
	rig.p.sleep = nil
	rig.p.ConfirmDelay = time.Hour

	assert.NoError(t, rig.p.Run(ctx))
	assert.Zero(t, rig.classifier.calls)
}

func TestPipeline_RunReturnsRuntimeError(t *testing.T) {
	errSensor := errors.New("sensor unplugged")
	rig := newTestRig(Direct, nil, prediction(0.5))
	rig.sensor.err = errSensor

	assert.ErrorIs(t, rig.p.Run(context.Background()), errSensor)
}

func TestPipeline_Validate(t *testing.T) {
	assert := assert.New(t)

	rig := newTestRig(Gated, nil)
	assert.NoError(rig.p.Validate())

	rig.p.Detector = nil
	assert.Error(rig.p.Validate())

	rig.p.Mode = Direct
	assert.NoError(rig.p.Validate())

	rig.p.Labels = nil
	assert.Error(rig.p.Validate())

	rig = newTestRig("burst", nil)
	assert.Error(rig.p.Validate())

	rig = newTestRig(Gated, nil)
	rig.p.PinPolicy = "toggle"
	assert.Error(rig.p.Validate())
}

func TestPipeline_ConfigureSensorWaitsWarmUp(t *testing.T) {
	rig := newTestRig(Gated, nil)
	require.NoError(t, rig.p.ConfigureSensor(context.Background()))
	assert.Equal(t, []time.Duration{2 * time.Second}, rig.sleeps)

	rig.p.SensorConfig.Contrast = 9
	assert.Error(t, rig.p.ConfigureSensor(context.Background()))
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("DIRECT")
	assert.NoError(t, err)
	assert.Equal(t, Direct, m)

	_, err = ParseMode("")
	assert.Error(t, err)
}
