package gatecam

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/esimov/gatecam/utils"
)

// Mode selects the capture loop variant.
type Mode string

const (
	// Gated classifies only after a face has been detected on two
	// captures, five seconds apart, and drives the LEDs and the pin.
	Gated Mode = "gated"
	// Direct classifies every frame and prints the frame rate.
	Direct Mode = "direct"
)

// ParseMode converts a configuration value to a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(s)); m {
	case Gated, Direct:
		return m, nil
	}
	return "", fmt.Errorf("unsupported mode: %q", s)
}

// Options holds the capture loop parameters.
type Options struct {
	Mode          Mode
	Detect        DetectParams
	Sweep         SweepParams
	AuthThreshold float64
	ConfirmDelay  time.Duration
	Cooldown      time.Duration
	PinPolicy     PinPolicy
}

// DefaultOptions returns the gated loop parameters.
func DefaultOptions() Options {
	return Options{
		Mode:          Gated,
		Detect:        DefaultDetectParams(),
		Sweep:         DefaultSweepParams(),
		AuthThreshold: DefaultAuthThreshold,
		ConfirmDelay:  5 * time.Second,
		Cooldown:      5 * time.Second,
		PinPolicy:     PinLatch,
	}
}

// Validate reports the first invalid option.
func (o Options) Validate() error {
	if _, err := ParseMode(string(o.Mode)); err != nil {
		return err
	}
	if _, err := ParsePinPolicy(string(o.PinPolicy)); err != nil {
		return err
	}
	if err := o.Sweep.Validate(); err != nil {
		return err
	}
	if o.Mode == Gated {
		if err := o.Detect.Validate(); err != nil {
			return err
		}
	}
	if o.AuthThreshold < 0 || o.AuthThreshold > 1 {
		return fmt.Errorf("authorization threshold must be between 0 and 1, got %v", o.AuthThreshold)
	}
	if o.ConfirmDelay < 0 || o.Cooldown < 0 {
		return errors.New("delays cannot be negative")
	}
	return nil
}

// Pipeline owns the sensor, the detector, the model and the outputs,
// and runs the capture loop over them.
type Pipeline struct {
	Options

	SensorConfig SensorConfig
	Sensor       Sensor
	Detector     Detector
	Classifier   Classifier
	Labels       []string
	Actuators    Actuators
	Sinks        []DecisionSink
	Metrics      Metrics

	// Annotator and Snapshots are optional; frames are annotated
	// and saved only when both are set.
	Annotator *Annotator
	Snapshots *SnapshotWriter

	// Out receives the predictions and the frame rate.
	Out     io.Writer
	Logger  *slog.Logger
	Spinner *utils.Spinner

	sleep func(ctx context.Context, d time.Duration) error
	clock *utils.Clock
}

// NewPipeline returns a pipeline printing to stdout.
func NewPipeline(opts Options) *Pipeline {
	return &Pipeline{
		Options:      opts,
		SensorConfig: DefaultSensorConfig(),
		Actuators: Actuators{
			Green: NopIndicator{},
			Red:   NopIndicator{},
			Pin:   NopIndicator{},
		},
		Metrics: nopMetrics{},
		Out:     os.Stdout,
		sleep:   utils.Sleep,
		clock:   utils.NewClock(),
	}
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

func (p *Pipeline) sleeper() func(ctx context.Context, d time.Duration) error {
	if p.sleep == nil {
		return utils.Sleep
	}
	return p.sleep
}

func (p *Pipeline) metrics() Metrics {
	if p.Metrics == nil {
		return nopMetrics{}
	}
	return p.Metrics
}

func (p *Pipeline) out() io.Writer {
	if p.Out == nil {
		return os.Stdout
	}
	return p.Out
}

func (p *Pipeline) ticker() *utils.Clock {
	if p.clock == nil {
		p.clock = utils.NewClock()
	}
	return p.clock
}

// Validate checks that the pipeline is ready to run.
func (p *Pipeline) Validate() error {
	if err := p.Options.Validate(); err != nil {
		return err
	}
	if p.Sensor == nil {
		return errors.New("no sensor configured")
	}
	if p.Classifier == nil {
		return errors.New("no classifier configured")
	}
	if p.Mode == Gated && p.Detector == nil {
		return errors.New("gated mode requires a detector")
	}
	if len(p.Labels) == 0 {
		return errors.New("no labels loaded")
	}
	return nil
}

// Run executes the capture loop until the context is cancelled.
// It returns nil on cancellation and the first runtime error otherwise.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.Validate(); err != nil {
		return err
	}
	log := p.logger()
	log.Info("capture loop started", "mode", string(p.Mode))

	for {
		if ctx.Err() != nil {
			log.Info("capture loop stopped")
			return nil
		}
		if err := p.Tick(ctx); err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				log.Info("capture loop stopped")
				return nil
			}
			return err
		}
	}
}

// Tick runs one iteration of the capture loop.
func (p *Pipeline) Tick(ctx context.Context) error {
	if p.Mode == Direct {
		return p.directTick(ctx)
	}
	return p.gatedTick(ctx)
}

// gatedTick confirms the presence of a face twice before classifying.
func (p *Pipeline) gatedTick(ctx context.Context) error {
	clock := p.ticker()
	clock.Tick()

	if err := p.Actuators.Reset(); err != nil {
		return fmt.Errorf("unable to reset the indicators: %w", err)
	}

	if _, regions, err := p.detectPass(ctx, 1); err != nil || len(regions) == 0 {
		return err
	}
	if err := p.sleeper()(ctx, p.ConfirmDelay); err != nil {
		return err
	}
	if _, regions, err := p.detectPass(ctx, 2); err != nil || len(regions) == 0 {
		return err
	}

	frame, regions, err := p.detectPass(ctx, 3)
	if err != nil {
		return err
	}
	preds, err := p.classify(frame)
	if err != nil {
		return err
	}
	if p.annotating() {
		p.Annotator.Regions(frame, regions)
	}

	for _, pred := range preds {
		pairs, err := p.printPrediction(frame, pred)
		if err != nil {
			return err
		}
		d, ok := Authorize(pairs, p.AuthThreshold)
		if !ok {
			continue
		}
		d.Rect = pred.Rect
		d.Time = frame.Time

		if err := p.Actuators.Apply(d, p.PinPolicy); err != nil {
			return fmt.Errorf("unable to drive the indicators: %w", err)
		}
		p.report(ctx, d)
		if p.annotating() {
			p.Annotator.Decision(frame, d)
		}
	}
	p.saveFrame(frame)

	fps := clock.FPS()
	p.metrics().ObserveFPS(fps)
	p.logger().Debug("classification done", "frame", frame.Seq, "fps", fps)

	return p.sleeper()(ctx, p.Cooldown)
}

// directTick classifies every captured frame, without gating nor actuation.
func (p *Pipeline) directTick(ctx context.Context) error {
	clock := p.ticker()
	clock.Tick()

	frame, err := p.capture(ctx)
	if err != nil {
		return err
	}
	preds, err := p.classify(frame)
	if err != nil {
		return err
	}
	for _, pred := range preds {
		if _, err := p.printPrediction(frame, pred); err != nil {
			return err
		}
	}
	p.saveFrame(frame)

	fps := clock.FPS()
	p.metrics().ObserveFPS(fps)
	_, err = fmt.Fprintln(p.out(), fps, "fps")
	return err
}

func (p *Pipeline) capture(ctx context.Context) (*Frame, error) {
	frame, err := p.Sensor.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture failed: %w", err)
	}
	p.metrics().ObserveFrame()
	return frame, nil
}

// detectPass captures a new frame and runs the detector over it.
func (p *Pipeline) detectPass(ctx context.Context, pass int) (*Frame, []image.Rectangle, error) {
	frame, err := p.capture(ctx)
	if err != nil {
		return nil, nil, err
	}
	regions, err := p.Detector.Detect(frame, p.Detect)
	if err != nil {
		return nil, nil, fmt.Errorf("detection failed: %w", err)
	}
	p.metrics().ObserveDetection(pass, len(regions))
	p.logger().Debug("detection pass", "pass", pass, "frame", frame.Seq, "regions", len(regions))

	return frame, regions, nil
}

func (p *Pipeline) classify(frame *Frame) ([]Prediction, error) {
	preds, err := p.Classifier.Classify(frame, p.Sweep)
	if err != nil {
		return nil, fmt.Errorf("classification failed: %w", err)
	}
	p.metrics().ObserveClassification(len(preds))
	return preds, nil
}

// printPrediction writes the prediction and outlines its window.
func (p *Pipeline) printPrediction(frame *Frame, pred Prediction) ([]LabelScore, error) {
	pairs := PairLabels(p.Labels, pred.Scores)
	if err := writePrediction(p.out(), pred.Rect, pairs); err != nil {
		return nil, err
	}
	if p.annotating() {
		p.Annotator.Prediction(frame, pred.Rect)
	}
	return pairs, nil
}

// report hands the decision over to the metrics and the sinks.
// A failing sink is logged and does not stop the loop.
func (p *Pipeline) report(ctx context.Context, d Decision) {
	p.metrics().ObserveDecision(d)
	p.logger().Info("decision",
		"label", d.Label,
		"score", d.Score,
		"authorized", d.Authorized)

	for _, sink := range p.Sinks {
		if err := sink.Publish(ctx, d); err != nil {
			p.logger().Warn("unable to publish the decision", "error", err)
		}
	}
}

func (p *Pipeline) annotating() bool {
	return p.Annotator != nil && p.Snapshots != nil
}

func (p *Pipeline) saveFrame(frame *Frame) {
	if !p.annotating() {
		return
	}
	path, err := p.Snapshots.Save(frame)
	if err != nil {
		p.logger().Warn("unable to save the snapshot", "error", err)
		return
	}
	p.logger().Debug("snapshot saved", "path", path)
}
