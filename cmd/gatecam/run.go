package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"time"

	"github.com/esimov/gatecam"
	"github.com/esimov/gatecam/camera"
	"github.com/esimov/gatecam/config"
	"github.com/esimov/gatecam/gpio"
	"github.com/esimov/gatecam/imop"
	"github.com/esimov/gatecam/logger"
	"github.com/esimov/gatecam/metrics"
	"github.com/esimov/gatecam/mqtt"
	"github.com/esimov/gatecam/tflite"
	"github.com/esimov/gatecam/utils"
)

// closers releases the resources in reverse order of acquisition.
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) close() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		errs = append(errs, c[i]())
	}
	return errors.Join(errs...)
}

func run(ctx context.Context, s *config.Settings) (err error) {
	level, _ := logger.ParseLevel(s.Log.Level)
	if s.Debug {
		level = slog.LevelDebug
	}
	format, _ := logger.ParseFormat(s.Log.Format)
	log := logger.New(os.Stderr, level, format)
	slog.SetDefault(log)

	opts, err := s.Options()
	if err != nil {
		return err
	}
	sensorCfg, err := s.SensorConfig()
	if err != nil {
		return err
	}

	var res closers
	defer func() {
		if cerr := res.close(); cerr != nil {
			log.Warn("error releasing resources", "error", cerr)
		}
	}()

	loader := &gatecam.ModelLoader{
		Engine: &tflite.Engine{
			Threads: s.Model.Threads,
			XNNPack: s.Model.XNNPack,
			Logger:  logger.Module(log, "tflite"),
		},
		Probe:       gatecam.SystemMemory{},
		FrameBuffer: gatecam.NewFrameBuffer(s.Model.FrameBufferSize),
		Logger:      logger.Module(log, "model"),
	}
	assets, err := gatecam.LoadAssets(loader, s.Model.Path, s.Model.Labels)
	if err != nil {
		return err
	}
	res.add(assets.Close)

	p := gatecam.NewPipeline(opts)
	p.SensorConfig = sensorCfg
	p.Classifier = assets.Model
	p.Labels = assets.Labels
	p.Logger = logger.Module(log, "pipeline")

	if opts.Mode == gatecam.Gated {
		det, closeDet, err := newDetector(s)
		if err != nil {
			return err
		}
		res.add(closeDet)
		p.Detector = det
	}

	switch s.Sensor.Driver {
	case "camera":
		p.Sensor = camera.NewSensor(s.Sensor.Device)
	default:
		p.Sensor = gatecam.NewReplaySensor(s.Sensor.Source)
	}
	res.add(p.Sensor.Close)

	if opts.Mode == gatecam.Gated {
		act, release, err := newActuators(s, log)
		if err != nil {
			return err
		}
		res.add(release)
		p.Actuators = act
	}

	if s.MQTT.Enabled {
		pub, err := mqtt.NewPublisher(mqtt.Config{
			Broker:   s.MQTT.Broker,
			Topic:    s.MQTT.Topic,
			ClientID: s.MQTT.ClientID,
			Username: s.MQTT.Username,
			Password: s.MQTT.Password,
			QoS:      s.MQTT.QoS,
			Retain:   s.MQTT.Retain,
			Timeout:  s.MQTT.Timeout,
		}, logger.Module(log, "mqtt"))
		if err != nil {
			return err
		}
		if err := pub.Connect(ctx); err != nil {
			// The client keeps reconnecting in the background.
			log.Warn("mqtt broker unreachable", "broker", s.MQTT.Broker, "error", err)
		}
		res.add(func() error { pub.Close(); return nil })
		p.Sinks = append(p.Sinks, pub)
	}

	if s.Metrics.Enabled {
		col, err := metrics.NewCollector()
		if err != nil {
			return err
		}
		p.Metrics = col

		mctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := col.Serve(mctx, s.Metrics.Listen, logger.Module(log, "metrics")); err != nil {
				log.Error("metrics endpoint stopped", "error", err)
			}
		}()
		res.add(func() error { cancel(); <-done; return nil })
	}

	if s.Snapshots.Dir != "" {
		ann, err := gatecam.NewAnnotator(imop.Mode(s.Snapshots.Blend))
		if err != nil {
			return err
		}
		p.Annotator = ann
		p.Snapshots = &gatecam.SnapshotWriter{Dir: s.Snapshots.Dir, Format: s.Snapshots.Format}
	}

	if utils.IsTerminal(os.Stderr) {
		p.Spinner = utils.NewSpinner(fmt.Sprintf("%s %s",
			utils.DecorateText("⚡ GATECAM", utils.StatusMessage),
			utils.DecorateText("is warming up the sensor...", utils.DefaultMessage)), 200*time.Millisecond)
		res.add(func() error { p.Spinner.RestoreCursor(); return nil })
	}

	if err := p.ConfigureSensor(ctx); err != nil {
		return err
	}
	log.Info("gatecam started",
		"mode", opts.Mode,
		"driver", s.Sensor.Driver,
		"labels", len(p.Labels))

	start := time.Now()
	defer func() {
		log.Info("gatecam shutting down", "uptime", utils.FormatTime(time.Since(start)))
	}()
	return p.Run(ctx)
}

func newDetector(s *config.Settings) (gatecam.Detector, func() error, error) {
	switch s.Detector.Kind {
	case "haar":
		det, err := camera.NewHaarDetector(s.Detector.Cascade)
		if err != nil {
			return nil, nil, err
		}
		det.MinSize = image.Pt(s.Detector.MinSize, s.Detector.MinSize)
		return det, det.Close, nil
	default:
		det, err := gatecam.LoadPigoDetector(s.Detector.Cascade)
		if err != nil {
			return nil, nil, err
		}
		det.MinSize = s.Detector.MinSize
		return det, func() error { return nil }, nil
	}
}

// newActuators drives the board pins when GPIO is enabled and logs the
// output changes otherwise.
func newActuators(s *config.Settings, log *slog.Logger) (gatecam.Actuators, func() error, error) {
	if !s.GPIO.Enabled {
		out := logger.Module(log, "outputs")
		return gatecam.Actuators{
			Green: &gatecam.LogIndicator{Name: "green", Logger: out},
			Red:   &gatecam.LogIndicator{Name: "red", Logger: out},
			Pin:   &gatecam.LogIndicator{Name: "pin", Logger: out},
		}, func() error { return nil }, nil
	}

	var (
		pins []*gpio.Pin
		act  gatecam.Actuators
	)
	release := func() error {
		var errs []error
		for _, p := range pins {
			errs = append(errs, p.Release())
		}
		return errors.Join(errs...)
	}
	open := func(name string) (gatecam.Indicator, error) {
		if name == "" {
			return gatecam.NopIndicator{}, nil
		}
		p, err := gpio.Open(name, s.GPIO.ActiveLow)
		if err != nil {
			return nil, err
		}
		pins = append(pins, p)
		return p, nil
	}

	var err error
	if act.Green, err = open(s.GPIO.GreenLED); err != nil {
		return act, nil, errors.Join(err, release())
	}
	if act.Red, err = open(s.GPIO.RedLED); err != nil {
		return act, nil, errors.Join(err, release())
	}
	if act.Pin, err = open(s.GPIO.Pin); err != nil {
		return act, nil, errors.Join(err, release())
	}
	return act, release, nil
}
