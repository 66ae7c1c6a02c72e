package gatecam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Indicator is an on/off output: a status LED or a GPIO pin.
type Indicator interface {
	Set(on bool) error
}

// IndicatorFunc adapts a function to the Indicator interface.
type IndicatorFunc func(on bool) error

// Set implements Indicator.
func (f IndicatorFunc) Set(on bool) error { return f(on) }

// NopIndicator ignores every state change.
type NopIndicator struct{}

// Set implements Indicator.
func (NopIndicator) Set(bool) error { return nil }

// LogIndicator logs the state changes, for boards without LEDs.
type LogIndicator struct {
	Name   string
	Logger *slog.Logger

	state *bool
}

// Set implements Indicator.
func (l *LogIndicator) Set(on bool) error {
	if l.state != nil && *l.state == on {
		return nil
	}
	l.state = &on
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Debug("indicator", "name", l.Name, "on", on)
	return nil
}

// PinPolicy selects what happens to the pin on an unauthorized decision.
type PinPolicy string

const (
	// PinLatch leaves the pin untouched on an unauthorized decision;
	// it is only cleared when the next iteration starts.
	PinLatch PinPolicy = "latch"
	// PinFollow drives the pin off on an unauthorized decision.
	PinFollow PinPolicy = "follow"
)

// ParsePinPolicy converts a configuration value to a PinPolicy.
func ParsePinPolicy(s string) (PinPolicy, error) {
	switch pp := PinPolicy(strings.ToLower(s)); pp {
	case PinLatch, PinFollow:
		return pp, nil
	}
	return "", fmt.Errorf("unsupported pin policy: %q", s)
}

// Actuators are the outputs driven by the authorization decision.
type Actuators struct {
	Green Indicator
	Red   Indicator
	Pin   Indicator
}

// Reset turns every output off.
func (a Actuators) Reset() error {
	return errors.Join(
		set(a.Green, false),
		set(a.Red, false),
		set(a.Pin, false),
	)
}

// Apply drives the outputs from the decision.
func (a Actuators) Apply(d Decision, policy PinPolicy) error {
	if d.Authorized {
		return errors.Join(
			set(a.Green, true),
			set(a.Red, false),
			set(a.Pin, true),
		)
	}
	err := errors.Join(
		set(a.Green, false),
		set(a.Red, true),
	)
	if policy == PinFollow {
		err = errors.Join(err, set(a.Pin, false))
	}
	return err
}

func set(i Indicator, on bool) error {
	if i == nil {
		return nil
	}
	return i.Set(on)
}

// DecisionSink receives every authorization decision, e.g. to publish it.
type DecisionSink interface {
	Publish(ctx context.Context, d Decision) error
}

// Metrics records the pipeline activity.
type Metrics interface {
	ObserveFrame()
	ObserveDetection(pass int, regions int)
	ObserveClassification(predictions int)
	ObserveDecision(d Decision)
	ObserveFPS(fps float64)
}

type nopMetrics struct{}

func (nopMetrics) ObserveFrame()               {}
func (nopMetrics) ObserveDetection(int, int)   {}
func (nopMetrics) ObserveClassification(int)   {}
func (nopMetrics) ObserveDecision(Decision)    {}
func (nopMetrics) ObserveFPS(float64)          {}
