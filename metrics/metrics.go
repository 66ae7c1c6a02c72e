// Package metrics exposes the pipeline activity as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/esimov/gatecam"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ShutdownTimeout bounds the graceful shutdown of the metrics server.
const ShutdownTimeout = 5 * time.Second

// Collector implements gatecam.Metrics on its own registry.
type Collector struct {
	registry *prometheus.Registry

	frames          prometheus.Counter
	detections      *prometheus.CounterVec
	regions         *prometheus.CounterVec
	classifications prometheus.Counter
	predictions     prometheus.Counter
	decisions       *prometheus.CounterVec
	lastScore       prometheus.Gauge
	fps             prometheus.Gauge
}

var _ gatecam.Metrics = (*Collector)(nil)

// NewCollector creates the collector and registers its metrics.
func NewCollector() (*Collector, error) {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatecam_frames_total",
			Help: "Total number of captured frames",
		}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatecam_detection_passes_total",
			Help: "Total number of face detection passes",
		}, []string{"pass"}),
		regions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatecam_detected_regions_total",
			Help: "Total number of detected face regions",
		}, []string{"pass"}),
		classifications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatecam_classifications_total",
			Help: "Total number of classifier runs",
		}),
		predictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatecam_predictions_total",
			Help: "Total number of predictions returned by the classifier",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatecam_decisions_total",
			Help: "Total number of authorization decisions",
		}, []string{"authorized"}),
		lastScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatecam_last_decision_score",
			Help: "Score of the last authorization decision",
		}),
		fps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatecam_fps",
			Help: "Frame rate measured on the last loop iteration",
		}),
	}

	for _, m := range []prometheus.Collector{
		c.frames, c.detections, c.regions, c.classifications,
		c.predictions, c.decisions, c.lastScore, c.fps,
	} {
		if err := c.registry.Register(m); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return c, nil
}

// Registry returns the registry holding the pipeline metrics.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) ObserveFrame() { c.frames.Inc() }

func (c *Collector) ObserveDetection(pass int, regions int) {
	label := strconv.Itoa(pass)
	c.detections.WithLabelValues(label).Inc()
	c.regions.WithLabelValues(label).Add(float64(regions))
}

func (c *Collector) ObserveClassification(predictions int) {
	c.classifications.Inc()
	c.predictions.Add(float64(predictions))
}

func (c *Collector) ObserveDecision(d gatecam.Decision) {
	c.decisions.WithLabelValues(strconv.FormatBool(d.Authorized)).Inc()
	c.lastScore.Set(float64(d.Score))
}

func (c *Collector) ObserveFPS(fps float64) { c.fps.Set(fps) }

// Handler returns the HTTP handler serving the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("metrics endpoint starting", "address", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("stopping metrics endpoint")
	sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("metrics server shutdown error: %w", err)
	}
	<-errc
	return nil
}
