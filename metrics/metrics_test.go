package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/esimov/gatecam"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Observe(t *testing.T) {
	c, err := NewCollector()
	require.NoError(t, err)

	c.ObserveFrame()
	c.ObserveFrame()
	c.ObserveDetection(1, 2)
	c.ObserveDetection(1, 0)
	c.ObserveDetection(3, 1)
	c.ObserveClassification(2)
	c.ObserveDecision(gatecam.Decision{Label: "Alice", Score: 0.75, Authorized: true})
	c.ObserveDecision(gatecam.Decision{Label: "Bob", Score: 0.5})
	c.ObserveDecision(gatecam.Decision{Label: "Bob", Score: 0.25})
	c.ObserveFPS(12.5)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.frames))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.detections.WithLabelValues("1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.regions.WithLabelValues("1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.detections.WithLabelValues("3")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.classifications))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.predictions))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.decisions.WithLabelValues("true")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.decisions.WithLabelValues("false")))
	assert.Equal(t, 0.25, testutil.ToFloat64(c.lastScore))
	assert.Equal(t, 12.5, testutil.ToFloat64(c.fps))
}

func TestCollector_Handler(t *testing.T) {
	c, err := NewCollector()
	require.NoError(t, err)
	c.ObserveFrame()

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "gatecam_frames_total 1")
}

func TestCollector_ServeStopsOnCancel(t *testing.T) {
	c, err := NewCollector()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, c.Serve(ctx, "127.0.0.1:0", nil))
}
