package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{429, "4xx"},
		{502, "5xx"},
	}
	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetGauge().GetValue()
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/agents/:address", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	counter := HTTPRequestsTotal.WithLabelValues("GET", "/v1/agents/:address", "4xx")
	before := counterValue(t, counter)

	for _, addr := range []string{"0x01", "0x02"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/agents/"+addr, nil))
	}
	if got := counterValue(t, counter) - before; got != 2 {
		t.Fatalf("expected 2 requests under the route pattern, got %v", got)
	}

	unmatched := HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "4xx")
	before = counterValue(t, unmatched)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))
	if counterValue(t, unmatched)-before != 1 {
		t.Fatal("unmatched routes should share one label")
	}
}

func TestCollect_ProtocolGauges(t *testing.T) {
	collect(context.Background(), nil, func(context.Context) (uint64, bool, error) {
		return 7, true, nil
	})
	if gaugeValue(t, ActiveAgents) != 7 || gaugeValue(t, ProtocolPaused) != 1 {
		t.Fatal("gauges not set from sampler")
	}

	// A failed sample keeps the last good values.
	collect(context.Background(), nil, func(context.Context) (uint64, bool, error) {
		return 0, false, errors.New("db down")
	})
	if gaugeValue(t, ActiveAgents) != 7 {
		t.Fatal("failed sample overwrote gauge")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	for _, name := range []string{"dimm_active_websocket_clients", "dimm_protocol_paused"} {
		if !strings.Contains(w.Body.String(), name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}
}
