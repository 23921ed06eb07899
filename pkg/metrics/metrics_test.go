package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestCounterVecs(t *testing.T) {
	PingsTotal.Reset()
	PingsTotal.WithLabelValues("success").Add(3)
	PingsTotal.WithLabelValues("failure").Inc()

	if got := testutil.ToFloat64(PingsTotal.WithLabelValues("success")); got != 3 {
		t.Errorf("Expected 3 successful pings, got %f", got)
	}
	if got := testutil.ToFloat64(PingsTotal.WithLabelValues("failure")); got != 1 {
		t.Errorf("Expected 1 failed ping, got %f", got)
	}

	RecoveryAttempts.Reset()
	RecoveryAttempts.WithLabelValues("moderate", "failure").Inc()
	RecoveryAttempts.WithLabelValues("conservative", "success").Inc()
	if got := testutil.CollectAndCount(RecoveryAttempts); got != 2 {
		t.Errorf("Expected 2 recovery series, got %d", got)
	}
}

func TestPoolGauges(t *testing.T) {
	DBPoolTotalConns.Set(10)
	DBPoolIdleConns.Set(4)
	DBPoolWaiting.Set(0)

	m := &dto.Metric{}
	if err := DBPoolTotalConns.Write(m); err != nil {
		t.Fatalf("Failed to write gauge: %v", err)
	}
	if m.GetGauge().GetValue() != 10 {
		t.Errorf("Expected total conns 10, got %f", m.GetGauge().GetValue())
	}
	if got := testutil.ToFloat64(DBPoolIdleConns); got != 4 {
		t.Errorf("Expected idle conns 4, got %f", got)
	}
}

func TestPrometheusHandlerExposesMetrics(t *testing.T) {
	CircuitBreakerState.Set(2)
	PingInterval.Set(15)

	server := httptest.NewServer(promhttp.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("Failed to get metrics: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}

	for _, name := range []string{
		"pgkeeper_circuit_breaker_state 2",
		"pgkeeper_ping_interval_seconds 15",
		"pgkeeper_db_pool_total_conns",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("Expected metrics output to contain %q", name)
		}
	}
}
