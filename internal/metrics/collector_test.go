package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/nsld/nsld/internal/metrics"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	if c.Requests == nil {
		t.Error("Requests is nil")
	}
	if c.OperationLatency == nil {
		t.Error("OperationLatency is nil")
	}
	if c.URIFailures == nil {
		t.Error("URIFailures is nil")
	}
	if c.SessionsOpen == nil {
		t.Error("SessionsOpen is nil")
	}
	if c.InvalidationPasses == nil {
		t.Error("InvalidationPasses is nil")
	}

	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestIncRequest(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.IncRequest("NSLCD_ACTION_PASSWD_BYNAME", "ok")
	c.IncRequest("NSLCD_ACTION_PASSWD_BYNAME", "ok")
	c.IncRequest("NSLCD_ACTION_PASSWD_BYNAME", "notfound")

	if v := counterValue(t, c.Requests, "NSLCD_ACTION_PASSWD_BYNAME", "ok"); v != 2 {
		t.Errorf("Requests{ok} = %v, want 2", v)
	}
	if v := counterValue(t, c.Requests, "NSLCD_ACTION_PASSWD_BYNAME", "notfound"); v != 1 {
		t.Errorf("Requests{notfound} = %v, want 1", v)
	}
}

func TestObserveOperationLatency(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.ObserveOperationLatency("search", 50*time.Millisecond)

	m := &dto.Metric{}
	hist, err := c.OperationLatency.GetMetricWithLabelValues("search")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues: %v", err)
	}
	if err := hist.(prometheus.Histogram).Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := m.GetHistogram().GetSampleCount(); got != 1 {
		t.Errorf("sample count = %v, want 1", got)
	}
}

func TestURIFailuresAndSessionGauge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.IncURIFailure("ldap://a.example.com")
	c.IncURIFailure("ldap://a.example.com")
	if v := counterValue(t, c.URIFailures, "ldap://a.example.com"); v != 2 {
		t.Errorf("URIFailures = %v, want 2", v)
	}

	c.SessionOpened()
	c.SessionOpened()
	c.SessionClosed()

	m := &dto.Metric{}
	if err := c.SessionsOpen.Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := m.GetGauge().GetValue(); got != 1 {
		t.Errorf("SessionsOpen = %v, want 1", got)
	}
}

func TestInvalidationPasses(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.IncInvalidationPass("ok")
	c.IncInvalidationPass("ok")
	c.IncInvalidationPass("error")

	if v := counterValue(t, c.InvalidationPasses, "ok"); v != 2 {
		t.Errorf("InvalidationPasses{ok} = %v, want 2", v)
	}
	if v := counterValue(t, c.InvalidationPasses, "error"); v != 1 {
		t.Errorf("InvalidationPasses{error} = %v, want 1", v)
	}
}

// counterValue reads the current value of a CounterVec with the given labels.
func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}
