package invalidate

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/nsld/nsld/internal/attrmap"
	"github.com/nsld/nsld/internal/config"
	"github.com/nsld/nsld/internal/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func TestCommandFields(t *testing.T) {
	got := commandFields("nscd -i %s", "passwd")
	want := []string{"nscd", "-i", "passwd"}
	if len(got) != len(want) {
		t.Fatalf("commandFields = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("commandFields = %v, want %v", got, want)
		}
	}
}

func TestDisabledWithNoEnrolledDatabases(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ReconnectInvalidate = nil

	inv := New(cfg, discardLogger(), nil)
	if inv.Enabled() {
		t.Fatal("expected Enabled() = false with no enrolled databases")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := inv.Run(ctx); err != nil {
		t.Fatalf("Run() on a disabled invalidator: %v", err)
	}
}

func TestTriggerCoalescesPendingSignal(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ReconnectInvalidate = []attrmap.Database{attrmap.Passwd}

	inv := New(cfg, discardLogger(), nil)
	inv.Trigger()
	inv.Trigger()
	inv.Trigger()

	if len(inv.signal) != 1 {
		t.Fatalf("signal channel length = %d, want 1 (coalesced)", len(inv.signal))
	}
}

func TestRunServicesOneExecPassPerTrigger(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ReconnectInvalidate = []attrmap.Database{attrmap.Passwd, attrmap.Group}
	cfg.Invalidator = config.InvalidatorConfig{Transport: "exec", Command: "true %s"}

	inv := New(cfg, discardLogger(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- inv.Run(ctx) }()

	inv.Trigger()
	time.Sleep(50 * time.Millisecond)
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
}

func TestRunPassRecordsInvalidationPassMetric(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	cfg := config.DefaultConfig()
	cfg.ReconnectInvalidate = []attrmap.Database{attrmap.Passwd}
	cfg.Invalidator = config.InvalidatorConfig{Transport: "exec", Command: "true %s"}

	inv := New(cfg, discardLogger(), collector)
	inv.runPass(context.Background())

	if v := counterValue(t, collector.InvalidationPasses, "ok"); v != 1 {
		t.Errorf("InvalidationPasses{ok} = %v, want 1", v)
	}

	cfg.Invalidator = config.InvalidatorConfig{Transport: "exec", Command: "false %s"}
	inv = New(cfg, discardLogger(), collector)
	inv.runPass(context.Background())

	if v := counterValue(t, collector.InvalidationPasses, "error"); v != 1 {
		t.Errorf("InvalidationPasses{error} = %v, want 1", v)
	}
}

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

func TestInvalidateExecReportsCommandFailure(t *testing.T) {
	inv := &Invalidator{
		transport: "exec",
		command:   "false %s",
		log:       discardLogger(),
	}
	if err := inv.invalidateExec(context.Background(), "passwd"); err == nil {
		t.Fatal("expected an error from a failing command")
	}
}
