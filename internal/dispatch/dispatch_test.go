package dispatch_test

import (
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/nsld/nsld/internal/config"
	"github.com/nsld/nsld/internal/dispatch"
	"github.com/nsld/nsld/internal/metrics"
	"github.com/nsld/nsld/internal/protocol"
	"github.com/nsld/nsld/internal/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func be32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// TestServeConfigGetRoundTrip drives a real OpConfigGet request over an
// in-memory pipe and checks the dispatcher writes back a well-formed
// response and records a request metric.
func TestServeConfigGetRoundTrip(t *testing.T) {
	t.Parallel()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	disp := dispatch.New(discardLogger(), collector)
	cfg := config.DefaultConfig()

	serverStream := wire.Open(serverConn, time.Second, time.Second, 64, 1<<16, 64, 1<<16)
	defer serverStream.Close()

	done := make(chan error, 1)
	go func() {
		err := disp.Serve(serverStream, cfg, nil)
		if flushErr := serverStream.Flush(); err == nil {
			err = flushErr
		}
		done <- err
	}()

	req := append(be32(protocol.Version), be32(uint32(protocol.OpConfigGet))...)
	if _, err := clientConn.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	resp := make([]byte, 8)
	if _, err := io.ReadFull(clientConn, resp); err != nil {
		t.Fatalf("read response header: %v", err)
	}
	if got := binary.BigEndian.Uint32(resp[0:4]); got != protocol.Version {
		t.Errorf("response version = %d, want %d", got, protocol.Version)
	}
	if got := protocol.Opcode(binary.BigEndian.Uint32(resp[4:8])); got != protocol.OpConfigGet {
		t.Errorf("response opcode = %v, want %v", got, protocol.OpConfigGet)
	}

	if err := <-done; err != nil {
		t.Fatalf("Serve returned error: %v", err)
	}

	if v := counterValue(t, collector.Requests, protocol.OpConfigGet.String(), "ok"); v != 1 {
		t.Errorf("Requests{ok} = %v, want 1", v)
	}
}

// TestServeUnrecognizedOpcode checks that an opcode absent from the
// dispatch table gets an UNAVAIL terminator instead of a response
// header, and is still counted.
func TestServeUnrecognizedOpcode(t *testing.T) {
	t.Parallel()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	disp := dispatch.New(discardLogger(), collector)
	cfg := config.DefaultConfig()

	serverStream := wire.Open(serverConn, time.Second, time.Second, 64, 1<<16, 64, 1<<16)
	defer serverStream.Close()

	const bogusOpcode = 0xDEADBEEF

	done := make(chan error, 1)
	go func() {
		err := disp.Serve(serverStream, cfg, nil)
		if flushErr := serverStream.Flush(); err == nil {
			err = flushErr
		}
		done <- err
	}()

	req := append(be32(protocol.Version), be32(bogusOpcode)...)
	if _, err := clientConn.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	resp := make([]byte, 4)
	if _, err := io.ReadFull(clientConn, resp); err != nil {
		t.Fatalf("read terminator: %v", err)
	}
	if got := protocol.Result(binary.BigEndian.Uint32(resp)); got != protocol.ResultUnavail {
		t.Errorf("terminator = %v, want ResultUnavail", got)
	}

	if err := <-done; err != nil {
		t.Fatalf("Serve returned error: %v", err)
	}

	if v := counterValue(t, collector.Requests, protocol.Opcode(bogusOpcode).String(), "unknown_opcode"); v != 1 {
		t.Errorf("Requests{unknown_opcode} = %v, want 1", v)
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
