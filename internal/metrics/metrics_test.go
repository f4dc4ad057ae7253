package metrics

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNew(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("New() returned nil")
		return
	}
	if m.Registry == nil {
		t.Fatal("Registry is nil")
		return
	}

	// Trigger all metrics so they appear in Gather output.
	m.Request("ok")
	m.SetPendingRequests(2)
	m.ServerEvent()
	m.SessionUp(true)
	m.Tunnel(1, "open")
	m.LiveTunnels(1)
	m.TransferBytes("up", 100)
	m.Transfer("upload", "ok")

	fams, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	wantNames := []string{
		"meshwire_requests_total",
		"meshwire_pending_requests",
		"meshwire_server_events_total",
		"meshwire_session_up",
		"meshwire_tunnels_total",
		"meshwire_live_tunnels",
		"meshwire_transfer_bytes_total",
		"meshwire_transfers_total",
	}
	got := make(map[string]bool)
	for _, f := range fams {
		got[f.GetName()] = true
	}

	for _, name := range wantNames {
		if !got[name] {
			t.Errorf("expected metric %q not found in registry", name)
		}
	}
}

func TestRequestOutcomes(t *testing.T) {
	m := New()
	m.Request("ok")
	m.Request("ok")
	m.Request("timeout")

	if c := getCounter(t, m.requestsTotal, "ok"); c != 2 {
		t.Errorf("requests_total(ok) = %v, want 2", c)
	}
	if c := getCounter(t, m.requestsTotal, "timeout"); c != 1 {
		t.Errorf("requests_total(timeout) = %v, want 1", c)
	}
}

func TestSessionUp(t *testing.T) {
	m := New()

	m.SessionUp(true)
	if v := getScalarGauge(t, m.sessionUp); v != 1 {
		t.Errorf("session_up = %v, want 1", v)
	}
	m.SessionUp(false)
	if v := getScalarGauge(t, m.sessionUp); v != 0 {
		t.Errorf("session_up = %v, want 0", v)
	}
}

func TestTunnelLifecycle(t *testing.T) {
	m := New()
	m.Tunnel(1, "open")
	m.LiveTunnels(1)
	m.Tunnel(5, "prepare_failed")

	if c := getCounter(t, m.tunnelsTotal, "1", "open"); c != 1 {
		t.Errorf("tunnels_total(1,open) = %v, want 1", c)
	}
	if c := getCounter(t, m.tunnelsTotal, "5", "prepare_failed"); c != 1 {
		t.Errorf("tunnels_total(5,prepare_failed) = %v, want 1", c)
	}
	if v := getScalarGauge(t, m.liveTunnels); v != 1 {
		t.Errorf("live_tunnels = %v, want 1", v)
	}
	m.LiveTunnels(-1)
	if v := getScalarGauge(t, m.liveTunnels); v != 0 {
		t.Errorf("live_tunnels = %v, want 0", v)
	}
}

func TestTransferAccounting(t *testing.T) {
	m := New()
	m.TransferBytes("up", 500)
	m.TransferBytes("up", 250)
	m.TransferBytes("down", 1200)
	m.Transfer("download", "peer_cancel")

	if c := getCounter(t, m.transferBytes, "up"); c != 750 {
		t.Errorf("transfer_bytes(up) = %v, want 750", c)
	}
	if c := getCounter(t, m.transferBytes, "down"); c != 1200 {
		t.Errorf("transfer_bytes(down) = %v, want 1200", c)
	}
	if c := getCounter(t, m.transfersTotal, "download", "peer_cancel"); c != 1 {
		t.Errorf("transfers_total(download,peer_cancel) = %v, want 1", c)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := New()
	m.Request("ok")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()

	go func() {
		_ = m.Serve(ctx, ln, logger)
	}()

	// Wait for the server to start.
	var resp *http.Response
	for i := 0; i < 20; i++ {
		time.Sleep(50 * time.Millisecond)
		resp, err = http.Get("http://" + addr + "/metrics")
		if err == nil {
			break
		}
	}
	if resp == nil {
		t.Fatal("metrics server did not start")
		return
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	// Check for our custom metric and Go runtime metrics.
	for _, want := range []string{
		`meshwire_requests_total{outcome="ok"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics response missing %q", want)
		}
	}
}

func TestNilMetrics(t *testing.T) {
	// Calling methods on a nil *Metrics must not panic.
	var m *Metrics

	m.Request("ok")
	m.SetPendingRequests(3)
	m.ServerEvent()
	m.SessionUp(true)
	m.Tunnel(1, "open")
	m.LiveTunnels(1)
	m.TransferBytes("down", 10)
	m.Transfer("ls", "ok")
}

// helpers

func getCounter(t *testing.T, cv *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		t.Fatalf("write counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func getScalarGauge(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	return m.GetGauge().GetValue()
}
