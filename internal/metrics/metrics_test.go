package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIdempotentAndHelpersRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncProducerStart()
	IncProducerRestart()
	IncProducerRestart()
	IncProducerExit("signal")
	SetProducerState("running")
	IncLine("telemetry")
	SetClients(3)
	IncClientRemoved("overflow")
	IncUpgradeRejected("bad_path")
	IncPublished("system")
	IncRelayDropped()

	if got := testutil.ToFloat64(producerRestarts); got != 2 {
		t.Errorf("restarts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(clientsConnected); got != 3 {
		t.Errorf("clients = %v, want 3", got)
	}
	if got := testutil.ToFloat64(producerState.WithLabelValues("running")); got != 1 {
		t.Errorf("state{running} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(producerState.WithLabelValues("exited")); got != 0 {
		t.Errorf("state{exited} = %v, want 0", got)
	}

	SetProducerState("exited")
	if got := testutil.ToFloat64(producerState.WithLabelValues("running")); got != 0 {
		t.Errorf("state{running} after exit = %v, want 0", got)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	for _, n := range []string{
		"tapcast_producer_restarts_total",
		"tapcast_parser_lines_total",
		"tapcast_stream_clients_connected",
		"tapcast_relay_dropped_total",
	} {
		if !names[n] {
			t.Errorf("expected metric %s", n)
		}
	}
}

func TestHandlerServesExposition(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "go_goroutines") {
		t.Errorf("exposition missing default runtime collectors")
	}
}
