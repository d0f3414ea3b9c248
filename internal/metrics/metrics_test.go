package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotentAndHelpersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncCommand("create", "ok")
	IncCreated("persistent")
	IncRemoved("killed")
	SetLive(2)
	ObserveEphemeral(0.25)
	AddOutputBytes(10)
	IncDeliveryFailure("respond")
	IncPollWakeup("io")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	want := map[string]bool{
		"sysproxy_dispatch_commands_total":            false,
		"sysproxy_process_created_total":              false,
		"sysproxy_process_removed_total":              false,
		"sysproxy_process_live":                       false,
		"sysproxy_process_ephemeral_duration_seconds": false,
		"sysproxy_mux_output_bytes_total":             false,
		"sysproxy_mux_delivery_failures_total":        false,
		"sysproxy_mux_poll_wakeups_total":             false,
	}
	for _, mf := range mfs {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = len(mf.GetMetric()) > 0
		}
	}
	for n, ok := range want {
		if !ok {
			t.Fatalf("metric %s missing or empty", n)
		}
	}
}

func TestHelpersNoopBeforeRegister(t *testing.T) {
	regOK.Store(false)
	// must not panic
	IncCommand("ps", "ok")
	SetLive(1)
	AddOutputBytes(-1)
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}
	IncCommand("kill", "no_such_process")

	srv := httptest.NewServer(Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "sysproxy_dispatch_commands_total") {
		t.Fatal("commands counter not exported")
	}
}

func TestResourceCollectorSamplesAndForgets(t *testing.T) {
	c := NewResourceCollector(ResourceConfig{}, nil)
	reg := prometheus.NewRegistry()
	if err := c.RegisterMetrics(reg); err != nil {
		t.Fatal(err)
	}
	self := int32(os.Getpid())
	c.Collect(map[string]int32{"T1": self, "bad": 0})
	s, ok := c.Latest("T1")
	if !ok || s.PID != self || s.RSS == 0 {
		t.Fatalf("sample = %+v, %v", s, ok)
	}
	if _, ok := c.Latest("bad"); ok {
		t.Fatal("non-positive pid should be skipped")
	}
	c.Collect(map[string]int32{})
	if _, ok := c.Latest("T1"); ok {
		t.Fatal("sample kept after process disappeared")
	}
	mfs, _ := reg.Gather()
	for _, mf := range mfs {
		if len(mf.GetMetric()) != 0 {
			t.Fatalf("%s still has series", mf.GetName())
		}
	}
}
