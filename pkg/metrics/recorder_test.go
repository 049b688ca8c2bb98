package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorder(t *testing.T) {
	reg := prom.NewRegistry()
	r := NewRecorder(reg)

	r.ObserveBuild("succeeded", 3*time.Second)
	r.ObserveBuild("failed", time.Second)
	r.ObserveBuild("succeeded", time.Second)
	r.ObservePhase("login", 200*time.Millisecond)
	r.ObserveDelta("built", 2*time.Second)
	r.ProcessStarted("balena")
	r.ProcessStarted("docker")
	r.ProcessExited("docker", 1)

	if got := testutil.ToFloat64(r.builds.WithLabelValues("succeeded")); got != 2 {
		t.Errorf("builds{succeeded} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.deltaBuilds.WithLabelValues("built")); got != 1 {
		t.Errorf("delta_builds{built} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.processesRunning); got != 1 {
		t.Errorf("processes_running = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.processExits.WithLabelValues("docker", "failure")); got != 1 {
		t.Errorf("process_exits{docker,failure} = %v, want 1", got)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatal("expected metrics, got none")
	}
}

func TestRecorder_Handler(t *testing.T) {
	r := NewRecorder(nil)
	r.ObservePhase("build", time.Second)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "fleetbuild_build_phase_duration_seconds") {
		t.Errorf("phase histogram missing from scrape:\n%s", body)
	}
}

func TestRecorder_Nil(t *testing.T) {
	var r *Recorder
	r.ObserveBuild("failed", time.Second)
	r.ObservePhase("build", time.Second)
	r.ObserveDelta("failed", 0)
	r.ProcessStarted("x")
	r.ProcessExited("x", 0)
	if r.Handler() == nil {
		t.Error("nil recorder should still serve a handler")
	}
}
