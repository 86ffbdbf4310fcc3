package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := newStageWindow(8)
	w.Observe(StageCredential, 500)
	w.Observe(StageCredential, 700)
	w.Observe(StageCredential, 900)
	w.ObserveIndicator("superseded")
	w.ObserveIndicator("superseded")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != StageCredential {
		t.Fatalf("Stage = %q, want %q", s.Stage, StageCredential)
	}
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 900 {
		t.Fatalf("LastMS = %.2f, want 900", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 800 {
		t.Fatalf("TargetP95MS = %.2f, want 800", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v, want superseded x2", snap.Indicators)
	}
}

func TestStageWindowWrapsAtCapacity(t *testing.T) {
	w := newStageWindow(2)
	w.Observe(StageOffer, 1)
	w.Observe(StageOffer, 2)
	w.Observe(StageOffer, 30)

	s := w.Snapshot().Stages[0]
	if s.Samples != 2 {
		t.Fatalf("Samples = %d, want 2", s.Samples)
	}
	if s.AvgMS != 16 {
		t.Fatalf("AvgMS = %.2f, want 16", s.AvgMS)
	}
}

func TestMetricsHandlerServesPrivateRegistry(t *testing.T) {
	m := NewMetrics("parley_test", nil)
	m.ObserveCredentialRequest("ok")
	m.ObserveStage(StageEstablishTotal, 1500*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `parley_test_credential_requests_total{outcome="ok"} 1`) {
		t.Fatalf("metrics output missing credential counter:\n%s", rec.Body.String())
	}
	if got := m.SnapshotStages().Stages[0].LastMS; got != 1500 {
		t.Fatalf("LastMS = %.2f, want 1500", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveNegotiation("failed")
	m.ObserveStage(StageOffer, time.Second)
	if snap := m.SnapshotStages(); len(snap.Stages) != 0 {
		t.Fatalf("nil metrics snapshot should be empty, got %+v", snap)
	}
}

func TestStageWindowReportsPipelineOrder(t *testing.T) {
	w := newStageWindow(4)
	w.Observe(StageEstablishTotal, 900)
	w.Observe(StageCredential, 200)
	w.Observe(StageMediaAccess, 40)
	w.Observe("warmup", 10)
	w.Observe(StageOffer, -1)

	snap := w.Snapshot()
	got := make([]string, 0, len(snap.Stages))
	for _, s := range snap.Stages {
		got = append(got, s.Stage)
	}
	want := []string{StageMediaAccess, StageCredential, StageEstablishTotal}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("stages = %v, want %v", got, want)
	}
	if snap.Stages[0].TargetP95MS != 300 {
		t.Fatalf("media access target = %.2f, want 300", snap.Stages[0].TargetP95MS)
	}
}
