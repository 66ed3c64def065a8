package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/loykin/bugexd/internal/request"
)

func TestHelpersNoopBeforeRegister(t *testing.T) {
	regOK.Store(false)
	before := testutil.ToFloat64(jobsSubmitted)
	IncSubmitted()
	if got := testutil.ToFloat64(jobsSubmitted); got != before {
		t.Fatalf("counter moved before Register: %v -> %v", before, got)
	}
}

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncSubmitted()
	IncTick()
	IncTick()
	SetActiveJobs(2)
	ObserveCompleted("failed", "lifetime", 12.5)
	ObserveCompleted("finished", "", 3)
	SetToolUsage("job-a", 12.5, 1024)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	want := map[string]bool{
		"bugex_jobs_submitted_total":  false,
		"bugex_jobs_completed_total":  false,
		"bugex_jobs_duration_seconds": false,
		"bugex_jobs_active":           false,
		"bugex_jobs_ticks_total":      false,
		"bugex_tool_cpu_percent":      false,
		"bugex_tool_rss_bytes":        false,
	}
	for _, mf := range mfs {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", mf.GetName())
			}
		}
	}
	for n, ok := range want {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
	if v := testutil.ToFloat64(jobsCompleted.WithLabelValues("failed", "lifetime")); v != 1 {
		t.Fatalf("completed{failed,lifetime} = %v", v)
	}

	ClearToolUsage("job-a")
	if n := testutil.CollectAndCount(toolRSS); n != 0 {
		t.Fatalf("expected tool series cleared, got %d", n)
	}
}

func TestStatusObserverCountsTransitions(t *testing.T) {
	regOK.Store(false)
	if err := Register(prometheus.NewRegistry()); err != nil {
		t.Fatal(err)
	}
	r := request.New("tok", "", "", t.TempDir())
	r.Subscribe(StatusObserver())
	before := testutil.ToFloat64(statusTransitions.WithLabelValues("pending", "processing"))
	if err := r.UpdateStatus(context.Background(), request.StatusProcessing, ""); err != nil {
		t.Fatal(err)
	}
	after := testutil.ToFloat64(statusTransitions.WithLabelValues("pending", "processing"))
	if after != before+1 {
		t.Fatalf("transition not counted: %v -> %v", before, after)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}
	IncSubmitted()

	srv := httptest.NewServer(Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "bugex_jobs_submitted_total") {
		t.Fatalf("metrics output missing counter")
	}
}
