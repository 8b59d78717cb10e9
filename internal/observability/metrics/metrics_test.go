package metrics

import (
	"bytes"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestObserveRequestAndNormalizePath(t *testing.T) {
	recorder := New()

	cases := []struct {
		name     string
		method   string
		path     string
		status   int
		duration time.Duration
	}{
		{name: "root path", method: "get", path: "/", status: 200, duration: 50 * time.Millisecond},
		{name: "empty path", method: "GET", path: "", status: 200, duration: 25 * time.Millisecond},
		{name: "metrics path", method: "get", path: "/metrics", status: 200, duration: 5 * time.Millisecond},
		{name: "id segment", method: "post", path: "/assets/123", status: 201, duration: 100 * time.Millisecond},
		{name: "trailing slash", method: "GET", path: "/healthz/", status: 200, duration: 10 * time.Millisecond},
	}

	expectedCounts := make(map[requestLabel]uint64)
	for _, tc := range cases {
		recorder.ObserveRequest(tc.method, tc.path, tc.status, tc.duration)
		label := requestLabel{
			method: strings.ToUpper(tc.method),
			path:   normalizePath(tc.path),
			status: fmt.Sprintf("%d", tc.status),
		}
		expectedCounts[label]++
	}

	if len(recorder.requestCount) != len(expectedCounts) {
		t.Fatalf("unexpected number of labels: got %d want %d", len(recorder.requestCount), len(expectedCounts))
	}
	for label, expected := range expectedCounts {
		if got := recorder.requestCount[label]; got != expected {
			t.Errorf("count mismatch for %+v: got %d want %d", label, got, expected)
		}
	}
	if got := normalizePath("/assets/123"); got != "/assets/:id" {
		t.Fatalf("expected id segment collapsed, got %q", got)
	}
}

func TestProcessGaugeNeverNegative(t *testing.T) {
	recorder := New()

	recorder.ProcessFinished("ready")
	if got := recorder.InflightProcessing(); got != 0 {
		t.Fatalf("expected gauge floor at 0, got %d", got)
	}

	recorder.ProcessStarted()
	recorder.ProcessStarted()
	recorder.ProcessFinished("ready")
	if got := recorder.InflightProcessing(); got != 1 {
		t.Fatalf("expected gauge 1, got %d", got)
	}

	counts := recorder.ProcessCounts()
	if counts["ready"] != 2 {
		t.Fatalf("expected 2 ready outcomes, got %d", counts["ready"])
	}
}

func TestProcessFinishedConcurrent(t *testing.T) {
	recorder := New()
	const n = 64

	for i := 0; i < n; i++ {
		recorder.ProcessStarted()
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recorder.ProcessFinished("failed")
		}()
	}
	wg.Wait()

	if got := recorder.InflightProcessing(); got != 0 {
		t.Fatalf("expected gauge drained to 0, got %d", got)
	}
	if counts := recorder.ProcessCounts(); counts["failed"] != n {
		t.Fatalf("expected %d failed outcomes, got %d", n, counts["failed"])
	}
}

func TestWriteExposition(t *testing.T) {
	recorder := New()
	recorder.ProcessStarted()
	recorder.ProcessFinished("ready")
	recorder.ObserveRendition("jpeg")
	recorder.ObserveRendition("webp")
	recorder.ObserveUploadBatch("ok", 5)
	recorder.ObserveUploadBatch("failed", 0)
	recorder.ObserveDeadLetter()
	recorder.ObserveRequeue(3)
	recorder.ObserveSpoolCleanup(2)

	var buf bytes.Buffer
	recorder.Write(&buf)
	output := buf.String()

	expected := []string{
		`assetpipe_assets_processed_total{outcome="ready"} 1`,
		`assetpipe_processing_inflight 0`,
		`assetpipe_renditions_total{codec="jpeg"} 1`,
		`assetpipe_renditions_total{codec="webp"} 1`,
		`assetpipe_upload_batches_total{result="failed"} 1`,
		`assetpipe_upload_batches_total{result="ok"} 1`,
		`assetpipe_uploaded_objects_total 5`,
		`assetpipe_dead_letters_total 1`,
		`assetpipe_requeued_assets_total 3`,
		`assetpipe_spool_files_deleted_total 2`,
	}
	for _, line := range expected {
		if !strings.Contains(output, line) {
			t.Errorf("expected exposition to contain %q\noutput:\n%s", line, output)
		}
	}
}

func TestHandlerSetsContentType(t *testing.T) {
	recorder := New()
	recorder.ObserveRendition("png")

	req := httptest.NewRequest("GET", "/metrics", nil)
	res := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(res, req)

	if got := res.Header().Get("Content-Type"); got != "text/plain; version=0.0.4" {
		t.Fatalf("unexpected content type %q", got)
	}
	if !strings.Contains(res.Body.String(), `assetpipe_renditions_total{codec="png"} 1`) {
		t.Fatalf("expected rendition counter in body, got:\n%s", res.Body.String())
	}
}

func TestReset(t *testing.T) {
	recorder := New()
	recorder.ProcessStarted()
	recorder.ProcessFinished("ready")
	recorder.ObserveUploadBatch("ok", 2)
	recorder.ObserveDeadLetter()

	recorder.Reset()

	if got := recorder.InflightProcessing(); got != 0 {
		t.Fatalf("expected gauge reset, got %d", got)
	}
	if counts := recorder.ProcessCounts(); len(counts) != 0 {
		t.Fatalf("expected outcome counters cleared, got %v", counts)
	}

	var buf bytes.Buffer
	recorder.Write(&buf)
	if !strings.Contains(buf.String(), "assetpipe_uploaded_objects_total 0") {
		t.Fatalf("expected uploaded objects reset, got:\n%s", buf.String())
	}
}
