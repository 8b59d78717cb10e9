package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

type batchLabel struct {
	result string
}

// Recorder aggregates in-memory metrics counters and gauges for asset
// processing outcomes, rendition output, object-store batches, bus activity,
// and the sidecar HTTP endpoint. It coordinates concurrent writers via a
// RWMutex while exposing thread-safe gauges for in-flight tracking.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	processOutcome  map[string]uint64
	renditionCodec  map[string]uint64
	uploadBatches   map[batchLabel]uint64
	uploadedObjects uint64
	deadLetters     uint64
	requeuedAssets  uint64
	spoolDeleted    uint64
	inflight        atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		processOutcome:  make(map[string]uint64),
		renditionCodec:  make(map[string]uint64),
		uploadBatches:   make(map[batchLabel]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ProcessStarted increments the in-flight gauge when a worker picks up a
// delivery.
func (r *Recorder) ProcessStarted() {
	r.inflight.Add(1)
}

// ProcessFinished records the outcome of one processed delivery and
// decrements the in-flight gauge, guarding against negative counts when
// concurrent updates race.
func (r *Recorder) ProcessFinished(outcome string) {
	normalized := normalizeName(outcome)
	r.mu.Lock()
	r.processOutcome[normalized]++
	r.mu.Unlock()
	r.decrementGauge(&r.inflight)
}

// ObserveRendition counts one rendered output by codec.
func (r *Recorder) ObserveRendition(codec string) {
	normalized := normalizeName(codec)
	r.mu.Lock()
	r.renditionCodec[normalized]++
	r.mu.Unlock()
}

// ObserveUploadBatch records the result of one object-store batch and the
// number of objects it put.
func (r *Recorder) ObserveUploadBatch(result string, objects int) {
	label := batchLabel{result: normalizeName(result)}
	r.mu.Lock()
	r.uploadBatches[label]++
	if objects > 0 {
		r.uploadedObjects += uint64(objects)
	}
	r.mu.Unlock()
}

// ObserveDeadLetter counts one message routed to the dead-letter queue.
func (r *Recorder) ObserveDeadLetter() {
	r.mu.Lock()
	r.deadLetters++
	r.mu.Unlock()
}

// ObserveRequeue counts assets re-published by the requeue sweep.
func (r *Recorder) ObserveRequeue(count int) {
	if count <= 0 {
		return
	}
	r.mu.Lock()
	r.requeuedAssets += uint64(count)
	r.mu.Unlock()
}

// ObserveSpoolCleanup counts files removed by the spool retention sweep.
func (r *Recorder) ObserveSpoolCleanup(count int) {
	if count <= 0 {
		return
	}
	r.mu.Lock()
	r.spoolDeleted += uint64(count)
	r.mu.Unlock()
}

// InflightProcessing exposes the current gauge of deliveries being processed.
func (r *Recorder) InflightProcessing() int64 {
	return r.inflight.Load()
}

// ProcessCounts returns a copy of the per-outcome process counters for
// testing and reporting purposes.
func (r *Recorder) ProcessCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]uint64, len(r.processOutcome))
	for k, v := range r.processOutcome {
		counts[k] = v
	}
	return counts
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.processOutcome = make(map[string]uint64)
	r.renditionCodec = make(map[string]uint64)
	r.uploadBatches = make(map[batchLabel]uint64)
	r.uploadedObjects = 0
	r.deadLetters = 0
	r.requeuedAssets = 0
	r.spoolDeleted = 0
	r.inflight.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	outcomes := sortedKeys(r.processOutcome)
	codecs := sortedKeys(r.renditionCodec)
	batches := r.sortedBatchLabels()

	fmt.Fprintln(w, "# HELP assetpipe_http_requests_total Total number of HTTP requests served by the sidecar endpoint")
	fmt.Fprintln(w, "# TYPE assetpipe_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "assetpipe_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP assetpipe_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE assetpipe_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "assetpipe_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP assetpipe_assets_processed_total Processed deliveries by outcome")
	fmt.Fprintln(w, "# TYPE assetpipe_assets_processed_total counter")
	for _, outcome := range outcomes {
		fmt.Fprintf(w, "assetpipe_assets_processed_total{outcome=\"%s\"} %d\n", outcome, r.processOutcome[outcome])
	}

	fmt.Fprintln(w, "# HELP assetpipe_processing_inflight Current number of deliveries being processed")
	fmt.Fprintln(w, "# TYPE assetpipe_processing_inflight gauge")
	fmt.Fprintf(w, "assetpipe_processing_inflight %d\n", r.inflight.Load())

	fmt.Fprintln(w, "# HELP assetpipe_renditions_total Rendered outputs by codec")
	fmt.Fprintln(w, "# TYPE assetpipe_renditions_total counter")
	for _, codec := range codecs {
		fmt.Fprintf(w, "assetpipe_renditions_total{codec=\"%s\"} %d\n", codec, r.renditionCodec[codec])
	}

	fmt.Fprintln(w, "# HELP assetpipe_upload_batches_total Object-store batches by result")
	fmt.Fprintln(w, "# TYPE assetpipe_upload_batches_total counter")
	for _, label := range batches {
		fmt.Fprintf(w, "assetpipe_upload_batches_total{result=\"%s\"} %d\n", label.result, r.uploadBatches[label])
	}

	fmt.Fprintln(w, "# HELP assetpipe_uploaded_objects_total Objects put to the object store")
	fmt.Fprintln(w, "# TYPE assetpipe_uploaded_objects_total counter")
	fmt.Fprintf(w, "assetpipe_uploaded_objects_total %d\n", r.uploadedObjects)

	fmt.Fprintln(w, "# HELP assetpipe_dead_letters_total Messages routed to the dead-letter queue")
	fmt.Fprintln(w, "# TYPE assetpipe_dead_letters_total counter")
	fmt.Fprintf(w, "assetpipe_dead_letters_total %d\n", r.deadLetters)

	fmt.Fprintln(w, "# HELP assetpipe_requeued_assets_total Assets re-published by the requeue sweep")
	fmt.Fprintln(w, "# TYPE assetpipe_requeued_assets_total counter")
	fmt.Fprintf(w, "assetpipe_requeued_assets_total %d\n", r.requeuedAssets)

	fmt.Fprintln(w, "# HELP assetpipe_spool_files_deleted_total Spool files removed by the retention sweep")
	fmt.Fprintln(w, "# TYPE assetpipe_spool_files_deleted_total counter")
	fmt.Fprintf(w, "assetpipe_spool_files_deleted_total %d\n", r.spoolDeleted)
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedBatchLabels() []batchLabel {
	labels := make([]batchLabel, 0, len(r.uploadBatches))
	for label := range r.uploadBatches {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		return labels[i].result < labels[j].result
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// ProcessStarted increments the in-flight gauge on the default recorder.
func ProcessStarted() {
	defaultRecorder.ProcessStarted()
}

// ProcessFinished records a process outcome on the default recorder.
func ProcessFinished(outcome string) {
	defaultRecorder.ProcessFinished(outcome)
}

// ObserveRendition counts a rendered output on the default recorder.
func ObserveRendition(codec string) {
	defaultRecorder.ObserveRendition(codec)
}

// ObserveUploadBatch records an object-store batch on the default recorder.
func ObserveUploadBatch(result string, objects int) {
	defaultRecorder.ObserveUploadBatch(result, objects)
}

// ObserveDeadLetter counts a dead-lettered message on the default recorder.
func ObserveDeadLetter() {
	defaultRecorder.ObserveDeadLetter()
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
