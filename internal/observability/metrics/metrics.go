package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
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

// JobLabel identifies transcode job outcomes by terminal status.
type JobLabel struct {
	Status string
}

// Recorder aggregates in-memory counters for HTTP traffic and transcode job
// outcomes. It exposes them in Prometheus text format without pulling in a
// client library; the surface is small enough that a hand-rolled exposition
// keeps the dependency graph flat.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	jobCount        map[JobLabel]uint64
	keyRequests     map[string]uint64
	activeJobs      atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		jobCount:        make(map[JobLabel]uint64),
		keyRequests:     make(map[string]uint64),
	}
}

// Default returns the process-wide recorder.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest records a completed HTTP request.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	label := requestLabel{method: method, path: path, status: strconv.Itoa(status)}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// JobStarted increments the active transcode job gauge.
func (r *Recorder) JobStarted() {
	if r == nil {
		return
	}
	r.activeJobs.Add(1)
}

// JobFinished decrements the gauge and records the terminal status.
func (r *Recorder) JobFinished(status string) {
	if r == nil {
		return
	}
	r.activeJobs.Add(-1)
	r.mu.Lock()
	r.jobCount[JobLabel{Status: status}]++
	r.mu.Unlock()
}

// ObserveKeyRequest records the outcome of a key retrieval ("served",
// "not_found", "denied", or "error").
func (r *Recorder) ObserveKeyRequest(outcome string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.keyRequests[outcome]++
	r.mu.Unlock()
}

// Handler serves the recorder state in Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprint(w, r.render())
	})
}

func (r *Recorder) render() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	b.WriteString("# TYPE coursecast_http_requests_total counter\n")
	for _, label := range sortedRequestLabels(r.requestCount) {
		fmt.Fprintf(&b, "coursecast_http_requests_total{method=%q,path=%q,status=%q} %d\n",
			label.method, label.path, label.status, r.requestCount[label])
	}
	b.WriteString("# TYPE coursecast_http_request_duration_seconds_sum counter\n")
	for _, label := range sortedRequestLabels(r.requestDuration) {
		fmt.Fprintf(&b, "coursecast_http_request_duration_seconds_sum{method=%q,path=%q,status=%q} %f\n",
			label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}
	b.WriteString("# TYPE coursecast_transcode_jobs_total counter\n")
	jobLabels := make([]JobLabel, 0, len(r.jobCount))
	for label := range r.jobCount {
		jobLabels = append(jobLabels, label)
	}
	sort.Slice(jobLabels, func(i, j int) bool { return jobLabels[i].Status < jobLabels[j].Status })
	for _, label := range jobLabels {
		fmt.Fprintf(&b, "coursecast_transcode_jobs_total{status=%q} %d\n", label.Status, r.jobCount[label])
	}
	b.WriteString("# TYPE coursecast_transcode_jobs_active gauge\n")
	fmt.Fprintf(&b, "coursecast_transcode_jobs_active %d\n", r.activeJobs.Load())
	b.WriteString("# TYPE coursecast_key_requests_total counter\n")
	outcomes := make([]string, 0, len(r.keyRequests))
	for outcome := range r.keyRequests {
		outcomes = append(outcomes, outcome)
	}
	sort.Strings(outcomes)
	for _, outcome := range outcomes {
		fmt.Fprintf(&b, "coursecast_key_requests_total{outcome=%q} %d\n", outcome, r.keyRequests[outcome])
	}
	return b.String()
}

func sortedRequestLabels[V any](m map[requestLabel]V) []requestLabel {
	labels := make([]requestLabel, 0, len(m))
	for label := range m {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		return labels[i].status < labels[j].status
	})
	return labels
}
