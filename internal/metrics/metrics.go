// Package metrics is the backend-neutral metrics facade used by the pipeline.
//
// Core code records through the helpers in this file (RecordStep, RecordRows,
// RecordBatch, RecordHTTP). The entry point selects a concrete backend once at
// startup with SetBackend; until then every call goes to a no-op backend.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Labels are the dimension values attached to a single observation.
type Labels map[string]string

// Backend receives counter increments and histogram observations.
//
// Implementations must be safe for concurrent use: pipelines for different
// resources record from their own goroutines.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

// Metric names shared by all backends.
const (
	StepTotal           = "rawg_step_total"
	StepDurationSeconds = "rawg_step_duration_seconds"
	RowsTotal           = "rawg_rows_total"
	BatchesTotal        = "rawg_batches_total"
	HTTPRequestsTotal   = "rawg_http_requests_total"
	HTTPErrorsTotal     = "rawg_http_errors_total"
	HTTPRequestSeconds  = "rawg_http_request_duration_seconds"
	HTTPResponseSeconds = "rawg_http_response_duration_seconds"
	HTTPDownloadBytes   = "rawg_http_download_bytes"
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. A nil b restores the no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		backend = nopBackend{}
		return
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush flushes the installed backend.
func Flush() error {
	return current().Flush()
}

// RecordStep records one pipeline stage (extract, transform, load) for a resource.
func RecordStep(resource, step string, err error, d time.Duration) {
	l := Labels{"resource": resource, "step": step, "status": statusOf(err)}
	b := current()
	b.IncCounter(StepTotal, 1, l)
	b.ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}

// RecordRows counts rows passing a stage ("fetched", "transformed", "dropped", "loaded").
func RecordRows(resource, stage string, n int) {
	if n <= 0 {
		return
	}
	current().IncCounter(RowsTotal, float64(n), Labels{"resource": resource, "stage": stage})
}

// RecordBatch counts one upsert batch with its outcome ("ok" or "error").
func RecordBatch(resource, status string) {
	current().IncCounter(BatchesTotal, 1, Labels{"resource": resource, "status": status})
}

// RecordHTTP records one upstream HTTP attempt.
//
// status is the HTTP status code, or 0 when no response was received.
// reqDur is the time to first response, respDur the time until the body was read.
func RecordHTTP(job string, status int, err error, reqDur, respDur time.Duration, bytes int64) {
	s := "0"
	if status > 0 {
		s = strconv.Itoa(status)
	}
	l := Labels{"job": job, "status": s}

	b := current()
	b.IncCounter(HTTPRequestsTotal, 1, l)
	if err != nil || status >= 400 || status == 0 {
		b.IncCounter(HTTPErrorsTotal, 1, l)
	}
	if reqDur >= 0 {
		b.ObserveHistogram(HTTPRequestSeconds, reqDur.Seconds(), l)
	}
	if respDur >= 0 {
		b.ObserveHistogram(HTTPResponseSeconds, respDur.Seconds(), l)
	}
	if bytes >= 0 {
		b.ObserveHistogram(HTTPDownloadBytes, float64(bytes), l)
	}
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
