// Package prompush implements a metrics.Backend that pushes to a Prometheus Pushgateway.
//
// Collectors live in a private registry. Flush pushes the whole registry for
// the job (PUT semantics), so the gateway always holds the latest totals of
// this process.
package prompush

import (
	"fmt"
	"strings"

	"rawgetl/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Backend implements metrics.Backend on top of prometheus collectors.
type Backend struct {
	reg        *prometheus.Registry
	pusher     *push.Pusher
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	labelNames map[string][]string
}

type def struct {
	name    string
	help    string
	labels  []string
	buckets []float64
}

var counterDefs = []def{
	{name: metrics.StepTotal, help: "Pipeline stages by resource, step and status.", labels: []string{"resource", "step", "status"}},
	{name: metrics.RowsTotal, help: "Rows passing each pipeline stage.", labels: []string{"resource", "stage"}},
	{name: metrics.BatchesTotal, help: "Upsert batches by outcome.", labels: []string{"resource", "status"}},
	{name: metrics.HTTPRequestsTotal, help: "Upstream HTTP attempts.", labels: []string{"job", "status"}},
	{name: metrics.HTTPErrorsTotal, help: "Failed upstream HTTP attempts.", labels: []string{"job", "status"}},
}

var histogramDefs = []def{
	{name: metrics.StepDurationSeconds, help: "Pipeline stage duration.", labels: []string{"resource", "step", "status"}, buckets: prometheus.ExponentialBuckets(0.01, 2, 14)},
	{name: metrics.HTTPRequestSeconds, help: "Time to first upstream response.", labels: []string{"job", "status"}, buckets: prometheus.DefBuckets},
	{name: metrics.HTTPResponseSeconds, help: "Time to read the upstream response.", labels: []string{"job", "status"}, buckets: prometheus.DefBuckets},
	{name: metrics.HTTPDownloadBytes, help: "Upstream response size.", labels: []string{"job", "status"}, buckets: prometheus.ExponentialBuckets(512, 4, 8)},
}

// NewBackend registers the collectors and prepares a pusher for gatewayURL.
func NewBackend(jobName, gatewayURL string) (*Backend, error) {
	if strings.TrimSpace(gatewayURL) == "" {
		return nil, fmt.Errorf("prompush: gateway url is empty")
	}
	if jobName == "" {
		jobName = "rawgetl"
	}

	b := &Backend{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec, len(counterDefs)),
		histograms: make(map[string]*prometheus.HistogramVec, len(histogramDefs)),
		labelNames: make(map[string][]string, len(counterDefs)+len(histogramDefs)),
	}

	for _, d := range counterDefs {
		v := prometheus.NewCounterVec(prometheus.CounterOpts{Name: d.name, Help: d.help}, d.labels)
		if err := b.reg.Register(v); err != nil {
			return nil, fmt.Errorf("prompush: register %s: %w", d.name, err)
		}
		b.counters[d.name] = v
		b.labelNames[d.name] = d.labels
	}
	for _, d := range histogramDefs {
		v := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: d.name, Help: d.help, Buckets: d.buckets}, d.labels)
		if err := b.reg.Register(v); err != nil {
			return nil, fmt.Errorf("prompush: register %s: %w", d.name, err)
		}
		b.histograms[d.name] = v
		b.labelNames[d.name] = d.labels
	}

	b.pusher = push.New(gatewayURL, jobName).Gatherer(b.reg)
	return b, nil
}

// IncCounter implements metrics.Backend. Unknown metric names are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	v, ok := b.counters[name]
	if !ok || delta <= 0 {
		return
	}
	c, err := v.GetMetricWith(b.complete(name, labels))
	if err != nil {
		return
	}
	c.Add(delta)
}

// ObserveHistogram implements metrics.Backend. Unknown metric names are ignored.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	v, ok := b.histograms[name]
	if !ok || value < 0 {
		return
	}
	o, err := v.GetMetricWith(b.complete(name, labels))
	if err != nil {
		return
	}
	o.Observe(value)
}

// Flush pushes the registry to the gateway.
func (b *Backend) Flush() error {
	if err := b.pusher.Push(); err != nil {
		return fmt.Errorf("prompush: push: %w", err)
	}
	return nil
}

// Close performs a final push.
func (b *Backend) Close() error { return b.Flush() }

// complete returns exactly the declared label set for name, filling
// missing values with "unknown" and dropping undeclared keys.
func (b *Backend) complete(name string, labels metrics.Labels) prometheus.Labels {
	names := b.labelNames[name]
	out := make(prometheus.Labels, len(names))
	for _, n := range names {
		v := labels[n]
		if v == "" {
			v = "unknown"
		}
		out[n] = v
	}
	return out
}

var _ metrics.Backend = (*Backend)(nil)
