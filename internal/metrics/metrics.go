// metrics.go - Metrics collection for zkpay
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter   MetricType = "counter"
	Gauge     MetricType = "gauge"
	Histogram MetricType = "histogram"
)

// histogramWindow is how many samples a histogram keeps.
const histogramWindow = 1000

// Metric represents a single metric
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// MetricsCollector manages metrics collection
type MetricsCollector struct {
	mu         sync.RWMutex
	metrics    map[string]*Metric
	counters   map[string]*int64
	gauges     map[string]*float64
	histograms map[string][]float64
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		metrics:    make(map[string]*Metric),
		counters:   make(map[string]*int64),
		gauges:     make(map[string]*float64),
		histograms: make(map[string][]float64),
	}
}

// IncrementCounter increments a counter metric
func (mc *MetricsCollector) IncrementCounter(name string, labels map[string]string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := makeKey(name, labels)
	if counter, exists := mc.counters[key]; exists {
		atomic.AddInt64(counter, 1)
	} else {
		var value int64 = 1
		mc.counters[key] = &value
	}

	mc.updateMetric(key, name, Counter, float64(*mc.counters[key]), labels)
}

// SetGauge sets a gauge metric value
func (mc *MetricsCollector) SetGauge(name string, value float64, labels map[string]string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := makeKey(name, labels)
	if gauge, exists := mc.gauges[key]; exists {
		*gauge = value
	} else {
		mc.gauges[key] = &value
	}

	mc.updateMetric(key, name, Gauge, value, labels)
}

// RecordHistogram records a value in a histogram
func (mc *MetricsCollector) RecordHistogram(name string, value float64, labels map[string]string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := makeKey(name, labels)
	mc.histograms[key] = append(mc.histograms[key], value)
	if n := len(mc.histograms[key]); n > histogramWindow {
		mc.histograms[key] = mc.histograms[key][n-histogramWindow:]
	}

	mc.updateMetric(key, name, Histogram, value, labels)
}

// GetMetric retrieves a metric by name and labels
func (mc *MetricsCollector) GetMetric(name string, labels map[string]string) *Metric {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	return mc.metrics[makeKey(name, labels)]
}

// GetAllMetrics returns all collected metrics, sorted by key
func (mc *MetricsCollector) GetAllMetrics() []*Metric {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	keys := make([]string, 0, len(mc.metrics))
	for key := range mc.metrics {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	metrics := make([]*Metric, 0, len(keys))
	for _, key := range keys {
		metrics = append(metrics, mc.metrics[key])
	}
	return metrics
}

// HistogramStats summarizes the retained samples of one histogram.
type HistogramStats struct {
	Count float64 `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Sum   float64 `json:"sum"`
	Avg   float64 `json:"avg"`
}

// Summary is a point-in-time view of every metric.
type Summary struct {
	Counters   map[string]int64          `json:"counters"`
	Gauges     map[string]float64        `json:"gauges"`
	Histograms map[string]HistogramStats `json:"histograms"`
}

// GetMetricsSummary returns a summary of all metrics
func (mc *MetricsCollector) GetMetricsSummary() *Summary {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	summary := &Summary{
		Counters:   make(map[string]int64, len(mc.counters)),
		Gauges:     make(map[string]float64, len(mc.gauges)),
		Histograms: make(map[string]HistogramStats, len(mc.histograms)),
	}
	for key, counter := range mc.counters {
		summary.Counters[key] = atomic.LoadInt64(counter)
	}
	for key, gauge := range mc.gauges {
		summary.Gauges[key] = *gauge
	}
	for key, values := range mc.histograms {
		if len(values) == 0 {
			continue
		}
		stats := HistogramStats{Count: float64(len(values)), Min: values[0], Max: values[0]}
		for _, value := range values {
			stats.Min = min(stats.Min, value)
			stats.Max = max(stats.Max, value)
			stats.Sum += value
		}
		stats.Avg = stats.Sum / stats.Count
		summary.Histograms[key] = stats
	}
	return summary
}

// Reset resets all metrics
func (mc *MetricsCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.metrics = make(map[string]*Metric)
	mc.counters = make(map[string]*int64)
	mc.gauges = make(map[string]*float64)
	mc.histograms = make(map[string][]float64)
}

// makeKey creates a unique key for a metric name and labels. Labels are
// sorted so the key does not depend on map order.
func makeKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range names {
		fmt.Fprintf(&b, "_%s_%s", k, labels[k])
	}
	return b.String()
}

// updateMetric updates or creates a metric
func (mc *MetricsCollector) updateMetric(key, name string, metricType MetricType, value float64, labels map[string]string) {
	mc.metrics[key] = &Metric{
		Name:      name,
		Type:      metricType,
		Value:     value,
		Labels:    labels,
		Timestamp: time.Now(),
	}
}

// Predefined metric names
const (
	MetricProofGenerationTime   = "proof_generation_time"
	MetricProofVerificationTime = "proof_verification_time"
	MetricTransfers             = "transfers_total"
	MetricMints                 = "mints_total"
	MetricErrorCount            = "error_count"
	MetricLedgerCommitments     = "ledger_commitments"
	MetricLedgerNullifiers      = "ledger_nullifiers"
)

// Convenience methods for common metrics. Together they satisfy
// zerocash.Recorder.

func (mc *MetricsCollector) RecordProofGeneration(duration time.Duration) {
	mc.RecordHistogram(MetricProofGenerationTime, duration.Seconds(), nil)
}

func (mc *MetricsCollector) RecordProofVerification(duration time.Duration) {
	mc.RecordHistogram(MetricProofVerificationTime, duration.Seconds(), nil)
}

func (mc *MetricsCollector) RecordTransfer(status string) {
	mc.IncrementCounter(MetricTransfers, map[string]string{"status": status})
}

func (mc *MetricsCollector) RecordMint() {
	mc.IncrementCounter(MetricMints, nil)
}

func (mc *MetricsCollector) RecordError(errorType string) {
	mc.IncrementCounter(MetricErrorCount, map[string]string{"type": errorType})
}

func (mc *MetricsCollector) RecordLedgerSize(commitments, nullifiers int) {
	mc.SetGauge(MetricLedgerCommitments, float64(commitments), nil)
	mc.SetGauge(MetricLedgerNullifiers, float64(nullifiers), nil)
}
