// Package metricscol is the in-process metrics collector spec §4.9
// requires: counters/gauges/histograms, a snapshot view, and an
// OpenMetrics-compatible text exporter, grounded on the sorted-keys,
// HELP/TYPE-comment exposition shape of the teacher's
// internal/metrics.Collector.Expose, adapted from Prometheus's classic
// text format to the OpenMetrics text dialect (trailing "# EOF" marker,
// "_total" counter suffix).
package metricscol

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// defaultBuckets are the fixed latency bucket boundaries (seconds) used
// for every histogram this collector tracks.
var defaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

type histogram struct {
	buckets []float64
	counts  []int64
	sum     float64
	count   int64
}

func newHistogram() *histogram {
	return &histogram{buckets: defaultBuckets, counts: make([]int64, len(defaultBuckets)+1)}
}

func (h *histogram) observe(v float64) {
	h.sum += v
	h.count++
	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
			return
		}
	}
	h.counts[len(h.counts)-1]++
}

// Collector tracks counters, gauges, and histograms keyed by a metric
// name plus a flattened label set, matching the single-RWMutex
// strategy the teacher's Collector documents (simplicity over
// sharded-map complexity at this scale).
type Collector struct {
	mu         sync.RWMutex
	counters   map[string]int64
	gauges     map[string]float64
	histograms map[string]*histogram

	nowFunc func() time.Time
}

func New() *Collector {
	return &Collector{
		counters:   make(map[string]int64),
		gauges:     make(map[string]float64),
		histograms: make(map[string]*histogram),
		nowFunc:    time.Now,
	}
}

func key(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

// Inc increments a counter by delta (spec §4.9: "inc").
func (c *Collector) Inc(name string, labels map[string]string, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[key(name, labels)] += delta
}

// Set assigns a gauge's current value (spec §4.9: "set").
func (c *Collector) Set(name string, labels map[string]string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[key(name, labels)] = value
}

// Observe records one histogram sample (spec §4.9: "observe").
func (c *Collector) Observe(name string, labels map[string]string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(name, labels)
	h, ok := c.histograms[k]
	if !ok {
		h = newHistogram()
		c.histograms[k] = h
	}
	h.observe(value)
}

// Timer starts a histogram observation that finishes (and records
// elapsed seconds) when the returned func is called, the idiom spec
// §4.9's "timer(name)" names.
func (c *Collector) Timer(name string, labels map[string]string) func() {
	start := c.nowFunc()
	return func() {
		c.Observe(name, labels, c.nowFunc().Sub(start).Seconds())
	}
}

// Snapshot is the point-in-time read-only view Snapshot() returns.
type Snapshot struct {
	Counters   map[string]int64
	Gauges     map[string]float64
	Histograms map[string]HistogramSnapshot
}

type HistogramSnapshot struct {
	Sum     float64
	Count   int64
	Buckets []float64
	Counts  []int64
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Counters:   make(map[string]int64, len(c.counters)),
		Gauges:     make(map[string]float64, len(c.gauges)),
		Histograms: make(map[string]HistogramSnapshot, len(c.histograms)),
	}
	for k, v := range c.counters {
		s.Counters[k] = v
	}
	for k, v := range c.gauges {
		s.Gauges[k] = v
	}
	for k, h := range c.histograms {
		counts := make([]int64, len(h.counts))
		copy(counts, h.counts)
		s.Histograms[k] = HistogramSnapshot{Sum: h.sum, Count: h.count, Buckets: h.buckets, Counts: counts}
	}
	return s
}

// Export renders every tracked metric in OpenMetrics text exposition
// format, sorted for deterministic output (spec §4.9 "export()").
func (c *Collector) Export() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var sb strings.Builder

	counterKeys := sortedKeys(c.counters)
	for _, k := range counterKeys {
		fmt.Fprintf(&sb, "%s_total %v\n", k, c.counters[k])
	}

	gaugeKeys := make([]string, 0, len(c.gauges))
	for k := range c.gauges {
		gaugeKeys = append(gaugeKeys, k)
	}
	sort.Strings(gaugeKeys)
	for _, k := range gaugeKeys {
		fmt.Fprintf(&sb, "%s %v\n", k, c.gauges[k])
	}

	histKeys := make([]string, 0, len(c.histograms))
	for k := range c.histograms {
		histKeys = append(histKeys, k)
	}
	sort.Strings(histKeys)
	for _, k := range histKeys {
		h := c.histograms[k]
		for i, b := range h.buckets {
			fmt.Fprintf(&sb, "%s_bucket{le=\"%g\"} %d\n", k, b, h.counts[i])
		}
		fmt.Fprintf(&sb, "%s_bucket{le=\"+Inf\"} %d\n", k, h.counts[len(h.counts)-1])
		fmt.Fprintf(&sb, "%s_sum %v\n", k, h.sum)
		fmt.Fprintf(&sb, "%s_count %d\n", k, h.count)
	}

	sb.WriteString("# EOF\n")
	return sb.String()
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
