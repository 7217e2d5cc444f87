// Package metrics2 offers a minimal metrics interface backed by Prometheus.
// Metric and tag names are cleaned to conform to Prometheus's restrictions,
// and repeated Get* calls with the same measurement and tags return the same
// underlying metric.
package metrics2

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// invalidChar matches any character not allowed in a Prometheus metric or
// label name.
var invalidChar = regexp.MustCompile("([^a-zA-Z0-9_:])")

func clean(s string) string {
	return invalidChar.ReplaceAllLiteralString(s, "_")
}

// Int64Metric is a metric that reports a single int64 value.
type Int64Metric interface {
	// Get returns the current value of the metric.
	Get() int64

	// Update sets the value of the metric.
	Update(v int64)
}

// promInt64 implements Int64Metric.
type promInt64 struct {
	// i shadows the gauge value, because the prometheus client lib doesn't
	// support get on Gauge values.
	i     int64
	gauge prometheus.Gauge
}

func (m *promInt64) Get() int64 {
	return atomic.LoadInt64(&m.i)
}

func (m *promInt64) Update(v int64) {
	atomic.StoreInt64(&m.i, v)
	m.gauge.Set(float64(v))
}

var (
	int64Metrics    = map[string]*promInt64{}
	int64MetricsMtx sync.Mutex
)

// commonGet returns a key for the metric cache and the merged, cleaned tags.
func commonGet(measurement string, tags ...map[string]string) (string, map[string]string) {
	merged := map[string]string{}
	for _, t := range tags {
		for k, v := range t {
			merged[clean(k)] = v
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys)+1)
	parts = append(parts, clean(measurement))
	for _, k := range keys {
		parts = append(parts, k+"="+merged[k])
	}
	return strings.Join(parts, ","), merged
}

// GetInt64Metric returns an Int64Metric with the given measurement name and
// tags, creating and registering it on first use.
func GetInt64Metric(measurement string, tags ...map[string]string) Int64Metric {
	key, merged := commonGet(measurement, tags...)
	int64MetricsMtx.Lock()
	defer int64MetricsMtx.Unlock()
	if m, ok := int64Metrics[key]; ok {
		return m
	}
	m := &promInt64{
		gauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name:        clean(measurement),
			ConstLabels: prometheus.Labels(merged),
		}),
	}
	int64Metrics[key] = m
	return m
}

// Counter is a metric that can be incremented and decremented.
type Counter struct {
	m   Int64Metric
	mtx sync.Mutex
}

// GetCounter returns a Counter with the given name and tags, creating and
// registering the underlying metric on first use.
func GetCounter(name string, tags ...map[string]string) *Counter {
	return &Counter{
		m: GetInt64Metric(name, tags...),
	}
}

// Inc increments the counter by the given quantity.
func (c *Counter) Inc(i int64) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.m.Update(c.m.Get() + i)
}

// Dec decrements the counter by the given quantity.
func (c *Counter) Dec(i int64) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.m.Update(c.m.Get() - i)
}

// Reset sets the counter to zero.
func (c *Counter) Reset() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.m.Update(0)
}

// Get returns the current value of the counter.
func (c *Counter) Get() int64 {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.m.Get()
}
