// internal/utils/metrics.go
package utils

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector aggregates in-process counters, gauges and histograms
type MetricsCollector struct {
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram

	mu sync.RWMutex
}

// Counter is a monotonically increasing metric
type Counter struct {
	name  string
	value int64 // atomic
}

// Gauge is a point-in-time metric that can move both ways
type Gauge struct {
	name  string
	value int64 // atomic
}

// Histogram tracks count, sum, min and max of recorded values
type Histogram struct {
	name  string
	count int64
	sum   int64
	min   int64
	max   int64
	mu    sync.Mutex
}

var (
	globalMetrics *MetricsCollector
	metricsOnce   sync.Once
)

// GetMetricsCollector hands out the process-wide collector
func GetMetricsCollector() *MetricsCollector {
	metricsOnce.Do(func() {
		globalMetrics = &MetricsCollector{
			counters:   make(map[string]*Counter),
			gauges:     make(map[string]*Gauge),
			histograms: make(map[string]*Histogram),
		}
	})
	return globalMetrics
}

// lookupOrCreate returns table[name], creating the entry on first use.
// The fast path only takes the read lock.
func lookupOrCreate[T any](mu *sync.RWMutex, table map[string]*T, name string, create func() *T) *T {
	mu.RLock()
	v, ok := table[name]
	mu.RUnlock()
	if ok {
		return v
	}

	mu.Lock()
	defer mu.Unlock()
	if v, ok = table[name]; !ok {
		v = create()
		table[name] = v
	}
	return v
}

func (m *MetricsCollector) counter(name string) *Counter {
	return lookupOrCreate(&m.mu, m.counters, name, func() *Counter { return &Counter{name: name} })
}

func (m *MetricsCollector) gauge(name string) *Gauge {
	return lookupOrCreate(&m.mu, m.gauges, name, func() *Gauge { return &Gauge{name: name} })
}

func (m *MetricsCollector) histogram(name string) *Histogram {
	return lookupOrCreate(&m.mu, m.histograms, name, func() *Histogram { return &Histogram{name: name} })
}

// IncrementCounter adds one to a counter metric
func (m *MetricsCollector) IncrementCounter(name string) {
	atomic.AddInt64(&m.counter(name).value, 1)
}

// AddCounter adds a value to a counter metric
func (m *MetricsCollector) AddCounter(name string, value int64) {
	atomic.AddInt64(&m.counter(name).value, value)
}

// SetGauge sets a gauge metric
func (m *MetricsCollector) SetGauge(name string, value int64) {
	atomic.StoreInt64(&m.gauge(name).value, value)
}

// IncGauge bumps a gauge by one
func (m *MetricsCollector) IncGauge(name string) {
	atomic.AddInt64(&m.gauge(name).value, 1)
}

// DecGauge lowers a gauge by one
func (m *MetricsCollector) DecGauge(name string) {
	atomic.AddInt64(&m.gauge(name).value, -1)
}

// GetGauge gets the current value of a gauge, zero if it was never set
func (m *MetricsCollector) GetGauge(name string) int64 {
	m.mu.RLock()
	g, ok := m.gauges[name]
	m.mu.RUnlock()

	if !ok {
		return 0
	}
	return atomic.LoadInt64(&g.value)
}

// GetCounterValue gets the current value of a counter, zero if it was never bumped
func (m *MetricsCollector) GetCounterValue(name string) int64 {
	m.mu.RLock()
	c, ok := m.counters[name]
	m.mu.RUnlock()

	if !ok {
		return 0
	}
	return atomic.LoadInt64(&c.value)
}

// RecordHistogram folds a sample into the named histogram
func (m *MetricsCollector) RecordHistogram(name string, value int64) {
	h := m.histogram(name)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == 0 {
		h.min, h.max = value, value
	} else {
		if value < h.min {
			h.min = value
		}
		if value > h.max {
			h.max = value
		}
	}
	h.count++
	h.sum += value
}

// GetMetrics assembles a point-in-time view of every metric
func (m *MetricsCollector) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counters := make(map[string]int64, len(m.counters))
	for name, c := range m.counters {
		counters[name] = atomic.LoadInt64(&c.value)
	}
	gauges := make(map[string]int64, len(m.gauges))
	for name, g := range m.gauges {
		gauges[name] = atomic.LoadInt64(&g.value)
	}

	// Histograms still need their mutex for min/max consistency
	histograms := make(map[string]map[string]int64, len(m.histograms))
	for name, h := range m.histograms {
		h.mu.Lock()
		histograms[name] = map[string]int64{
			"count": h.count,
			"sum":   h.sum,
			"min":   h.min,
			"max":   h.max,
		}
		h.mu.Unlock()
	}

	return map[string]interface{}{
		"counters":   counters,
		"gauges":     gauges,
		"histograms": histograms,
	}
}

// APIMetrics records operational metrics for the HTTP, LLM and build layers
type APIMetrics struct {
	collector *MetricsCollector
	log       *Logger
}

// NewAPIMetrics wires the HTTP-facing recorder to the global collector
func NewAPIMetrics() *APIMetrics {
	return &APIMetrics{collector: GetMetricsCollector(), log: GetLogger()}
}

// RecordAPIRequest records metrics for one handled HTTP request
func (m *APIMetrics) RecordAPIRequest(endpoint, method string, statusCode int, duration time.Duration) {
	m.collector.IncrementCounter("api_requests_total")
	m.collector.IncrementCounter("api_requests_" + method + "_" + endpoint)
	m.collector.RecordHistogram("api_response_time_ms", duration.Milliseconds())
	m.collector.IncrementCounter(fmt.Sprintf("api_responses_%dxx", statusCode/100))

	m.log.Debug("API request completed", map[string]interface{}{
		"endpoint": endpoint,
		"method":   method,
		"status":   statusCode,
		"duration": duration.Milliseconds(),
	})
}

// RecordLLMRequest records metrics for one model call
func (m *APIMetrics) RecordLLMRequest(provider, model string, tokensUsed int, duration time.Duration) {
	m.collector.IncrementCounter("llm_requests_total")
	m.collector.IncrementCounter("llm_requests_" + provider)
	m.collector.AddCounter("llm_tokens_total", int64(tokensUsed))
	m.collector.RecordHistogram("llm_response_time_ms", duration.Milliseconds())

	m.log.Info("LLM request completed", map[string]interface{}{
		"provider": provider,
		"model":    model,
		"tokens":   tokensUsed,
		"duration": duration.Milliseconds(),
	})
}

// RecordStoryBuild records metrics for one finished build task
func (m *APIMetrics) RecordStoryBuild(storyID, taskType string, success bool, duration time.Duration) {
	m.collector.IncrementCounter("story_builds_total")
	m.collector.IncrementCounter("story_builds_" + taskType)
	if !success {
		m.collector.IncrementCounter("story_builds_failed")
	}
	m.collector.RecordHistogram("story_build_time_ms", duration.Milliseconds())

	m.log.Info("Story build recorded", map[string]interface{}{
		"story_id": storyID,
		"type":     taskType,
		"success":  success,
		"duration": duration.Milliseconds(),
	})
}

// RecordError records an error metric
func (m *APIMetrics) RecordError(errorType, component string) {
	m.collector.IncrementCounter("errors_total")
	m.collector.IncrementCounter("errors_" + errorType)
	m.collector.IncrementCounter("errors_" + component)

	m.log.Debug("Error recorded", map[string]interface{}{
		"type":      errorType,
		"component": component,
	})
}

// StartMetricsCollection periodically logs a metrics snapshot until ctx is done
func (m *APIMetrics) StartMetricsCollection(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.log.Info("Periodic metrics report", map[string]interface{}{
					"metrics": m.collector.GetMetrics(),
				})
			}
		}
	}()
}
