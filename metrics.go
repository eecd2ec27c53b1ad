package cloudguard

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

type InMemoryMetricsCollector struct {
	counters   map[string]map[string]int64
	gauges     map[string]map[string]float64
	histograms map[string][]float64
	mu         sync.RWMutex
}

func NewInMemoryMetricsCollector() *InMemoryMetricsCollector {
	return &InMemoryMetricsCollector{
		counters:   make(map[string]map[string]int64),
		gauges:     make(map[string]map[string]float64),
		histograms: make(map[string][]float64),
	}
}

func (m *InMemoryMetricsCollector) IncrementCounter(name string, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.counters[name] == nil {
		m.counters[name] = make(map[string]int64)
	}
	m.counters[name][labelKey(labels)]++
}

func (m *InMemoryMetricsCollector) ObserveHistogram(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.histograms[name] = append(m.histograms[name], value)
}

func (m *InMemoryMetricsCollector) SetGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gauges[name] == nil {
		m.gauges[name] = make(map[string]float64)
	}
	m.gauges[name][labelKey(labels)] = value
}

// labelKey renders labels in exposition format, k1="v1",k2="v2", so the
// stored key can be emitted verbatim by ExportPrometheus. Empty label sets
// map to the empty key and are exported without braces.
func labelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return strings.Join(parts, ",")
}

// CounterValue returns the current value of a counter, for tests.
func (m *InMemoryMetricsCollector) CounterValue(name string, labels map[string]string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if counters, exists := m.counters[name]; exists {
		return counters[labelKey(labels)]
	}
	return 0
}

// ExportPrometheus renders all metrics in Prometheus exposition format.
func (m *InMemoryMetricsCollector) ExportPrometheus() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var output strings.Builder

	for name, labelMap := range m.counters {
		output.WriteString(fmt.Sprintf("# TYPE %s counter\n", name))
		for lk, value := range labelMap {
			if lk == "" {
				output.WriteString(fmt.Sprintf("%s %d\n", name, value))
				continue
			}
			output.WriteString(fmt.Sprintf("%s{%s} %d\n", name, lk, value))
		}
	}

	for name, labelMap := range m.gauges {
		output.WriteString(fmt.Sprintf("# TYPE %s gauge\n", name))
		for lk, value := range labelMap {
			if lk == "" {
				output.WriteString(fmt.Sprintf("%s %f\n", name, value))
				continue
			}
			output.WriteString(fmt.Sprintf("%s{%s} %f\n", name, lk, value))
		}
	}

	for name, values := range m.histograms {
		if len(values) == 0 {
			continue
		}
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		output.WriteString(fmt.Sprintf("# TYPE %s histogram\n", name))
		output.WriteString(fmt.Sprintf("%s_sum %f\n", name, sum))
		output.WriteString(fmt.Sprintf("%s_count %d\n", name, len(values)))
	}

	return output.String()
}
