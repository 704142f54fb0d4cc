// Package models defines the usage metrics snapshot for ConciergePipe.
package models

import (
	"strings"
	"time"
)

// Metrics is a snapshot of the long-lived usage counters kept by the metrics
// store. LastReset is nil until the counters are reset for the first time.
type Metrics struct {
	SessionsCreated int64          `json:"sessions_created"`
	FlowsCompleted  map[Flow]int64 `json:"flows_completed"`
	TotalMessages   int64          `json:"total_messages"`
	GeneratorCalls  int64          `json:"generator_calls"`
	Errors          int64          `json:"errors"`
	LastReset       *time.Time     `json:"last_reset"`
}

// NewMetrics returns a zeroed snapshot with the per-flow map pre-seeded so
// serialized output always lists every flow.
func NewMetrics() Metrics {
	return Metrics{
		FlowsCompleted: map[Flow]int64{
			FlowDiet:     0,
			FlowShopping: 0,
			FlowTravel:   0,
		},
	}
}

// Apply adds delta to the counter identified by metric.
func (m *Metrics) Apply(metric Metric, delta int64) {
	switch metric {
	case MetricSessionsCreated:
		m.SessionsCreated += delta
	case MetricTotalMessages:
		m.TotalMessages += delta
	case MetricGeneratorCalls:
		m.GeneratorCalls += delta
	case MetricErrors:
		m.Errors += delta
	default:
		if flow, ok := strings.CutPrefix(string(metric), "flows_completed."); ok {
			if m.FlowsCompleted == nil {
				m.FlowsCompleted = make(map[Flow]int64)
			}
			m.FlowsCompleted[Flow(flow)] += delta
		}
	}
}

// Counters flattens the snapshot into named counter values.
func (m *Metrics) Counters() map[Metric]int64 {
	counters := map[Metric]int64{
		MetricSessionsCreated: m.SessionsCreated,
		MetricTotalMessages:   m.TotalMessages,
		MetricGeneratorCalls:  m.GeneratorCalls,
		MetricErrors:          m.Errors,
	}
	for flow, n := range m.FlowsCompleted {
		counters[FlowCompletionMetric(flow)] = n
	}
	return counters
}

// Get reads the counter identified by metric.
func (m *Metrics) Get(metric Metric) int64 {
	switch metric {
	case MetricSessionsCreated:
		return m.SessionsCreated
	case MetricTotalMessages:
		return m.TotalMessages
	case MetricGeneratorCalls:
		return m.GeneratorCalls
	case MetricErrors:
		return m.Errors
	default:
		if flow, ok := strings.CutPrefix(string(metric), "flows_completed."); ok {
			return m.FlowsCompleted[Flow(flow)]
		}
	}
	return 0
}
