// Package store provides the MetricsRepo interface for usage counters.
package store

import (
	"context"

	"github.com/BTreeMap/ConciergePipe/internal/models"
)

// MetricsRepo defines the interface for the long-lived usage counters.
type MetricsRepo interface {
	// LoadMetrics returns a snapshot of all counters.
	LoadMetrics(ctx context.Context) (models.Metrics, error)

	// SaveMetrics replaces the stored counters with the snapshot.
	SaveMetrics(ctx context.Context, metrics models.Metrics) error

	// IncrMetric adds one to the named counter. Increments from concurrent
	// writers must not be lost.
	IncrMetric(ctx context.Context, metric models.Metric) error

	// ResetMetrics zeroes all counters and records the reset time.
	ResetMetrics(ctx context.Context) error
}
