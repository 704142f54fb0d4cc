package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ConciergePipe/internal/genai"
	"github.com/BTreeMap/ConciergePipe/internal/models"
)

// Generator produces the final free-form result text for a completed flow.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts genai.GenerateOptions) (string, error)
}

// MemoryStore persists long-lived participant facts across sessions.
type MemoryStore interface {
	LoadMemory(ctx context.Context, participantID string) (map[string]string, error)
	SaveMemory(ctx context.Context, participantID string, memory map[string]string) error
}

// MetricsStore counts usage events.
type MetricsStore interface {
	IncrMetric(ctx context.Context, metric models.Metric) error
}

// Dispatcher handles completed flows: it renders the flow's finalizer prompt,
// calls the generator, records memory, and counts the completion. It never
// touches session state, so a generator failure cannot undo the reset the
// turn processor already applied.
type Dispatcher struct {
	generator Generator
	memory    MemoryStore
	metrics   MetricsStore
	now       func() time.Time
}

// NewDispatcher creates a Dispatcher with the given dependencies. The memory
// and metrics stores may be nil, in which case those side effects are skipped.
func NewDispatcher(generator Generator, memory MemoryStore, metrics MetricsStore) *Dispatcher {
	return &Dispatcher{
		generator: generator,
		memory:    memory,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Dispatch produces the result message for a completed flow. Failures are
// folded into the returned text rather than propagated: the participant is
// always told something, and the conversation has already moved on.
func (d *Dispatcher) Dispatch(ctx context.Context, c models.Completion) string {
	slog.Debug("Dispatcher.Dispatch: finalizing flow",
		"participantID", c.ParticipantID, "flow", c.Flow, "language", c.Language)

	finalizer, err := finalizerFor(c.Flow)
	if err != nil {
		slog.Error("Dispatcher.Dispatch: finalizer lookup failed",
			"error", err, "participantID", c.ParticipantID, "flow", c.Flow)
		d.count(ctx, models.MetricErrors)
		return fmt.Sprintf("⚠️ Generator error: %v", err)
	}

	prompt := finalizer.BuildPrompt(c)
	result, err := d.generator.Generate(ctx, prompt, finalizer.Options)
	if err != nil {
		slog.Error("Dispatcher.Dispatch: generator call failed",
			"error", err, "participantID", c.ParticipantID, "flow", c.Flow)
		return fmt.Sprintf("⚠️ Generator error: %v", err)
	}

	d.recordMemory(ctx, c, finalizer)
	d.count(ctx, models.FlowCompletionMetric(c.Flow))

	slog.Info("Dispatcher.Dispatch: flow finalized",
		"participantID", c.ParticipantID, "flow", c.Flow, "resultLength", len(result))
	return result
}

// recordMemory merges the finalizer's derived facts into the participant's
// memory. A load failure degrades to an empty map so a corrupt or missing
// record never blocks the result.
func (d *Dispatcher) recordMemory(ctx context.Context, c models.Completion, finalizer Finalizer) {
	if d.memory == nil || finalizer.RecordMemory == nil {
		return
	}
	memory, err := d.memory.LoadMemory(ctx, c.ParticipantID)
	if err != nil {
		slog.Warn("Dispatcher.recordMemory: load failed, starting empty",
			"error", err, "participantID", c.ParticipantID)
		memory = nil
	}
	if memory == nil {
		memory = make(map[string]string)
	}
	finalizer.RecordMemory(c, d.now(), memory)
	if err := d.memory.SaveMemory(ctx, c.ParticipantID, memory); err != nil {
		slog.Error("Dispatcher.recordMemory: save failed",
			"error", err, "participantID", c.ParticipantID)
		d.count(ctx, models.MetricErrors)
	}
}

func (d *Dispatcher) count(ctx context.Context, metric models.Metric) {
	if d.metrics == nil {
		return
	}
	if err := d.metrics.IncrMetric(ctx, metric); err != nil {
		slog.Warn("Dispatcher.count: metric increment failed", "error", err, "metric", metric)
	}
}
