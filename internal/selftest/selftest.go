// Package selftest runs the service's built-in diagnostics: classifier
// probes and store round trips, reported as a pass/fail list.
package selftest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/ConciergePipe/internal/classify"
	"github.com/BTreeMap/ConciergePipe/internal/models"
)

// probeParticipantID is the reserved participant the store probes write to.
const probeParticipantID = "__selftest__"

// MemoryStore is the slice of the memory repository the probes exercise.
type MemoryStore interface {
	LoadMemory(ctx context.Context, participantID string) (map[string]string, error)
	SaveMemory(ctx context.Context, participantID string, memory map[string]string) error
}

// MetricsStore is the slice of the metrics repository the probes exercise.
type MetricsStore interface {
	LoadMetrics(ctx context.Context) (models.Metrics, error)
	SaveMetrics(ctx context.Context, metrics models.Metrics) error
}

// Check is one named diagnostic result.
type Check struct {
	Name string `json:"name"`
	OK   bool   `json:"ok"`
}

// Runner executes the diagnostics against live dependencies.
type Runner struct {
	memory  MemoryStore
	metrics MetricsStore
}

// NewRunner creates a Runner. Either store may be nil; its probe then fails
// rather than panicking, which is the honest answer for a missing backend.
func NewRunner(memory MemoryStore, metrics MetricsStore) *Runner {
	return &Runner{memory: memory, metrics: metrics}
}

// Checks runs every diagnostic and returns the individual results.
func (r *Runner) Checks(ctx context.Context) []Check {
	return []Check{
		{Name: "Intent detection (diet)", OK: intentIs("I want to lose weight and need a meal plan", models.IntentDiet)},
		{Name: "Intent detection (shopping)", OK: intentIs("Help me make a grocery list and budget", models.IntentShopping)},
		{Name: "Intent detection (travel)", OK: intentIs("Plan a trip to Goa from Pune", models.IntentTravel)},
		{Name: "Memory persistence", OK: r.memoryRoundTrip(ctx)},
		{Name: "Metrics persistence", OK: r.metricsRoundTrip(ctx)},
	}
}

// Report runs the diagnostics and renders the human-readable summary.
func (r *Runner) Report(ctx context.Context) string {
	checks := r.Checks(ctx)
	lines := make([]string, 0, len(checks)+1)
	passed := 0
	for _, c := range checks {
		status := "FAIL"
		if c.OK {
			status = "PASS"
			passed++
		}
		lines = append(lines, fmt.Sprintf("%s: %s", c.Name, status))
	}
	lines = append(lines, fmt.Sprintf("\n%d/%d tests passed.", passed, len(checks)))
	return strings.Join(lines, "\n")
}

func intentIs(text string, want models.Intent) bool {
	_, intent := classify.Classify(text)
	return intent == want
}

// memoryRoundTrip writes a probe key under the reserved participant and
// checks it survives a reload.
func (r *Runner) memoryRoundTrip(ctx context.Context) bool {
	if r.memory == nil {
		return false
	}
	memory, err := r.memory.LoadMemory(ctx, probeParticipantID)
	if err != nil {
		slog.Warn("selftest: memory load failed", "error", err)
		memory = nil
	}
	if memory == nil {
		memory = make(map[string]string)
	}
	memory["__test"] = time.Now().UTC().Format(time.RFC3339)
	if err := r.memory.SaveMemory(ctx, probeParticipantID, memory); err != nil {
		slog.Warn("selftest: memory save failed", "error", err)
		return false
	}
	reloaded, err := r.memory.LoadMemory(ctx, probeParticipantID)
	if err != nil {
		slog.Warn("selftest: memory reload failed", "error", err)
		return false
	}
	_, ok := reloaded["__test"]
	return ok
}

// metricsRoundTrip saves the current counters unchanged and checks they can
// be read back.
func (r *Runner) metricsRoundTrip(ctx context.Context) bool {
	if r.metrics == nil {
		return false
	}
	metrics, err := r.metrics.LoadMetrics(ctx)
	if err != nil {
		slog.Warn("selftest: metrics load failed", "error", err)
		return false
	}
	if err := r.metrics.SaveMetrics(ctx, metrics); err != nil {
		slog.Warn("selftest: metrics save failed", "error", err)
		return false
	}
	if _, err := r.metrics.LoadMetrics(ctx); err != nil {
		slog.Warn("selftest: metrics reload failed", "error", err)
		return false
	}
	return true
}
