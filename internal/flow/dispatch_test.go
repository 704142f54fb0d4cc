package flow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/ConciergePipe/internal/genai"
	"github.com/BTreeMap/ConciergePipe/internal/models"
)

type stubGenerator struct {
	text  string
	err   error
	calls int

	prompt string
	opts   genai.GenerateOptions
}

func (g *stubGenerator) Generate(ctx context.Context, prompt string, opts genai.GenerateOptions) (string, error) {
	g.calls++
	g.prompt = prompt
	g.opts = opts
	if g.err != nil {
		return "", g.err
	}
	return g.text, nil
}

type fakeMemoryStore struct {
	data    map[string]string
	loadErr error
	saveErr error
	saved   map[string]string
}

func (m *fakeMemoryStore) LoadMemory(ctx context.Context, participantID string) (map[string]string, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	out := make(map[string]string, len(m.data))
	for k, v := range m.data {
		out[k] = v
	}
	return out, nil
}

func (m *fakeMemoryStore) SaveMemory(ctx context.Context, participantID string, memory map[string]string) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved = memory
	return nil
}

type fakeMetricsStore struct {
	counts map[models.Metric]int
}

func (m *fakeMetricsStore) IncrMetric(ctx context.Context, metric models.Metric) error {
	if m.counts == nil {
		m.counts = make(map[models.Metric]int)
	}
	m.counts[metric]++
	return nil
}

func dietCompletion() models.Completion {
	return models.Completion{
		ParticipantID: "user-1",
		Flow:          models.FlowDiet,
		Language:      models.LanguageHindi,
		Answers: map[string]string{
			"age":       "30",
			"diet_type": "Vegan",
			"diet_pref": "no",
		},
	}
}

func TestDispatchDietSuccess(t *testing.T) {
	gen := &stubGenerator{text: "your meal plan"}
	mem := &fakeMemoryStore{}
	metrics := &fakeMetricsStore{}
	d := NewDispatcher(gen, mem, metrics)
	fixed := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	d.now = func() time.Time { return fixed }

	result := d.Dispatch(context.Background(), dietCompletion())

	if result != "your meal plan" {
		t.Errorf("result = %q", result)
	}
	if gen.calls != 1 {
		t.Errorf("generator calls = %d, want 1", gen.calls)
	}
	if gen.opts.Temperature != 0.35 || gen.opts.MaxOutputTokens != 6000 {
		t.Errorf("generator options = %+v", gen.opts)
	}
	for _, want := range []string{"Respond in Hindi.", "certified dietitian", "**Vegan**", `"age": "30"`} {
		if !strings.Contains(gen.prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, gen.prompt)
		}
	}

	if mem.saved == nil {
		t.Fatal("memory was not saved")
	}
	if mem.saved[MemoryKeyLastDietPref] != "no" || mem.saved[MemoryKeyLastDietType] != "Vegan" {
		t.Errorf("memory = %v", mem.saved)
	}
	if mem.saved[MemoryKeyLastDietUpdate] != "2025-03-14T09:26:53Z" {
		t.Errorf("update stamp = %q", mem.saved[MemoryKeyLastDietUpdate])
	}

	if metrics.counts[models.MetricFlowsCompletedDiet] != 1 {
		t.Errorf("completion counter = %d, want 1", metrics.counts[models.MetricFlowsCompletedDiet])
	}
	if metrics.counts[models.MetricErrors] != 0 {
		t.Errorf("errors counter = %d, want 0", metrics.counts[models.MetricErrors])
	}
}

func TestDispatchShoppingMemoryAndPrompt(t *testing.T) {
	gen := &stubGenerator{text: "your shopping list"}
	mem := &fakeMemoryStore{data: map[string]string{MemoryKeyLastTravelOrigin: "Pune"}}
	d := NewDispatcher(gen, mem, &fakeMetricsStore{})

	d.Dispatch(context.Background(), models.Completion{
		ParticipantID: "user-1",
		Flow:          models.FlowShopping,
		Language:      models.LanguageEnglish,
		Answers:       map[string]string{"budget": "5000", "currency": "INR"},
	})

	if gen.opts.Temperature != 0.35 || gen.opts.MaxOutputTokens != 5000 {
		t.Errorf("generator options = %+v", gen.opts)
	}
	if !strings.Contains(gen.prompt, "cost estimates in INR") {
		t.Errorf("prompt missing the currency:\n%s", gen.prompt)
	}
	if mem.saved[MemoryKeyLastShoppingBudget] != `{"budget":"5000","currency":"INR"}` {
		t.Errorf("budget memory = %q", mem.saved[MemoryKeyLastShoppingBudget])
	}
	if mem.saved[MemoryKeyLastTravelOrigin] != "Pune" {
		t.Error("existing memory keys must survive a merge")
	}
	if mem.saved[MemoryKeyLastShoppingUpdate] == "" {
		t.Error("shopping update stamp missing")
	}
}

func TestDispatchTravelPrompt(t *testing.T) {
	gen := &stubGenerator{text: "your itinerary"}
	mem := &fakeMemoryStore{}
	d := NewDispatcher(gen, mem, &fakeMetricsStore{})

	d.Dispatch(context.Background(), models.Completion{
		ParticipantID: "user-1",
		Flow:          models.FlowTravel,
		Language:      models.LanguageTelugu,
		Answers:       map[string]string{"origin": "Pune", "days": "6", "currency": "USD"},
	})

	if gen.opts.Temperature != 0.4 || gen.opts.MaxOutputTokens != 6000 {
		t.Errorf("generator options = %+v", gen.opts)
	}
	for _, want := range []string{"Respond in Telugu.", "6-day itinerary", "Cost breakdown in USD"} {
		if !strings.Contains(gen.prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, gen.prompt)
		}
	}
	if mem.saved[MemoryKeyLastTravelOrigin] != "Pune" {
		t.Errorf("memory = %v", mem.saved)
	}
}

func TestDispatchGeneratorFailure(t *testing.T) {
	gen := &stubGenerator{err: errors.New("rate limited")}
	mem := &fakeMemoryStore{}
	metrics := &fakeMetricsStore{}
	d := NewDispatcher(gen, mem, metrics)

	result := d.Dispatch(context.Background(), dietCompletion())

	if result != "⚠️ Generator error: rate limited" {
		t.Errorf("result = %q", result)
	}
	if mem.saved != nil {
		t.Error("memory must not be written on generator failure")
	}
	if metrics.counts[models.MetricFlowsCompletedDiet] != 0 {
		t.Error("a failed flow must not count as completed")
	}
	// The generator client counts its own errors; the dispatcher counting
	// them again would double-book.
	if metrics.counts[models.MetricErrors] != 0 {
		t.Errorf("errors counter = %d, want 0", metrics.counts[models.MetricErrors])
	}
}

func TestDispatchUnknownFlow(t *testing.T) {
	gen := &stubGenerator{text: "unused"}
	metrics := &fakeMetricsStore{}
	d := NewDispatcher(gen, nil, metrics)

	result := d.Dispatch(context.Background(), models.Completion{
		ParticipantID: "user-1",
		Flow:          models.Flow("karaoke"),
		Language:      models.LanguageEnglish,
	})

	if !strings.HasPrefix(result, "⚠️ Generator error:") || !strings.Contains(result, "karaoke") {
		t.Errorf("result = %q", result)
	}
	if gen.calls != 0 {
		t.Error("generator must not be called without a finalizer")
	}
	if metrics.counts[models.MetricErrors] != 1 {
		t.Errorf("errors counter = %d, want 1", metrics.counts[models.MetricErrors])
	}
}

func TestDispatchMemoryLoadFailureDegrades(t *testing.T) {
	gen := &stubGenerator{text: "your meal plan"}
	mem := &fakeMemoryStore{loadErr: errors.New("store offline")}
	d := NewDispatcher(gen, mem, &fakeMetricsStore{})

	result := d.Dispatch(context.Background(), dietCompletion())

	if result != "your meal plan" {
		t.Errorf("result = %q", result)
	}
	if mem.saved == nil || mem.saved[MemoryKeyLastDietType] != "Vegan" {
		t.Errorf("memory should be rebuilt from empty on load failure, got %v", mem.saved)
	}
}

func TestDispatchMemorySaveFailureCountsError(t *testing.T) {
	gen := &stubGenerator{text: "your meal plan"}
	mem := &fakeMemoryStore{saveErr: errors.New("disk full")}
	metrics := &fakeMetricsStore{}
	d := NewDispatcher(gen, mem, metrics)

	result := d.Dispatch(context.Background(), dietCompletion())

	if result != "your meal plan" {
		t.Errorf("a memory failure must not block the result, got %q", result)
	}
	if metrics.counts[models.MetricErrors] != 1 {
		t.Errorf("errors counter = %d, want 1", metrics.counts[models.MetricErrors])
	}
	if metrics.counts[models.MetricFlowsCompletedDiet] != 1 {
		t.Error("the completion still counts")
	}
}

func TestDispatchNilStores(t *testing.T) {
	gen := &stubGenerator{text: "your meal plan"}
	d := NewDispatcher(gen, nil, nil)

	if result := d.Dispatch(context.Background(), dietCompletion()); result != "your meal plan" {
		t.Errorf("result = %q", result)
	}
}
