package flow

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ConciergePipe/internal/genai"
	"github.com/BTreeMap/ConciergePipe/internal/models"
)

// Memory keys written by the built-in finalizers.
const (
	MemoryKeyLastDietPref       = "last_diet_pref"
	MemoryKeyLastDietType       = "last_diet_type"
	MemoryKeyLastDietUpdate     = "last_diet_update"
	MemoryKeyLastShoppingBudget = "last_shopping_budget"
	MemoryKeyLastShoppingUpdate = "last_shopping_update"
	MemoryKeyLastTravelOrigin   = "last_travel_origin"
	MemoryKeyLastTravelUpdate   = "last_travel_update"
)

// Finalizer turns a completed flow into a generator instruction and records
// the flow's derived facts into participant memory.
type Finalizer struct {
	// BuildPrompt renders the flow-specific instruction template.
	BuildPrompt func(c models.Completion) string
	// Options tune the generator call for this flow.
	Options genai.GenerateOptions
	// RecordMemory merges derived facts into the participant's memory map.
	RecordMemory func(c models.Completion, now time.Time, memory map[string]string)
}

var (
	finalizerRegistry   = make(map[models.Flow]Finalizer)
	finalizerRegistryMu sync.RWMutex
)

// RegisterFinalizer adds or replaces the finalizer for a flow.
func RegisterFinalizer(flow models.Flow, f Finalizer) {
	finalizerRegistryMu.Lock()
	defer finalizerRegistryMu.Unlock()
	slog.Debug("flow.RegisterFinalizer: registering finalizer", "flow", flow)
	finalizerRegistry[flow] = f
}

// finalizerFor looks up the finalizer for a flow.
func finalizerFor(flow models.Flow) (Finalizer, error) {
	finalizerRegistryMu.RLock()
	defer finalizerRegistryMu.RUnlock()
	f, ok := finalizerRegistry[flow]
	if !ok {
		return Finalizer{}, fmt.Errorf("no finalizer registered for flow %q", flow)
	}
	return f, nil
}

func init() {
	RegisterFinalizer(models.FlowDiet, Finalizer{
		BuildPrompt: buildDietPrompt,
		Options:     genai.GenerateOptions{Temperature: 0.35, MaxOutputTokens: 6000},
		RecordMemory: func(c models.Completion, now time.Time, memory map[string]string) {
			memory[MemoryKeyLastDietPref] = c.Answers["diet_pref"]
			memory[MemoryKeyLastDietType] = c.Answers["diet_type"]
			memory[MemoryKeyLastDietUpdate] = now.UTC().Format(time.RFC3339)
		},
	})
	RegisterFinalizer(models.FlowShopping, Finalizer{
		BuildPrompt: buildShoppingPrompt,
		Options:     genai.GenerateOptions{Temperature: 0.35, MaxOutputTokens: 5000},
		RecordMemory: func(c models.Completion, now time.Time, memory map[string]string) {
			budget, err := json.Marshal(map[string]string{
				"budget":   c.Answers["budget"],
				"currency": c.Answers["currency"],
			})
			if err == nil {
				memory[MemoryKeyLastShoppingBudget] = string(budget)
			}
			memory[MemoryKeyLastShoppingUpdate] = now.UTC().Format(time.RFC3339)
		},
	})
	RegisterFinalizer(models.FlowTravel, Finalizer{
		BuildPrompt: buildTravelPrompt,
		Options:     genai.GenerateOptions{Temperature: 0.4, MaxOutputTokens: 6000},
		RecordMemory: func(c models.Completion, now time.Time, memory map[string]string) {
			memory[MemoryKeyLastTravelOrigin] = c.Answers["origin"]
			memory[MemoryKeyLastTravelUpdate] = now.UTC().Format(time.RFC3339)
		},
	})
}

func marshalAnswers(answers map[string]string) string {
	data, err := json.MarshalIndent(answers, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

func buildDietPrompt(c models.Completion) string {
	dietType := c.Answers["diet_type"]
	if dietType == "" {
		dietType = "Not specified"
	}
	return fmt.Sprintf(`Respond in %s. You are a certified dietitian.

User Profile:
%s

IMPORTANT:
- The user follows this diet type: **%s**
- Ensure the entire 7-day meal plan strictly follows this diet type.
  Examples:
    • Vegetarian → No eggs, no meat, no fish.
    • Eggetarian → Eggs allowed, but no meat or fish.
    • Non-Vegetarian → Meat, eggs, fish allowed.
    • Vegan → No animal products (no milk, curd, paneer, honey, butter, cheese).

Your Task:
1) Calculate daily calorie target with explanation.
2) Create a full 7-day meal plan (Breakfast, Lunch, Dinner, Snacks) following the diet type.
3) Provide a weekly grocery shopping list (ingredients only from allowed diet type).
4) Provide a simple 1-week workout plan.
5) Provide 3 actionable and personalized nutrition tips.`,
		c.Language.Display(), marshalAnswers(c.Answers), dietType)
}

func buildShoppingPrompt(c models.Completion) string {
	return fmt.Sprintf(`Respond in %s. You are an advanced shopping assistant.

User details:
%s

Produce:
1) Optimized shopping list (grouped by category)
2) Quantity suggestions (based on members)
3) Low/Mid/High cost estimates in %s
4) Store suggestions + money-saving tips
5) Final summary`,
		c.Language.Display(), marshalAnswers(c.Answers), c.Answers["currency"])
}

func buildTravelPrompt(c models.Completion) string {
	return fmt.Sprintf(`Respond in %s. You are an expert travel agent.

User details:
%s

If country == "not sure":
    recommend 3 destinations that fit budget + trip style.

Else provide:
1) Intro about the destination
2) Visa summary
3) Best cities/areas to visit
4) %s-day itinerary
5) Cost breakdown in %s
6) Best months + expected weather
7) Packing tips + safety tips`,
		c.Language.Display(), marshalAnswers(c.Answers), c.Answers["days"], c.Answers["currency"])
}
