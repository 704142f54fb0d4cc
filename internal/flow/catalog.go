// Package flow implements the conversation core of ConciergePipe: the flow
// catalog, the per-session question queue with dynamic follow-up rules, the
// pure turn processor, the result dispatcher, and the engine that serializes
// turns per participant.
package flow

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/ConciergePipe/internal/models"
)

// Catalog is the immutable registry of question flows and follow-up rules.
// Lookups hand out fresh copies so sessions can never share queue storage.
type Catalog struct {
	flows map[models.Flow][]models.QuestionSlot
	rules []FollowUpRule
}

// NewCatalog returns the compiled-in catalog: the diet, shopping and travel
// flows with their default follow-up rules.
func NewCatalog() *Catalog {
	return &Catalog{
		flows: map[models.Flow][]models.QuestionSlot{
			models.FlowDiet: {
				{Key: "age", Prompt: "Your age?"},
				{Key: "gender", Prompt: "Male / Female / Other?"},
				{Key: "height_cm", Prompt: "Height in cm?"},
				{Key: "weight_kg", Prompt: "Weight in kg?"},
				{Key: "goal", Prompt: "Goal: Lose / Maintain / Gain?"},
				{Key: "activity", Prompt: "Activity level (sedentary / light / moderate / active)?"},
				{Key: "diet_type", Prompt: "What type of diet do you follow? (Vegetarian / Eggetarian / Non-Vegetarian / Vegan)"},
				{Key: "diet_pref", Prompt: "Any dietary preferences or allergies? (If none, type 'no')"},
			},
			models.FlowShopping: {
				{Key: "currency", Prompt: "Currency? (INR / USD / EUR / GBP / AED / CAD)"},
				{Key: "budget", Prompt: "Total shopping budget?"},
				{Key: "category", Prompt: "Type of shopping? (Clothes, Groceries, Electronics, Home, Kids, Gifts)"},
				{Key: "purpose", Prompt: "Purpose? (Daily / Festival / Travel / Wedding / Gift)"},
				{Key: "members", Prompt: "How many people are you shopping for?"},
				{Key: "preferences", Prompt: "Any preferences? (brand/size/style/etc.)"},
				{Key: "have", Prompt: "Do you already have some items? If yes, list them or type 'no'."},
			},
			models.FlowTravel: {
				{Key: "currency", Prompt: "Currency for budget (INR / USD / EUR / GBP / AED / CAD)?"},
				{Key: "budget", Prompt: "Total travel budget?"},
				{Key: "origin", Prompt: "Where are you traveling from?"},
				{Key: "members", Prompt: "How many travelers?"},
				{Key: "country", Prompt: "Destination country (or 'not sure')"},
				{Key: "days", Prompt: "How many days?"},
				{Key: "pref", Prompt: "Trip type: beach / adventure / city / nature / budget / luxury?"},
			},
		},
		rules: defaultFollowUpRules(),
	}
}

// Questions returns a fresh, independently mutable copy of the flow's base
// slots. An unknown flow is a configuration error and fails loudly.
func (c *Catalog) Questions(flow models.Flow) ([]models.QuestionSlot, error) {
	base, ok := c.flows[flow]
	if !ok {
		slog.Error("Catalog.Questions: unknown flow requested", "flow", flow)
		return nil, fmt.Errorf("catalog has no flow %q: %w", flow, models.ErrInvalidFlow)
	}
	out := make([]models.QuestionSlot, len(base))
	copy(out, base)
	return out, nil
}

// Rules returns the follow-up rule table. Callers must not modify it.
func (c *Catalog) Rules() []FollowUpRule {
	return c.rules
}

// catalogFile is the YAML shape of an external catalog override.
type catalogFile struct {
	Flows     map[string][]models.QuestionSlot `yaml:"flows"`
	Followups []followUpRuleFile               `yaml:"followups"`
}

type followUpRuleFile struct {
	Flow     string                `yaml:"flow"`
	Slot     string                `yaml:"slot"`
	AnyOf    []string              `yaml:"any_of"`
	Contains string                `yaml:"contains"`
	Ask      string                `yaml:"ask"`
	Insert   []models.QuestionSlot `yaml:"insert"`
}

// LoadFile merges a YAML catalog file over the compiled-in definitions. Flow
// entries replace that flow's slot list; a followups section, when present,
// replaces the whole rule table. The merged catalog is validated before any
// of it takes effect.
func (c *Catalog) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read catalog file %s: %w", path, err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse catalog file %s: %w", path, err)
	}

	merged := &Catalog{flows: make(map[models.Flow][]models.QuestionSlot, len(c.flows)), rules: c.rules}
	for flow, slots := range c.flows {
		merged.flows[flow] = slots
	}
	for name, slots := range file.Flows {
		flow := models.Flow(name)
		if !models.IsValidFlow(flow) {
			return fmt.Errorf("catalog file %s defines unknown flow %q", path, name)
		}
		merged.flows[flow] = slots
	}
	if file.Followups != nil {
		rules := make([]FollowUpRule, 0, len(file.Followups))
		for _, rf := range file.Followups {
			rules = append(rules, FollowUpRule{
				Flow:        models.Flow(rf.Flow),
				Slot:        rf.Slot,
				AnyOf:       rf.AnyOf,
				Contains:    rf.Contains,
				AskOverride: rf.Ask,
				Insert:      rf.Insert,
			})
		}
		merged.rules = rules
	}
	if err := merged.Validate(); err != nil {
		return fmt.Errorf("catalog file %s is invalid: %w", path, err)
	}

	c.flows = merged.flows
	c.rules = merged.rules
	slog.Info("Catalog.LoadFile: catalog loaded", "path", path, "flows", len(c.flows), "rules", len(c.rules))
	return nil
}

// Validate checks the catalog invariants: every flow in the closed set with a
// non-empty slot list and unique keys, and every rule referencing a known
// flow and slot with a usable predicate and non-colliding inserts.
func (c *Catalog) Validate() error {
	for flow, slots := range c.flows {
		if !models.IsValidFlow(flow) {
			return fmt.Errorf("catalog contains unknown flow %q", flow)
		}
		if len(slots) == 0 {
			return fmt.Errorf("flow %q has an empty question list", flow)
		}
		seen := make(map[string]struct{}, len(slots))
		for _, slot := range slots {
			if slot.Key == "" || slot.Prompt == "" {
				return fmt.Errorf("flow %q has a slot with an empty key or prompt", flow)
			}
			if _, dup := seen[slot.Key]; dup {
				return fmt.Errorf("flow %q has duplicate slot key %q", flow, slot.Key)
			}
			seen[slot.Key] = struct{}{}
		}
	}
	for _, flow := range []models.Flow{models.FlowDiet, models.FlowShopping, models.FlowTravel} {
		if _, ok := c.flows[flow]; !ok {
			return fmt.Errorf("catalog is missing flow %q", flow)
		}
	}
	for i, rule := range c.rules {
		if err := rule.validate(c.flows); err != nil {
			return fmt.Errorf("follow-up rule %d: %w", i, err)
		}
	}
	return nil
}
