package flow

import (
	"strings"
	"testing"

	"github.com/BTreeMap/ConciergePipe/internal/models"
)

func ruleFor(t *testing.T, flow models.Flow, slot string, contains string) FollowUpRule {
	t.Helper()
	for _, rule := range defaultFollowUpRules() {
		if rule.Flow == flow && rule.Slot == slot && rule.Contains == contains {
			return rule
		}
	}
	t.Fatalf("no default rule for %s/%s contains=%q", flow, slot, contains)
	return FollowUpRule{}
}

func TestFollowUpRuleMatches(t *testing.T) {
	allergy := ruleFor(t, models.FlowDiet, "diet_pref", "")
	clothing := ruleFor(t, models.FlowShopping, "category", "cloth")
	grocery := ruleFor(t, models.FlowShopping, "category", "grocery")

	tests := []struct {
		name   string
		rule   FollowUpRule
		flow   models.Flow
		slot   string
		answer string
		want   bool
	}{
		{"allergy yes", allergy, models.FlowDiet, "diet_pref", "yes", true},
		{"allergy short form", allergy, models.FlowDiet, "diet_pref", "y", true},
		{"allergy phrase", allergy, models.FlowDiet, "diet_pref", "I have allergies", true},
		{"allergy padded", allergy, models.FlowDiet, "diet_pref", "  YES  ", true},
		{"allergy negative", allergy, models.FlowDiet, "diet_pref", "no", false},
		{"allergy embedded word", allergy, models.FlowDiet, "diet_pref", "yes to veggies", false},
		{"allergy wrong slot", allergy, models.FlowDiet, "diet_type", "yes", false},
		{"allergy wrong flow", allergy, models.FlowShopping, "diet_pref", "yes", false},
		{"clothing exact", clothing, models.FlowShopping, "category", "Clothes", true},
		{"clothing phrase", clothing, models.FlowShopping, "category", "clothes and shoes", true},
		{"clothing uppercase", clothing, models.FlowShopping, "category", "CLOTHING", true},
		{"clothing unrelated", clothing, models.FlowShopping, "category", "electronics", false},
		{"grocery phrase", grocery, models.FlowShopping, "category", "weekly grocery run", true},
		{"grocery plural does not match", grocery, models.FlowShopping, "category", "groceries", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rule.Matches(tt.flow, tt.slot, tt.answer); got != tt.want {
				t.Errorf("Matches(%s, %s, %q) = %v, want %v", tt.flow, tt.slot, tt.answer, got, tt.want)
			}
		})
	}
}

func TestFollowUpRuleAnyOfTakesPrecedence(t *testing.T) {
	rule := FollowUpRule{
		Flow:     models.FlowDiet,
		Slot:     "diet_pref",
		AnyOf:    []string{"yes"},
		Contains: "all",
		Insert:   []models.QuestionSlot{{Key: "x", Prompt: "X?"}},
	}
	if rule.Matches(models.FlowDiet, "diet_pref", "allergic to nuts") {
		t.Error("contains must be ignored when any_of is set")
	}
	if !rule.Matches(models.FlowDiet, "diet_pref", "yes") {
		t.Error("any_of phrase should match")
	}
}

func TestFollowUpRuleValidate(t *testing.T) {
	flows := NewCatalog().flows
	valid := FollowUpRule{
		Flow:     models.FlowShopping,
		Slot:     "category",
		Contains: "gift",
		Insert:   []models.QuestionSlot{{Key: "recipient", Prompt: "Who is the gift for?"}},
	}
	if err := valid.validate(flows); err != nil {
		t.Fatalf("valid rule rejected: %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(*FollowUpRule)
		wantSub string
	}{
		{"unknown flow", func(r *FollowUpRule) { r.Flow = "karaoke" }, "unknown flow"},
		{"empty slot", func(r *FollowUpRule) { r.Slot = "" }, "empty trigger slot"},
		{"no predicate", func(r *FollowUpRule) { r.Contains = ""; r.AnyOf = nil }, "no predicate"},
		{"no inserts", func(r *FollowUpRule) { r.Insert = nil }, "inserts no slots"},
		{"blank insert", func(r *FollowUpRule) { r.Insert = []models.QuestionSlot{{Key: "", Prompt: "?"}} }, "empty key or prompt"},
		{"duplicate inserts", func(r *FollowUpRule) {
			r.Insert = []models.QuestionSlot{{Key: "recipient", Prompt: "?"}, {Key: "recipient", Prompt: "again?"}}
		}, "duplicate slot key"},
		{"collides with base slot", func(r *FollowUpRule) {
			r.Insert = []models.QuestionSlot{{Key: "budget", Prompt: "?"}}
		}, "collides with a base slot"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := valid
			tt.mutate(&rule)
			err := rule.validate(flows)
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error = %v, want mention of %q", err, tt.wantSub)
			}
		})
	}
}

func TestDefaultRulesValidateAgainstCatalog(t *testing.T) {
	if err := NewCatalog().Validate(); err != nil {
		t.Fatalf("built-in catalog failed validation: %v", err)
	}
}
