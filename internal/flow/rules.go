package flow

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/ConciergePipe/internal/models"
)

// FollowUpRule is one declarative trigger of the dynamic-question mechanism:
// when the slot identified by (Flow, Slot) is answered and the answer matches
// the predicate, Insert is spliced into the queue immediately after the
// answered slot. Rules are evaluated exactly once, at the moment their slot
// is answered; inserted slots never re-trigger a rule.
type FollowUpRule struct {
	Flow models.Flow
	Slot string

	// Predicate. AnyOf wins when both are set: the lowercased, trimmed
	// answer must equal one of the phrases. Otherwise Contains matches as a
	// case-insensitive substring.
	AnyOf    []string
	Contains string

	// Insert is the ordered list of slots spliced in after the trigger slot.
	Insert []models.QuestionSlot

	// AskOverride, when non-empty, replaces the next queued prompt as the
	// turn's outgoing message after the rule fires. Used by the allergy rule
	// to ask with examples while the stored slot prompt stays short.
	AskOverride string
}

// Matches reports whether the rule applies to this (flow, slot) answer.
func (r FollowUpRule) Matches(flow models.Flow, slotKey, answer string) bool {
	if r.Flow != flow || r.Slot != slotKey {
		return false
	}
	normalized := strings.ToLower(strings.TrimSpace(answer))
	if len(r.AnyOf) > 0 {
		for _, phrase := range r.AnyOf {
			if normalized == phrase {
				return true
			}
		}
		return false
	}
	if r.Contains != "" {
		return strings.Contains(normalized, r.Contains)
	}
	return false
}

func (r FollowUpRule) validate(flows map[models.Flow][]models.QuestionSlot) error {
	baseSlots, ok := flows[r.Flow]
	if !ok {
		return fmt.Errorf("references unknown flow %q", r.Flow)
	}
	if r.Slot == "" {
		return fmt.Errorf("has an empty trigger slot")
	}
	if len(r.AnyOf) == 0 && r.Contains == "" {
		return fmt.Errorf("has no predicate (any_of or contains)")
	}
	if len(r.Insert) == 0 {
		return fmt.Errorf("inserts no slots")
	}
	seen := make(map[string]struct{}, len(r.Insert))
	for _, slot := range r.Insert {
		if slot.Key == "" || slot.Prompt == "" {
			return fmt.Errorf("inserts a slot with an empty key or prompt")
		}
		if _, dup := seen[slot.Key]; dup {
			return fmt.Errorf("inserts duplicate slot key %q", slot.Key)
		}
		seen[slot.Key] = struct{}{}
		for _, base := range baseSlots {
			if base.Key == slot.Key {
				return fmt.Errorf("inserted slot key %q collides with a base slot of flow %q", slot.Key, r.Flow)
			}
		}
	}
	return nil
}

// defaultFollowUpRules returns the built-in rule table. The allergy phrase
// list is deliberately a small fixed set; broadening it would change observed
// behavior, so extensions belong in a catalog file instead.
func defaultFollowUpRules() []FollowUpRule {
	return []FollowUpRule{
		{
			Flow:  models.FlowDiet,
			Slot:  "diet_pref",
			AnyOf: []string{"yes", "y", "allergies", "i have allergies", "i'm allergic", "allergy"},
			Insert: []models.QuestionSlot{
				{Key: "allergy_list", Prompt: "Please specify your allergies."},
			},
			AskOverride: "Please specify your allergies (e.g., dairy, peanuts, gluten, soy, egg).",
		},
		{
			Flow:     models.FlowShopping,
			Slot:     "category",
			Contains: "cloth",
			Insert: []models.QuestionSlot{
				{Key: "for_whom", Prompt: "Who is this clothing for? (Men / Women / Kids / Baby)"},
				{Key: "occasion", Prompt: "Occasion? (Casual / Office / Party / Wedding / Travel)"},
				{Key: "sizes", Prompt: "Sizes or measurements?"},
			},
		},
		{
			Flow:     models.FlowShopping,
			Slot:     "category",
			Contains: "grocery",
			Insert: []models.QuestionSlot{
				{Key: "frequency", Prompt: "Grocery frequency (Weekly / Monthly)?"},
			},
		},
	}
}
