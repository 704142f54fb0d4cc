package flow

import (
	"strings"
	"testing"

	"github.com/BTreeMap/ConciergePipe/internal/models"
)

func newTestProcessor() *TurnProcessor {
	return NewTurnProcessor(NewCatalog())
}

// collectingSession returns a session already positioned at the start of the
// given flow, the way a real conversation would reach it.
func collectingSession(t *testing.T, p *TurnProcessor, flow models.Flow) models.Session {
	t.Helper()
	session := models.NewSession("user-1")
	session, _, _ = p.Process(session, "english")
	session, outputs, completion := p.Process(session, string(flow))
	if session.Stage != models.StageCollecting {
		t.Fatalf("failed to enter collecting for %s, stage = %s", flow, session.Stage)
	}
	if completion != nil {
		t.Fatalf("unexpected completion while selecting flow %s", flow)
	}
	if len(outputs) != 1 {
		t.Fatalf("expected the first question, got %v", outputs)
	}
	return session
}

func TestLanguageSelection(t *testing.T) {
	p := newTestProcessor()
	session := models.NewSession("user-1")

	updated, outputs, completion := p.Process(session, "  ENGLISH ")
	if completion != nil {
		t.Fatal("language selection must not complete a flow")
	}
	if updated.Stage != models.StageChoosingFlow {
		t.Errorf("stage = %s, want %s", updated.Stage, models.StageChoosingFlow)
	}
	if updated.Language != models.LanguageEnglish {
		t.Errorf("language = %s, want %s", updated.Language, models.LanguageEnglish)
	}
	if len(outputs) != 1 || !strings.Contains(outputs[0], "Language set to **English**") {
		t.Errorf("unexpected confirmation: %v", outputs)
	}
	if !strings.Contains(outputs[0], "**diet**, **shopping**, or **travel**") {
		t.Errorf("confirmation should include the flow menu: %v", outputs)
	}
}

func TestLanguageRetry(t *testing.T) {
	p := newTestProcessor()
	session := models.NewSession("user-1")

	updated, outputs, _ := p.Process(session, "klingon")
	if updated.Stage != models.StageChoosingLanguage {
		t.Errorf("unrecognized language must not advance the stage, got %s", updated.Stage)
	}
	if updated.Language != "" {
		t.Errorf("language should stay unset, got %s", updated.Language)
	}
	if len(outputs) != 1 || outputs[0] != "Please select a language: English / Hindi / Marathi / Telugu" {
		t.Errorf("unexpected re-prompt: %v", outputs)
	}
}

func TestFlowSelection(t *testing.T) {
	p := newTestProcessor()
	session := models.NewSession("user-1")
	session, _, _ = p.Process(session, "english")

	updated, outputs, completion := p.Process(session, "shopping")
	if completion != nil {
		t.Fatal("flow selection must not complete a flow")
	}
	if updated.Stage != models.StageCollecting {
		t.Errorf("stage = %s, want %s", updated.Stage, models.StageCollecting)
	}
	if updated.Flow != models.FlowShopping {
		t.Errorf("flow = %s, want %s", updated.Flow, models.FlowShopping)
	}
	if len(updated.Queue) != 7 {
		t.Errorf("queue length = %d, want 7", len(updated.Queue))
	}
	if updated.Cursor != 0 {
		t.Errorf("cursor = %d, want 0", updated.Cursor)
	}
	if len(updated.Answers) != 0 {
		t.Errorf("answers should start empty, got %v", updated.Answers)
	}
	if len(outputs) != 1 || outputs[0] != "Currency? (INR / USD / EUR / GBP / AED / CAD)" {
		t.Errorf("first question should be the currency prompt, got %v", outputs)
	}
}

func TestFlowRetry(t *testing.T) {
	p := newTestProcessor()
	session := models.NewSession("user-1")
	session, _, _ = p.Process(session, "english")

	updated, outputs, _ := p.Process(session, "pizza")
	if updated.Stage != models.StageChoosingFlow {
		t.Errorf("unrecognized flow must not advance the stage, got %s", updated.Stage)
	}
	if len(outputs) != 1 || outputs[0] != "Please type: diet / shopping / travel" {
		t.Errorf("unexpected re-prompt: %v", outputs)
	}
}

func TestClothingFollowUps(t *testing.T) {
	p := newTestProcessor()
	session := collectingSession(t, p, models.FlowShopping)

	session, _, _ = p.Process(session, "INR")
	session, _, _ = p.Process(session, "5000")
	session, outputs, completion := p.Process(session, "Clothes and shoes")
	if completion != nil {
		t.Fatal("category answer must not complete the flow")
	}
	if len(session.Queue) != 10 {
		t.Fatalf("queue length = %d, want 10 after clothing follow-ups", len(session.Queue))
	}
	wantKeys := []string{"for_whom", "occasion", "sizes"}
	for i, want := range wantKeys {
		if got := session.Queue[3+i].Key; got != want {
			t.Errorf("queue[%d].Key = %s, want %s", 3+i, got, want)
		}
	}
	if len(outputs) != 1 || outputs[0] != "Who is this clothing for? (Men / Women / Kids / Baby)" {
		t.Errorf("next question should be the first follow-up, got %v", outputs)
	}

	// The remaining base slots keep their relative order after the splice.
	session, outputs, _ = p.Process(session, "Men")
	if outputs[0] != "Occasion? (Casual / Office / Party / Wedding / Travel)" {
		t.Errorf("unexpected question after for_whom: %v", outputs)
	}
	session, outputs, _ = p.Process(session, "Casual")
	if outputs[0] != "Sizes or measurements?" {
		t.Errorf("unexpected question after occasion: %v", outputs)
	}
	_, outputs, _ = p.Process(session, "L")
	if outputs[0] != "Purpose? (Daily / Festival / Travel / Wedding / Gift)" {
		t.Errorf("collection should resume with the base slots, got %v", outputs)
	}
}

func TestGroceryFollowUp(t *testing.T) {
	p := newTestProcessor()
	session := collectingSession(t, p, models.FlowShopping)

	session, _, _ = p.Process(session, "INR")
	session, _, _ = p.Process(session, "3000")
	session, outputs, _ := p.Process(session, "weekly grocery run")
	if len(session.Queue) != 8 {
		t.Fatalf("queue length = %d, want 8 after grocery follow-up", len(session.Queue))
	}
	if session.Queue[3].Key != "frequency" {
		t.Errorf("queue[3].Key = %s, want frequency", session.Queue[3].Key)
	}
	if outputs[0] != "Grocery frequency (Weekly / Monthly)?" {
		t.Errorf("next question should be the frequency follow-up, got %v", outputs)
	}
}

func TestAllergyFollowUp(t *testing.T) {
	p := newTestProcessor()
	session := collectingSession(t, p, models.FlowDiet)

	answers := []string{"30", "Male", "178", "74", "Lose", "moderate", "Vegetarian"}
	for _, answer := range answers {
		var completion *models.Completion
		session, _, completion = p.Process(session, answer)
		if completion != nil {
			t.Fatalf("flow completed early on answer %q", answer)
		}
	}

	session, outputs, completion := p.Process(session, "yes")
	if completion != nil {
		t.Fatal("allergy follow-up must delay completion")
	}
	if len(session.Queue) != 9 {
		t.Fatalf("queue length = %d, want 9 after allergy follow-up", len(session.Queue))
	}
	if session.Queue[8].Key != "allergy_list" {
		t.Errorf("queue[8].Key = %s, want allergy_list", session.Queue[8].Key)
	}
	if len(outputs) != 1 || outputs[0] != "Please specify your allergies (e.g., dairy, peanuts, gluten, soy, egg)." {
		t.Errorf("allergy rule should ask with examples, got %v", outputs)
	}

	updated, outputs, completion := p.Process(session, "peanuts, gluten")
	if completion == nil {
		t.Fatal("answering the allergy list should complete the flow")
	}
	if completion.Answers["allergy_list"] != "peanuts, gluten" {
		t.Errorf("allergy answer not captured: %v", completion.Answers)
	}
	if len(completion.Answers) != 9 {
		t.Errorf("completion should carry 9 answers, got %d", len(completion.Answers))
	}
	if outputs[len(outputs)-1] != "Preparing your results… please wait." {
		t.Errorf("completion should emit the preparing notice, got %v", outputs)
	}
	if updated.Stage != models.StageChoosingFlow {
		t.Errorf("stage after completion = %s, want %s", updated.Stage, models.StageChoosingFlow)
	}
}

func TestNegativeAllergyAnswerCompletesInEight(t *testing.T) {
	p := newTestProcessor()
	session := collectingSession(t, p, models.FlowDiet)

	answers := []string{"30", "Male", "178", "74", "Lose", "moderate", "Vegetarian"}
	for _, answer := range answers {
		session, _, _ = p.Process(session, answer)
	}
	_, _, completion := p.Process(session, "no")
	if completion == nil {
		t.Fatal("a negative allergy answer should complete the eighth and final slot")
	}
	if len(completion.Answers) != 8 {
		t.Errorf("completion should carry 8 answers, got %d", len(completion.Answers))
	}
}

func TestCompletionResetsStateAndKeepsLanguage(t *testing.T) {
	p := newTestProcessor()
	session := models.NewSession("user-1")
	session, _, _ = p.Process(session, "hindi")
	session, _, _ = p.Process(session, "travel")

	answers := []string{"INR", "80000", "Pune", "2", "not sure", "6", "beach"}
	var completion *models.Completion
	completions := 0
	for _, answer := range answers {
		session, _, completion = p.Process(session, answer)
		if completion != nil {
			completions++
		}
	}
	if completions != 1 {
		t.Fatalf("expected exactly one completion, got %d", completions)
	}
	if completion.Flow != models.FlowTravel || completion.Language != models.LanguageHindi {
		t.Errorf("completion = %+v", completion)
	}
	if completion.Answers["country"] != "not sure" {
		t.Errorf("answers not captured: %v", completion.Answers)
	}

	if session.Stage != models.StageChoosingFlow {
		t.Errorf("stage = %s, want %s", session.Stage, models.StageChoosingFlow)
	}
	if session.Language != models.LanguageHindi {
		t.Errorf("language must survive the reset, got %s", session.Language)
	}
	if session.Flow != "" || len(session.Queue) != 0 || len(session.Answers) != 0 || session.Cursor != 0 {
		t.Errorf("flow data must be cleared on reset: %+v", session)
	}

	// The reset session accepts a new flow right away.
	next, outputs, _ := p.Process(session, "diet")
	if next.Stage != models.StageCollecting || next.Flow != models.FlowDiet {
		t.Errorf("reset session should accept a new flow, got %+v", next)
	}
	if outputs[0] != "Your age?" {
		t.Errorf("new flow should start at its first question, got %v", outputs)
	}
}

func TestCursorNeverDecreasesWithinFlow(t *testing.T) {
	p := newTestProcessor()
	session := collectingSession(t, p, models.FlowShopping)

	prev := session.Cursor
	answers := []string{"INR", "5000", "Clothes", "Men", "Casual", "L", "Festival", "2", "none"}
	for _, answer := range answers {
		var completion *models.Completion
		session, _, completion = p.Process(session, answer)
		if completion != nil {
			break
		}
		if session.Cursor < prev {
			t.Fatalf("cursor decreased from %d to %d", prev, session.Cursor)
		}
		prev = session.Cursor
	}
}

func TestProcessDoesNotMutateInput(t *testing.T) {
	p := newTestProcessor()
	session := collectingSession(t, p, models.FlowShopping)
	session, _, _ = p.Process(session, "INR")
	session, _, _ = p.Process(session, "5000")

	queueLen := len(session.Queue)
	answersLen := len(session.Answers)

	updated, _, _ := p.Process(session, "Clothes and shoes")

	if len(session.Queue) != queueLen {
		t.Errorf("input queue grew from %d to %d", queueLen, len(session.Queue))
	}
	if len(session.Answers) != answersLen {
		t.Errorf("input answers grew from %d to %d", answersLen, len(session.Answers))
	}

	// The returned session's maps are independent of the input's.
	updated.Answers["category"] = "tampered"
	if session.Answers["category"] == "tampered" {
		t.Error("answers map is shared between input and output sessions")
	}
}

func TestUnknownStageFallsBack(t *testing.T) {
	p := newTestProcessor()
	session := models.NewSession("user-1")
	session.Stage = models.Stage("daydreaming")

	updated, outputs, completion := p.Process(session, "hello")
	if completion != nil {
		t.Fatal("fallback must not complete a flow")
	}
	if updated.Stage != models.Stage("daydreaming") {
		t.Errorf("fallback should not change the stage, got %s", updated.Stage)
	}
	if len(outputs) != 1 || outputs[0] != "I didn't understand. Please type diet / shopping / travel." {
		t.Errorf("unexpected fallback reply: %v", outputs)
	}
}

func TestEmptyQuestionListCompletesImmediately(t *testing.T) {
	catalog := &Catalog{
		flows: map[models.Flow][]models.QuestionSlot{
			models.FlowDiet:     nil,
			models.FlowShopping: {{Key: "currency", Prompt: "Currency?"}},
			models.FlowTravel:   {{Key: "currency", Prompt: "Currency?"}},
		},
	}
	p := NewTurnProcessor(catalog)
	session := models.NewSession("user-1")
	session, _, _ = p.Process(session, "english")

	updated, outputs, completion := p.Process(session, "diet")
	if completion == nil {
		t.Fatal("an empty question list should complete immediately")
	}
	if len(completion.Answers) != 0 {
		t.Errorf("completion answers should be empty, got %v", completion.Answers)
	}
	if outputs[len(outputs)-1] != "Preparing your results… please wait." {
		t.Errorf("expected the preparing notice, got %v", outputs)
	}
	if updated.Stage != models.StageChoosingFlow {
		t.Errorf("stage = %s, want %s", updated.Stage, models.StageChoosingFlow)
	}
}
