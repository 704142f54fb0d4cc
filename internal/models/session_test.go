package models

import (
	"testing"
	"time"
)

func TestNewSessionStartsAtLanguageStage(t *testing.T) {
	s := NewSession("+15551234567")
	if s.Stage != StageChoosingLanguage {
		t.Errorf("expected stage %q, got %q", StageChoosingLanguage, s.Stage)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("fresh session failed validation: %v", err)
	}
}

func TestResetToFlowChoiceRetainsLanguage(t *testing.T) {
	s := NewSession("+15551234567")
	s.Stage = StageCollecting
	s.Language = LanguageHindi
	s.Flow = FlowDiet
	s.Queue = []QuestionSlot{{Key: "age", Prompt: "Your age?"}}
	s.Cursor = 1
	s.Answers = map[string]string{"age": "30"}

	reset := s.ResetToFlowChoice()
	if reset.Stage != StageChoosingFlow {
		t.Errorf("expected stage %q, got %q", StageChoosingFlow, reset.Stage)
	}
	if reset.Language != LanguageHindi {
		t.Errorf("language not retained: got %q", reset.Language)
	}
	if reset.Flow != "" || reset.Queue != nil || reset.Cursor != 0 || reset.Answers != nil {
		t.Errorf("flow-scoped fields not cleared: %+v", reset)
	}
	// The original session value is untouched.
	if s.Stage != StageCollecting || s.Cursor != 1 {
		t.Errorf("source session mutated by reset: %+v", s)
	}
}

func TestSessionValidate(t *testing.T) {
	base := func() Session {
		return Session{
			ParticipantID: "+15551234567",
			Stage:         StageCollecting,
			Language:      LanguageEnglish,
			Flow:          FlowShopping,
			Queue: []QuestionSlot{
				{Key: "currency", Prompt: "Currency?"},
				{Key: "budget", Prompt: "Budget?"},
			},
			Cursor:    1,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
	}

	s := base()
	if err := s.Validate(); err != nil {
		t.Fatalf("valid session rejected: %v", err)
	}

	s = base()
	s.ParticipantID = ""
	if err := s.Validate(); err != ErrEmptyParticipantID {
		t.Errorf("expected ErrEmptyParticipantID, got %v", err)
	}

	s = base()
	s.Stage = "done"
	if err := s.Validate(); err != ErrInvalidStage {
		t.Errorf("expected ErrInvalidStage, got %v", err)
	}

	s = base()
	s.Language = ""
	if err := s.Validate(); err != ErrMissingLanguage {
		t.Errorf("expected ErrMissingLanguage, got %v", err)
	}

	s = base()
	s.Flow = ""
	if err := s.Validate(); err != ErrMissingFlow {
		t.Errorf("expected ErrMissingFlow, got %v", err)
	}

	s = base()
	s.Cursor = 3
	if err := s.Validate(); err != ErrCursorOutOfRange {
		t.Errorf("expected ErrCursorOutOfRange, got %v", err)
	}

	s = base()
	s.Cursor = -1
	if err := s.Validate(); err != ErrCursorOutOfRange {
		t.Errorf("expected ErrCursorOutOfRange, got %v", err)
	}

	s = base()
	s.Queue = append(s.Queue, QuestionSlot{Key: "currency", Prompt: "again"})
	if err := s.Validate(); err != ErrDuplicateSlotKey {
		t.Errorf("expected ErrDuplicateSlotKey, got %v", err)
	}
}

func TestMetricsApplyAndGet(t *testing.T) {
	m := NewMetrics()
	m.Apply(MetricSessionsCreated, 1)
	m.Apply(MetricTotalMessages, 3)
	m.Apply(MetricFlowsCompletedDiet, 1)
	m.Apply(MetricFlowsCompletedDiet, 1)
	m.Apply(MetricGeneratorCalls, 1)
	m.Apply(MetricErrors, 1)

	if got := m.Get(MetricSessionsCreated); got != 1 {
		t.Errorf("sessions_created = %d, want 1", got)
	}
	if got := m.Get(MetricTotalMessages); got != 3 {
		t.Errorf("total_messages = %d, want 3", got)
	}
	if got := m.Get(MetricFlowsCompletedDiet); got != 2 {
		t.Errorf("flows_completed.diet = %d, want 2", got)
	}
	if got := m.Get(MetricFlowsCompletedShopping); got != 0 {
		t.Errorf("flows_completed.shopping = %d, want 0", got)
	}
	if m.LastReset != nil {
		t.Error("LastReset should be nil before any reset")
	}
}
