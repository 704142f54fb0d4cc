// Package models defines the conversation session model for ConciergePipe.
package models

import (
	"errors"
	"time"
)

// Session validation errors.
var (
	ErrInvalidStage     = errors.New("stage is not part of the closed set")
	ErrInvalidFlow      = errors.New("flow is not part of the closed set")
	ErrInvalidLanguage  = errors.New("language is not part of the closed set")
	ErrCursorOutOfRange = errors.New("cursor is outside the queue bounds")
	ErrDuplicateSlotKey = errors.New("queue contains a duplicate slot key")
	ErrMissingLanguage  = errors.New("language must be set past the language stage")
	ErrMissingFlow      = errors.New("flow must be set while collecting")
)

// QuestionSlot identifies one piece of information to collect and the prompt
// text used to request it.
type QuestionSlot struct {
	Key    string `json:"key"`
	Prompt string `json:"prompt"`
}

// Session is the single source of truth for one participant's conversation.
// It is mutated exactly once per user turn by the turn processor. On flow
// completion it resets to StageChoosingFlow with Language retained and all
// flow-scoped fields cleared.
type Session struct {
	ParticipantID string            `json:"participant_id"`
	Stage         Stage             `json:"stage"`
	Language      Language          `json:"language,omitempty"`
	Flow          Flow              `json:"flow,omitempty"`
	Queue         []QuestionSlot    `json:"queue,omitempty"`
	Cursor        int               `json:"cursor"`
	Answers       map[string]string `json:"answers,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// NewSession creates a fresh session at the language-selection stage.
func NewSession(participantID string) Session {
	now := time.Now().UTC()
	return Session{
		ParticipantID: participantID,
		Stage:         StageChoosingLanguage,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// ResetToFlowChoice returns a copy of the session back at the flow menu with
// the language retained and all flow-scoped fields cleared.
func (s Session) ResetToFlowChoice() Session {
	s.Stage = StageChoosingFlow
	s.Flow = ""
	s.Queue = nil
	s.Cursor = 0
	s.Answers = nil
	return s
}

// Validate checks the session invariants: closed-set stage, cursor bounds,
// queue key uniqueness, and stage-dependent required fields.
func (s *Session) Validate() error {
	if s.ParticipantID == "" {
		return ErrEmptyParticipantID
	}
	if !IsValidStage(s.Stage) {
		return ErrInvalidStage
	}
	if s.Stage != StageChoosingLanguage {
		if s.Language == "" {
			return ErrMissingLanguage
		}
		if !IsValidLanguage(s.Language) {
			return ErrInvalidLanguage
		}
	}
	if s.Stage == StageCollecting {
		if s.Flow == "" {
			return ErrMissingFlow
		}
		if !IsValidFlow(s.Flow) {
			return ErrInvalidFlow
		}
	}
	if s.Cursor < 0 || s.Cursor > len(s.Queue) {
		return ErrCursorOutOfRange
	}
	seen := make(map[string]struct{}, len(s.Queue))
	for _, slot := range s.Queue {
		if _, dup := seen[slot.Key]; dup {
			return ErrDuplicateSlotKey
		}
		seen[slot.Key] = struct{}{}
	}
	return nil
}

// Completion is the dispatch payload snapshotted when the last queued slot is
// answered. It carries everything the result dispatcher needs after the
// session itself has already been reset.
type Completion struct {
	ParticipantID string            `json:"participant_id"`
	Flow          Flow              `json:"flow"`
	Language      Language          `json:"language"`
	Answers       map[string]string `json:"answers"`
}

// SessionSummary is the compact listing form served by the admin API.
type SessionSummary struct {
	ParticipantID string    `json:"participant_id"`
	Stage         Stage     `json:"stage"`
	Language      Language  `json:"language,omitempty"`
	Flow          Flow      `json:"flow,omitempty"`
	Cursor        int       `json:"cursor"`
	QueueLength   int       `json:"queue_length"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Summary converts a session to its listing form.
func (s *Session) Summary() SessionSummary {
	return SessionSummary{
		ParticipantID: s.ParticipantID,
		Stage:         s.Stage,
		Language:      s.Language,
		Flow:          s.Flow,
		Cursor:        s.Cursor,
		QueueLength:   len(s.Queue),
		UpdatedAt:     s.UpdatedAt,
	}
}
