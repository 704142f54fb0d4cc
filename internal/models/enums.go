// Package models defines the closed vocabularies of the conversation state
// machine to avoid circular imports.
package models

import "strings"

// Stage represents the coarse phase of a conversation.
type Stage string

// Flow represents a top-level conversation goal with its own question template.
type Flow string

// Language represents a supported conversation language. Canonical values are
// the lowercase selection tokens users type; Display returns the capitalized
// form used inside reply text.
type Language string

// Intent represents the coarse topic guessed from free-form text.
type Intent string

// Metric identifies a usage counter in the metrics store.
type Metric string

// Stage constants. A completed flow transitions straight back to
// StageChoosingFlow within the same turn, so no terminal stage is stored.
const (
	StageChoosingLanguage Stage = "choosing_language"
	StageChoosingFlow     Stage = "choosing_flow"
	StageCollecting       Stage = "collecting"
)

// Flow constants.
const (
	FlowDiet     Flow = "diet"
	FlowShopping Flow = "shopping"
	FlowTravel   Flow = "travel"
)

// Language constants.
const (
	LanguageEnglish Language = "english"
	LanguageHindi   Language = "hindi"
	LanguageMarathi Language = "marathi"
	LanguageTelugu  Language = "telugu"
)

// Intent constants.
const (
	IntentDiet     Intent = "diet"
	IntentShopping Intent = "shopping"
	IntentTravel   Intent = "travel"
	IntentOther    Intent = "other"
)

// Metric constants.
const (
	MetricSessionsCreated        Metric = "sessions_created"
	MetricFlowsCompletedDiet     Metric = "flows_completed.diet"
	MetricFlowsCompletedShopping Metric = "flows_completed.shopping"
	MetricFlowsCompletedTravel   Metric = "flows_completed.travel"
	MetricTotalMessages          Metric = "total_messages"
	MetricGeneratorCalls         Metric = "generator_calls"
	MetricErrors                 Metric = "errors"
)

// IsValidStage checks if the given stage is part of the closed set.
func IsValidStage(s Stage) bool {
	switch s {
	case StageChoosingLanguage, StageChoosingFlow, StageCollecting:
		return true
	default:
		return false
	}
}

// IsValidFlow checks if the given flow is part of the closed set.
func IsValidFlow(f Flow) bool {
	switch f {
	case FlowDiet, FlowShopping, FlowTravel:
		return true
	default:
		return false
	}
}

// IsValidLanguage checks if the given language is part of the closed set.
func IsValidLanguage(l Language) bool {
	switch l {
	case LanguageEnglish, LanguageHindi, LanguageMarathi, LanguageTelugu:
		return true
	default:
		return false
	}
}

// ParseFlow matches user input against the flow vocabulary after lowercasing
// and trimming. No fuzzy matching: unmatched input returns false.
func ParseFlow(text string) (Flow, bool) {
	f := Flow(strings.ToLower(strings.TrimSpace(text)))
	if IsValidFlow(f) {
		return f, true
	}
	return "", false
}

// ParseLanguage matches user input against the lowercase English language
// names after lowercasing and trimming.
func ParseLanguage(text string) (Language, bool) {
	l := Language(strings.ToLower(strings.TrimSpace(text)))
	if IsValidLanguage(l) {
		return l, true
	}
	return "", false
}

// Display returns the capitalized language name interpolated into replies
// ("Language set to **English**.").
func (l Language) Display() string {
	switch l {
	case LanguageEnglish:
		return "English"
	case LanguageHindi:
		return "Hindi"
	case LanguageMarathi:
		return "Marathi"
	case LanguageTelugu:
		return "Telugu"
	default:
		return string(l)
	}
}

// FlowCompletionMetric returns the per-flow completion counter for a flow.
func FlowCompletionMetric(f Flow) Metric {
	switch f {
	case FlowDiet:
		return MetricFlowsCompletedDiet
	case FlowShopping:
		return MetricFlowsCompletedShopping
	case FlowTravel:
		return MetricFlowsCompletedTravel
	default:
		return Metric("flows_completed." + string(f))
	}
}
