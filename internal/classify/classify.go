// Package classify provides coarse language and intent tagging for free-form
// text. It is used outside the strict conversation state machine (self-test
// probes, fallback logging); once a flow is explicitly selected the state
// machine never consults it.
package classify

import (
	"strings"

	"github.com/BTreeMap/ConciergePipe/internal/models"
)

// Keyword sets for intent tagging. Checked in order; first hit wins.
var (
	dietKeywords     = []string{"diet", "weight", "calorie", "meal", "breakfast", "lunch", "dinner"}
	shoppingKeywords = []string{"shop", "shopping", "budget", "grocery", "buy"}
	travelKeywords   = []string{"trip", "travel", "vacation", "hotel", "itinerary"}
)

// Classify tags raw text with a language and an intent. Language is guessed
// from script ranges: Devanagari maps to hindi (Marathi shares the script, so
// it cannot be distinguished here), the Telugu block maps to telugu, anything
// else to english. Intent is keyword-based with IntentOther as the fallback.
func Classify(text string) (models.Language, models.Intent) {
	return detectLanguage(text), detectIntent(text)
}

func detectIntent(text string) models.Intent {
	msg := strings.ToLower(text)
	if containsAny(msg, dietKeywords) {
		return models.IntentDiet
	}
	if containsAny(msg, shoppingKeywords) {
		return models.IntentShopping
	}
	if containsAny(msg, travelKeywords) {
		return models.IntentTravel
	}
	return models.IntentOther
}

func detectLanguage(text string) models.Language {
	for _, r := range text {
		if r >= 0x0900 && r <= 0x097F {
			return models.LanguageHindi
		}
	}
	for _, r := range text {
		if r >= 0x0C00 && r <= 0x0C7F {
			return models.LanguageTelugu
		}
	}
	return models.LanguageEnglish
}

func containsAny(msg string, words []string) bool {
	for _, w := range words {
		if strings.Contains(msg, w) {
			return true
		}
	}
	return false
}
