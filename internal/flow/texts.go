package flow

import (
	"fmt"

	"github.com/BTreeMap/ConciergePipe/internal/models"
)

// Reply texts. The conversation speaks English for its own scaffolding; the
// selected language controls the generated results.
const (
	msgLanguageRetry = "Please select a language: English / Hindi / Marathi / Telugu"
	msgFlowRetry     = "Please type: diet / shopping / travel"
	msgFallback      = "I didn't understand. Please type diet / shopping / travel."
	msgPreparing     = "Preparing your results… please wait."
)

func msgLanguageSet(lang models.Language) string {
	return fmt.Sprintf(
		"Language set to **%s**.\n\nHow can I help you today?\n• Diet Plan\n• Shopping Help\n• Travel Planning\n\nType: **diet**, **shopping**, or **travel**",
		lang.Display(),
	)
}

func msgNextFlow(lang models.Language) string {
	return fmt.Sprintf("What else can I help with in %s? (diet / shopping / travel)", lang.Display())
}
