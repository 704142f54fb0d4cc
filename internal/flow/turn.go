package flow

import (
	"log/slog"
	"strings"

	"github.com/BTreeMap/ConciergePipe/internal/models"
)

// TurnProcessor drives exactly one state transition per user message. Process
// is a pure transition function over the session value: no I/O, no clock, no
// shared state, so any conversation can be replayed deterministically in
// tests. Side effects (persistence, metrics, the generator call) belong to
// the engine and the dispatcher wrapped around it.
type TurnProcessor struct {
	catalog *Catalog
}

// NewTurnProcessor creates a turn processor over the given catalog.
func NewTurnProcessor(catalog *Catalog) *TurnProcessor {
	return &TurnProcessor{catalog: catalog}
}

// Process applies one user message to a session and returns the successor
// session, the ordered outgoing messages for this turn, and a non-nil
// Completion when this message answered the flow's last queued slot. In the
// completion case the returned session is already reset to the flow menu with
// the language retained, so downstream generator failures cannot undo the
// transition.
func (p *TurnProcessor) Process(session models.Session, text string) (models.Session, []string, *models.Completion) {
	switch session.Stage {
	case models.StageChoosingLanguage:
		return p.processLanguageChoice(session, text)
	case models.StageChoosingFlow:
		return p.processFlowChoice(session, text)
	case models.StageCollecting:
		return p.processCollecting(session, text)
	default:
		slog.Warn("TurnProcessor.Process: session in unknown stage", "participant", session.ParticipantID, "stage", session.Stage)
		return session, []string{msgFallback}, nil
	}
}

func (p *TurnProcessor) processLanguageChoice(session models.Session, text string) (models.Session, []string, *models.Completion) {
	lang, ok := models.ParseLanguage(text)
	if !ok {
		return session, []string{msgLanguageRetry}, nil
	}
	session.Language = lang
	session.Stage = models.StageChoosingFlow
	return session, []string{msgLanguageSet(lang)}, nil
}

func (p *TurnProcessor) processFlowChoice(session models.Session, text string) (models.Session, []string, *models.Completion) {
	flow, ok := models.ParseFlow(text)
	if !ok {
		return session, []string{msgFlowRetry}, nil
	}
	queue, err := p.catalog.Questions(flow)
	if err != nil {
		// Guarded by ParseFlow, so only a broken catalog reaches this. Stay
		// on the menu rather than collecting against a missing template.
		slog.Error("TurnProcessor.processFlowChoice: catalog lookup failed", "participant", session.ParticipantID, "flow", flow, "error", err)
		return session, []string{msgFlowRetry}, nil
	}
	session.Stage = models.StageCollecting
	session.Flow = flow
	session.Queue = queue
	session.Cursor = 0
	session.Answers = map[string]string{}

	if slot, ok := CurrentSlot(session.Queue, session.Cursor); ok {
		return session, []string{slot.Prompt}, nil
	}
	// Empty question list: collection is trivially complete.
	return p.complete(session, nil)
}

func (p *TurnProcessor) processCollecting(session models.Session, text string) (models.Session, []string, *models.Completion) {
	slot, ok := CurrentSlot(session.Queue, session.Cursor)
	if !ok {
		return p.complete(session, nil)
	}

	answer := strings.TrimSpace(text)
	session.Answers = recordAnswer(session.Answers, slot.Key, answer)
	answeredAt := session.Cursor
	session.Cursor++

	var askOverride string
	for _, rule := range p.catalog.Rules() {
		if !rule.Matches(session.Flow, slot.Key, answer) {
			continue
		}
		session.Queue = InsertAfter(session.Queue, answeredAt, rule.Insert)
		if askOverride == "" && rule.AskOverride != "" {
			askOverride = rule.AskOverride
		}
	}

	if next, ok := CurrentSlot(session.Queue, session.Cursor); ok {
		if askOverride != "" {
			return session, []string{askOverride}, nil
		}
		return session, []string{next.Prompt}, nil
	}
	return p.complete(session, nil)
}

// complete snapshots the finished flow into a Completion and resets the
// session to the flow menu. Extra leading outputs (none today) are prepended
// to the preparing notice.
func (p *TurnProcessor) complete(session models.Session, outputs []string) (models.Session, []string, *models.Completion) {
	completion := &models.Completion{
		ParticipantID: session.ParticipantID,
		Flow:          session.Flow,
		Language:      session.Language,
		Answers:       session.Answers,
	}
	outputs = append(outputs, msgPreparing)
	return session.ResetToFlowChoice(), outputs, completion
}
