package flow

import (
	"log/slog"

	"github.com/BTreeMap/ConciergePipe/internal/models"
)

// Queue operations. All of them are copy-on-write: the turn processor hands
// out new slices and maps so a returned session never aliases the storage of
// the session it was derived from.

// InsertAfter returns a new queue with slots spliced in immediately after
// position, preserving the relative order of everything not yet asked. Slots
// whose key already exists in the queue are skipped with a diagnostic, which
// keeps the key-uniqueness invariant even against a misconfigured rule.
func InsertAfter(queue []models.QuestionSlot, position int, slots []models.QuestionSlot) []models.QuestionSlot {
	existing := make(map[string]struct{}, len(queue))
	for _, slot := range queue {
		existing[slot.Key] = struct{}{}
	}
	admitted := make([]models.QuestionSlot, 0, len(slots))
	for _, slot := range slots {
		if _, dup := existing[slot.Key]; dup {
			slog.Warn("flow.InsertAfter: dropping follow-up slot with duplicate key", "key", slot.Key)
			continue
		}
		existing[slot.Key] = struct{}{}
		admitted = append(admitted, slot)
	}

	out := make([]models.QuestionSlot, 0, len(queue)+len(admitted))
	out = append(out, queue[:position+1]...)
	out = append(out, admitted...)
	out = append(out, queue[position+1:]...)
	return out
}

// CurrentSlot returns the slot at cursor, or ok=false when the cursor sits at
// the terminal position (all questions answered).
func CurrentSlot(queue []models.QuestionSlot, cursor int) (models.QuestionSlot, bool) {
	if cursor < 0 || cursor >= len(queue) {
		return models.QuestionSlot{}, false
	}
	return queue[cursor], true
}

// recordAnswer returns a new answers map with answers[key] = value applied.
func recordAnswer(answers map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(answers)+1)
	for k, v := range answers {
		out[k] = v
	}
	out[key] = value
	return out
}
