package flow

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/ConciergePipe/internal/classify"
	"github.com/BTreeMap/ConciergePipe/internal/models"
)

// SessionStore persists conversation sessions. A missing session is reported
// as (nil, nil), not an error.
type SessionStore interface {
	LoadSession(ctx context.Context, participantID string) (*models.Session, error)
	SaveSession(ctx context.Context, session models.Session) error
}

// DedupStore remembers transport message IDs that were already processed, so
// network retries of the same message do not replay a turn.
type DedupStore interface {
	SeenMessage(ctx context.Context, messageID string) (bool, error)
	MarkMessageSeen(ctx context.Context, messageID string) error
}

// Engine drives one conversation turn end to end: duplicate filtering,
// session load, the pure state transition, persistence, and result dispatch
// on completion. Turns for the same participant are serialized; different
// participants proceed independently.
type Engine struct {
	turns      *TurnProcessor
	dispatcher *Dispatcher
	sessions   SessionStore
	dedup      DedupStore
	metrics    MetricsStore

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	cache map[string]models.Session
}

// NewEngine creates an Engine. The dedup and metrics stores may be nil, in
// which case duplicate filtering and usage counting are skipped.
func NewEngine(turns *TurnProcessor, dispatcher *Dispatcher, sessions SessionStore, dedup DedupStore, metrics MetricsStore) *Engine {
	return &Engine{
		turns:      turns,
		dispatcher: dispatcher,
		sessions:   sessions,
		dedup:      dedup,
		metrics:    metrics,
		locks:      make(map[string]*sync.Mutex),
		cache:      make(map[string]models.Session),
	}
}

// HandleResponse processes one inbound participant message and returns the
// ordered assistant replies for that turn. Every accepted turn produces at
// least one reply; a duplicate delivery returns no replies and no error. The
// duplicate check runs under the per-participant lock, paired with the mark at
// the end of the turn: a retry delivered while the first copy is still in
// flight waits on the lock and then sees the message ID as already processed.
// The reset after a completed flow is persisted before the dispatcher runs, so
// a generator failure cannot resurrect the finished flow.
func (e *Engine) HandleResponse(ctx context.Context, resp models.Response) ([]string, error) {
	participantID := strings.TrimSpace(resp.From)
	if participantID == "" {
		return nil, models.ErrEmptyParticipantID
	}

	lock := e.lockFor(participantID)
	lock.Lock()
	defer lock.Unlock()

	if e.dedup != nil && resp.MessageID != "" {
		seen, err := e.dedup.SeenMessage(ctx, resp.MessageID)
		if err != nil {
			slog.Warn("Engine.HandleResponse: dedup lookup failed", "error", err, "messageID", resp.MessageID)
		} else if seen {
			slog.Debug("Engine.HandleResponse: dropping duplicate message",
				"participantID", participantID, "messageID", resp.MessageID)
			return nil, nil
		}
	}

	e.count(ctx, models.MetricTotalMessages)

	session := e.loadSession(ctx, participantID)
	before := session.Stage

	updated, outputs, completion := e.turns.Process(session, resp.Body)

	flowSelected := before == models.StageChoosingFlow &&
		(updated.Stage == models.StageCollecting || completion != nil)
	if flowSelected {
		e.count(ctx, models.MetricSessionsCreated)
	}
	if before == models.StageChoosingFlow && updated.Stage == models.StageChoosingFlow && completion == nil {
		lang, intent := classify.Classify(resp.Body)
		slog.Info("Engine.HandleResponse: unrecognized flow choice",
			"participantID", participantID, "guessedIntent", intent, "guessedLanguage", lang)
	}

	e.storeSession(ctx, updated)

	if completion != nil {
		result := e.dispatcher.Dispatch(ctx, *completion)
		outputs = append(outputs, result, msgNextFlow(completion.Language))
	}

	if e.dedup != nil && resp.MessageID != "" {
		if err := e.dedup.MarkMessageSeen(ctx, resp.MessageID); err != nil {
			slog.Warn("Engine.HandleResponse: failed to record message ID", "error", err, "messageID", resp.MessageID)
		}
	}

	slog.Debug("Engine.HandleResponse: turn complete",
		"participantID", participantID, "stage", updated.Stage, "replies", len(outputs))
	return outputs, nil
}

// InvalidateSession drops the cached copy of a participant's session, e.g.
// after the session was deleted from the store.
func (e *Engine) InvalidateSession(participantID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cache, participantID)
}

// lockFor returns the mutex serializing turns for one participant.
func (e *Engine) lockFor(participantID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[participantID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[participantID] = l
	}
	return l
}

// loadSession resolves the participant's session from cache, then store, then
// a fresh one. An unreadable or corrupt stored session degrades to a fresh
// session rather than failing the turn.
func (e *Engine) loadSession(ctx context.Context, participantID string) models.Session {
	e.mu.Lock()
	cached, ok := e.cache[participantID]
	e.mu.Unlock()
	if ok {
		return cached
	}

	stored, err := e.sessions.LoadSession(ctx, participantID)
	if err != nil {
		slog.Error("Engine.loadSession: load failed, starting fresh",
			"error", err, "participantID", participantID)
		e.count(ctx, models.MetricErrors)
	} else if stored != nil {
		if err := stored.Validate(); err != nil {
			slog.Error("Engine.loadSession: stored session invalid, starting fresh",
				"error", err, "participantID", participantID)
			e.count(ctx, models.MetricErrors)
		} else {
			e.mu.Lock()
			e.cache[participantID] = *stored
			e.mu.Unlock()
			return *stored
		}
	}

	return models.NewSession(participantID)
}

// storeSession stamps and persists a session, keeping the cache as the
// in-process fallback when the store is unavailable.
func (e *Engine) storeSession(ctx context.Context, session models.Session) {
	session.UpdatedAt = time.Now().UTC()

	e.mu.Lock()
	e.cache[session.ParticipantID] = session
	e.mu.Unlock()

	if err := e.sessions.SaveSession(ctx, session); err != nil {
		slog.Error("Engine.storeSession: save failed",
			"error", err, "participantID", session.ParticipantID)
		e.count(ctx, models.MetricErrors)
	}
}

func (e *Engine) count(ctx context.Context, metric models.Metric) {
	if e.metrics == nil {
		return
	}
	if err := e.metrics.IncrMetric(ctx, metric); err != nil {
		slog.Warn("Engine.count: metric increment failed", "error", err, "metric", metric)
	}
}
