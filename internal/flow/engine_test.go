package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/BTreeMap/ConciergePipe/internal/genai"
	"github.com/BTreeMap/ConciergePipe/internal/models"
)

// eventLog records the order of cross-component side effects so tests can
// assert sequencing, not just occurrence.
type eventLog struct {
	events []string
}

func (l *eventLog) add(event string) {
	l.events = append(l.events, event)
}

type fakeSessionStore struct {
	sessions map[string]models.Session
	loadErr  error
	saveErr  error
	log      *eventLog
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[string]models.Session)}
}

func (s *fakeSessionStore) LoadSession(ctx context.Context, participantID string) (*models.Session, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	session, ok := s.sessions[participantID]
	if !ok {
		return nil, nil
	}
	return &session, nil
}

func (s *fakeSessionStore) SaveSession(ctx context.Context, session models.Session) error {
	if s.log != nil {
		s.log.add("save:" + string(session.Stage))
	}
	if s.saveErr != nil {
		return s.saveErr
	}
	s.sessions[session.ParticipantID] = session
	return nil
}

type fakeDedupStore struct {
	seen    map[string]bool
	seenErr error
}

func newFakeDedupStore() *fakeDedupStore {
	return &fakeDedupStore{seen: make(map[string]bool)}
}

func (d *fakeDedupStore) SeenMessage(ctx context.Context, messageID string) (bool, error) {
	if d.seenErr != nil {
		return false, d.seenErr
	}
	return d.seen[messageID], nil
}

func (d *fakeDedupStore) MarkMessageSeen(ctx context.Context, messageID string) error {
	d.seen[messageID] = true
	return nil
}

// loggingGenerator feeds the shared event log so dispatch order is visible.
type loggingGenerator struct {
	stubGenerator
	log *eventLog
}

func (g *loggingGenerator) Generate(ctx context.Context, prompt string, opts genai.GenerateOptions) (string, error) {
	if g.log != nil {
		g.log.add("generate")
	}
	return g.stubGenerator.Generate(ctx, prompt, opts)
}

func newTestEngine(gen Generator, sessions SessionStore, dedup DedupStore, metrics MetricsStore) *Engine {
	dispatcher := NewDispatcher(gen, nil, metrics)
	return NewEngine(NewTurnProcessor(NewCatalog()), dispatcher, sessions, dedup, metrics)
}

func say(t *testing.T, e *Engine, from, body string) []string {
	t.Helper()
	outputs, err := e.HandleResponse(context.Background(), models.Response{From: from, Body: body})
	if err != nil {
		t.Fatalf("HandleResponse(%q) error: %v", body, err)
	}
	return outputs
}

func TestEngineFullConversation(t *testing.T) {
	gen := &stubGenerator{text: "your meal plan"}
	sessions := newFakeSessionStore()
	metrics := &fakeMetricsStore{}
	e := newTestEngine(gen, sessions, nil, metrics)

	say(t, e, "user-1", "english")
	say(t, e, "user-1", "diet")
	for _, answer := range []string{"30", "Male", "178", "74", "Lose", "moderate", "Vegetarian"} {
		say(t, e, "user-1", answer)
	}
	outputs := say(t, e, "user-1", "no")

	want := []string{
		"Preparing your results… please wait.",
		"your meal plan",
		"What else can I help with in English? (diet / shopping / travel)",
	}
	if len(outputs) != len(want) {
		t.Fatalf("outputs = %v", outputs)
	}
	for i := range want {
		if outputs[i] != want[i] {
			t.Errorf("outputs[%d] = %q, want %q", i, outputs[i], want[i])
		}
	}

	stored := sessions.sessions["user-1"]
	if stored.Stage != models.StageChoosingFlow || stored.Language != models.LanguageEnglish {
		t.Errorf("stored session = %+v", stored)
	}
	if stored.Flow != "" || len(stored.Queue) != 0 {
		t.Errorf("stored session still carries flow data: %+v", stored)
	}

	if got := metrics.counts[models.MetricTotalMessages]; got != 10 {
		t.Errorf("total messages = %d, want 10", got)
	}
	if got := metrics.counts[models.MetricSessionsCreated]; got != 1 {
		t.Errorf("sessions created = %d, want 1", got)
	}
	if got := metrics.counts[models.MetricFlowsCompletedDiet]; got != 1 {
		t.Errorf("diet completions = %d, want 1", got)
	}
}

func TestEngineSessionsCreatedCountsFlowSelection(t *testing.T) {
	metrics := &fakeMetricsStore{}
	e := newTestEngine(&stubGenerator{text: "ok"}, newFakeSessionStore(), nil, metrics)

	say(t, e, "user-1", "english")
	if got := metrics.counts[models.MetricSessionsCreated]; got != 0 {
		t.Fatalf("language selection must not count a session, got %d", got)
	}

	say(t, e, "user-1", "pizza")
	if got := metrics.counts[models.MetricSessionsCreated]; got != 0 {
		t.Fatalf("a rejected flow choice must not count a session, got %d", got)
	}

	say(t, e, "user-1", "travel")
	if got := metrics.counts[models.MetricSessionsCreated]; got != 1 {
		t.Errorf("sessions created = %d, want 1", got)
	}
}

func TestEngineEmptyParticipant(t *testing.T) {
	e := newTestEngine(&stubGenerator{}, newFakeSessionStore(), nil, nil)

	_, err := e.HandleResponse(context.Background(), models.Response{From: "   ", Body: "hello"})
	if !errors.Is(err, models.ErrEmptyParticipantID) {
		t.Errorf("error = %v, want ErrEmptyParticipantID", err)
	}
}

func TestEngineDropsDuplicateDeliveries(t *testing.T) {
	dedup := newFakeDedupStore()
	metrics := &fakeMetricsStore{}
	e := newTestEngine(&stubGenerator{}, newFakeSessionStore(), dedup, metrics)

	first, err := e.HandleResponse(context.Background(), models.Response{From: "user-1", Body: "english", MessageID: "msg-1"})
	if err != nil || len(first) == 0 {
		t.Fatalf("first delivery failed: %v %v", first, err)
	}
	if !dedup.seen["msg-1"] {
		t.Fatal("processed message was not recorded")
	}

	second, err := e.HandleResponse(context.Background(), models.Response{From: "user-1", Body: "english", MessageID: "msg-1"})
	if err != nil {
		t.Fatalf("duplicate delivery errored: %v", err)
	}
	if second != nil {
		t.Errorf("duplicate delivery produced replies: %v", second)
	}
	if got := metrics.counts[models.MetricTotalMessages]; got != 1 {
		t.Errorf("total messages = %d, want 1 (duplicates are dropped before counting)", got)
	}
}

func TestEngineConcurrentDuplicateDeliveryAdvancesOnce(t *testing.T) {
	dedup := newFakeDedupStore()
	sessions := newFakeSessionStore()
	e := newTestEngine(&stubGenerator{}, sessions, dedup, nil)

	say(t, e, "user-1", "english")
	say(t, e, "user-1", "diet")

	// A transport retry while the first copy is still in flight: both
	// deliveries carry the same message ID and start together.
	start := make(chan struct{})
	results := make(chan []string, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			outputs, err := e.HandleResponse(context.Background(), models.Response{
				From: "user-1", Body: "30", MessageID: "msg-retry",
			})
			if err != nil {
				t.Errorf("HandleResponse error: %v", err)
			}
			results <- outputs
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	replied := 0
	for outputs := range results {
		if len(outputs) > 0 {
			replied++
		}
	}
	if replied != 1 {
		t.Errorf("replies from %d deliveries, want exactly 1", replied)
	}

	stored := sessions.sessions["user-1"]
	if stored.Cursor != 1 {
		t.Errorf("cursor = %d after a duplicate delivery, want 1", stored.Cursor)
	}
	if len(stored.Answers) != 1 || stored.Answers["age"] != "30" {
		t.Errorf("answers = %v, want only age recorded once", stored.Answers)
	}
}

func TestEngineSerializesConcurrentTurns(t *testing.T) {
	const turns = 5
	sessions := newFakeSessionStore()
	metrics := &fakeMetricsStore{}
	e := newTestEngine(&stubGenerator{}, sessions, newFakeDedupStore(), metrics)

	say(t, e, "user-1", "english")
	say(t, e, "user-1", "diet")

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := e.HandleResponse(context.Background(), models.Response{
				From:      "user-1",
				Body:      fmt.Sprintf("answer-%d", i),
				MessageID: fmt.Sprintf("msg-%d", i),
			})
			if err != nil {
				t.Errorf("HandleResponse error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	stored := sessions.sessions["user-1"]
	if stored.Cursor != turns {
		t.Errorf("cursor = %d, want %d (no skipped or doubled turns)", stored.Cursor, turns)
	}
	if len(stored.Answers) != turns {
		t.Errorf("answers = %v, want %d recorded slots", stored.Answers, turns)
	}
	for _, key := range []string{"age", "gender", "height_cm", "weight_kg", "goal"} {
		if stored.Answers[key] == "" {
			t.Errorf("slot %q has no recorded answer: %v", key, stored.Answers)
		}
	}
	if got := metrics.counts[models.MetricTotalMessages]; got != turns+2 {
		t.Errorf("total messages = %d, want %d", got, turns+2)
	}
}

func TestEngineDedupFailureDoesNotBlockTurn(t *testing.T) {
	dedup := newFakeDedupStore()
	dedup.seenErr = errors.New("store offline")
	e := newTestEngine(&stubGenerator{}, newFakeSessionStore(), dedup, nil)

	outputs, err := e.HandleResponse(context.Background(), models.Response{From: "user-1", Body: "english", MessageID: "msg-1"})
	if err != nil {
		t.Fatalf("HandleResponse error: %v", err)
	}
	if len(outputs) != 1 || !strings.Contains(outputs[0], "Language set to **English**") {
		t.Errorf("outputs = %v", outputs)
	}
}

func TestEnginePersistsResetBeforeDispatch(t *testing.T) {
	log := &eventLog{}
	gen := &loggingGenerator{stubGenerator: stubGenerator{text: "plan"}, log: log}
	sessions := newFakeSessionStore()
	sessions.log = log
	e := newTestEngine(gen, sessions, nil, nil)

	say(t, e, "user-1", "english")
	say(t, e, "user-1", "diet")
	for _, answer := range []string{"30", "Male", "178", "74", "Lose", "moderate", "Vegetarian"} {
		say(t, e, "user-1", answer)
	}
	log.events = nil
	say(t, e, "user-1", "no")

	if len(log.events) != 2 || log.events[0] != "save:choosing_flow" || log.events[1] != "generate" {
		t.Errorf("events = %v, want the reset saved before the generator runs", log.events)
	}
}

func TestEngineGeneratorFailureKeepsReset(t *testing.T) {
	gen := &stubGenerator{err: errors.New("rate limited")}
	sessions := newFakeSessionStore()
	e := newTestEngine(gen, sessions, nil, nil)

	say(t, e, "user-1", "english")
	say(t, e, "user-1", "shopping")
	for _, answer := range []string{"INR", "5000", "Electronics", "Gift", "2", "none"} {
		say(t, e, "user-1", answer)
	}
	outputs := say(t, e, "user-1", "no")

	if len(outputs) != 3 || !strings.HasPrefix(outputs[1], "⚠️ Generator error:") {
		t.Fatalf("outputs = %v", outputs)
	}

	stored := sessions.sessions["user-1"]
	if stored.Stage != models.StageChoosingFlow {
		t.Errorf("stage = %s, the reset must survive a generator failure", stored.Stage)
	}
	if stored.Language != models.LanguageEnglish {
		t.Errorf("language = %s, want english", stored.Language)
	}

	// The participant can start the next flow immediately.
	next := say(t, e, "user-1", "diet")
	if len(next) != 1 || next[0] != "Your age?" {
		t.Errorf("next flow did not start: %v", next)
	}
}

func TestEngineLoadFailureStartsFresh(t *testing.T) {
	sessions := newFakeSessionStore()
	sessions.loadErr = errors.New("store offline")
	metrics := &fakeMetricsStore{}
	e := newTestEngine(&stubGenerator{}, sessions, nil, metrics)

	outputs, err := e.HandleResponse(context.Background(), models.Response{From: "user-1", Body: "hello"})
	if err != nil {
		t.Fatalf("HandleResponse error: %v", err)
	}
	if len(outputs) != 1 || outputs[0] != "Please select a language: English / Hindi / Marathi / Telugu" {
		t.Errorf("a load failure should restart at language selection, got %v", outputs)
	}
	if metrics.counts[models.MetricErrors] == 0 {
		t.Error("a load failure must be counted")
	}
}

func TestEngineCorruptSessionStartsFresh(t *testing.T) {
	sessions := newFakeSessionStore()
	sessions.sessions["user-1"] = models.Session{
		ParticipantID: "user-1",
		Stage:         models.Stage("corrupted"),
	}
	metrics := &fakeMetricsStore{}
	e := newTestEngine(&stubGenerator{}, sessions, nil, metrics)

	outputs := say(t, e, "user-1", "english")
	if len(outputs) != 1 || !strings.Contains(outputs[0], "Language set to **English**") {
		t.Errorf("a corrupt session should degrade to a fresh one, got %v", outputs)
	}
	if metrics.counts[models.MetricErrors] != 1 {
		t.Errorf("errors = %d, want 1", metrics.counts[models.MetricErrors])
	}
}

func TestEngineSaveFailureFallsBackToCache(t *testing.T) {
	sessions := newFakeSessionStore()
	sessions.saveErr = errors.New("disk full")
	metrics := &fakeMetricsStore{}
	e := newTestEngine(&stubGenerator{}, sessions, nil, metrics)

	say(t, e, "user-1", "english")
	outputs := say(t, e, "user-1", "diet")
	if len(outputs) != 1 || outputs[0] != "Your age?" {
		t.Errorf("conversation should continue from the cached session, got %v", outputs)
	}
	if metrics.counts[models.MetricErrors] != 2 {
		t.Errorf("errors = %d, want 2 (one per failed save)", metrics.counts[models.MetricErrors])
	}
}

func TestEngineInvalidateSession(t *testing.T) {
	sessions := newFakeSessionStore()
	e := newTestEngine(&stubGenerator{}, sessions, nil, nil)

	say(t, e, "user-1", "english")
	delete(sessions.sessions, "user-1")
	e.InvalidateSession("user-1")

	outputs := say(t, e, "user-1", "diet")
	if len(outputs) != 1 || outputs[0] != "Please select a language: English / Hindi / Marathi / Telugu" {
		t.Errorf("invalidated session should restart at language selection, got %v", outputs)
	}
}
