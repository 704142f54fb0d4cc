package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/ConciergePipe/internal/models"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore keeps all repositories in process memory. It is the default
// backend when no DSN is configured and the workhorse of the test suite.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]models.Session
	memory   map[string]map[string]string
	metrics  models.Metrics
	seen     map[string]time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]models.Session),
		memory:   make(map[string]map[string]string),
		metrics:  models.NewMetrics(),
		seen:     make(map[string]time.Time),
	}
}

func (s *InMemoryStore) LoadSession(ctx context.Context, participantID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[participantID]
	if !ok {
		return nil, nil
	}
	copied := session
	copied.Queue = append([]models.QuestionSlot(nil), session.Queue...)
	copied.Answers = copyStringMap(session.Answers)
	return &copied, nil
}

func (s *InMemoryStore) SaveSession(ctx context.Context, session models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := session
	stored.Queue = append([]models.QuestionSlot(nil), session.Queue...)
	stored.Answers = copyStringMap(session.Answers)
	s.sessions[session.ParticipantID] = stored
	return nil
}

func (s *InMemoryStore) DeleteSession(ctx context.Context, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, participantID)
	return nil
}

func (s *InMemoryStore) ListSessions(ctx context.Context) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := make([]models.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		copied := session
		copied.Queue = append([]models.QuestionSlot(nil), session.Queue...)
		copied.Answers = copyStringMap(session.Answers)
		sessions = append(sessions, copied)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ParticipantID < sessions[j].ParticipantID
	})
	return sessions, nil
}

func (s *InMemoryStore) LoadMemory(ctx context.Context, participantID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyStringMap(s.memory[participantID]), nil
}

func (s *InMemoryStore) SaveMemory(ctx context.Context, participantID string, memory map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory[participantID] = copyStringMap(memory)
	return nil
}

func (s *InMemoryStore) LoadMetrics(ctx context.Context) (models.Metrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyMetrics(s.metrics), nil
}

func (s *InMemoryStore) SaveMetrics(ctx context.Context, metrics models.Metrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = copyMetrics(metrics)
	return nil
}

func (s *InMemoryStore) IncrMetric(ctx context.Context, metric models.Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.Apply(metric, 1)
	return nil
}

func (s *InMemoryStore) ResetMetrics(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reset := models.NewMetrics()
	now := time.Now().UTC()
	reset.LastReset = &now
	s.metrics = reset
	return nil
}

func (s *InMemoryStore) SeenMessage(ctx context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.seen[messageID]
	return ok, nil
}

func (s *InMemoryStore) MarkMessageSeen(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[messageID] = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	copied := make(map[string]string, len(m))
	for k, v := range m {
		copied[k] = v
	}
	return copied
}

func copyMetrics(m models.Metrics) models.Metrics {
	copied := m
	copied.FlowsCompleted = make(map[models.Flow]int64, len(m.FlowsCompleted))
	for flow, n := range m.FlowsCompleted {
		copied.FlowsCompleted[flow] = n
	}
	if m.LastReset != nil {
		t := *m.LastReset
		copied.LastReset = &t
	}
	return copied
}
