// Package store provides storage backends for ConciergePipe.
//
// This file implements a JSON file store: one file per repository inside a
// state directory, each write going through a temp file and an atomic rename
// so readers never observe a partially written file.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/ConciergePipe/internal/models"
)

// File names inside the store directory.
const (
	sessionsFileName = "sessions.json"
	memoryFileName   = "memory.json"
	metricsFileName  = "metrics.json"
	dedupFileName    = "dedup.json"
)

// Compile-time check that FileStore implements Store.
var _ Store = (*FileStore)(nil)

// FileStore persists every repository as a JSON file under one directory.
// A single process must own the directory; the mutex serializes the
// read-modify-write cycles within that process.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates a file store rooted at the DSN directory (an optional
// file: prefix is stripped). The directory is created if missing.
func NewFileStore(opts ...Option) (*FileStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	dir := strings.TrimPrefix(cfg.DSN, "file:")
	if dir == "" {
		slog.Error("FileStore directory not set")
		return nil, fmt.Errorf("store directory not set")
	}
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create store directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	slog.Debug("FileStore initialized", "dir", dir)
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) LoadSession(ctx context.Context, participantID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions := s.readSessions()
	session, ok := sessions[participantID]
	if !ok {
		return nil, nil
	}
	return &session, nil
}

func (s *FileStore) SaveSession(ctx context.Context, session models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions := s.readSessions()
	sessions[session.ParticipantID] = session
	return s.writeFile(sessionsFileName, sessions)
}

func (s *FileStore) DeleteSession(ctx context.Context, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions := s.readSessions()
	if _, ok := sessions[participantID]; !ok {
		return nil
	}
	delete(sessions, participantID)
	return s.writeFile(sessionsFileName, sessions)
}

func (s *FileStore) ListSessions(ctx context.Context) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.readSessions()
	sessions := make([]models.Session, 0, len(byID))
	for _, session := range byID {
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ParticipantID < sessions[j].ParticipantID
	})
	return sessions, nil
}

func (s *FileStore) LoadMemory(ctx context.Context, participantID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	memory := make(map[string]map[string]string)
	s.readFile(memoryFileName, &memory)
	return memory[participantID], nil
}

func (s *FileStore) SaveMemory(ctx context.Context, participantID string, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	memory := make(map[string]map[string]string)
	s.readFile(memoryFileName, &memory)
	memory[participantID] = values
	return s.writeFile(memoryFileName, memory)
}

func (s *FileStore) LoadMetrics(ctx context.Context) (models.Metrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readMetrics(), nil
}

func (s *FileStore) SaveMetrics(ctx context.Context, metrics models.Metrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeFile(metricsFileName, metrics)
}

func (s *FileStore) IncrMetric(ctx context.Context, metric models.Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	metrics := s.readMetrics()
	metrics.Apply(metric, 1)
	return s.writeFile(metricsFileName, metrics)
}

func (s *FileStore) ResetMetrics(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reset := models.NewMetrics()
	now := time.Now().UTC()
	reset.LastReset = &now
	return s.writeFile(metricsFileName, reset)
}

func (s *FileStore) SeenMessage(ctx context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]time.Time)
	s.readFile(dedupFileName, &seen)
	_, ok := seen[messageID]
	return ok, nil
}

func (s *FileStore) MarkMessageSeen(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]time.Time)
	s.readFile(dedupFileName, &seen)
	seen[messageID] = time.Now().UTC()
	return s.writeFile(dedupFileName, seen)
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) readSessions() map[string]models.Session {
	sessions := make(map[string]models.Session)
	s.readFile(sessionsFileName, &sessions)
	return sessions
}

func (s *FileStore) readMetrics() models.Metrics {
	metrics := models.NewMetrics()
	s.readFile(metricsFileName, &metrics)
	if metrics.FlowsCompleted == nil {
		metrics.FlowsCompleted = models.NewMetrics().FlowsCompleted
	}
	return metrics
}

// readFile loads a JSON file into out. A missing or unreadable file leaves
// out untouched: the store degrades to its defaults instead of failing.
func (s *FileStore) readFile(name string, out interface{}) {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("FileStore read failed, using defaults", "error", err, "file", name)
		}
		return
	}
	if err := json.Unmarshal(data, out); err != nil {
		slog.Warn("FileStore decode failed, using defaults", "error", err, "file", name)
	}
}

// writeFile marshals v and replaces the target file via temp file + rename.
func (s *FileStore) writeFile(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		slog.Error("FileStore encode failed", "error", err, "file", name)
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	path := filepath.Join(s.dir, name)
	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		slog.Error("FileStore temp file creation failed", "error", err, "file", name)
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		slog.Error("FileStore write failed", "error", err, "file", name)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file for %s: %w", name, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		slog.Error("FileStore rename failed", "error", err, "file", name)
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}
