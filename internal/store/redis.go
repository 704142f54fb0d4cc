// Package store provides storage backends for ConciergePipe.
//
// This file implements a Redis-backed store. Sessions live in one hash,
// participant memory in a hash per participant, and metrics in a hash whose
// counters are incremented server-side.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	rd "github.com/go-redis/redis/v9"

	"github.com/BTreeMap/ConciergePipe/internal/models"
)

const (
	// defaultRedisNamespace prefixes every key this store touches.
	defaultRedisNamespace = "conciergepipe"
	// dedupRetention bounds how long processed message IDs are remembered;
	// transport retries arrive well within this window.
	dedupRetention = 7 * 24 * time.Hour
	// lastResetField is the metrics hash field holding the reset timestamp.
	lastResetField = "last_reset"
)

// Compile-time check that RedisStore implements Store.
var _ Store = (*RedisStore)(nil)

type RedisStore struct {
	client    rd.UniversalClient
	namespace string
}

// NewRedisStore creates a Redis store from a redis:// or rediss:// DSN.
func NewRedisStore(opts ...Option) (*RedisStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewRedisStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("RedisStore DSN not set")
		return nil, fmt.Errorf("redis DSN not set")
	}
	parsed, err := rd.ParseURL(cfg.DSN)
	if err != nil {
		slog.Error("RedisStore DSN parse failed", "error", err)
		return nil, fmt.Errorf("invalid redis DSN: %w", err)
	}
	client := rd.NewUniversalClient(&rd.UniversalOptions{
		Addrs:    []string{parsed.Addr},
		Username: parsed.Username,
		Password: parsed.Password,
		DB:       parsed.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		slog.Error("Redis ping failed", "error", err)
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	slog.Debug("Redis connection established", "addr", parsed.Addr, "db", parsed.DB)
	return &RedisStore{client: client, namespace: defaultRedisNamespace}, nil
}

func (s *RedisStore) key(args ...string) string {
	return fmt.Sprintf("%s:%s", s.namespace, strings.Join(args, ":"))
}

func (s *RedisStore) LoadSession(ctx context.Context, participantID string) (*models.Session, error) {
	raw, err := s.client.HGet(ctx, s.key("sessions"), participantID).Result()
	if err == rd.Nil {
		return nil, nil
	}
	if err != nil {
		slog.Error("RedisStore LoadSession failed", "error", err, "participantID", participantID)
		return nil, fmt.Errorf("failed to load session for %s: %w", participantID, err)
	}
	var session models.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		slog.Error("RedisStore LoadSession decode failed", "error", err, "participantID", participantID)
		return nil, fmt.Errorf("failed to decode session for %s: %w", participantID, err)
	}
	return &session, nil
}

func (s *RedisStore) SaveSession(ctx context.Context, session models.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		slog.Error("RedisStore SaveSession encode failed", "error", err, "participantID", session.ParticipantID)
		return fmt.Errorf("failed to encode session for %s: %w", session.ParticipantID, err)
	}
	if err := s.client.HSet(ctx, s.key("sessions"), []string{session.ParticipantID, string(data)}).Err(); err != nil {
		slog.Error("RedisStore SaveSession failed", "error", err, "participantID", session.ParticipantID)
		return fmt.Errorf("failed to save session for %s: %w", session.ParticipantID, err)
	}
	return nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, participantID string) error {
	if err := s.client.HDel(ctx, s.key("sessions"), participantID).Err(); err != nil {
		slog.Error("RedisStore DeleteSession failed", "error", err, "participantID", participantID)
		return fmt.Errorf("failed to delete session for %s: %w", participantID, err)
	}
	return nil
}

func (s *RedisStore) ListSessions(ctx context.Context) ([]models.Session, error) {
	entries, err := s.client.HGetAll(ctx, s.key("sessions")).Result()
	if err != nil {
		slog.Error("RedisStore ListSessions failed", "error", err)
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	sessions := make([]models.Session, 0, len(entries))
	for participantID, raw := range entries {
		var session models.Session
		if err := json.Unmarshal([]byte(raw), &session); err != nil {
			slog.Error("RedisStore ListSessions decode failed", "error", err, "participantID", participantID)
			return nil, fmt.Errorf("failed to decode session for %s: %w", participantID, err)
		}
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ParticipantID < sessions[j].ParticipantID
	})
	return sessions, nil
}

func (s *RedisStore) LoadMemory(ctx context.Context, participantID string) (map[string]string, error) {
	memory, err := s.client.HGetAll(ctx, s.key("memory", participantID)).Result()
	if err != nil {
		slog.Error("RedisStore LoadMemory failed", "error", err, "participantID", participantID)
		return nil, fmt.Errorf("failed to load memory for %s: %w", participantID, err)
	}
	if len(memory) == 0 {
		return nil, nil
	}
	return memory, nil
}

func (s *RedisStore) SaveMemory(ctx context.Context, participantID string, memory map[string]string) error {
	key := s.key("memory", participantID)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(memory) > 0 {
		pairs := make([]string, 0, len(memory)*2)
		for k, v := range memory {
			pairs = append(pairs, k, v)
		}
		pipe.HSet(ctx, key, pairs)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("RedisStore SaveMemory failed", "error", err, "participantID", participantID)
		return fmt.Errorf("failed to save memory for %s: %w", participantID, err)
	}
	return nil
}

func (s *RedisStore) LoadMetrics(ctx context.Context) (models.Metrics, error) {
	metrics := models.NewMetrics()
	fields, err := s.client.HGetAll(ctx, s.key("metrics")).Result()
	if err != nil {
		slog.Error("RedisStore LoadMetrics failed", "error", err)
		return metrics, fmt.Errorf("failed to load metrics: %w", err)
	}
	for name, raw := range fields {
		if name == lastResetField {
			if t, perr := time.Parse(time.RFC3339, raw); perr == nil {
				metrics.LastReset = &t
			}
			continue
		}
		value, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			slog.Warn("RedisStore LoadMetrics skipping bad counter", "metric", name, "value", raw)
			continue
		}
		metrics.Apply(models.Metric(name), value)
	}
	return metrics, nil
}

func (s *RedisStore) SaveMetrics(ctx context.Context, metrics models.Metrics) error {
	key := s.key("metrics")
	pairs := make([]string, 0, 16)
	for name, value := range metrics.Counters() {
		pairs = append(pairs, string(name), strconv.FormatInt(value, 10))
	}
	if metrics.LastReset != nil {
		pairs = append(pairs, lastResetField, metrics.LastReset.UTC().Format(time.RFC3339))
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, pairs)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("RedisStore SaveMetrics failed", "error", err)
		return fmt.Errorf("failed to save metrics: %w", err)
	}
	return nil
}

func (s *RedisStore) IncrMetric(ctx context.Context, metric models.Metric) error {
	if err := s.client.HIncrBy(ctx, s.key("metrics"), string(metric), 1).Err(); err != nil {
		slog.Error("RedisStore IncrMetric failed", "error", err, "metric", metric)
		return fmt.Errorf("failed to increment metric %s: %w", metric, err)
	}
	return nil
}

func (s *RedisStore) ResetMetrics(ctx context.Context) error {
	reset := models.NewMetrics()
	now := time.Now().UTC()
	reset.LastReset = &now
	return s.SaveMetrics(ctx, reset)
}

func (s *RedisStore) SeenMessage(ctx context.Context, messageID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key("dedup", messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) MarkMessageSeen(ctx context.Context, messageID string) error {
	if err := s.client.Set(ctx, s.key("dedup", messageID), "1", dedupRetention).Err(); err != nil {
		return fmt.Errorf("record inbound failed: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	slog.Debug("Closing Redis connection")
	return s.client.Close()
}
