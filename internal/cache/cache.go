// Package cache provides Redis-backed runtime state for the engine: order
// ID sequences and position snapshots. When Redis is unavailable operations
// return errors and callers degrade gracefully.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"binance-futures-engine/internal/logging"
)

// Key prefixes per data kind.
const (
	prefixDailySequence    = "engine:%s:sequence:%s"
	prefixPositionSnapshot = "engine:position:%s"
)

const (
	sequenceTTL = 48 * time.Hour
	snapshotTTL = 7 * 24 * time.Hour

	maxFailures     = 3
	healthInterval  = 30 * time.Second
	recoveryBackoff = 60 * time.Second
)

// Config holds the Redis connection settings.
type Config struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// PositionSnapshot is the persisted view of one strategy's open position,
// used to seed reconciliation after a restart.
type PositionSnapshot struct {
	Symbol               string    `json:"symbol"`
	Side                 string    `json:"side"`
	EntryPrice           float64   `json:"entry_price"`
	EntryCandleCloseTime int64     `json:"entry_candle_close_time"`
	Quantity             float64   `json:"quantity"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Service wraps a Redis client with a simple failure counter so a dead
// Redis does not add latency to every order.
type Service struct {
	client *redis.Client
	log    zerolog.Logger

	mu           sync.Mutex
	healthy      bool
	failureCount int
	lastCheck    time.Time
}

// NewService connects to Redis and verifies connectivity.
func NewService(cfg Config) (*Service, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	s := &Service{
		client:  client,
		log:     logging.Component("cache"),
		healthy: true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return s, nil
}

// IsHealthy reports whether Redis is currently usable.
func (s *Service) IsHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

func (s *Service) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount++
	if s.failureCount >= maxFailures && s.healthy {
		s.healthy = false
		s.lastCheck = time.Now()
		s.log.Warn().Int("failures", s.failureCount).Msg("redis marked unhealthy")
	}
}

func (s *Service) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount = 0
	if !s.healthy {
		s.healthy = true
		s.log.Info().Msg("redis recovered")
	}
}

// checkHealth probes an unhealthy Redis at most once per backoff period.
func (s *Service) checkHealth(ctx context.Context) {
	s.mu.Lock()
	if s.healthy || time.Since(s.lastCheck) < recoveryBackoff {
		s.mu.Unlock()
		return
	}
	s.lastCheck = time.Now()
	s.mu.Unlock()

	if err := s.client.Ping(ctx).Err(); err == nil {
		s.recordSuccess()
	}
}

// IncrementDailySequence atomically increments a per-scope daily counter
// and returns the new value (1-indexed).
func (s *Service) IncrementDailySequence(ctx context.Context, scope, dateKey string) (int64, error) {
	s.checkHealth(ctx)
	if !s.IsHealthy() {
		return 0, fmt.Errorf("redis unavailable")
	}

	key := fmt.Sprintf(prefixDailySequence, scope, dateKey)
	val, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		s.recordFailure()
		return 0, fmt.Errorf("redis incr failed: %w", err)
	}
	s.recordSuccess()

	if val == 1 {
		s.client.Expire(ctx, key, sequenceTTL)
	}
	return val, nil
}

// SavePositionSnapshot persists a strategy's position state.
func (s *Service) SavePositionSnapshot(ctx context.Context, strategyID string, snap PositionSnapshot) error {
	s.checkHealth(ctx)
	if !s.IsHealthy() {
		return fmt.Errorf("redis unavailable")
	}

	snap.UpdatedAt = time.Now()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("snapshot marshal failed: %w", err)
	}

	key := fmt.Sprintf(prefixPositionSnapshot, strategyID)
	if err := s.client.Set(ctx, key, data, snapshotTTL).Err(); err != nil {
		s.recordFailure()
		return fmt.Errorf("redis set failed: %w", err)
	}
	s.recordSuccess()
	return nil
}

// LoadPositionSnapshot returns the persisted position for a strategy, or
// nil when none exists.
func (s *Service) LoadPositionSnapshot(ctx context.Context, strategyID string) (*PositionSnapshot, error) {
	s.checkHealth(ctx)
	if !s.IsHealthy() {
		return nil, fmt.Errorf("redis unavailable")
	}

	key := fmt.Sprintf(prefixPositionSnapshot, strategyID)
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		s.recordFailure()
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	s.recordSuccess()

	var snap PositionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("snapshot unmarshal failed: %w", err)
	}
	return &snap, nil
}

// DeletePositionSnapshot removes a strategy's persisted position.
func (s *Service) DeletePositionSnapshot(ctx context.Context, strategyID string) error {
	s.checkHealth(ctx)
	if !s.IsHealthy() {
		return fmt.Errorf("redis unavailable")
	}

	key := fmt.Sprintf(prefixPositionSnapshot, strategyID)
	if err := s.client.Del(ctx, key).Err(); err != nil {
		s.recordFailure()
		return fmt.Errorf("redis del failed: %w", err)
	}
	s.recordSuccess()
	return nil
}

// Close releases the Redis connection.
func (s *Service) Close() error {
	return s.client.Close()
}
