// Package cache provides an optional Redis-backed read cache for API
// responses. When Redis is disabled or unavailable every operation degrades
// to a miss and callers fall back to the database.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"eth-trading-agent/config"
	"eth-trading-agent/internal/logging"
)

// Key builders for the read endpoints
const (
	KeyKlines    = "klines:%s:%s:%d" // symbol, timeframe, limit
	KeyPortfolio = "portfolio:%s"    // symbol
	KeySignals   = "signals:%s"      // symbol
	KeyDecisions = "decisions:%s:%d:%d"
)

// Service wraps a Redis client with health tracking. After maxFailures
// consecutive errors the cache is marked unhealthy and reads short-circuit
// to misses until an operation succeeds again.
type Service struct {
	client *redis.Client
	ttl    time.Duration
	log    *logging.Logger

	mu           sync.RWMutex
	healthy      bool
	failureCount int

	maxFailures int
}

// New builds the cache service. Returns nil when Redis is disabled; a nil
// *Service is safe to use and always misses.
func New(cfg config.RedisConfig) *Service {
	if !cfg.Enabled {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	s := &Service{
		client:      client,
		ttl:         cfg.TTL,
		log:         logging.WithComponent("cache"),
		maxFailures: 3,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		s.log.Warn("redis unreachable, starting degraded", "error", err)
		return s
	}

	s.healthy = true
	s.log.Info("redis connected", "address", cfg.Address)
	return s
}

func (s *Service) IsHealthy() bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

func (s *Service) recordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount++
	if s.failureCount >= s.maxFailures && s.healthy {
		s.log.Warn("redis marked unhealthy", "failures", s.failureCount, "error", err)
		s.healthy = false
	}
}

func (s *Service) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount = 0
	if !s.healthy {
		s.log.Info("redis recovered")
		s.healthy = true
	}
}

// GetJSON loads a cached value into out. Returns false on any miss,
// including disabled or unhealthy cache.
func (s *Service) GetJSON(ctx context.Context, key string, out any) bool {
	if s == nil || !s.IsHealthy() {
		return false
	}

	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		s.recordSuccess()
		return false
	}
	if err != nil {
		s.recordFailure(err)
		return false
	}
	s.recordSuccess()

	if err := json.Unmarshal(data, out); err != nil {
		return false
	}
	return true
}

// SetJSON stores a value under the configured TTL. Best effort.
func (s *Service) SetJSON(ctx context.Context, key string, value any) {
	if s == nil || !s.IsHealthy() {
		return
	}

	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		s.recordFailure(err)
		return
	}
	s.recordSuccess()
}

// Invalidate drops keys matching the endpoint prefixes for a symbol.
// Called after a cycle writes new decisions and trades.
func (s *Service) Invalidate(ctx context.Context, symbol string) {
	if s == nil || !s.IsHealthy() {
		return
	}

	patterns := []string{
		fmt.Sprintf("klines:%s:*", symbol),
		fmt.Sprintf("portfolio:%s", symbol),
		fmt.Sprintf("signals:%s", symbol),
		fmt.Sprintf("decisions:%s:*", symbol),
	}
	for _, pattern := range patterns {
		iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
				s.recordFailure(err)
				return
			}
		}
		if err := iter.Err(); err != nil {
			s.recordFailure(err)
			return
		}
	}
	s.recordSuccess()
}

// Close releases the underlying client
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
